package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"market_alerts/internal/model"
)

// MailClient sends a prepared message. *sendgrid.Client satisfies it.
type MailClient interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

var digestTemplate = template.Must(template.New("digest").Funcs(template.FuncMap{
	"price": FormatPrice,
}).Parse(`<h2>{{.Subject}}</h2>
<ul>
{{- range .Items}}
<li>{{if .URL}}<a href="{{.URL}}">{{.Title}}</a>{{else}}{{.Title}}{{end}} ({{price .Price .Currency}}){{if .BrandName}} {{.BrandName}}{{end}}</li>
{{- end}}
</ul>
`))

// Email sends one digest per dispatch to the address in the alert's email
// settings.
type Email struct {
	client MailClient
	from   *mail.Email
}

// NewEmail creates an Email sink sending from addr.
func NewEmail(client MailClient, addr string) *Email {
	return &Email{client: client, from: mail.NewEmail("Market alerts", addr)}
}

func (e *Email) Send(ctx context.Context, alert *model.Alert, items []model.Listing) error {
	to := alert.Notifications[model.ChannelEmail].To
	if to == "" {
		return errors.New("no recipient configured")
	}

	subject := DigestSubject(alert, len(items))
	var html bytes.Buffer
	if err := digestTemplate.Execute(&html, struct {
		Subject string
		Items   []model.Listing
	}{subject, items}); err != nil {
		return fmt.Errorf("render digest: %w", err)
	}

	msg := mail.NewSingleEmail(e.from, subject, mail.NewEmail("", to), FormatDigest(alert, items), html.String())
	resp, err := e.client.SendWithContext(ctx, msg)
	if err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("send mail: status %d: %s", resp.StatusCode, resp.Body)
	}
	return nil
}
