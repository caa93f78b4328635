package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/hashicorp/go-multierror"
	"github.com/slack-go/slack"

	"market_alerts/internal/model"
)

const slackBatch = 10

// Slack posts block messages to an incoming webhook, at most ten listings
// per message.
type Slack struct {
	client     *http.Client
	defaultURL string
}

// NewSlack creates a Slack sink. defaultURL is used when the alert does not
// carry its own webhook.
func NewSlack(client *http.Client, defaultURL string) *Slack {
	if client == nil {
		client = http.DefaultClient
	}
	return &Slack{client: client, defaultURL: defaultURL}
}

func (s *Slack) Send(ctx context.Context, alert *model.Alert, items []model.Listing) error {
	url := alert.Notifications[model.ChannelSlack].WebhookURL
	if url == "" {
		url = s.defaultURL
	}
	if url == "" {
		return errors.New("no webhook configured")
	}

	var result *multierror.Error
	for start := 0; start < len(items); start += slackBatch {
		end := min(start+slackBatch, len(items))
		msg := SlackMessage(alert, items[start:end])
		if err := slack.PostWebhookCustomHTTPContext(ctx, url, s.client, msg); err != nil {
			result = multierror.Append(result, fmt.Errorf("post webhook for items %d-%d: %w", start+1, end, err))
		}
	}
	return result.ErrorOrNil()
}

// SlackMessage builds the webhook payload for a batch of listings.
func SlackMessage(alert *model.Alert, items []model.Listing) *slack.WebhookMessage {
	header := DigestSubject(alert, len(items))
	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, header, false, false)),
	}
	for _, it := range items {
		title := it.Title
		if it.URL != "" {
			title = fmt.Sprintf("<%s|%s>", it.URL, it.Title)
		}
		text := fmt.Sprintf("*%s*\n%s", title, FormatPrice(it.Price, it.Currency))
		if d := listingDetails(it); d != "" {
			text += "\n" + d
		}
		var accessory *slack.Accessory
		if it.ImageURL != "" {
			accessory = slack.NewAccessory(slack.NewImageBlockElement(it.ImageURL, it.Title))
		}
		blocks = append(blocks,
			slack.NewDividerBlock(),
			slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, accessory),
		)
	}
	return &slack.WebhookMessage{
		Text:   header,
		Blocks: &slack.Blocks{BlockSet: blocks},
	}
}
