package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"market_alerts/internal/catalog"
	"market_alerts/internal/model"
	"market_alerts/internal/scheduler"
	"market_alerts/internal/session"
)

const defaultInterval = 15

func (b *Bot) handleStart(chatID int64) {
	b.reply(chatID, `Welcome to Market Alerts!

Save a marketplace search and get a message whenever a new listing matches.

Quick start:
1. /brands fr nike to find a brand
2. /add fr air max brand=Nike price=20-100 to create an alert
3. /list to see your alerts

Use /help for the full command reference.`)
}

func (b *Bot) handleHelp(chatID int64) {
	b.reply(chatID, fmt.Sprintf(`Alerts:
/add <segment> <text> [brand=A, B] [cat=C] [price=min-max] [every=min] add an alert
/list show all alerts
/info <id> alert details
/remove <id> delete an alert
/rename <id> <name> rename an alert
/interval <id> <min> set check interval (%d-%d)
/pause <id> pause checking
/resume <id> resume checking
/check <id> check now
/status <id> scan status
/history <id> [n] recent listings

Catalog:
/brands <segment> <name> search brands
/categories <segment> <name> search categories

Segments: %s`, b.cfg.MinCheckInterval, b.cfg.MaxCheckInterval, strings.Join(session.Segments(), ", ")))
}

func (b *Bot) handleAdd(ctx context.Context, chatID int64, args string) {
	if args == "" {
		b.reply(chatID, "Usage: /add <segment> <text> [brand=..] [cat=..] [price=min-max] [every=min]")
		return
	}
	parsed, err := ParseAddArgs(args)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}

	a := &model.Alert{
		UserID:          chatID,
		Segment:         parsed.Segment,
		SearchText:      parsed.Text,
		PriceMin:        parsed.PriceMin,
		PriceMax:        parsed.PriceMax,
		Currency:        session.Currency(parsed.Segment),
		IntervalMinutes: parsed.Interval,
		IsActive:        true,
		Notifications: model.NotificationConfig{
			model.ChannelTelegram: {Enabled: true, ChatID: chatID},
		},
	}
	if a.IntervalMinutes == 0 {
		a.IntervalMinutes = max(defaultInterval, b.cfg.MinCheckInterval)
	}

	if len(parsed.Brands) > 0 {
		brands, err := b.catalog.Resolve(ctx, model.KindBrand, parsed.Segment, parsed.Brands)
		if err != nil {
			b.reply(chatID, resolveMessage(err))
			return
		}
		for _, e := range brands {
			a.BrandIDs = append(a.BrandIDs, e.ExternalID)
			a.BrandNames = append(a.BrandNames, e.Name)
		}
	}
	if len(parsed.Categories) > 0 {
		cats, err := b.catalog.Resolve(ctx, model.KindCategory, parsed.Segment, parsed.Categories)
		if err != nil {
			b.reply(chatID, resolveMessage(err))
			return
		}
		for _, e := range cats {
			a.CategoryIDs = append(a.CategoryIDs, e.ExternalID)
			a.CategoryNames = append(a.CategoryNames, e.Name)
		}
	}
	a.Name = alertName(a)

	if err := a.Validate(b.cfg.MinCheckInterval, b.cfg.MaxCheckInterval); err != nil {
		b.reply(chatID, fmt.Sprintf("Invalid alert: %v", err))
		return
	}
	if err := b.store.CreateAlert(ctx, a); err != nil {
		b.reply(chatID, fmt.Sprintf("Failed to save alert: %v", err))
		return
	}

	b.log.Info("alert created", "alert_id", a.ID, "chat_id", chatID, "segment", a.Segment)
	b.reply(chatID, "Alert added! The first check records what is already listed, later checks report new listings.\n\n"+FormatAlertInfo(a))
}

func resolveMessage(err error) string {
	if errors.Is(err, catalog.ErrCacheMissUnresolvable) {
		return fmt.Sprintf("Could not resolve %v. Use /brands or /categories to find the exact name.",
			strings.TrimPrefix(err.Error(), catalog.ErrCacheMissUnresolvable.Error()+": "))
	}
	return fmt.Sprintf("Catalog lookup failed: %v", err)
}

func alertName(a *model.Alert) string {
	var parts []string
	if a.SearchText != "" {
		parts = append(parts, a.SearchText)
	}
	parts = append(parts, a.BrandNames...)
	if len(parts) == 0 {
		parts = a.CategoryNames
	}
	name := []rune(strings.Join(parts, " "))
	if len(name) > 100 {
		name = name[:100]
	}
	return string(name)
}

func (b *Bot) handleList(ctx context.Context, chatID int64) {
	alerts, err := b.store.ListAlerts(ctx, chatID)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, FormatAlertList(alerts))
}

// ownedAlert loads an alert of chatID, replying when there is none.
func (b *Bot) ownedAlert(ctx context.Context, chatID, id int64) (*model.Alert, bool) {
	a, err := b.store.GetAlert(ctx, id)
	if err != nil || a.UserID != chatID {
		b.reply(chatID, fmt.Sprintf("Alert #%d not found.", id))
		return nil, false
	}
	return a, true
}

func (b *Bot) handleInfo(ctx context.Context, chatID int64, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /info <id>")
		return
	}
	a, ok := b.ownedAlert(ctx, chatID, id)
	if !ok {
		return
	}

	msg := tgbotapi.NewMessage(chatID, FormatAlertInfo(a))
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Check now", fmt.Sprintf("%s:%d", cmdCheck, id)),
			tgbotapi.NewInlineKeyboardButtonData("History", fmt.Sprintf("%s:%d", cmdHistory, id)),
			tgbotapi.NewInlineKeyboardButtonData("Delete", fmt.Sprintf("delete_confirm:%d", id)),
		),
	)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send alert info", "error", err)
	}
}

func (b *Bot) handleRemove(ctx context.Context, chatID int64, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /remove <id>")
		return
	}
	a, ok := b.ownedAlert(ctx, chatID, id)
	if !ok {
		return
	}

	if err := b.store.DeleteAlert(ctx, id); err != nil {
		b.reply(chatID, fmt.Sprintf("Error deleting alert: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Alert #%d \"%s\" deleted.", id, a.Name))
}

func (b *Bot) handleRename(ctx context.Context, chatID int64, args string) {
	id, name, err := ParseRenameArgs(args)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}
	a, ok := b.ownedAlert(ctx, chatID, id)
	if !ok {
		return
	}

	if utf8.RuneCountInString(name) > 100 {
		b.reply(chatID, "Name is too long, use at most 100 characters.")
		return
	}
	a.Name = name
	if err := b.store.UpdateAlert(ctx, a); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Alert #%d renamed to \"%s\".", id, name))
}

func (b *Bot) handleInterval(ctx context.Context, chatID int64, args string) {
	id, mins, err := ParseIntervalArgs(args, b.cfg.MinCheckInterval, b.cfg.MaxCheckInterval)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}
	a, ok := b.ownedAlert(ctx, chatID, id)
	if !ok {
		return
	}

	a.IntervalMinutes = mins
	if err := b.store.UpdateAlert(ctx, a); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Alert #%d interval set to %d min.", id, mins))
}

func (b *Bot) handlePause(ctx context.Context, chatID int64, args string) {
	b.setActive(ctx, chatID, args, false)
}

func (b *Bot) handleResume(ctx context.Context, chatID int64, args string) {
	b.setActive(ctx, chatID, args, true)
}

func (b *Bot) setActive(ctx context.Context, chatID int64, args string, active bool) {
	verb, cmd := "resumed", "resume"
	if !active {
		verb, cmd = "paused", "pause"
	}
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Usage: /%s <id>", cmd))
		return
	}
	a, ok := b.ownedAlert(ctx, chatID, id)
	if !ok {
		return
	}

	// Resuming starts over from a fresh baseline instead of reporting
	// everything listed while the alert was paused.
	reactivated := active && !a.IsActive
	if reactivated {
		if err := b.store.ResetAlertHistory(ctx, id); err != nil {
			b.reply(chatID, fmt.Sprintf("Error: %v", err))
			return
		}
		b.log.Info("alert reactivated, history cleared", "alert_id", id)
	}

	a.IsActive = active
	if err := b.store.UpdateAlert(ctx, a); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	msg := fmt.Sprintf("Alert #%d \"%s\" %s.", id, a.Name, verb)
	if reactivated {
		msg += " History cleared; the next check records a new baseline."
	}
	b.reply(chatID, msg)
}

func (b *Bot) handleCheck(ctx context.Context, chatID int64, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /check <id>")
		return
	}
	a, ok := b.ownedAlert(ctx, chatID, id)
	if !ok {
		return
	}

	err = b.scans.TriggerNow(ctx, id)
	switch {
	case err == nil:
		b.reply(chatID, fmt.Sprintf("Check of #%d \"%s\" queued. New listings will arrive as messages.", id, a.Name))
	case errors.Is(err, scheduler.ErrAlreadyQueued):
		b.reply(chatID, fmt.Sprintf("#%d is already being checked.", id))
	case errors.Is(err, scheduler.ErrQueueFull):
		b.reply(chatID, "Too many checks are waiting, try again in a minute.")
	default:
		b.log.Error("trigger scan", "alert_id", id, "error", err)
		b.reply(chatID, "Checks are unavailable right now.")
	}
}

func (b *Bot) handleStatus(ctx context.Context, chatID int64, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /status <id>")
		return
	}
	a, ok := b.ownedAlert(ctx, chatID, id)
	if !ok {
		return
	}
	st, _ := b.scans.Status(id)
	b.reply(chatID, FormatStatus(a, st))
}

func (b *Bot) handleHistory(ctx context.Context, chatID int64, args string) {
	id, n, err := ParseHistoryArgs(args)
	if err != nil {
		b.reply(chatID, "Usage: /history <id> [count]")
		return
	}
	a, ok := b.ownedAlert(ctx, chatID, id)
	if !ok {
		return
	}
	seen, err := b.store.ListSeen(ctx, id, n)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, FormatHistory(a, seen))
}

func (b *Bot) handleLookup(ctx context.Context, chatID int64, args string, kind model.CatalogKind) {
	parsed, err := ParseLookupArgs(args)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Usage: /%s <segment> <name>", plural(kind)))
		return
	}
	res, err := b.catalog.Lookup(ctx, kind, parsed.Query, parsed.Segment, 10, false)
	if err != nil {
		b.log.Error("catalog lookup", "kind", kind, "segment", parsed.Segment, "error", err)
		b.reply(chatID, "Catalog lookup failed.")
		return
	}
	b.reply(chatID, FormatCatalog(kind, parsed.Query, res))
}
