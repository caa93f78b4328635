package bot

import (
	"context"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"market_alerts/internal/catalog"
	"market_alerts/internal/config"
	"market_alerts/internal/model"
	"market_alerts/internal/scheduler"
	"market_alerts/internal/storage"
)

// API is the part of the Telegram bot API the bot uses.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Catalog resolves brand and category names.
type Catalog interface {
	Lookup(ctx context.Context, kind model.CatalogKind, query, segment string, limit int, force bool) (catalog.Result, error)
	Resolve(ctx context.Context, kind model.CatalogKind, segment string, names []string) ([]model.CatalogEntry, error)
}

// Scans triggers and inspects alert scans.
type Scans interface {
	TriggerNow(ctx context.Context, alertID int64) error
	Status(alertID int64) (scheduler.Status, bool)
}

// Bot is the Telegram bot that handles user commands.
type Bot struct {
	api     API
	store   storage.Storage
	cfg     *config.Config
	catalog Catalog
	scans   Scans
	log     *slog.Logger
}

// New creates a Bot.
func New(api API, store storage.Storage, cfg *config.Config, cat Catalog, scans Scans, log *slog.Logger) *Bot {
	return &Bot{
		api:     api,
		store:   store,
		cfg:     cfg,
		catalog: cat,
		scans:   scans,
		log:     log,
	}
}

// Run starts the bot's long-polling loop, blocking until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update := <-updates:
			if update.CallbackQuery != nil {
				if !b.cfg.IsUserAllowed(update.CallbackQuery.From.ID) {
					continue
				}
				b.handleCallback(ctx, update.CallbackQuery)
				continue
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if !b.cfg.IsUserAllowed(update.Message.From.ID) {
				b.reply(update.Message.Chat.ID, "Access denied.")
				continue
			}
			b.handleCommand(ctx, update.Message)
		}
	}
}

// SendMessage sends a text message to the given chat.
func (b *Bot) SendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send message", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) reply(chatID int64, text string) {
	b.SendMessage(chatID, text)
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cmd := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())
	chatID := msg.Chat.ID

	b.log.Debug("command", "cmd", cmd, "args", args, "chat_id", chatID)

	switch cmd {
	case "start":
		b.handleStart(chatID)
	case "help":
		b.handleHelp(chatID)
	case "add":
		b.handleAdd(ctx, chatID, args)
	case "list":
		b.handleList(ctx, chatID)
	case "info":
		b.handleInfo(ctx, chatID, args)
	case "remove":
		b.handleRemove(ctx, chatID, args)
	case "rename":
		b.handleRename(ctx, chatID, args)
	case "interval":
		b.handleInterval(ctx, chatID, args)
	case "pause":
		b.handlePause(ctx, chatID, args)
	case "resume":
		b.handleResume(ctx, chatID, args)
	case cmdCheck:
		b.handleCheck(ctx, chatID, args)
	case cmdStatus:
		b.handleStatus(ctx, chatID, args)
	case cmdHistory:
		b.handleHistory(ctx, chatID, args)
	case "brands":
		b.handleLookup(ctx, chatID, args, model.KindBrand)
	case "categories":
		b.handleLookup(ctx, chatID, args, model.KindCategory)
	default:
		b.reply(chatID, "Unknown command. Use /help for a list of commands.")
	}
}
