package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	cmdCheck   = "check"
	cmdStatus  = "status"
	cmdHistory = "history"
)

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.Message == nil || cb.From == nil {
		return
	}
	chatID := cb.Message.Chat.ID

	callback := tgbotapi.NewCallback(cb.ID, "")
	if _, err := b.api.Send(callback); err != nil {
		b.log.Error("send callback ack", "error", err)
	}

	action, idStr, ok := strings.Cut(cb.Data, ":")
	if !ok {
		return
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return
	}

	b.log.Info("callback",
		"action", action,
		"id", id,
		"chat_id", chatID,
		"user_id", cb.From.ID,
		"username", cb.From.UserName,
	)

	switch action {
	case cmdCheck:
		b.handleCheck(ctx, chatID, idStr)
	case cmdStatus:
		b.handleStatus(ctx, chatID, idStr)
	case cmdHistory:
		b.handleHistory(ctx, chatID, idStr)
	case "delete_confirm":
		a, ok := b.ownedAlert(ctx, chatID, id)
		if !ok {
			return
		}
		msg := tgbotapi.NewMessage(chatID, fmt.Sprintf("Delete #%d \"%s\"? This cannot be undone.", id, a.Name))
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("Yes, delete", fmt.Sprintf("delete:%d", id)),
				tgbotapi.NewInlineKeyboardButtonData("Cancel", "noop:0"),
			),
		)
		if _, err := b.api.Send(msg); err != nil {
			b.log.Error("send delete confirmation", "error", err)
		}
	case "delete":
		b.handleRemove(ctx, chatID, idStr)
	}
}
