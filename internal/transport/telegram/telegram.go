// Package telegram implements the transport collaborator over the
// Telegram Bot API. It holds one bot client per automation account and
// executes comment, react, invite, and view actions through it. The
// engine never retries a failed Execute; any backoff lives here or in
// the Bot API client itself.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/1evgeniyonegin1-gif/plamya-traffic/internal/directory"
	"github.com/1evgeniyonegin1-gif/plamya-traffic/internal/engine"
)

// Transport executes actions through per-account Telegram bot clients.
type Transport struct {
	clients map[string]*tgbot.Bot
	logger  *slog.Logger
}

// NewTransport builds one bot client per account from the id-to-token
// map. Accounts without a token simply never appear here; PickAccount
// results for them will fail at execution, which surfaces as a Failed
// attempt.
func NewTransport(tokens map[string]string, logger *slog.Logger, opts ...tgbot.Option) (*Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}

	clients := make(map[string]*tgbot.Bot, len(tokens))
	for accountID, token := range tokens {
		b, err := tgbot.New(token, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create bot client for account %s: %w", accountID, err)
		}
		clients[accountID] = b
	}

	return &Transport{
		clients: clients,
		logger:  logger.With("component", "transport"),
	}, nil
}

// Execute performs the action for the opportunity through the given
// account's client. The target reference is "chatID" or
// "chatID/messageID" depending on the action kind.
func (t *Transport) Execute(ctx context.Context, accountID string, opp engine.Opportunity, payload engine.Payload) error {
	client, ok := t.clients[accountID]
	if !ok {
		return fmt.Errorf("no telegram client for account %s", accountID)
	}

	chatID, messageID, err := parseTarget(opp.Target)
	if err != nil {
		return fmt.Errorf("bad target %q: %w", opp.Target, err)
	}

	switch opp.Kind {
	case directory.KindComment:
		params := &tgbot.SendMessageParams{
			ChatID: chatID,
			Text:   payload.Text(),
		}
		if messageID != 0 {
			params.ReplyParameters = &models.ReplyParameters{MessageID: messageID}
		}
		if _, err := client.SendMessage(ctx, params); err != nil {
			return fmt.Errorf("send comment failed: %w", err)
		}

	case directory.KindReact:
		emoji := payload.Text()
		if emoji == "" {
			emoji = "👍"
		}
		_, err := client.SetMessageReaction(ctx, &tgbot.SetMessageReactionParams{
			ChatID:    chatID,
			MessageID: messageID,
			Reaction: []models.ReactionType{{
				Type:              models.ReactionTypeTypeEmoji,
				ReactionTypeEmoji: &models.ReactionTypeEmoji{Type: "emoji", Emoji: emoji},
			}},
		})
		if err != nil {
			return fmt.Errorf("set reaction failed: %w", err)
		}

	case directory.KindInvite:
		if _, err := client.SendMessage(ctx, &tgbot.SendMessageParams{
			ChatID: chatID,
			Text:   payload.Text(),
		}); err != nil {
			return fmt.Errorf("send invite failed: %w", err)
		}

	case directory.KindView:
		// The Bot API has no story-view call; touching the chat keeps
		// the account's activity pattern plausible.
		if _, err := client.GetChat(ctx, &tgbot.GetChatParams{ChatID: chatID}); err != nil {
			return fmt.Errorf("view failed: %w", err)
		}

	default:
		return fmt.Errorf("unsupported action kind %q", opp.Kind)
	}

	t.logger.Info("Executed action",
		"account_id", accountID, "kind", opp.Kind, "target", opp.Target)
	return nil
}

// parseTarget splits "chatID" or "chatID/messageID" into its parts.
func parseTarget(target string) (int64, int, error) {
	chatPart, msgPart, hasMsg := strings.Cut(target, "/")
	chatID, err := strconv.ParseInt(chatPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid chat id: %w", err)
	}
	if !hasMsg {
		return chatID, 0, nil
	}
	messageID, err := strconv.Atoi(msgPart)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid message id: %w", err)
	}
	return chatID, messageID, nil
}
