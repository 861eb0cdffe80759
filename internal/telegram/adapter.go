package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/convoy/internal/gateway"
	"github.com/user/convoy/internal/protocol"
	"github.com/user/convoy/internal/types"
)

const maxTelegramMessage = 4096

// Turns is the gateway surface the adapter drives.
type Turns interface {
	RunTurn(ctx context.Context, req gateway.TurnRequest) (*gateway.TurnResult, error)
	Messages(ctx context.Context, owner types.Identity, id types.ConversationID) ([]types.Message, error)
}

// Sender delivers outgoing messages. *tgbotapi.BotAPI satisfies it.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Adapter bridges Telegram chats to the gateway. Each chat is one
// conversation, owned by the chat.
type Adapter struct {
	bot     *tgbotapi.BotAPI
	sender  Sender
	turns   Turns
	allowed map[int64]bool
}

// New creates a Telegram adapter. An empty allowed list admits every chat.
func New(token string, turns Turns, allowed []int64) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	a := newAdapter(bot, turns, allowed)
	a.bot = bot
	return a, nil
}

func newAdapter(sender Sender, turns Turns, allowed []int64) *Adapter {
	a := &Adapter{sender: sender, turns: turns, allowed: make(map[int64]bool)}
	for _, id := range allowed {
		a.allowed[id] = true
	}
	return a
}

// Start begins long-polling for Telegram updates.
func (a *Adapter) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := a.bot.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			a.handleMessage(ctx, update.Message)
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return
		}
	}
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	if len(a.allowed) > 0 && !a.allowed[chatID] {
		slog.Warn("telegram chat not allowed", "chat_id", chatID)
		return
	}

	// Handle commands
	if msg.IsCommand() {
		a.handleCommand(ctx, msg)
		return
	}

	reply := &Reply{}
	_, err := a.turns.RunTurn(ctx, gateway.TurnRequest{
		Identity:       chatIdentity(chatID),
		ConversationID: chatConversation(chatID),
		Source:         "telegram",
		Text:           msg.Text,
		Binding: func(*types.Conversation, types.RequestID) protocol.Binding {
			return reply
		},
		Sink: reply,
	})
	if err != nil {
		slog.Error("telegram turn failed", "chat_id", chatID, "error", err)
	}
	a.sendResponse(chatID, reply.Text())
}

func (a *Adapter) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID

	switch msg.Command() {
	case "start":
		a.sendResponse(chatID, "Hello! I'm Convoy, your assistant. Send me a message to get started.")

	case "status":
		msgs, err := a.turns.Messages(ctx, chatIdentity(chatID), chatConversation(chatID))
		if err != nil {
			a.sendResponse(chatID, "Error fetching status.")
			return
		}
		a.sendResponse(chatID, fmt.Sprintf("Conversation: %s\nMessages: %d", chatConversation(chatID), len(msgs)))

	default:
		a.sendResponse(chatID, "Unknown command. Available: /start, /status")
	}
}

func (a *Adapter) sendResponse(chatID int64, text string) {
	parts := splitMessage(text)
	for _, part := range parts {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = "Markdown"
		if _, err := a.sender.Send(msg); err != nil {
			// Retry without markdown if it fails
			msg.ParseMode = ""
			if _, err := a.sender.Send(msg); err != nil {
				slog.Error("send message failed", "chat_id", chatID, "error", err)
			}
		}
	}
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end > len(text) {
			end = len(text)
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}

func chatIdentity(chatID int64) types.Identity {
	return types.Identity{UserID: "telegram:" + strconv.FormatInt(chatID, 10)}
}

func chatConversation(chatID int64) types.ConversationID {
	return types.ConversationIDFromKey("telegram", strconv.FormatInt(chatID, 10))
}
