package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/tomatolab/classchat/internal/config"
	"github.com/tomatolab/classchat/internal/models"
	"github.com/tomatolab/classchat/internal/service"
)

var errAttachmentTooLarge = errors.New("attachment too large")

// API is the part of *tgbotapi.BotAPI the bot uses.
type API interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
}

const helpText = `Commands:
/login <student id> <pin> <access code>  sign in (first login sets your PIN)
/login <admin passphrase>  administrator sign in
/status  remaining chats and images for today
/logout  sign out

After signing in, send any text to chat. Send a photo with a caption to ask about it.
Start a message with /img to generate an image (include the image key).`

type Bot struct {
	cfg        config.Config
	api        API
	log        *slog.Logger
	auth       *service.AuthService
	chat       *service.ChatService
	state      *StateManager
	httpClient *http.Client
}

func NewBot(cfg config.Config, api API, log *slog.Logger, auth *service.AuthService, chat *service.ChatService) *Bot {
	return &Bot{
		cfg:        cfg,
		api:        api,
		log:        log,
		auth:       auth,
		chat:       chat,
		state:      NewStateManager(),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// Run handles updates until ctx is cancelled. Each update runs in its own
// goroutine; the chat's session lock keeps one chat sequential.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.log.Info("telegram bot started")

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil || update.Message.Chat == nil {
				continue
			}
			wg.Add(1)
			go func(msg *tgbotapi.Message) {
				defer wg.Done()
				b.handleMessage(ctx, msg)
			}(update.Message)
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return ctx.Err()
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	// a session belongs to one student; group members would share it
	if !msg.Chat.IsPrivate() {
		if msg.IsCommand() && msg.Command() == "login" {
			b.deleteMessage(msg)
		}
		b.sendText(chatID, "Please message me in a private chat.")
		return
	}
	sess, release := b.state.Acquire(chatID)
	defer release()

	if msg.IsCommand() {
		b.handleCommand(ctx, msg, sess)
		return
	}

	req := service.TurnRequest{Message: msg.Text}
	if len(msg.Photo) > 0 || msg.Document != nil {
		att, err := b.attachment(ctx, msg)
		if err != nil {
			if errors.Is(err, errAttachmentTooLarge) {
				b.sendText(chatID, "The image is too large.")
				return
			}
			b.log.Error("download attachment", "chat_id", chatID, "err", err)
			b.sendText(chatID, "Could not read the image, please try again.")
			return
		}
		req.Message = msg.Caption
		req.Attachment = att
	}
	if strings.TrimSpace(req.Message) == "" {
		if req.Attachment != nil {
			b.sendText(chatID, "Add a caption with your question about the image.")
		}
		return
	}
	b.handleTurn(ctx, chatID, sess, req)
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message, sess *models.Session) {
	chatID := msg.Chat.ID
	switch msg.Command() {
	case "start", "help":
		b.sendText(chatID, helpText)
	case "login":
		b.handleLogin(ctx, msg, sess)
	case "logout":
		b.auth.Logout(sess)
		b.sendText(chatID, "Signed out.")
	case "status":
		b.sendText(chatID, formatStatus(b.auth.Status(sess)))
	case "img":
		b.handleTurn(ctx, chatID, sess, service.TurnRequest{Message: service.ImageTrigger + msg.CommandArguments()})
	default:
		b.sendText(chatID, "Unknown command. Send /help for the list.")
	}
}

func (b *Bot) handleLogin(ctx context.Context, msg *tgbotapi.Message, sess *models.Session) {
	chatID := msg.Chat.ID
	// the command carries the PIN and passphrase
	b.deleteMessage(msg)

	var creds service.Credentials
	switch args := strings.Fields(msg.CommandArguments()); len(args) {
	case 1:
		creds.AccessCode = args[0]
	case 3:
		creds = service.Credentials{StudentID: args[0], PIN: args[1], AccessCode: args[2]}
	default:
		b.sendText(chatID, "Usage: /login <student id> <pin> <access code>")
		return
	}

	status, err := b.auth.Login(ctx, sess, creds)
	switch {
	case err == nil:
		b.sendText(chatID, "Signed in.\n"+formatStatus(status))
	case service.IsValidationError(err):
		b.sendText(chatID, "Check the format: "+err.Error())
	case service.IsAuthError(err):
		b.sendText(chatID, "Authentication failed. Check your student ID, PIN and access code.")
	default:
		b.log.Error("telegram login", "chat_id", chatID, "err", err)
		b.sendText(chatID, "The record store is unavailable. Please try again.")
	}
}

func (b *Bot) handleTurn(ctx context.Context, chatID int64, sess *models.Session, req service.TurnRequest) {
	if _, err := b.api.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		b.log.Debug("chat action", "chat_id", chatID, "err", err)
	}

	outcome, err := b.chat.SubmitTurn(ctx, sess, req, nil)
	if err != nil {
		var terr *service.TurnError
		if errors.As(err, &terr) {
			b.sendText(chatID, terr.Message)
			return
		}
		b.log.Error("telegram turn", "chat_id", chatID, "err", err)
		b.sendText(chatID, "Unexpected error.")
		return
	}

	if outcome.ImageURL != "" {
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(outcome.ImageURL))
		photo.Caption = fmt.Sprintf("Generated: %s\nImages left today: %s", outcome.Prompt, outcome.Status.ImageRemaining)
		if _, err := b.api.Send(photo); err != nil {
			b.log.Error("send image", "chat_id", chatID, "err", err)
			b.sendText(chatID, outcome.ImageURL)
		}
		return
	}
	b.sendText(chatID, outcome.Reply)
}

// attachment downloads the largest photo size or an image document.
func (b *Bot) attachment(ctx context.Context, msg *tgbotapi.Message) (*models.Attachment, error) {
	limit := int64(b.cfg.MaxAttachmentBytes)
	var fileID, contentType string
	var size int64

	switch {
	case len(msg.Photo) > 0:
		photo := msg.Photo[len(msg.Photo)-1]
		fileID, size = photo.FileID, int64(photo.FileSize)
	case msg.Document != nil:
		fileID, size, contentType = msg.Document.FileID, int64(msg.Document.FileSize), msg.Document.MimeType
	}
	if limit > 0 && size > limit {
		return nil, errAttachmentTooLarge
	}

	url, err := b.api.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("get file url: %w", err)
	}
	data, err := b.download(ctx, url, limit)
	if err != nil {
		return nil, err
	}
	return &models.Attachment{ContentType: contentType, Data: data}, nil
}

func (b *Bot) download(ctx context.Context, url string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("telegram file status: %d", resp.StatusCode)
	}

	var body io.Reader = resp.Body
	if limit > 0 {
		body = io.LimitReader(resp.Body, limit+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read file body: %w", err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, errAttachmentTooLarge
	}
	return data, nil
}

// Broadcast sends text to every signed-in chat.
func (b *Bot) Broadcast(_ context.Context, text string) (sent, total int) {
	ids := b.state.LoggedIn()
	for _, id := range ids {
		if _, err := b.api.Send(tgbotapi.NewMessage(id, text)); err != nil {
			b.log.Error("send broadcast", "chat_id", id, "err", err)
			continue
		}
		sent++
	}
	return sent, len(ids)
}

func (b *Bot) deleteMessage(msg *tgbotapi.Message) {
	if _, err := b.api.Request(tgbotapi.NewDeleteMessage(msg.Chat.ID, msg.MessageID)); err != nil {
		b.log.Warn("delete login message", "chat_id", msg.Chat.ID, "err", err)
	}
}

func (b *Bot) sendText(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send text", "err", err)
	}
}

func formatStatus(st service.Status) string {
	if !st.LoggedIn {
		return "Not signed in. Use /login <student id> <pin> <access code>."
	}
	return fmt.Sprintf("ID: %s (%s)\nChats left today: %s\nImages left today: %s",
		st.Identity, st.License, st.ChatRemaining, st.ImageRemaining)
}
