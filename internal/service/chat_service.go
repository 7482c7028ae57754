package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tomatolab/classchat/internal/config"
	"github.com/tomatolab/classchat/internal/models"
	"github.com/tomatolab/classchat/internal/openai"
	"github.com/tomatolab/classchat/internal/quota"
	"github.com/tomatolab/classchat/internal/repository"
	"github.com/tomatolab/classchat/internal/storage"
)

// ImageTrigger starts a message that asks for image generation.
const ImageTrigger = "/img "

var unlockMarkers = []string{"key:", "キー:"}

// Model is the generation backend.
type Model interface {
	GenerateImage(ctx context.Context, prompt string) (*openai.Image, error)
	StreamChat(ctx context.Context, messages []openai.ChatMessage, onDelta func(string)) (string, error)
}

// AttachmentStore publishes an attached image and returns a URL the model
// can fetch.
type AttachmentStore interface {
	Upload(ctx context.Context, owner string, att models.Attachment) (string, error)
}

type TurnRequest struct {
	Message    string
	Attachment *models.Attachment
}

type TurnOutcome struct {
	Action   quota.Action `json:"action"`
	Reply    string       `json:"reply,omitempty"`
	ImageURL string       `json:"image_url,omitempty"`
	Prompt   string       `json:"prompt,omitempty"`
	Status   Status       `json:"status"`
}

type ChatService struct {
	cfg         config.Config
	log         *slog.Logger
	usage       *repository.UsageRepository
	model       Model
	attachments AttachmentStore
}

// NewChatService builds the turn handler. attachments may be nil, in which
// case attached images are inlined as data URLs.
func NewChatService(cfg config.Config, log *slog.Logger, usage *repository.UsageRepository, model Model, attachments AttachmentStore) *ChatService {
	return &ChatService{cfg: cfg, log: log, usage: usage, model: model, attachments: attachments}
}

func (s *ChatService) limits() quota.Limits {
	return quota.Limits{Chat: s.cfg.MaxChatLimit, Image: s.cfg.MaxImageLimit}
}

// SubmitTurn runs one conversation turn for an authenticated session.
// onDelta receives streamed chat fragments and may be nil. Refusals and
// failures come back as *TurnError; failures are also added to the
// transcript. A turn runs to completion even if the caller's ctx is
// cancelled, so a generated reply is always recorded in the ledger.
func (s *ChatService) SubmitTurn(ctx context.Context, sess *models.Session, req TurnRequest, onDelta func(string)) (*TurnOutcome, error) {
	ctx = context.WithoutCancel(ctx)
	if !sess.LoggedIn {
		return nil, turnError(TurnUnauthenticated, "Please log in first.", nil)
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, turnError(TurnInvalid, "Message is empty.", nil)
	}

	action := quota.ActionChat
	visible := message
	if strings.HasPrefix(message+" ", ImageTrigger) {
		action = quota.ActionImage
		prompt, _ := CleanImagePrompt(message, s.cfg.ImagePassword)
		visible = strings.TrimSpace(ImageTrigger + prompt)
	}
	sess.Transcript = append(sess.Transcript, userMessage(visible))

	s.syncUsage(ctx, sess)
	usage := quota.Usage{Chat: sess.ChatCount, Image: sess.ImageCount}
	if decision := quota.Decide(sess.Tier, usage, action, s.limits()); !decision.Allowed {
		s.log.Info("turn denied", "identity", sess.Identity, "action", action, "reason", decision.Reason)
		return nil, s.fail(sess, turnError(TurnQuota, denialMessage(decision.Reason), nil))
	}

	if s.cfg.OpenAIAPIKey == "" {
		return nil, s.fail(sess, turnError(TurnConfig, "The model is offline (API key missing).",
			fmt.Errorf("%w: OPENAI_API_KEY is not set", ErrConfig)))
	}

	if action == quota.ActionImage {
		return s.image(ctx, sess, message)
	}
	return s.chat(ctx, sess, message, req.Attachment, onDelta)
}

func (s *ChatService) image(ctx context.Context, sess *models.Session, message string) (*TurnOutcome, error) {
	secret := s.cfg.ImagePassword
	if secret == "" {
		return nil, s.fail(sess, turnError(TurnConfig, "Image generation is not configured.",
			fmt.Errorf("%w: IMG_PASSWORD is not set", ErrConfig)))
	}
	prompt, unlocked := CleanImagePrompt(message, secret)
	if !unlocked {
		s.log.Info("image turn locked", "identity", sess.Identity)
		return nil, s.fail(sess, turnError(TurnImageLocked, "The image generation key is incorrect.", nil))
	}
	if prompt == "" {
		return nil, s.fail(sess, turnError(TurnInvalid, "Describe the image after /img.", nil))
	}

	full := prompt
	if s.cfg.ImagePromptPrefix != "" {
		full = strings.TrimSpace(s.cfg.ImagePromptPrefix) + " " + prompt
	}
	img, err := s.model.GenerateImage(ctx, full)
	if err != nil {
		return nil, s.fail(sess, s.generationError(sess, quota.ActionImage, err))
	}

	sess.Transcript = append(sess.Transcript, models.Message{Role: "assistant", Content: img.URL, Type: models.MessageImage})
	sess.ImageCount++
	s.record(ctx, sess, models.UsageEvent{Identity: sess.Identity, Input: prompt, Output: img.URL, Kind: models.UsageImage})

	return &TurnOutcome{
		Action:   quota.ActionImage,
		ImageURL: img.URL,
		Prompt:   prompt,
		Status:   NewStatus(sess, s.limits()),
	}, nil
}

func (s *ChatService) chat(ctx context.Context, sess *models.Session, message string, att *models.Attachment, onDelta func(string)) (*TurnOutcome, error) {
	payload := s.payload(sess)
	if att != nil && len(att.Data) > 0 {
		url, err := s.attachmentURL(ctx, sess.Identity, *att)
		if err != nil {
			return nil, s.fail(sess, turnError(TurnInvalid, "The attachment must be a JPEG, PNG, GIF or WebP image.", err))
		}
		// the current message is the last transcript entry
		payload[len(payload)-1].ImageURL = url
	}

	reply, err := s.model.StreamChat(ctx, payload, onDelta)
	if err != nil {
		return nil, s.fail(sess, s.generationError(sess, quota.ActionChat, err))
	}

	sess.Transcript = append(sess.Transcript, models.Message{Role: "assistant", Content: reply, Type: models.MessageText})
	sess.ChatCount++
	if sess.Tier == models.TierStudent {
		s.record(ctx, sess, models.UsageEvent{Identity: sess.Identity, Input: message, Output: reply, Kind: models.UsageChat})
	}

	return &TurnOutcome{
		Action: quota.ActionChat,
		Reply:  reply,
		Status: NewStatus(sess, s.limits()),
	}, nil
}

// payload is the system prompt plus the visible transcript without image
// and error entries. The transcript already ends with the current message.
func (s *ChatService) payload(sess *models.Session) []openai.ChatMessage {
	out := make([]openai.ChatMessage, 0, len(sess.Transcript)+2)
	if s.cfg.SystemPrompt != "" {
		out = append(out, openai.ChatMessage{Role: "system", Text: s.cfg.SystemPrompt})
	}
	for _, m := range sess.Transcript {
		if m.Type == models.MessageImage || m.Type == models.MessageError {
			continue
		}
		out = append(out, openai.ChatMessage{Role: m.Role, Text: m.Content})
	}
	return out
}

func (s *ChatService) attachmentURL(ctx context.Context, owner string, att models.Attachment) (string, error) {
	if s.cfg.MaxAttachmentBytes > 0 && len(att.Data) > s.cfg.MaxAttachmentBytes {
		return "", fmt.Errorf("attachment of %d bytes exceeds %d", len(att.Data), s.cfg.MaxAttachmentBytes)
	}
	contentType, err := storage.NormalizeImageContentType(att.ContentType, att.Data)
	if err != nil {
		return "", err
	}
	if s.attachments != nil {
		url, err := s.attachments.Upload(ctx, owner, models.Attachment{ContentType: contentType, Data: att.Data})
		if err == nil {
			return url, nil
		}
		s.log.Warn("attachment upload failed, inlining", "identity", owner, "err", err)
	}
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(att.Data), nil
}

// syncUsage rolls the session over to a new day and reconciles its counts
// with the ledger. The ledger can only raise the counts; a ledger failure
// keeps the in-session values.
func (s *ChatService) syncUsage(ctx context.Context, sess *models.Session) {
	today := s.usage.Calendar().Today()
	if !sess.Day.Equal(today) {
		sess.Day = today
		sess.ChatCount = 0
		sess.ImageCount = 0
	}
	counts, err := s.usage.CountForDay(ctx, sess.Identity, today)
	if err != nil {
		s.log.Warn("usage count unavailable, using session counts", "identity", sess.Identity, "err", err)
		return
	}
	sess.ChatCount = max(sess.ChatCount, counts.Chat)
	sess.ImageCount = max(sess.ImageCount, counts.Image)
}

func (s *ChatService) record(ctx context.Context, sess *models.Session, event models.UsageEvent) {
	event.Timestamp = s.usage.Calendar().Current()
	if err := s.usage.Log(ctx, event); err != nil {
		s.log.Error("failed to log usage", "identity", sess.Identity, "kind", event.Kind, "err", err)
	}
}

func (s *ChatService) generationError(sess *models.Session, action quota.Action, err error) *TurnError {
	if errors.Is(err, openai.ErrMissingAPIKey) {
		return turnError(TurnConfig, "The model is offline (API key missing).", err)
	}
	s.log.Error("generation failed", "identity", sess.Identity, "action", action, "err", err)
	return turnError(TurnGeneration, "Error: "+err.Error(), err)
}

// fail adds the error to the visible transcript.
func (s *ChatService) fail(sess *models.Session, terr *TurnError) *TurnError {
	sess.Transcript = append(sess.Transcript, models.Message{Role: "assistant", Content: terr.Message, Type: models.MessageError})
	return terr
}

// CleanImagePrompt strips the trigger and unlock markers from an image
// request. unlocked reports whether a marker carried the right secret.
func CleanImagePrompt(message, secret string) (prompt string, unlocked bool) {
	prompt = message
	if secret != "" {
		for _, marker := range unlockMarkers {
			token := marker + secret
			if strings.Contains(prompt, token) {
				unlocked = true
				prompt = strings.ReplaceAll(prompt, token, "")
			}
		}
	}
	prompt = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(prompt), strings.TrimSpace(ImageTrigger)))
	return strings.Join(strings.Fields(prompt), " "), unlocked
}

func userMessage(content string) models.Message {
	return models.Message{Role: "user", Content: content, Type: models.MessageText}
}

func denialMessage(reason string) string {
	switch reason {
	case quota.ReasonChatLimit:
		return "Daily chat limit reached."
	case quota.ReasonImageLimit:
		return "Image generation limit reached."
	default:
		return reason
	}
}
