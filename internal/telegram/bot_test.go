package telegram

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomatolab/classchat/internal/config"
	"github.com/tomatolab/classchat/internal/openai"
	"github.com/tomatolab/classchat/internal/repository"
	"github.com/tomatolab/classchat/internal/service"
	"github.com/tomatolab/classchat/internal/store"
)

type fakeAPI struct {
	mu       sync.Mutex
	texts    map[int64][]string
	photos   []tgbotapi.PhotoConfig
	requests []tgbotapi.Chattable
	fileURL  string
}

func (f *fakeAPI) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return make(chan tgbotapi.Update)
}

func (f *fakeAPI) StopReceivingUpdates() {}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch m := c.(type) {
	case tgbotapi.MessageConfig:
		if f.texts == nil {
			f.texts = make(map[int64][]string)
		}
		f.texts[m.ChatID] = append(f.texts[m.ChatID], m.Text)
	case tgbotapi.PhotoConfig:
		f.photos = append(f.photos, m)
	}
	return tgbotapi.Message{}, nil
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) GetFileDirectURL(string) (string, error) {
	return f.fileURL, nil
}

func (f *fakeAPI) last(chatID int64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	texts := f.texts[chatID]
	if len(texts) == 0 {
		return ""
	}
	return texts[len(texts)-1]
}

type stubModel struct {
	last []openai.ChatMessage
}

func (m *stubModel) GenerateImage(context.Context, string) (*openai.Image, error) {
	return &openai.Image{URL: "https://img.example/cat.png"}, nil
}

func (m *stubModel) StreamChat(_ context.Context, messages []openai.ChatMessage, _ func(string)) (string, error) {
	m.last = messages
	return "Meow", nil
}

func newTestBot(t *testing.T) (*Bot, *fakeAPI, *stubModel) {
	t.Helper()
	mem := store.NewMemory()
	roster := mem.Create("roster", "student_id", "pin", "created_at", "last_login")
	mem.Create("log", "timestamp", "student_id", "input", "output", "kind")
	require.NoError(t, roster.AppendRow(context.Background(), []string{"1205", "2468", "", ""}))

	cfg := config.Config{
		AppPassword:        "tomato",
		AdminPassword:      "root-pass",
		ImagePassword:      "secret",
		OpenAIAPIKey:       "sk-test",
		MaxChatLimit:       5,
		MaxImageLimit:      1,
		MaxAttachmentBytes: 1 << 10,
	}
	cal := repository.NewCalendar(time.UTC)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	usage := repository.NewUsageRepository(mem, "log", cal)
	model := &stubModel{}
	auth := service.NewAuthService(cfg, log, repository.NewAccountRepository(mem, "roster", cal), usage)
	chat := service.NewChatService(cfg, log, usage, model, nil)
	api := &fakeAPI{}
	return NewBot(cfg, api, log, auth, chat), api, model
}

func private(chatID int64) *tgbotapi.Chat {
	return &tgbotapi.Chat{ID: chatID, Type: "private"}
}

func command(chatID int64, text string) *tgbotapi.Message {
	name := strings.Fields(text)[0]
	return &tgbotapi.Message{
		MessageID: 7,
		Chat:      private(chatID),
		Text:      text,
		Entities:  []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(name)}},
	}
}

func text(chatID int64, body string) *tgbotapi.Message {
	return &tgbotapi.Message{Chat: private(chatID), Text: body}
}

func TestLoginDeletesCredentialsMessage(t *testing.T) {
	b, api, _ := newTestBot(t)
	ctx := context.Background()

	b.handleMessage(ctx, command(1, "/login 1205 2468 tomato"))
	assert.Contains(t, api.last(1), "Signed in.")
	assert.Contains(t, api.last(1), "Chats left today: 5")
	require.NotEmpty(t, api.requests)
	del, ok := api.requests[0].(tgbotapi.DeleteMessageConfig)
	require.True(t, ok)
	assert.Equal(t, 7, del.MessageID)

	b.handleMessage(ctx, command(2, "/login 1205 1111 tomato"))
	assert.Contains(t, api.last(2), "Authentication failed")

	b.handleMessage(ctx, command(3, "/login 1205 2468"))
	assert.Contains(t, api.last(3), "Usage:")
}

func TestStatusAndLogout(t *testing.T) {
	b, api, _ := newTestBot(t)
	ctx := context.Background()

	b.handleMessage(ctx, command(1, "/status"))
	assert.Contains(t, api.last(1), "Not signed in")

	b.handleMessage(ctx, command(1, "/login root-pass"))
	b.handleMessage(ctx, command(1, "/status"))
	assert.Contains(t, api.last(1), "Chats left today: ∞")

	b.handleMessage(ctx, command(1, "/logout"))
	b.handleMessage(ctx, command(1, "/status"))
	assert.Contains(t, api.last(1), "Not signed in")
}

func TestTextTurn(t *testing.T) {
	b, api, _ := newTestBot(t)
	ctx := context.Background()

	b.handleMessage(ctx, text(1, "hello"))
	assert.Equal(t, "Please log in first.", api.last(1))

	b.handleMessage(ctx, command(1, "/login 1205 2468 tomato"))
	b.handleMessage(ctx, text(1, "hello"))
	assert.Equal(t, "Meow", api.last(1))
}

func TestImageCommand(t *testing.T) {
	b, api, _ := newTestBot(t)
	ctx := context.Background()
	b.handleMessage(ctx, command(1, "/login 1205 2468 tomato"))

	b.handleMessage(ctx, command(1, "/img key:secret a sleepy cat"))
	require.Len(t, api.photos, 1)
	assert.Contains(t, api.photos[0].Caption, "a sleepy cat")
	assert.Contains(t, api.photos[0].Caption, "Images left today: 0")

	b.handleMessage(ctx, command(1, "/img key:secret another cat"))
	assert.Equal(t, "Image generation limit reached.", api.last(1))
}

func TestPhotoTurnDownloadsAttachment(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n")
	files := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(png)
	}))
	defer files.Close()

	b, api, model := newTestBot(t)
	api.fileURL = files.URL + "/photo.png"
	ctx := context.Background()
	b.handleMessage(ctx, command(1, "/login 1205 2468 tomato"))

	msg := &tgbotapi.Message{
		Chat:    private(1),
		Caption: "what is this?",
		Photo:   []tgbotapi.PhotoSize{{FileID: "small", FileSize: 10}, {FileID: "large", FileSize: len(png)}},
	}
	b.handleMessage(ctx, msg)
	assert.Equal(t, "Meow", api.last(1))
	last := model.last[len(model.last)-1]
	assert.Equal(t, "what is this?", last.Text)
	assert.True(t, strings.HasPrefix(last.ImageURL, "data:image/png;base64,"))

	msg.Photo = []tgbotapi.PhotoSize{{FileID: "huge", FileSize: 1 << 20}}
	b.handleMessage(ctx, msg)
	assert.Equal(t, "The image is too large.", api.last(1))
}

func TestBroadcastReachesSignedInChats(t *testing.T) {
	b, api, _ := newTestBot(t)
	ctx := context.Background()
	b.handleMessage(ctx, command(1, "/login 1205 2468 tomato"))
	b.handleMessage(ctx, command(2, "/status"))
	b.handleMessage(ctx, command(3, "/login root-pass"))

	sent, total := b.Broadcast(ctx, "class is over")
	assert.Equal(t, 2, sent)
	assert.Equal(t, 2, total)
	assert.Equal(t, "class is over", api.last(1))
	assert.Equal(t, "class is over", api.last(3))
	assert.NotEqual(t, "class is over", api.last(2))
}

func TestGroupChatsAreRefused(t *testing.T) {
	b, api, _ := newTestBot(t)
	ctx := context.Background()

	msg := command(-100, "/login 1205 2468 tomato")
	msg.Chat.Type = "group"
	b.handleMessage(ctx, msg)
	assert.Equal(t, "Please message me in a private chat.", api.last(-100))
	require.Len(t, api.requests, 1)
	_, ok := api.requests[0].(tgbotapi.DeleteMessageConfig)
	assert.True(t, ok)
	assert.Empty(t, b.state.LoggedIn())

	group := text(-100, "hello")
	group.Chat.Type = "supergroup"
	b.handleMessage(ctx, group)
	assert.Equal(t, "Please message me in a private chat.", api.last(-100))
}
