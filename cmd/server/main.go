package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/tomatolab/classchat/internal/admin"
	"github.com/tomatolab/classchat/internal/config"
	"github.com/tomatolab/classchat/internal/database"
	"github.com/tomatolab/classchat/internal/openai"
	"github.com/tomatolab/classchat/internal/repository"
	"github.com/tomatolab/classchat/internal/retry"
	"github.com/tomatolab/classchat/internal/service"
	"github.com/tomatolab/classchat/internal/storage"
	"github.com/tomatolab/classchat/internal/store"
	"github.com/tomatolab/classchat/internal/telegram"
	"github.com/tomatolab/classchat/internal/web"
	"github.com/tomatolab/classchat/pkg/logger"
)

var (
	rosterHeader = []string{repository.ColumnStudentID, repository.ColumnPIN, repository.ColumnCreatedAt, repository.ColumnLastLogin}
	ledgerHeader = []string{"timestamp", "student_id", "input", "output", "kind"}
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logr, logFile := logger.New(logger.Options{
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})
	defer logFile.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	calendar, err := repository.LoadCalendar(cfg.QuotaTimezone)
	if err != nil {
		log.Fatalf("calendar: %v", err)
	}

	backend, closeStore, err := openStore(ctx, cfg, logr)
	if err != nil {
		log.Fatalf("record store: %v", err)
	}
	defer closeStore()

	backend = store.WithRetry(backend, retry.Policy{
		Attempts:  cfg.StoreRetryAttempts,
		BaseDelay: cfg.StoreRetryBaseDelay,
		MaxDelay:  cfg.StoreRetryMaxDelay,
		Jitter:    retry.DefaultPolicy.Jitter,
	}, logr)

	accounts := repository.NewAccountRepository(backend, cfg.StudentSheetName, calendar)
	usage := repository.NewUsageRepository(backend, cfg.LogSheetName, calendar)

	var attachments service.AttachmentStore
	if cfg.UploadsEnabled() {
		uploader, err := storage.NewUploader(storage.Config{
			Endpoint:      cfg.S3Endpoint,
			Region:        cfg.S3Region,
			AccessKey:     cfg.S3AccessKey,
			SecretKey:     cfg.S3SecretKey,
			Bucket:        cfg.S3Bucket,
			PublicBaseURL: cfg.S3PublicBaseURL,
			UsePathStyle:  cfg.S3UsePathStyle,
			Prefix:        cfg.S3Prefix,
		})
		if err != nil {
			log.Fatalf("storage uploader: %v", err)
		}
		attachments = uploader
	}

	model := openai.NewClient(cfg, logr)
	authService := service.NewAuthService(cfg, logr, accounts, usage)
	chatService := service.NewChatService(cfg, logr, usage, model, attachments)
	rosterService := service.NewRosterService(logr, accounts, usage)

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logr.Error(name+" stopped", "err", err)
				stop()
			}
		}()
	}

	var notifier admin.Broadcaster
	if cfg.TelegramBotToken != "" {
		botAPI, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
		if err != nil {
			log.Fatalf("telegram bot: %v", err)
		}
		bot := telegram.NewBot(cfg, botAPI, logr, authService, chatService)
		notifier = bot
		run("telegram bot", bot.Run)
	}

	chatServer := web.NewServer(cfg.HTTPListenAddr, logr, authService, chatService, web.NewSessionManager(), cfg.MaxAttachmentBytes)
	run("chat api", chatServer.Run)

	if cfg.AdminHTTPPassword != "" {
		adminServer := admin.NewServer(cfg.AdminListenAddr, cfg.AdminUsername, cfg.AdminHTTPPassword, logr, rosterService, notifier)
		run("admin api", adminServer.Run)
	} else {
		logr.Warn("ADMIN_HTTP_PASSWORD not set, admin api disabled")
	}

	wg.Wait()
}

// openStore returns the configured record store with both tables present.
func openStore(ctx context.Context, cfg config.Config, logr *slog.Logger) (store.Backend, func(), error) {
	if cfg.StoreBackend == config.StoreMemory {
		logr.Warn("using in-memory record store, data is lost on restart")
		mem := store.NewMemory()
		mem.Create(cfg.StudentSheetName, rosterHeader...)
		mem.Create(cfg.LogSheetName, ledgerHeader...)
		return mem, func() {}, nil
	}

	db, err := database.Connect(cfg.MySQLDSN)
	if err != nil {
		return nil, nil, err
	}
	closeDB := func() { closeQuietly(db, logr) }
	if err := database.Migrate(ctx, db); err != nil {
		closeDB()
		return nil, nil, err
	}
	backend := store.NewMySQL(db)
	for name, header := range map[string][]string{cfg.StudentSheetName: rosterHeader, cfg.LogSheetName: ledgerHeader} {
		if err := backend.EnsureSheet(ctx, name, header...); err != nil {
			closeDB()
			return nil, nil, err
		}
	}
	return backend, closeDB, nil
}

func closeQuietly(db *sql.DB, logr *slog.Logger) {
	if err := db.Close(); err != nil {
		logr.Error("close database", "err", err)
	}
}
