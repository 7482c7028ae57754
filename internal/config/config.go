package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreMySQL  = "mysql"
	StoreMemory = "memory"
)

const defaultSystemPrompt = "You are PRTS, the AI of Rhodes Island. Helpful, logical, concise. Use $...$ for math equations."

// Config aggregates runtime configuration. Secrets used by a single action
// (passphrases, API key, image secret) are not required here; the action
// that needs them refuses to run when they are empty.
type Config struct {
	AppPassword       string
	AdminPassword     string
	ImagePassword     string
	OpenAIAPIKey      string
	OpenAIBaseURL     string
	ChatModel         string
	ImageModel        string
	ImageSize         string
	SystemPrompt      string
	ImagePromptPrefix string
	RequestTimeout    time.Duration

	MaxChatLimit       int
	MaxImageLimit      int
	QuotaTimezone      string
	MaxAttachmentBytes int

	StoreBackend        string
	MySQLDSN            string
	StudentSheetName    string
	LogSheetName        string
	StoreRetryAttempts  int
	StoreRetryBaseDelay time.Duration
	StoreRetryMaxDelay  time.Duration

	HTTPListenAddr    string
	AdminListenAddr   string
	AdminUsername     string
	AdminHTTPPassword string
	LogLevel          string
	LogFile           string
	LogMaxSizeMB      int
	LogMaxBackups     int

	TelegramBotToken string

	S3Endpoint      string
	S3Region        string
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3PublicBaseURL string
	S3UsePathStyle  bool
	S3Prefix        string
}

// Load reads configuration from environment variables, applying sane defaults.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppPassword:       os.Getenv("APP_PASSWORD"),
		AdminPassword:     os.Getenv("ADMIN_PASSWORD"),
		ImagePassword:     os.Getenv("IMG_PASSWORD"),
		OpenAIAPIKey:      os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:     strings.TrimRight(getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"), "/"),
		ChatModel:         getEnv("OPENAI_CHAT_MODEL", "gpt-4o-mini"),
		ImageModel:        getEnv("OPENAI_IMAGE_MODEL", "dall-e-3"),
		ImageSize:         getEnv("IMAGE_SIZE", "1024x1024"),
		SystemPrompt:      getEnv("SYSTEM_PROMPT", defaultSystemPrompt),
		ImagePromptPrefix: os.Getenv("IMAGE_PROMPT_PREFIX"),
		RequestTimeout:    time.Second * time.Duration(getInt("HTTP_TIMEOUT_SECONDS", 120)),

		MaxChatLimit:       getInt("MAX_CHAT_LIMIT", 15),
		MaxImageLimit:      getInt("MAX_IMAGE_LIMIT", 5),
		QuotaTimezone:      getEnv("QUOTA_TIMEZONE", "Asia/Tokyo"),
		MaxAttachmentBytes: getInt("MAX_ATTACHMENT_BYTES", 5<<20),

		StoreBackend:        strings.ToLower(getEnv("STORE_BACKEND", StoreMySQL)),
		MySQLDSN:            os.Getenv("MYSQL_DSN"),
		StudentSheetName:    getEnv("STUDENT_SHEET_NAME", "AI_Student_Master"),
		LogSheetName:        getEnv("LOG_SHEET_NAME", "AI_Chat_Log"),
		StoreRetryAttempts:  getInt("STORE_RETRY_ATTEMPTS", 4),
		StoreRetryBaseDelay: getDuration("STORE_RETRY_BASE_DELAY", 250*time.Millisecond),
		StoreRetryMaxDelay:  getDuration("STORE_RETRY_MAX_DELAY", 4*time.Second),

		HTTPListenAddr:    getEnv("HTTP_LISTEN_ADDR", ":8000"),
		AdminListenAddr:   getEnv("ADMIN_LISTEN_ADDR", ":8080"),
		AdminUsername:     getEnv("ADMIN_USERNAME", "admin"),
		AdminHTTPPassword: os.Getenv("ADMIN_HTTP_PASSWORD"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFile:           os.Getenv("LOG_FILE"),
		LogMaxSizeMB:      getInt("LOG_MAX_SIZE_MB", 50),
		LogMaxBackups:     getInt("LOG_MAX_BACKUPS", 5),

		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		S3Endpoint:      getEnv("S3_ENDPOINT", ""),
		S3Region:        os.Getenv("S3_REGION"),
		S3AccessKey:     os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:     os.Getenv("S3_SECRET_KEY"),
		S3Bucket:        os.Getenv("S3_BUCKET"),
		S3PublicBaseURL: os.Getenv("S3_PUBLIC_BASE_URL"),
		S3UsePathStyle:  getBool("S3_USE_PATH_STYLE", false),
		S3Prefix:        getEnv("S3_PREFIX", "attachments"),
	}

	var missing []string
	switch cfg.StoreBackend {
	case StoreMySQL:
		if cfg.MySQLDSN == "" {
			missing = append(missing, "MYSQL_DSN")
		}
	case StoreMemory:
	default:
		return Config{}, fmt.Errorf("unsupported STORE_BACKEND %q", cfg.StoreBackend)
	}
	if cfg.S3Bucket != "" {
		if cfg.S3Region == "" {
			missing = append(missing, "S3_REGION")
		}
		if cfg.S3AccessKey == "" {
			missing = append(missing, "S3_ACCESS_KEY")
		}
		if cfg.S3SecretKey == "" {
			missing = append(missing, "S3_SECRET_KEY")
		}
		if cfg.S3PublicBaseURL == "" {
			missing = append(missing, "S3_PUBLIC_BASE_URL")
		}
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variables: %v", missing)
	}
	if cfg.MaxChatLimit < 0 || cfg.MaxImageLimit < 0 {
		return Config{}, fmt.Errorf("daily limits must not be negative")
	}

	return cfg, nil
}

// UploadsEnabled reports whether attachments go to object storage.
func (c Config) UploadsEnabled() bool {
	return c.S3Bucket != ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// loadEnvFile loads the first env file found. Running without one is fine;
// the process environment is then used as is.
func loadEnvFile() error {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates,
		filepath.Join("configs", ".env"),
		".env",
	)

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("access env file %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	return nil
}
