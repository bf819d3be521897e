package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config aggregates runtime configuration for the API server and supporting services.
type Config struct {
	ListenAddr string
	LogLevel   string
	PublicURL  string
	NodeID     int64

	DBDriver string
	DBDSN    string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	GeminiAPIKey         string
	GeminiBaseURL        string
	GeminiUploadURL      string
	GeminiModel          string
	GeminiMaxConcurrent  int
	GeminiAcquireTimeout time.Duration
	GeminiMaxRetries     int
	GeminiRetryDelay     time.Duration
	GeminiStartTimeout   time.Duration
	GeminiUploadTimeout  time.Duration
	GeminiTimeout        time.Duration

	PreviewCost       int
	UnlockCost        int
	UserTrialLimit    int
	GuestTrialLimit   int
	PreviewRateLimit  int
	PreviewRateWindow time.Duration
	ImageTTL          time.Duration
	WatermarkText     string

	UserTokenSecret  string
	DownloadSecret   string
	DownloadTokenTTL time.Duration

	MissionSecret        string
	MissionWindowMinutes int
	TimeServerURL        string
	TimeSyncInterval     time.Duration

	VietQRBankID        string
	VietQRAccountNumber string
	VietQRAccountName   string
	VietQRTemplate      string
	OrderTTL            time.Duration
	PackagesSpec        string

	BankHistoryURL    string
	BankHistorySecret string
	WebhookSecret     string

	AdminUsername     string
	AdminPasswordHash string

	TelegramBotToken    string
	TelegramAdminChatID int64

	S3Endpoint      string
	S3Region        string
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3PublicBaseURL string
	S3UsePathStyle  bool
	S3Prefix        string
}

// Load reads configuration from the environment (optionally seeded from a .env file),
// applying defaults for everything that has a sane one.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	cfg := Config{
		ListenAddr: v.GetString("LISTEN_ADDR"),
		LogLevel:   v.GetString("LOG_LEVEL"),
		PublicURL:  strings.TrimRight(v.GetString("PUBLIC_URL"), "/"),
		NodeID:     v.GetInt64("NODE_ID"),

		DBDriver: strings.ToLower(v.GetString("DB_DRIVER")),
		DBDSN:    v.GetString("DB_DSN"),

		RedisAddr:     v.GetString("REDIS_ADDR"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisDB:       v.GetInt("REDIS_DB"),

		GeminiAPIKey:         v.GetString("GEMINI_API_KEY"),
		GeminiBaseURL:        normalizeBaseURL(v.GetString("GEMINI_BASE_URL"), defaultGeminiBaseURL),
		GeminiUploadURL:      normalizeBaseURL(v.GetString("GEMINI_UPLOAD_URL"), defaultGeminiUploadURL),
		GeminiModel:          v.GetString("GEMINI_MODEL"),
		GeminiMaxConcurrent:  v.GetInt("GEMINI_MAX_CONCURRENT"),
		GeminiAcquireTimeout: v.GetDuration("GEMINI_ACQUIRE_TIMEOUT"),
		GeminiMaxRetries:     v.GetInt("GEMINI_MAX_RETRIES"),
		GeminiRetryDelay:     v.GetDuration("GEMINI_RETRY_DELAY"),
		GeminiStartTimeout:   v.GetDuration("GEMINI_START_TIMEOUT"),
		GeminiUploadTimeout:  v.GetDuration("GEMINI_UPLOAD_TIMEOUT"),
		GeminiTimeout:        v.GetDuration("GEMINI_TIMEOUT"),

		PreviewCost:       v.GetInt("PREVIEW_COST"),
		UnlockCost:        v.GetInt("UNLOCK_COST"),
		UserTrialLimit:    v.GetInt("USER_TRIAL_LIMIT"),
		GuestTrialLimit:   v.GetInt("GUEST_TRIAL_LIMIT"),
		PreviewRateLimit:  v.GetInt("PREVIEW_RATE_LIMIT"),
		PreviewRateWindow: v.GetDuration("PREVIEW_RATE_WINDOW"),
		ImageTTL:          v.GetDuration("IMAGE_TTL"),
		WatermarkText:     v.GetString("WATERMARK_TEXT"),

		UserTokenSecret:  v.GetString("USER_TOKEN_SECRET"),
		DownloadSecret:   v.GetString("DOWNLOAD_TOKEN_SECRET"),
		DownloadTokenTTL: v.GetDuration("DOWNLOAD_TOKEN_TTL"),

		MissionSecret:        v.GetString("MISSION_SECRET"),
		MissionWindowMinutes: v.GetInt("MISSION_WINDOW_MINUTES"),
		TimeServerURL:        v.GetString("TIME_SERVER_URL"),
		TimeSyncInterval:     v.GetDuration("TIME_SYNC_INTERVAL"),

		VietQRBankID:        v.GetString("VIETQR_BANK_ID"),
		VietQRAccountNumber: v.GetString("VIETQR_ACCOUNT_NUMBER"),
		VietQRAccountName:   v.GetString("VIETQR_ACCOUNT_NAME"),
		VietQRTemplate:      v.GetString("VIETQR_TEMPLATE"),
		OrderTTL:            v.GetDuration("ORDER_TTL"),
		PackagesSpec:        v.GetString("CREDIT_PACKAGES"),

		BankHistoryURL:    v.GetString("BANK_HISTORY_URL"),
		BankHistorySecret: v.GetString("BANK_HISTORY_SECRET"),
		WebhookSecret:     v.GetString("PAYMENT_WEBHOOK_SECRET"),

		AdminUsername:     v.GetString("ADMIN_USERNAME"),
		AdminPasswordHash: v.GetString("ADMIN_PASSWORD_HASH"),

		TelegramBotToken:    v.GetString("TELEGRAM_BOT_TOKEN"),
		TelegramAdminChatID: v.GetInt64("TELEGRAM_ADMIN_CHAT_ID"),

		S3Endpoint:      v.GetString("S3_ENDPOINT"),
		S3Region:        v.GetString("S3_REGION"),
		S3AccessKey:     v.GetString("S3_ACCESS_KEY"),
		S3SecretKey:     v.GetString("S3_SECRET_KEY"),
		S3Bucket:        v.GetString("S3_BUCKET"),
		S3PublicBaseURL: v.GetString("S3_PUBLIC_BASE_URL"),
		S3UsePathStyle:  v.GetBool("S3_USE_PATH_STYLE"),
		S3Prefix:        v.GetString("S3_PREFIX"),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

const (
	defaultGeminiBaseURL   = "https://generativelanguage.googleapis.com/v1beta"
	defaultGeminiUploadURL = "https://generativelanguage.googleapis.com/upload/v1beta/files"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("LISTEN_ADDR", ":8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("PUBLIC_URL", "http://localhost:8080")
	v.SetDefault("NODE_ID", 1)
	v.SetDefault("DB_DRIVER", "mysql")

	v.SetDefault("GEMINI_BASE_URL", defaultGeminiBaseURL)
	v.SetDefault("GEMINI_UPLOAD_URL", defaultGeminiUploadURL)
	v.SetDefault("GEMINI_MODEL", "gemini-2.5-flash-image")
	v.SetDefault("GEMINI_MAX_CONCURRENT", 4)
	v.SetDefault("GEMINI_ACQUIRE_TIMEOUT", 5*time.Second)
	v.SetDefault("GEMINI_MAX_RETRIES", 2)
	v.SetDefault("GEMINI_RETRY_DELAY", 500*time.Millisecond)
	v.SetDefault("GEMINI_START_TIMEOUT", 30*time.Second)
	v.SetDefault("GEMINI_UPLOAD_TIMEOUT", 120*time.Second)
	v.SetDefault("GEMINI_TIMEOUT", 120*time.Second)

	v.SetDefault("PREVIEW_COST", 1)
	v.SetDefault("UNLOCK_COST", 1)
	v.SetDefault("USER_TRIAL_LIMIT", 1)
	v.SetDefault("GUEST_TRIAL_LIMIT", 1)
	v.SetDefault("PREVIEW_RATE_LIMIT", 10)
	v.SetDefault("PREVIEW_RATE_WINDOW", 15*time.Minute)
	v.SetDefault("IMAGE_TTL", 24*time.Hour)
	v.SetDefault("WATERMARK_TEXT", "AI Gemini Preview")

	v.SetDefault("DOWNLOAD_TOKEN_TTL", 15*time.Minute)

	v.SetDefault("MISSION_WINDOW_MINUTES", 15)
	v.SetDefault("TIME_SERVER_URL", "")
	v.SetDefault("TIME_SYNC_INTERVAL", 12*time.Hour)

	v.SetDefault("VIETQR_BANK_ID", "MB")
	v.SetDefault("VIETQR_TEMPLATE", "compact2")
	v.SetDefault("ORDER_TTL", 30*time.Minute)

	v.SetDefault("ADMIN_USERNAME", "admin")
	v.SetDefault("S3_USE_PATH_STYLE", false)
	v.SetDefault("S3_PREFIX", "images")
}

func (c Config) validate() error {
	var missing []string
	if c.DBDSN == "" {
		missing = append(missing, "DB_DSN")
	}
	if c.GeminiAPIKey == "" {
		missing = append(missing, "GEMINI_API_KEY")
	}
	if c.DownloadSecret == "" {
		missing = append(missing, "DOWNLOAD_TOKEN_SECRET")
	}
	if c.S3Region == "" {
		missing = append(missing, "S3_REGION")
	}
	if c.S3AccessKey == "" {
		missing = append(missing, "S3_ACCESS_KEY")
	}
	if c.S3SecretKey == "" {
		missing = append(missing, "S3_SECRET_KEY")
	}
	if c.S3Bucket == "" {
		missing = append(missing, "S3_BUCKET")
	}
	if c.S3PublicBaseURL == "" {
		missing = append(missing, "S3_PUBLIC_BASE_URL")
	}
	if c.AdminPasswordHash == "" {
		missing = append(missing, "ADMIN_PASSWORD_HASH")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missing)
	}

	switch c.DBDriver {
	case "mysql", "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	if c.GeminiMaxConcurrent <= 0 {
		return fmt.Errorf("GEMINI_MAX_CONCURRENT must be positive")
	}
	return nil
}

// TrialLimit returns the configured trial allowance for a user or a guest.
func (c Config) TrialLimit(guest bool) int {
	if guest {
		return c.GuestTrialLimit
	}
	return c.UserTrialLimit
}

// normalizeBaseURL trims trailing slashes and adds a scheme when one is missing.
func normalizeBaseURL(raw string, fallback string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return fallback
	}
	if parsed.Scheme == "" {
		parsed, err = url.Parse("https://" + raw)
		if err != nil {
			return fallback
		}
	}
	return strings.TrimRight(parsed.String(), "/")
}

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
		if err := godotenv.Overload(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	// Running purely from the process environment is fine.
	return nil
}
