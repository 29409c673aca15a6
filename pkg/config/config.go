package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port            string
	Environment     string
	DatabasePath    string
	JWTSecret       string
	CORSOrigins     string
	MaxUploadSize   int64
	FileStoragePath string

	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3UseSSL    bool

	VAPIDPublicKey  string
	VAPIDPrivateKey string

	// Chat client
	ServerURL       string
	Token           string
	UserID          string
	PageSize        int
	TypingDebounce  time.Duration
	TypingStopDelay time.Duration
	TypingExpiry    time.Duration
	SendAckTimeout  time.Duration
	Locale          string
}

// Load reads configuration from the environment. Values from the env file
// named by STORECHAT_ENV_FILE (or ./.env) fill in variables that are not
// already set.
func Load() *Config {
	loadEnvFile()

	return &Config{
		Port:            getEnv("PORT", "8080"),
		Environment:     getEnv("ENVIRONMENT", "development"),
		DatabasePath:    getEnv("DATABASE_PATH", "./data/storechat.db"),
		JWTSecret:       getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
		CORSOrigins:     getEnv("CORS_ORIGINS", "*"),
		MaxUploadSize:   parseInt64(getEnv("MAX_UPLOAD_SIZE", "10485760"), 10485760), // 10MB default
		FileStoragePath: getEnv("FILE_STORAGE_PATH", "./data/uploads"),

		S3Endpoint:  getEnv("S3_ENDPOINT", ""),
		S3AccessKey: getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey: getEnv("S3_SECRET_KEY", ""),
		S3Bucket:    getEnv("S3_BUCKET", "storechat-media"),
		S3UseSSL:    parseBool(getEnv("S3_USE_SSL", "false")),

		VAPIDPublicKey:  getEnv("VAPID_PUBLIC_KEY", ""),
		VAPIDPrivateKey: getEnv("VAPID_PRIVATE_KEY", ""),

		ServerURL:       getEnv("CHAT_SERVER_URL", "http://localhost:8080"),
		Token:           getEnv("CHAT_TOKEN", ""),
		UserID:          getEnv("CHAT_USER_ID", ""),
		PageSize:        int(parseInt64(getEnv("CHAT_PAGE_SIZE", "20"), 20)),
		TypingDebounce:  parseDuration(getEnv("TYPING_DEBOUNCE", "2s"), 2*time.Second),
		TypingStopDelay: parseDuration(getEnv("TYPING_STOP_DELAY", "3s"), 3*time.Second),
		TypingExpiry:    parseDuration(getEnv("TYPING_EXPIRY", "5s"), 5*time.Second),
		SendAckTimeout:  parseDuration(getEnv("SEND_ACK_TIMEOUT", "10s"), 10*time.Second),
		Locale:          getEnv("LOCALE", "en"),
	}
}

func loadEnvFile() {
	path, explicit := os.LookupEnv("STORECHAT_ENV_FILE")
	if !explicit {
		path = ".env"
		if _, err := os.Stat(path); err != nil {
			return
		}
	}
	// godotenv.Load never overrides variables that are already set.
	_ = godotenv.Load(path)
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func parseInt64(s string, fallback int64) int64 {
	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil || val <= 0 {
		return fallback
	}
	return val
}

func parseBool(s string) bool {
	val, err := strconv.ParseBool(s)
	return err == nil && val
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	val, err := time.ParseDuration(s)
	if err != nil || val <= 0 {
		return fallback
	}
	return val
}
