package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	Suno      SunoConfig
	R2        R2Config
	Zitadel   ZitadelConfig
	Poll      PollConfig
	Queue     QueueConfig
	Media     MediaConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	ApiDomain string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

type RateLimitConfig struct {
	GeneratePerHour int
	LyricsPerMin    int
	StatusPerMin    int
	RepairPerHour   int
}

type SunoConfig struct {
	APIKey  string
	BaseURL string
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type ZitadelConfig struct {
	Domain   string
	ClientID string
	Issuer   string
}

// PollConfig tunes the background polling loops. Interval tiers switch on
// elapsed wall-clock time, not attempt count, so delayed polls don't
// distort the schedule.
type PollConfig struct {
	BaseInterval     time.Duration
	AfterOneMin      time.Duration
	AfterTwoMin      time.Duration
	AfterThreeMin    time.Duration
	ErrorBackoffBase time.Duration
	ErrorBackoffMax  time.Duration
	RequestTimeout   time.Duration
	MaxAttempts      int
	ProgressEstimate time.Duration
}

type QueueConfig struct {
	MaxConcurrency int
	AutoRun        bool
}

// MediaConfig carries the dead-host denylist: hostnames known to serve
// expired content past the provider's retention window.
type MediaConfig struct {
	DeadHosts []string
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("SUNO_API_KEY")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("ZITADEL_CLIENT_ID")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("server.api_domain", "API_DOMAIN")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("jwt.secret", "JWT_SECRET")
	_ = viper.BindEnv("jwt.expiration", "JWT_EXPIRATION")
	_ = viper.BindEnv("suno.api_key", "SUNO_API_KEY")
	_ = viper.BindEnv("suno.base_url", "SUNO_BASE_URL")
	_ = viper.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = viper.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = viper.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = viper.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = viper.BindEnv("zitadel.domain", "ZITADEL_DOMAIN")
	_ = viper.BindEnv("zitadel.client_id", "ZITADEL_CLIENT_ID")
	_ = viper.BindEnv("zitadel.issuer", "ZITADEL_ISSUER")
	_ = viper.BindEnv("poll.base_interval", "POLL_BASE_INTERVAL")
	_ = viper.BindEnv("poll.max_attempts", "POLL_MAX_ATTEMPTS")
	_ = viper.BindEnv("poll.progress_estimate", "POLL_PROGRESS_ESTIMATE")
	_ = viper.BindEnv("queue.max_concurrency", "QUEUE_MAX_CONCURRENCY")
	_ = viper.BindEnv("queue.auto_run", "QUEUE_AUTO_RUN")
	_ = viper.BindEnv("media.dead_hosts", "MEDIA_DEAD_HOSTS")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("jwt.expiration", 24)
	viper.SetDefault("ratelimit.generate_per_hour", 30)
	viper.SetDefault("ratelimit.lyrics_per_min", 10)
	viper.SetDefault("ratelimit.status_per_min", 120)
	viper.SetDefault("ratelimit.repair_per_hour", 6)

	// Suno defaults
	viper.SetDefault("suno.base_url", "https://api.sunoapi.org")

	// Polling defaults
	viper.SetDefault("poll.base_interval", "12s")
	viper.SetDefault("poll.after_one_min", "15s")
	viper.SetDefault("poll.after_two_min", "20s")
	viper.SetDefault("poll.after_three_min", "30s")
	viper.SetDefault("poll.error_backoff_base", "5s")
	viper.SetDefault("poll.error_backoff_max", "60s")
	viper.SetDefault("poll.request_timeout", "8s")
	viper.SetDefault("poll.max_attempts", 30)
	viper.SetDefault("poll.progress_estimate", "60s")

	// Queue defaults
	viper.SetDefault("queue.max_concurrency", 1)
	viper.SetDefault("queue.auto_run", true)

	// Media defaults. musicfile.api.box is the host the provider is
	// known to expire.
	viper.SetDefault("media.dead_hosts", "musicfile.api.box")

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      viper.GetString("server.port"),
			Env:       viper.GetString("server.env"),
			LogLevel:  viper.GetString("server.log_level"),
			ApiDomain: viper.GetString("server.api_domain"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:     viper.GetString("jwt.secret"),
			Expiration: viper.GetInt("jwt.expiration"),
		},
		RateLimit: RateLimitConfig{
			GeneratePerHour: viper.GetInt("ratelimit.generate_per_hour"),
			LyricsPerMin:    viper.GetInt("ratelimit.lyrics_per_min"),
			StatusPerMin:    viper.GetInt("ratelimit.status_per_min"),
			RepairPerHour:   viper.GetInt("ratelimit.repair_per_hour"),
		},
		Suno: SunoConfig{
			APIKey:  viper.GetString("suno.api_key"),
			BaseURL: viper.GetString("suno.base_url"),
		},
		R2: R2Config{
			AccountID:       viper.GetString("r2.account_id"),
			AccessKeyID:     viper.GetString("r2.access_key_id"),
			SecretAccessKey: viper.GetString("r2.secret_access_key"),
			BucketName:      viper.GetString("r2.bucket_name"),
			PublicURL:       viper.GetString("r2.public_url"),
		},
		Zitadel: ZitadelConfig{
			Domain:   viper.GetString("zitadel.domain"),
			ClientID: viper.GetString("zitadel.client_id"),
			Issuer:   viper.GetString("zitadel.issuer"),
		},
		Poll: PollConfig{
			BaseInterval:     viper.GetDuration("poll.base_interval"),
			AfterOneMin:      viper.GetDuration("poll.after_one_min"),
			AfterTwoMin:      viper.GetDuration("poll.after_two_min"),
			AfterThreeMin:    viper.GetDuration("poll.after_three_min"),
			ErrorBackoffBase: viper.GetDuration("poll.error_backoff_base"),
			ErrorBackoffMax:  viper.GetDuration("poll.error_backoff_max"),
			RequestTimeout:   viper.GetDuration("poll.request_timeout"),
			MaxAttempts:      viper.GetInt("poll.max_attempts"),
			ProgressEstimate: viper.GetDuration("poll.progress_estimate"),
		},
		Queue: QueueConfig{
			MaxConcurrency: viper.GetInt("queue.max_concurrency"),
			AutoRun:        viper.GetBool("queue.auto_run"),
		},
		Media: MediaConfig{
			DeadHosts: splitHosts(viper.GetString("media.dead_hosts")),
		},
	}

	return cfg, nil
}

func splitHosts(s string) []string {
	var hosts []string
	for _, h := range strings.Split(s, ",") {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			hosts = append(hosts, h)
		}
	}
	return hosts
}
