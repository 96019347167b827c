package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
)

// Config holds all configuration required by the calltrack process.
// Values come from env; a .env file in the working directory is loaded first
// when present and never overrides variables already set.
// No business logic should depend on raw environment variables.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Tracker   TrackerConfig
	Finalize  FinalizeConfig
	Pricing   PricingConfig
	OpenAI    OpenAIConfig
	Webhook   WebhookConfig
	RateLimit RateLimitConfig
	Twilio    TwilioConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

// RedisConfig is optional. Without a host the per-phone rate limit falls back
// to process memory and finalize is arbitrated in-process only.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type AuthConfig struct {
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string
	TokenTTL    time.Duration
}

type TrackerConfig struct {
	// GraceWindow is how long after close late turns are still accepted.
	GraceWindow time.Duration
	// TombstoneTTL is how long an ended room is remembered. Must exceed
	// GraceWindow so stale turns can be told apart from unknown rooms.
	TombstoneTTL time.Duration
	// InterruptThreshold is the maximum gap between role flips counted as an interrupt.
	InterruptThreshold time.Duration
	// ReorderWindow holds back live stream turns to absorb arrival jitter.
	ReorderWindow time.Duration
	// Timezone is the IANA zone used for call_date/call_hour/call_day_of_week.
	Timezone string
}

type FinalizeConfig struct {
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// RetrySchedule is a cron spec for draining failed finalize writes.
	RetrySchedule string
	// SweepSchedule is a cron spec for evicting expired tombstones.
	SweepSchedule string
	AudioCodec    string
}

type PricingConfig struct {
	STTPerMinuteUSD   float64
	TTSPerMinuteUSD   float64
	LLMPer1KCharsUSD  float64
	EmbedPer4KCharUSD float64
}

type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

type WebhookConfig struct {
	URL     string
	Timeout time.Duration
}

type RateLimitConfig struct {
	Calls  int
	Window time.Duration
}

type TwilioConfig struct {
	AuthToken string
	// WebhookBaseURL is the public base URL Twilio calls; needed to verify signatures.
	WebhookBaseURL string
}

func Load() (Config, error) {
	// Missing .env is normal outside local development.
	_ = godotenv.Load()

	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	if c.Redis.Host != "" {
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
		c.Redis.Password = os.Getenv("REDIS_PASSWORD")
		c.Redis.DB = optInt("REDIS_DB")
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	c.Auth.TokenTTL = optDuration("JWT_TOKEN_TTL")

	// Tracker and finalize tunables are optional; defaults applied in Validate().
	c.Tracker.GraceWindow = optDuration("TRACKER_GRACE_WINDOW")
	c.Tracker.TombstoneTTL = optDuration("TRACKER_TOMBSTONE_TTL")
	c.Tracker.InterruptThreshold = optDuration("TRACKER_INTERRUPT_THRESHOLD")
	c.Tracker.ReorderWindow = optDuration("TRACKER_REORDER_WINDOW")
	c.Tracker.Timezone = strings.TrimSpace(os.Getenv("ANALYTICS_TIMEZONE"))

	c.Finalize.MaxAttempts = optInt("FINALIZE_MAX_ATTEMPTS")
	c.Finalize.BackoffInitial = optDuration("FINALIZE_BACKOFF_INITIAL")
	c.Finalize.BackoffMax = optDuration("FINALIZE_BACKOFF_MAX")
	c.Finalize.RetrySchedule = strings.TrimSpace(os.Getenv("FINALIZE_RETRY_SCHEDULE"))
	c.Finalize.SweepSchedule = strings.TrimSpace(os.Getenv("TRACKER_SWEEP_SCHEDULE"))
	c.Finalize.AudioCodec = strings.TrimSpace(os.Getenv("AUDIO_CODEC"))

	c.Pricing.STTPerMinuteUSD = optFloat("PRICE_STT_PER_MINUTE_USD")
	c.Pricing.TTSPerMinuteUSD = optFloat("PRICE_TTS_PER_MINUTE_USD")
	c.Pricing.LLMPer1KCharsUSD = optFloat("PRICE_LLM_PER_1K_CHARS_USD")
	c.Pricing.EmbedPer4KCharUSD = optFloat("PRICE_EMBED_PER_4K_CHARS_USD")

	c.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	c.OpenAI.Model = strings.TrimSpace(os.Getenv("OPENAI_MODEL"))
	c.OpenAI.BaseURL = strings.TrimSpace(os.Getenv("OPENAI_BASE_URL"))

	c.Webhook.URL = strings.TrimSpace(os.Getenv("CALL_WEBHOOK_URL"))
	c.Webhook.Timeout = optDuration("CALL_WEBHOOK_TIMEOUT")

	c.RateLimit.Calls = optInt("RATE_LIMIT_CALLS")
	c.RateLimit.Window = optDuration("RATE_LIMIT_WINDOW")

	c.Twilio.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	c.Twilio.WebhookBaseURL = strings.TrimSpace(os.Getenv("TWILIO_WEBHOOK_BASE_URL"))

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// LoadAuth reads only the JWT settings, for tooling that mints tokens
// without the rest of the service configuration.
func LoadAuth() (AuthConfig, error) {
	_ = godotenv.Load()

	a := AuthConfig{
		JWTSecret:   os.Getenv("JWT_SECRET"),
		JWTIssuer:   strings.TrimSpace(os.Getenv("JWT_ISSUER")),
		JWTAudience: strings.TrimSpace(os.Getenv("JWT_AUDIENCE")),
		TokenTTL:    optDuration("JWT_TOKEN_TTL"),
	}
	if a.JWTSecret == "" {
		return AuthConfig{}, errors.New("JWT_SECRET is required")
	}
	if a.TokenTTL <= 0 {
		a.TokenTTL = 24 * time.Hour
	}
	return a, nil
}

// Validate checks required values and fills defaults in place.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host != "" && (c.Redis.Port <= 0 || c.Redis.Port > 65535) {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}
	if c.Redis.DB < 0 || c.Redis.DB > 15 {
		errs = append(errs, fmt.Errorf("REDIS_DB must be between 0 and 15, got %d", c.Redis.DB))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = 24 * time.Hour
	}

	if c.Tracker.GraceWindow <= 0 {
		c.Tracker.GraceWindow = 30 * time.Second
	}
	if c.Tracker.TombstoneTTL <= 0 {
		c.Tracker.TombstoneTTL = 10 * c.Tracker.GraceWindow
	}
	if c.Tracker.TombstoneTTL <= c.Tracker.GraceWindow {
		errs = append(errs, errors.New("TRACKER_TOMBSTONE_TTL must be greater than TRACKER_GRACE_WINDOW"))
	}
	if c.Tracker.InterruptThreshold <= 0 {
		c.Tracker.InterruptThreshold = 500 * time.Millisecond
	}
	if c.Tracker.ReorderWindow < 0 {
		errs = append(errs, errors.New("TRACKER_REORDER_WINDOW must not be negative"))
	}
	if c.Tracker.Timezone == "" {
		c.Tracker.Timezone = "Asia/Kolkata"
	}
	if _, err := time.LoadLocation(c.Tracker.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("ANALYTICS_TIMEZONE is not a valid zone: %q", c.Tracker.Timezone))
	}

	if c.Finalize.MaxAttempts <= 0 {
		c.Finalize.MaxAttempts = 5
	}
	if c.Finalize.BackoffInitial <= 0 {
		c.Finalize.BackoffInitial = 200 * time.Millisecond
	}
	if c.Finalize.BackoffMax <= 0 {
		c.Finalize.BackoffMax = 5 * time.Second
	}
	if c.Finalize.BackoffMax < c.Finalize.BackoffInitial {
		errs = append(errs, errors.New("FINALIZE_BACKOFF_MAX must not be below FINALIZE_BACKOFF_INITIAL"))
	}
	if c.Finalize.RetrySchedule == "" {
		c.Finalize.RetrySchedule = "@every 1m"
	}
	if c.Finalize.SweepSchedule == "" {
		c.Finalize.SweepSchedule = "@every 30s"
	}

	if c.Pricing.STTPerMinuteUSD < 0 || c.Pricing.TTSPerMinuteUSD < 0 || c.Pricing.LLMPer1KCharsUSD < 0 || c.Pricing.EmbedPer4KCharUSD < 0 {
		errs = append(errs, errors.New("PRICE_* values must not be negative"))
	}

	if c.OpenAI.Model == "" {
		c.OpenAI.Model = "gpt-4o-mini"
	}
	if c.Webhook.Timeout <= 0 {
		c.Webhook.Timeout = 5 * time.Second
	}

	if c.RateLimit.Calls < 0 {
		errs = append(errs, errors.New("RATE_LIMIT_CALLS must not be negative"))
	}
	if c.RateLimit.Calls == 0 {
		c.RateLimit.Calls = 3
	}
	if c.RateLimit.Window <= 0 {
		c.RateLimit.Window = time.Hour
	}

	if c.Twilio.AuthToken != "" && c.Twilio.WebhookBaseURL == "" {
		errs = append(errs, errors.New("TWILIO_WEBHOOK_BASE_URL is required when TWILIO_AUTH_TOKEN is set"))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

// RedisAddr returns "" when Redis is not configured.
func (c Config) RedisAddr() string {
	if c.Redis.Host == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Location resolves the analytics time zone; Validate has already checked it.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Tracker.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optInt(key string) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func optFloat(key string) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return f
}

func optDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
