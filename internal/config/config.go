// Package config loads the process configuration from the environment.
//
// Core settings (server, logging, storage, web protection, workflow tunables)
// are read with the small getenv helpers below. Integration credentials are
// decoded per block with envconfig into the option structs of the packages
// that use them (OPENAI_*, SERPAPI_*, SMTP_*, IMAP_*, AMO_*, MINIO_*). A .env
// file in the working directory, or the one named by ENV_FILE, is loaded
// first without overriding variables already set.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/tbourn/go-procurement-bot/internal/crm"
	"github.com/tbourn/go-procurement-bot/internal/invoice"
	"github.com/tbourn/go-procurement-bot/internal/listing"
	"github.com/tbourn/go-procurement-bot/internal/llm"
	"github.com/tbourn/go-procurement-bot/internal/mail"
)

// ErrMissingCredentials is returned by Load when a required integration
// credential is absent and OFFLINE_MODE is off.
var ErrMissingCredentials = errors.New("missing required credentials")

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// DBConfig selects the relational store.
type DBConfig struct {
	Driver string // DB_DRIVER: sqlite|postgres
	DSN    string // DB_DSN, required for postgres
	Path   string // DB_PATH, sqlite file
}

// Target returns the dsn handed to repo.Open for the configured driver.
func (d DBConfig) Target() string {
	if d.Driver == "postgres" {
		return d.DSN
	}
	return d.Path
}

// WorkflowConfig holds the procurement tunables.
type WorkflowConfig struct {
	SearchMaxRounds  int           // SEARCH_MAX_ROUNDS, clamped to 1..3
	IntakeMaxRounds  int           // INTAKE_MAX_ROUNDS
	IMAPPollInterval time.Duration // IMAP_POLL_INTERVAL
	ManagerChatID    string        // MANAGER_CHAT_ID
	InvoiceDir       string        // INVOICE_DIR
	InvoiceCurrency  string        // INVOICE_CURRENCY
	PromptsPath      string        // PROMPTS_PATH, empty means embedded personas
}

// Config holds all configuration values for the process.
type Config struct {
	// Server
	Port              string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	GinMode           string // debug|release|test

	// Logging / Docs
	LogLevel       string
	LogPretty      bool
	SwaggerEnabled bool
	APIBasePath    string

	// OfflineMode replaces every external integration with a local stand-in.
	OfflineMode bool

	DB       DBConfig
	Workflow WorkflowConfig

	// Rate limiting
	RateRPS   float64
	RateBurst int

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	IdempotencyTTL time.Duration

	OTEL OTELConfig

	// Integrations
	OpenAI  llm.OpenAIConfig
	SerpAPI listing.Config
	SMTP    mail.SMTPConfig
	IMAP    mail.IMAPConfig
	AMO     crm.Config
	Minio   invoice.MinioConfig
}

// CRMEnabled reports whether an amoCRM token is configured.
func (c Config) CRMEnabled() bool { return !c.OfflineMode && strings.TrimSpace(c.AMO.Token) != "" }

// MinioEnabled reports whether invoices go to object storage.
func (c Config) MinioEnabled() bool {
	return !c.OfflineMode && strings.TrimSpace(c.Minio.Endpoint) != ""
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads the environment, applies defaults, normalizes and validates.
func Load() (Config, error) {
	if err := loadDotEnv(); err != nil {
		return Config{}, err
	}

	cfg := Config{
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		// Intake and decisions wait on the generator.
		WriteTimeout:   getdur("WRITE_TIMEOUT", 90*time.Second),
		IdleTimeout:    getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes: getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:        strings.ToLower(getenv("GIN_MODE", "release")),

		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		OfflineMode: getbool("OFFLINE_MODE", false),

		DB: DBConfig{
			Driver: strings.ToLower(getenv("DB_DRIVER", "sqlite")),
			DSN:    getenv("DB_DSN", ""),
			Path:   getenv("DB_PATH", "procurement.db"),
		},
		Workflow: WorkflowConfig{
			SearchMaxRounds:  clamp(getint("SEARCH_MAX_ROUNDS", 2), 1, 3),
			IntakeMaxRounds:  getint("INTAKE_MAX_ROUNDS", 8),
			IMAPPollInterval: getdur("IMAP_POLL_INTERVAL", 3*time.Minute),
			ManagerChatID:    getenv("MANAGER_CHAT_ID", ""),
			InvoiceDir:       getenv("INVOICE_DIR", "invoices"),
			InvoiceCurrency:  strings.ToUpper(getenv("INVOICE_CURRENCY", "RUB")),
			PromptsPath:      getenv("PROMPTS_PATH", ""),
		},

		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-procurement-bot"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	if err := loadIntegrations(&cfg); err != nil {
		return cfg, err
	}

	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadDotEnv loads ENV_FILE (must exist) or ./.env (optional).
func loadDotEnv() error {
	if path := strings.TrimSpace(os.Getenv("ENV_FILE")); path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}
	return nil
}

// loadIntegrations decodes the credential blocks.
func loadIntegrations(cfg *Config) error {
	blocks := []struct {
		prefix string
		dst    any
	}{
		{"OPENAI", &cfg.OpenAI},
		{"SERPAPI", &cfg.SerpAPI},
		{"SMTP", &cfg.SMTP},
		{"IMAP", &cfg.IMAP},
		{"AMO", &cfg.AMO},
		{"MINIO", &cfg.Minio},
	}
	for _, b := range blocks {
		if err := envconfig.Process(b.prefix, b.dst); err != nil {
			return fmt.Errorf("config %s: %w", b.prefix, err)
		}
	}
	return nil
}

func validate(cfg Config) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return errors.New("MAX_HEADER_BYTES must be > 0")
	}
	switch cfg.DB.Driver {
	case "sqlite":
		if strings.TrimSpace(cfg.DB.Path) == "" {
			return errors.New("DB_PATH must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(cfg.DB.DSN) == "" {
			return errors.New("DB_DSN is required when DB_DRIVER=postgres")
		}
	default:
		return errors.New("DB_DRIVER must be sqlite or postgres")
	}
	if cfg.Workflow.IntakeMaxRounds < 1 {
		return errors.New("INTAKE_MAX_ROUNDS must be >= 1")
	}
	if cfg.Workflow.IMAPPollInterval <= 0 {
		return errors.New("IMAP_POLL_INTERVAL must be > 0")
	}
	if cfg.RateRPS < 0 {
		return errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	if cfg.OfflineMode {
		return nil
	}
	return requireCredentials(cfg)
}

// requireCredentials names every missing credential in one error.
func requireCredentials(cfg Config) error {
	var missing []string
	required := []struct{ name, value string }{
		{"OPENAI_API_KEY", cfg.OpenAI.APIKey},
		{"SERPAPI_API_KEY", cfg.SerpAPI.APIKey},
		{"SMTP_HOST", cfg.SMTP.Host},
		// The sender falls back to the SMTP login.
		{"SMTP_FROM or SMTP_USERNAME", cfg.SMTP.From + cfg.SMTP.Username},
		{"IMAP_HOST", cfg.IMAP.Host},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			missing = append(missing, r.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s (set OFFLINE_MODE=true for local runs)", ErrMissingCredentials, strings.Join(missing, ", "))
	}
	return nil
}

// ---- helpers ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures a leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	if p == "" {
		return "/"
	}
	return p
}
