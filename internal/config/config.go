package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	AuthMode    string `mapstructure:"AUTH_MODE"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	EventSource         string        `mapstructure:"EVENT_SOURCE"`
	NotifyChannels      []string      `mapstructure:"NOTIFY_CHANNELS"`
	EventStoreURL       string        `mapstructure:"EVENTSTORE_URL"`
	ListenerBackoffBase time.Duration `mapstructure:"LISTENER_BACKOFF_BASE"`
	ListenerBackoffMax  time.Duration `mapstructure:"LISTENER_BACKOFF_MAX"`

	ReconcileStaleness  time.Duration `mapstructure:"RECONCILE_STALENESS"`
	ReconcileInterval   time.Duration `mapstructure:"RECONCILE_INTERVAL"`
	ReconcileRate       int           `mapstructure:"RECONCILE_RATE"`
	ExpirySweepInterval time.Duration `mapstructure:"EXPIRY_SWEEP_INTERVAL"`
	ProcessMaxAttempts  int           `mapstructure:"PROCESS_MAX_ATTEMPTS"`
	ProcessRetryDelay   time.Duration `mapstructure:"PROCESS_RETRY_DELAY"`

	ConfirmDiagnosisDue time.Duration `mapstructure:"CONFIRM_DIAGNOSIS_DUE"`
	ApproveTreatmentDue time.Duration `mapstructure:"APPROVE_TREATMENT_DUE"`
	OnsetCutoff         float64       `mapstructure:"ONSET_CUTOFF"`
	OnsetBorderline     float64       `mapstructure:"ONSET_BORDERLINE_UPPER"`
	OnsetDamage         float64       `mapstructure:"ONSET_DAMAGE_THRESHOLD"`

	ScorerURL       string `mapstructure:"SCORER_URL"`
	DispatchWorkers int    `mapstructure:"DISPATCH_WORKERS"`
	DispatchBuffer  int    `mapstructure:"DISPATCH_BUFFER"`
	WebhookURL      string `mapstructure:"WEBHOOK_URL"`
	WebhookSecret   string `mapstructure:"WEBHOOK_SECRET"`

	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`
}

var keys = []string{
	"PORT", "ENV", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"EVENT_SOURCE", "NOTIFY_CHANNELS", "EVENTSTORE_URL", "LISTENER_BACKOFF_BASE", "LISTENER_BACKOFF_MAX",
	"RECONCILE_STALENESS", "RECONCILE_INTERVAL", "RECONCILE_RATE", "EXPIRY_SWEEP_INTERVAL",
	"PROCESS_MAX_ATTEMPTS", "PROCESS_RETRY_DELAY",
	"CONFIRM_DIAGNOSIS_DUE", "APPROVE_TREATMENT_DUE",
	"ONSET_CUTOFF", "ONSET_BORDERLINE_UPPER", "ONSET_DAMAGE_THRESHOLD",
	"SCORER_URL", "DISPATCH_WORKERS", "DISPATCH_BUFFER", "WEBHOOK_URL", "WEBHOOK_SECRET",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
}

// Load reads configuration from the environment and an optional .env file.
// It does not validate; call Validate, and RequireDatabase for commands that
// talk to PostgreSQL.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("EVENT_SOURCE", "postgres")
	v.SetDefault("NOTIFY_CHANNELS", "patient_changes,observation_changes,condition_changes")
	v.SetDefault("LISTENER_BACKOFF_BASE", "1s")
	v.SetDefault("LISTENER_BACKOFF_MAX", "30s")
	v.SetDefault("RECONCILE_STALENESS", "5m")
	v.SetDefault("RECONCILE_INTERVAL", "10m")
	v.SetDefault("RECONCILE_RATE", 50)
	v.SetDefault("EXPIRY_SWEEP_INTERVAL", "1m")
	v.SetDefault("PROCESS_MAX_ATTEMPTS", 3)
	v.SetDefault("PROCESS_RETRY_DELAY", "200ms")
	v.SetDefault("CONFIRM_DIAGNOSIS_DUE", "48h")
	v.SetDefault("APPROVE_TREATMENT_DUE", "72h")
	v.SetDefault("ONSET_CUTOFF", 60)
	v.SetDefault("ONSET_BORDERLINE_UPPER", 90)
	v.SetDefault("ONSET_DAMAGE_THRESHOLD", 30)
	v.SetDefault("DISPATCH_WORKERS", 4)
	v.SetDefault("DISPATCH_BUFFER", 256)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.NotifyChannels = splitList(cfg.NotifyChannels, v.GetString("NOTIFY_CHANNELS"))
	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	return cfg, nil
}

// splitList handles both a decoded slice and a raw comma-separated value.
func splitList(decoded []string, raw string) []string {
	if len(decoded) == 1 && strings.Contains(decoded[0], ",") {
		raw, decoded = decoded[0], nil
	}
	if len(decoded) == 0 && raw != "" {
		decoded = strings.Split(raw, ",")
	}
	out := decoded[:0]
	for _, s := range decoded {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set, otherwise "development" for
// ENV=development and "external" everywhere else.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "external"
}

func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return nil
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed with ENV=production")
		}
	case "external":
		if c.AuthIssuer == "" && c.AuthJWKSURL == "" {
			return fmt.Errorf("AUTH_ISSUER or AUTH_JWKS_URL must be set when AUTH_MODE is \"external\" (current ENV=%q)", c.Env)
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"external\", got %q", mode)
	}

	switch c.EventSource {
	case "postgres":
		if len(c.NotifyChannels) == 0 {
			return fmt.Errorf("NOTIFY_CHANNELS must name at least one channel")
		}
	case "eventstore":
		if c.EventStoreURL == "" {
			return fmt.Errorf("EVENTSTORE_URL is required when EVENT_SOURCE is \"eventstore\"")
		}
	default:
		return fmt.Errorf("EVENT_SOURCE must be \"postgres\" or \"eventstore\", got %q", c.EventSource)
	}

	if c.ListenerBackoffBase <= 0 || c.ListenerBackoffMax < c.ListenerBackoffBase {
		return fmt.Errorf("listener backoff must satisfy 0 < LISTENER_BACKOFF_BASE <= LISTENER_BACKOFF_MAX")
	}
	if c.ProcessMaxAttempts < 1 {
		return fmt.Errorf("PROCESS_MAX_ATTEMPTS must be at least 1, got %d", c.ProcessMaxAttempts)
	}
	for name, d := range map[string]time.Duration{
		"RECONCILE_STALENESS":   c.ReconcileStaleness,
		"RECONCILE_INTERVAL":    c.ReconcileInterval,
		"EXPIRY_SWEEP_INTERVAL": c.ExpirySweepInterval,
		"CONFIRM_DIAGNOSIS_DUE": c.ConfirmDiagnosisDue,
		"APPROVE_TREATMENT_DUE": c.ApproveTreatmentDue,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.ReconcileRate < 1 || c.DispatchWorkers < 1 || c.DispatchBuffer < 1 {
		return fmt.Errorf("RECONCILE_RATE, DISPATCH_WORKERS and DISPATCH_BUFFER must be at least 1")
	}
	if c.OnsetCutoff <= 0 || c.OnsetBorderline <= c.OnsetCutoff || c.OnsetDamage <= 0 {
		return fmt.Errorf("onset criteria must satisfy 0 < ONSET_CUTOFF < ONSET_BORDERLINE_UPPER and ONSET_DAMAGE_THRESHOLD > 0")
	}
	return nil
}
