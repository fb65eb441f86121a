package config

import (
	"time"
)

// Config is the full runtime configuration. Defaults() is layered under an optional
// YAML file and BOOKGUARD_* environment variables by Load.
type Config struct {
	Environment   string             `koanf:"environment" validate:"oneof=development production test"`
	Server        ServerConfig       `koanf:"server"`
	Logging       LoggingConfig      `koanf:"logging"`
	Store         StoreConfig        `koanf:"store"`
	Auth          AuthConfig         `koanf:"auth"`
	RateLimit     RateLimitConfig    `koanf:"rate_limit"`
	Reputation    ReputationConfig   `koanf:"reputation"`
	Captcha       CaptchaConfig      `koanf:"captcha"`
	Anomaly       AnomalyConfig      `koanf:"anomaly"`
	Incident      IncidentConfig     `koanf:"incident"`
	Notifications NotificationConfig `koanf:"notifications"`
	Events        EventsConfig       `koanf:"events"`
	NATS          NATSConfig         `koanf:"nats"`
	Janitor       JanitorConfig      `koanf:"janitor"`
}

type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `koanf:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `koanf:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

type LoggingConfig struct {
	Debug      bool   `koanf:"debug"`
	Dir        string `koanf:"dir"`
	MaxSizeMB  int    `koanf:"max_size_mb" validate:"min=1"`
	MaxBackups int    `koanf:"max_backups" validate:"min=0"`
	MaxAgeDays int    `koanf:"max_age_days" validate:"min=0"`
	Compress   bool   `koanf:"compress"`
}

// StoreConfig selects the shared state backend.
type StoreConfig struct {
	Driver     string        `koanf:"driver" validate:"oneof=memory sqlite redis"`
	SQLitePath string        `koanf:"sqlite_path" validate:"required_if=Driver sqlite"`
	RedisURL   string        `koanf:"redis_url" validate:"required_if=Driver redis"`
	OpTimeout  time.Duration `koanf:"op_timeout" validate:"gt=0"`
}

// AuthConfig protects the admin HTTP surface.
type AuthConfig struct {
	JWTSecret string `koanf:"jwt_secret"`
	// BreakGlassHash is a bcrypt hash of the emergency admin token.
	BreakGlassHash string `koanf:"break_glass_hash"`
}

// LimitConfig is one sliding-window limit.
type LimitConfig struct {
	Max    int           `koanf:"max" validate:"min=1"`
	Window time.Duration `koanf:"window" validate:"gt=0"`
}

type RateLimitConfig struct {
	Enabled                   bool                   `koanf:"enabled"`
	Limits                    map[string]LimitConfig `koanf:"limits" validate:"required,dive"`
	DefaultAdjustmentDuration time.Duration          `koanf:"default_adjustment_duration" validate:"gt=0"`
	DefaultOverrideDuration   time.Duration          `koanf:"default_override_duration" validate:"gt=0"`
	// RecordRequests makes the HTTP middleware ingest an api_request event per request.
	RecordRequests bool `koanf:"record_requests"`
}

type ReputationConfig struct {
	BlockThreshold     float64            `koanf:"block_threshold" validate:"gt=0"`
	BaseBlockDuration  time.Duration      `koanf:"base_block_duration" validate:"gt=0"`
	MaxBlockDuration   time.Duration      `koanf:"max_block_duration" validate:"gtefield=BaseBlockDuration"`
	ExponentialBackoff bool               `koanf:"exponential_backoff"`
	BlockHistoryWindow time.Duration      `koanf:"block_history_window" validate:"gt=0"`
	BaseDelay          time.Duration      `koanf:"base_delay" validate:"gt=0"`
	MaxDelay           time.Duration      `koanf:"max_delay" validate:"gtefield=BaseDelay"`
	EventDeltas        map[string]float64 `koanf:"event_deltas"`
}

type CaptchaConfig struct {
	Enabled             bool           `koanf:"enabled"`
	VerifyURL           string         `koanf:"verify_url" validate:"omitempty,url"`
	Secret              string         `koanf:"secret"`
	Timeout             time.Duration  `koanf:"timeout" validate:"gt=0"`
	MinScore            float64        `koanf:"min_score" validate:"min=0,max=1"`
	DefaultThreshold    int            `koanf:"default_threshold" validate:"min=1"`
	Thresholds          map[string]int `koanf:"thresholds" validate:"dive,min=1"`
	ActivityWindow      time.Duration  `koanf:"activity_window" validate:"gt=0"`
	RequirementDuration time.Duration  `koanf:"requirement_duration" validate:"gt=0"`
	BreakerMaxFailures  uint32         `koanf:"breaker_max_failures" validate:"min=1"`
	BreakerOpenTimeout  time.Duration  `koanf:"breaker_open_timeout" validate:"gt=0"`
}

type AnomalyConfig struct {
	RulesFile          string  `koanf:"rules_file"`
	BaselineCacheSize  int     `koanf:"baseline_cache_size" validate:"min=1"`
	DeviationThreshold float64 `koanf:"deviation_threshold" validate:"gt=0"`
	TimingMinSamples   int     `koanf:"timing_min_samples" validate:"min=1"`
	GeoMinSamples      int     `koanf:"geo_min_samples" validate:"min=1"`
	SpikeMinSamples    int     `koanf:"spike_min_samples" validate:"min=1"`
	SpikeMinMinutes    int     `koanf:"spike_min_minutes" validate:"min=1"`
	UASimilarity       float64 `koanf:"ua_similarity" validate:"gt=0,lte=1"`
	LongSessionMinutes float64 `koanf:"long_session_minutes" validate:"gt=0"`
}

type IncidentConfig struct {
	CorrelationWindow       time.Duration `koanf:"correlation_window" validate:"gt=0"`
	BreachWindow            time.Duration `koanf:"breach_window" validate:"gt=0"`
	BreachThreshold         int           `koanf:"breach_threshold" validate:"min=1"`
	BreachCriticalThreshold int           `koanf:"breach_critical_threshold" validate:"gtefield=BreachThreshold"`
	BruteForceWindow        time.Duration `koanf:"brute_force_window" validate:"gt=0"`
	BruteForceThreshold     int           `koanf:"brute_force_threshold" validate:"min=1"`
	BruteForceNotify        int           `koanf:"brute_force_notify_threshold" validate:"gtefield=BruteForceThreshold"`
	TakeoverRiskFloor       float64       `koanf:"takeover_risk_floor" validate:"min=0,max=1"`
	ExfiltrationRecords     int           `koanf:"exfiltration_records" validate:"min=1"`
	ExfiltrationBytes       int64         `koanf:"exfiltration_bytes" validate:"min=1"`
	NotifyChannel           string        `koanf:"notify_channel"`
}

type NotificationConfig struct {
	Enabled         bool     `koanf:"enabled"`
	URLs            []string `koanf:"urls"`
	WebhookURL      string   `koanf:"webhook_url" validate:"omitempty,url"`
	WebhookTemplate string   `koanf:"webhook_template"`
	RatePerMinute   int      `koanf:"rate_per_minute" validate:"min=1"`
	Burst           int      `koanf:"burst" validate:"min=1"`
	Async           bool     `koanf:"async"`
}

type EventsConfig struct {
	Retention time.Duration `koanf:"retention" validate:"gt=0"`
}

type NATSConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url" validate:"required_if=Enabled true"`
	Subject string `koanf:"subject" validate:"required_if=Enabled true"`
	Queue   string `koanf:"queue"`
}

type JanitorConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Schedule string `koanf:"schedule" validate:"required_if=Enabled true"`
}

// Defaults returns a configuration that boots with no file and no environment.
func Defaults() Config {
	return Config{
		Environment: "development",
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Dir:        "data/logs",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
		Store: StoreConfig{
			Driver:     "sqlite",
			SQLitePath: "data/bookguard.db",
			OpTimeout:  2 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Limits: map[string]LimitConfig{
				"general":        {Max: 200, Window: 15 * time.Minute},
				"auth":           {Max: 10, Window: 15 * time.Minute},
				"password_reset": {Max: 3, Window: time.Hour},
				"file_upload":    {Max: 20, Window: time.Hour},
				"mfa":            {Max: 5, Window: 15 * time.Minute},
			},
			DefaultAdjustmentDuration: time.Hour,
			DefaultOverrideDuration:   time.Hour,
		},
		Reputation: ReputationConfig{
			BlockThreshold:     50,
			BaseBlockDuration:  time.Hour,
			MaxBlockDuration:   7 * 24 * time.Hour,
			ExponentialBackoff: true,
			BlockHistoryWindow: 24 * time.Hour,
			BaseDelay:          time.Second,
			MaxDelay:           30 * time.Second,
			EventDeltas: map[string]float64{
				"login_failed":         -5,
				"mfa_failed":           -5,
				"captcha_failed":       -3,
				"rate_limit_exceeded":  -2,
				"suspicious_activity":  -10,
				"privilege_escalation": -20,
				"login_success":        1,
			},
		},
		Captcha: CaptchaConfig{
			VerifyURL:        "https://www.google.com/recaptcha/api/siteverify",
			Timeout:          5 * time.Second,
			MinScore:         0.5,
			DefaultThreshold: 2,
			Thresholds: map[string]int{
				"failed_logins":         3,
				"rate_limit_violations": 5,
			},
			ActivityWindow:      time.Hour,
			RequirementDuration: time.Hour,
			BreakerMaxFailures:  5,
			BreakerOpenTimeout:  30 * time.Second,
		},
		Anomaly: AnomalyConfig{
			BaselineCacheSize:  10000,
			DeviationThreshold: 2,
			TimingMinSamples:   10,
			GeoMinSamples:      5,
			SpikeMinSamples:    20,
			SpikeMinMinutes:    2,
			UASimilarity:       0.8,
			LongSessionMinutes: 240,
		},
		Incident: IncidentConfig{
			CorrelationWindow:       time.Hour,
			BreachWindow:            time.Hour,
			BreachThreshold:         100,
			BreachCriticalThreshold: 1000,
			BruteForceWindow:        15 * time.Minute,
			BruteForceThreshold:     10,
			BruteForceNotify:        50,
			TakeoverRiskFloor:       0.7,
			ExfiltrationRecords:     1000,
			ExfiltrationBytes:       100 << 20,
			NotifyChannel:           "security",
		},
		Notifications: NotificationConfig{
			RatePerMinute: 30,
			Burst:         5,
			Async:         true,
		},
		Events: EventsConfig{
			Retention: 90 * 24 * time.Hour,
		},
		NATS: NATSConfig{
			URL:     "nats://127.0.0.1:4222",
			Subject: "security.events",
			Queue:   "bookguard",
		},
		Janitor: JanitorConfig{
			Enabled:  true,
			Schedule: "@every 10m",
		},
	}
}
