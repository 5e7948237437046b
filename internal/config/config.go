package config

import "github.com/kelseyhightower/envconfig"

type Config struct {
	// ----------------------------
	// SMTP
	// ----------------------------
	SMTPHost     string `envconfig:"SMTP_HOST" default:"smtp.gmail.com"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"587"`
	SMTPUser     string `envconfig:"SMTP_USER" default:""`
	SMTPPassword string `envconfig:"SMTP_PASSWORD" default:""`

	// ----------------------------
	// Dispatch
	// ----------------------------
	DefaultDelaySeconds float64 `envconfig:"DEFAULT_DELAY_SECONDS" default:"2"`
	MaxRecipients       int     `envconfig:"MAX_RECIPIENTS" default:"1000"`

	// ----------------------------
	// Uploads
	// ----------------------------
	UploadDir string `envconfig:"UPLOAD_DIR" default:"uploads"`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort string `envconfig:"API_PORT" default:"8080"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
}

func Load() (*Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return &cfg, err
}
