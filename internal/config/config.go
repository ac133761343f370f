// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"
	_ "time/tzdata"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/tomasbasham/eoa/internal/compute"
)

// Storage backends.
const (
	StorageDisk  = "disk"
	StorageGCS   = "gcs"
	StorageMinio = "minio"
)

// Ledger backends.
const (
	LedgerMemory   = "memory"
	LedgerSQLite   = "sqlite"
	LedgerPostgres = "postgres"
)

// Config holds all runtime configuration.
type Config struct {
	ListenAddr     string   `env:"EOA_LISTEN_ADDR" envDefault:":8080"`
	AllowedOrigins []string `env:"EOA_ALLOWED_ORIGINS" envSeparator:","`
	LogLevel       string   `env:"EOA_LOG_LEVEL" envDefault:"info"`
	LogFormat      string   `env:"EOA_LOG_FORMAT" envDefault:"text"`
	OTLPEndpoint   string   `env:"EOA_OTLP_ENDPOINT"`

	// TimeZone is the business zone: ledger dates and execution names use it.
	TimeZone string `env:"EOA_TIMEZONE" envDefault:"Europe/London"`

	Storage Storage `envPrefix:"EOA_STORAGE_"`
	Ledger  Ledger  `envPrefix:"EOA_LEDGER_"`
	Compute Compute `envPrefix:"EOA_"`

	UploadStem   string `env:"EOA_UPLOAD_STEM" envDefault:"SA_outputs/UK_AmFlex_SA_Output"`
	ResultPrefix string `env:"EOA_RESULT_PREFIX" envDefault:"optimized_offers/optimized_offers_upload.csv"`
	ExportKey    string `env:"EOA_EXPORT_KEY" envDefault:"exclusion_dps/exclusion_dps.csv"`

	// UploadTimeout, when set, bounds HTTP uploads that name no timeout.
	// Unset, every upload request must name one.
	UploadTimeout time.Duration `env:"EOA_UPLOAD_TIMEOUT"`

	// SessionTTL is how long the server keeps a session after its cycle
	// finished.
	SessionTTL time.Duration `env:"EOA_SESSION_TTL" envDefault:"24h"`
}

// Storage selects and configures the object store.
type Storage struct {
	Backend string `env:"BACKEND" envDefault:"disk"`

	// Dir is the root of the disk backend.
	Dir string `env:"DIR" envDefault:"data"`

	Bucket       string        `env:"BUCKET"`
	SignedURLTTL time.Duration `env:"SIGNED_URL_TTL" envDefault:"1h"`

	// S3-compatible endpoint settings for the minio backend.
	Endpoint  string `env:"ENDPOINT" envDefault:"localhost:9000"`
	AccessKey string `env:"ACCESS_KEY"`
	SecretKey string `env:"SECRET_KEY"`
	Region    string `env:"REGION"`
	UseSSL    bool   `env:"USE_SSL"`
}

// Ledger selects and configures the exclusion ledger backend.
type Ledger struct {
	Backend         string `env:"BACKEND" envDefault:"memory"`
	SQLitePath      string `env:"SQLITE_PATH" envDefault:"eoa.db"`
	DatabaseURL     string `env:"DATABASE_URL"`
	TargetsQuota    int    `env:"TARGETS_QUOTA" envDefault:"2"`
	PersistenceDays int    `env:"PERSISTENCE_DAYS" envDefault:"5"`
}

// Compute configures the AWS jobs.
type Compute struct {
	AWSRegion    string        `env:"AWS_REGION" envDefault:"eu-west-2"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`

	MatchOffersARN        string `env:"MATCH_OFFERS_ARN"`
	PredictChurnARN       string `env:"PREDICT_CHURN_ARN"`
	OfferPrioritizationFn string `env:"OFFER_PRIORITIZATION_FUNCTION"`
}

// Load reads a .env file when present, then parses the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	return Parse()
}

// Parse reads configuration from the environment alone.
func Parse() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	var problems []error

	switch c.Storage.Backend {
	case StorageDisk:
	case StorageGCS, StorageMinio:
		if c.Storage.Bucket == "" {
			problems = append(problems, fmt.Errorf("EOA_STORAGE_BUCKET is required for the %s backend", c.Storage.Backend))
		}
	default:
		problems = append(problems, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}

	switch c.Ledger.Backend {
	case LedgerMemory:
	case LedgerSQLite:
		if c.Ledger.SQLitePath == "" {
			problems = append(problems, errors.New("EOA_LEDGER_SQLITE_PATH is required for the sqlite backend"))
		}
	case LedgerPostgres:
		if c.Ledger.DatabaseURL == "" {
			problems = append(problems, errors.New("EOA_LEDGER_DATABASE_URL is required for the postgres backend"))
		}
	default:
		problems = append(problems, fmt.Errorf("unknown ledger backend %q", c.Ledger.Backend))
	}

	if c.Ledger.TargetsQuota <= 0 {
		problems = append(problems, fmt.Errorf("targets quota must be positive, got %d", c.Ledger.TargetsQuota))
	}
	if c.Ledger.PersistenceDays < 0 {
		problems = append(problems, fmt.Errorf("persistence days must not be negative, got %d", c.Ledger.PersistenceDays))
	}
	if c.UploadTimeout < 0 {
		problems = append(problems, fmt.Errorf("upload timeout must not be negative, got %s", c.UploadTimeout))
	}
	if c.SessionTTL <= 0 {
		problems = append(problems, fmt.Errorf("session ttl must be positive, got %s", c.SessionTTL))
	}
	if _, err := time.LoadLocation(c.TimeZone); err != nil {
		problems = append(problems, fmt.Errorf("invalid time zone %q: %w", c.TimeZone, err))
	}

	if err := errors.Join(problems...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Location returns the business time zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Targets maps each configured job to its ARN or function name.
func (c *Config) Targets() map[compute.Job]string {
	targets := make(map[compute.Job]string, 3)
	for job, target := range map[compute.Job]string{
		compute.MatchOffers:         c.Compute.MatchOffersARN,
		compute.PredictChurn:        c.Compute.PredictChurnARN,
		compute.OfferPrioritization: c.Compute.OfferPrioritizationFn,
	} {
		if target != "" {
			targets[job] = target
		}
	}
	return targets
}
