// Package config loads per-stage settings from environment variables.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// TargetCRS is the only reference system documents are stored in (WGS84).
const TargetCRS = 4326

// Broker holds the Kafka endpoint and channel names shared by every stage.
type Broker struct {
	Brokers          []string      `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	DownloadTopic    string        `env:"DOWNLOAD_TOPIC" envDefault:"lpis.download"`
	FeaturesTopic    string        `env:"FEATURES_TOPIC" envDefault:"lpis.features"`
	DownloadDLQTopic string        `env:"DOWNLOAD_DLQ_TOPIC" envDefault:"lpis.download.dlq"`
	FeaturesDLQTopic string        `env:"FEATURES_DLQ_TOPIC" envDefault:"lpis.features.dlq"`
	WriteTimeout     time.Duration `env:"KAFKA_WRITE_TIMEOUT" envDefault:"10s"`
	BatchTimeout     time.Duration `env:"KAFKA_BATCH_TIMEOUT" envDefault:"5ms"`
	CommitTimeout    time.Duration `env:"KAFKA_COMMIT_TIMEOUT" envDefault:"5s"`
	DialTimeout      time.Duration `env:"KAFKA_DIAL_TIMEOUT" envDefault:"10s"`
}

// Retry holds the exponential backoff parameters of a bounded retry.
type Retry struct {
	MaxAttempts     int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	InitialInterval time.Duration `env:"RETRY_INITIAL_INTERVAL" envDefault:"500ms"`
	MaxInterval     time.Duration `env:"RETRY_MAX_INTERVAL" envDefault:"30s"`
}

// Ledger enables the Firestore job ledger when ProjectID is set.
type Ledger struct {
	ProjectID  string `env:"PROJECT_ID"`
	Collection string `env:"LEDGER_COLLECTION" envDefault:"ingestions"`
}

// Enabled reports whether a Firestore project was configured.
func (l Ledger) Enabled() bool {
	return l.ProjectID != ""
}

// CommandBuilder configures the HTTP front door.
type CommandBuilder struct {
	Broker    Broker
	Ledger    Ledger
	Publish   Retry `envPrefix:"PUBLISH_"`
	Catalogue Retry `envPrefix:"CATALOGUE_"`

	Port               string        `env:"PORT" envDefault:"8080"`
	RequestTimeout     time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	ParcelIDField      string        `env:"PARCEL_ID_FIELD" envDefault:"ID_PARCEL"`
	AreaSourceProperty string        `env:"AREA_SOURCE_PROPERTY" envDefault:"SURF_PARC"`
	AreaCoefficient    float64       `env:"AREA_COEFFICIENT" envDefault:"10000"`
	CatalogueURL       string        `env:"LPIS_FR_IGN_RPG_URL" envDefault:"http://professionnels.ign.fr/rpg"`
	LogLevel           string        `env:"LOG_LEVEL" envDefault:"info"`
}

// ArchiveProcessor configures the download/decode/fan-out stage.
type ArchiveProcessor struct {
	Broker   Broker
	Ledger   Ledger
	Download Retry `envPrefix:"DOWNLOAD_"`
	Publish  Retry `envPrefix:"PUBLISH_"`

	ConsumerGroup    string        `env:"CONSUMER_GROUP" envDefault:"lpis-archive-processor"`
	Workers          int           `env:"WORKERS" envDefault:"2"`
	DownloadTimeout  time.Duration `env:"DOWNLOAD_TIMEOUT" envDefault:"30m"`
	DefaultSourceCRS int           `env:"DEFAULT_SOURCE_CRS" envDefault:"2154"`
	TempDir          string        `env:"TEMP_DIR"`
	MetricsAddr      string        `env:"METRICS_ADDR" envDefault:":9100"`
	LogLevel         string        `env:"LOG_LEVEL" envDefault:"info"`
}

// StoreWriter configures the reprojection and persistence stage.
type StoreWriter struct {
	Broker  Broker
	Upsert  Retry `envPrefix:"UPSERT_"`
	Publish Retry `envPrefix:"PUBLISH_"`

	ConsumerGroup     string        `env:"CONSUMER_GROUP" envDefault:"lpis-store-writer"`
	Workers           int           `env:"WORKERS" envDefault:"4"`
	MongoURI          string        `env:"MONGODB_URI" envDefault:"mongodb://localhost:27017"`
	MongoDatabase     string        `env:"MONGODB_DATABASE" envDefault:"fast"`
	CollectionPrefix  string        `env:"MONGODB_COLLECTION_PREFIX"`
	ConnectTimeout    time.Duration `env:"MONGODB_CONNECT_TIMEOUT" envDefault:"10s"`
	OperationTimeout  time.Duration `env:"MONGODB_OPERATION_TIMEOUT" envDefault:"15s"`
	TargetCRSEPSGCode int           `env:"TARGET_CRS_EPSG_CODE" envDefault:"4326"`
	MetricsAddr       string        `env:"METRICS_ADDR" envDefault:":9101"`
	LogLevel          string        `env:"LOG_LEVEL" envDefault:"info"`
}

// LoadCommandBuilder parses the front door configuration.
func LoadCommandBuilder() (CommandBuilder, error) {
	var cfg CommandBuilder
	if err := parse(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Broker.validate(); err != nil {
		return cfg, err
	}
	if err := cfg.Catalogue.validate("CATALOGUE_MAX_ATTEMPTS"); err != nil {
		return cfg, err
	}
	return cfg, cfg.Publish.validate("PUBLISH_MAX_ATTEMPTS")
}

// LoadArchiveProcessor parses the archive processor configuration.
func LoadArchiveProcessor() (ArchiveProcessor, error) {
	var cfg ArchiveProcessor
	if err := parse(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Broker.validate(); err != nil {
		return cfg, err
	}
	if cfg.Workers < 1 {
		return cfg, fmt.Errorf("WORKERS must be >= 1, got %d", cfg.Workers)
	}
	if err := cfg.Download.validate("DOWNLOAD_MAX_ATTEMPTS"); err != nil {
		return cfg, err
	}
	return cfg, cfg.Publish.validate("PUBLISH_MAX_ATTEMPTS")
}

// LoadStoreWriter parses the store writer configuration.
func LoadStoreWriter() (StoreWriter, error) {
	var cfg StoreWriter
	if err := parse(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Broker.validate(); err != nil {
		return cfg, err
	}
	if cfg.Workers < 1 {
		return cfg, fmt.Errorf("WORKERS must be >= 1, got %d", cfg.Workers)
	}
	if cfg.TargetCRSEPSGCode != TargetCRS {
		return cfg, fmt.Errorf("TARGET_CRS_EPSG_CODE must be %d, got %d", TargetCRS, cfg.TargetCRSEPSGCode)
	}
	if err := cfg.Upsert.validate("UPSERT_MAX_ATTEMPTS"); err != nil {
		return cfg, err
	}
	return cfg, cfg.Publish.validate("PUBLISH_MAX_ATTEMPTS")
}

// LogLevel maps a LOG_LEVEL value onto a slog level, defaulting to info.
func LogLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func parse(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func (b Broker) validate() error {
	if len(b.Brokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS must list at least one broker")
	}
	if b.DownloadTopic == "" || b.FeaturesTopic == "" {
		return fmt.Errorf("DOWNLOAD_TOPIC and FEATURES_TOPIC must be set")
	}
	return nil
}

func (r Retry) validate(name string) error {
	if r.MaxAttempts < 1 {
		return fmt.Errorf("%s must be >= 1, got %d", name, r.MaxAttempts)
	}
	if r.InitialInterval <= 0 || r.MaxInterval < r.InitialInterval {
		return fmt.Errorf("%s: retry intervals must satisfy 0 < initial <= max", name)
	}
	return nil
}
