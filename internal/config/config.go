// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/weblog-dwh/internal/logging"
	"github.com/JakeFAU/weblog-dwh/internal/telemetry"
)

// Warehouse backends.
const (
	WarehouseMemory   = "memory"
	WarehouseSQLite   = "sqlite"
	WarehousePostgres = "postgres"
)

// Export artifact backends.
const (
	ExportLocal  = "local"
	ExportGCS    = "gcs"
	ExportMemory = "memory"
)

// Publisher backends.
const (
	PublisherNone   = "none"
	PublisherMemory = "memory"
	PublisherPubSub = "pubsub"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging   logging.Config   `mapstructure:"logging"`
	Input     InputConfig      `mapstructure:"input"`
	Warehouse WarehouseConfig  `mapstructure:"warehouse"`
	Export    ExportConfig     `mapstructure:"export"`
	Publisher PublisherConfig  `mapstructure:"publisher"`
	Server    ServerConfig     `mapstructure:"server"`
	Tracing   telemetry.Config `mapstructure:"tracing"`
}

// InputConfig locates the raw access-log CSV.
type InputConfig struct {
	Path string `mapstructure:"path"`
}

// WarehouseConfig selects and configures the warehouse store.
type WarehouseConfig struct {
	Backend  string         `mapstructure:"backend"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// SQLiteConfig locates the embedded warehouse file.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig controls the Postgres connection pool.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// ExportConfig sets where export artifacts are written.
type ExportConfig struct {
	Backend              string            `mapstructure:"backend"`
	Local                LocalExportConfig `mapstructure:"local"`
	GCS                  GCSExportConfig   `mapstructure:"gcs"`
	Prefix               string            `mapstructure:"prefix"`
	ObjectName           string            `mapstructure:"object_name"`
	RejectionsObjectName string            `mapstructure:"rejections_object_name"`
}

// LocalExportConfig is the filesystem sink root.
type LocalExportConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// GCSExportConfig names the destination bucket.
type GCSExportConfig struct {
	Bucket string `mapstructure:"bucket"`
}

// PublisherConfig holds metadata for run-completed notifications.
type PublisherConfig struct {
	Backend string       `mapstructure:"backend"`
	Topic   string       `mapstructure:"topic"`
	PubSub  PubSubConfig `mapstructure:"pubsub"`
}

// PubSubConfig identifies the Pub/Sub project.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	APIKey         string        `mapstructure:"api_key"`
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DWH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("input.path", "data/raw/log_parsed.csv")
	v.SetDefault("warehouse.backend", WarehouseSQLite)
	v.SetDefault("warehouse.sqlite.path", "data/dwh/mini_dwh.db")
	v.SetDefault("warehouse.postgres.dsn", "")
	v.SetDefault("warehouse.postgres.max_conns", 4)
	v.SetDefault("warehouse.postgres.min_conns", 0)
	v.SetDefault("warehouse.postgres.max_conn_lifetime", time.Hour)
	v.SetDefault("export.backend", ExportLocal)
	v.SetDefault("export.local.base_dir", "data/dwh")
	v.SetDefault("export.gcs.bucket", "")
	v.SetDefault("export.prefix", "")
	v.SetDefault("export.object_name", "dwh_requests.csv")
	v.SetDefault("export.rejections_object_name", "dq_issues.csv")
	v.SetDefault("publisher.backend", PublisherNone)
	v.SetDefault("publisher.topic", "dwh-runs")
	v.SetDefault("publisher.pubsub.project_id", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.max_body_bytes", 64<<20)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("tracing.exporter", telemetry.ExporterNone)
	v.SetDefault("tracing.project_id", "")
	v.SetDefault("tracing.service_name", "weblog-dwh")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be > 0")
	}
	if err := c.Tracing.Validate(); err != nil {
		return err
	}
	switch c.Warehouse.Backend {
	case WarehouseMemory:
	case WarehouseSQLite:
		if strings.TrimSpace(c.Warehouse.SQLite.Path) == "" {
			return fmt.Errorf("warehouse.sqlite.path must be set for the sqlite backend")
		}
	case WarehousePostgres:
		if strings.TrimSpace(c.Warehouse.Postgres.DSN) == "" {
			return fmt.Errorf("warehouse.postgres.dsn must be set for the postgres backend")
		}
		if c.Warehouse.Postgres.MinConns > c.Warehouse.Postgres.MaxConns && c.Warehouse.Postgres.MaxConns > 0 {
			return fmt.Errorf("warehouse.postgres.min_conns must not exceed max_conns")
		}
	default:
		return fmt.Errorf("warehouse.backend %q is not one of memory, sqlite, postgres", c.Warehouse.Backend)
	}
	switch c.Export.Backend {
	case ExportMemory:
	case ExportLocal:
		if strings.TrimSpace(c.Export.Local.BaseDir) == "" {
			return fmt.Errorf("export.local.base_dir must be set for the local backend")
		}
	case ExportGCS:
		if strings.TrimSpace(c.Export.GCS.Bucket) == "" {
			return fmt.Errorf("export.gcs.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("export.backend %q is not one of local, gcs, memory", c.Export.Backend)
	}
	if strings.TrimSpace(c.Export.ObjectName) == "" {
		return fmt.Errorf("export.object_name must be set")
	}
	switch c.Publisher.Backend {
	case PublisherNone, "":
	case PublisherMemory:
		if c.Publisher.Topic == "" {
			return fmt.Errorf("publisher.topic must be set when a publisher is enabled")
		}
	case PublisherPubSub:
		if c.Publisher.Topic == "" {
			return fmt.Errorf("publisher.topic must be set when a publisher is enabled")
		}
		if c.Publisher.PubSub.ProjectID == "" {
			return fmt.Errorf("publisher.pubsub.project_id must be set for the pubsub backend")
		}
	default:
		return fmt.Errorf("publisher.backend %q is not one of none, memory, pubsub", c.Publisher.Backend)
	}
	return nil
}

// ObjectPath joins the export prefix and an object name with a slash.
func (e ExportConfig) ObjectPath(name string) string {
	prefix := strings.Trim(e.Prefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}
