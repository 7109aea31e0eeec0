package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/viper"
)

// LoadConfig reads configuration from an optional YAML file and ERPSYNC_* environment
// variables on top of the defaults.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("ERPSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("authoritative.host", "localhost")
	v.SetDefault("authoritative.port", 3306)
	v.SetDefault("authoritative.server_id", 1001)

	v.SetDefault("state_storage.type", "memory")
	v.SetDefault("state_storage.port", 3306)

	v.SetDefault("mirror.type", "sqlite")
	v.SetDefault("mirror.file_path", "data/mirror.db")

	v.SetDefault("pool.size", 5)
	v.SetDefault("pool.max_overflow", 10)
	v.SetDefault("pool.connect_timeout", "10s")
	v.SetDefault("pool.acquire_timeout", "30s")
	v.SetDefault("pool.recycle_after", "1h")
	v.SetDefault("pool.validation_interval", "30s")
	v.SetDefault("pool.retry_attempts", 3)
	v.SetDefault("pool.retry_backoff", "1s")
	v.SetDefault("pool.health_check_interval", "60s")
	v.SetDefault("pool.probe_query", "SELECT 1")

	v.SetDefault("resilience.circuit_failure_threshold", 5)
	v.SetDefault("resilience.circuit_cooldown", "60s")
	v.SetDefault("resilience.backoff_factor", 2.0)

	v.SetDefault("sync.change_check_interval", "30s")
	v.SetDefault("sync.change_window_overlap", "2m")
	v.SetDefault("sync.full_sync_hour_of_day", 2)
	v.SetDefault("sync.record_concurrency", 8)
	v.SetDefault("sync.query_timeout", "30s")
	v.SetDefault("sync.write_attempts", 3)
	v.SetDefault("sync.binlog.enabled", false)
	v.SetDefault("sync.binlog.table", "items")
	v.SetDefault("sync.queries.all_items",
		"SELECT item_code, item_name, stock_qty, location, tax_code, category, uom, barcode FROM items")
	v.SetDefault("sync.queries.changed_items",
		"SELECT item_code, item_name, stock_qty, location, tax_code, category, uom, barcode FROM items WHERE modified_at >= ?")
	v.SetDefault("sync.queries.items_by_code",
		"SELECT item_code, item_name, stock_qty, location, tax_code, category, uom, barcode FROM items WHERE item_code IN (%s)")
	v.SetDefault("sync.queries.item_by_code",
		"SELECT item_code, item_name, stock_qty, location, tax_code, category, uom, barcode FROM items WHERE item_code = ?")
	v.SetDefault("sync.columns.item_code", "item_code")
	v.SetDefault("sync.columns.item_name", "item_name")
	v.SetDefault("sync.columns.stock_qty", "stock_qty")
	v.SetDefault("sync.columns.metadata", map[string]string{
		"location": "location",
		"tax_code": "tax_code",
		"category": "category",
		"uom":      "uom",
		"barcode":  "barcode",
	})

	v.SetDefault("conflict.auto_resolve_strategy", "")
	v.SetDefault("conflict.entities", map[string]any{
		"item": map[string]any{"collection": "items", "key_field": "item_code"},
	})

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", "@every 30s")
	v.SetDefault("scheduler.conflicts_schedule", "@every 5m")

	v.SetDefault("lock.type", "local")
	v.SetDefault("lock.port", 6379)
	v.SetDefault("lock.ttl", "10m")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Pool.Size <= 0 {
		return fmt.Errorf("pool.size must be positive, got %d", c.Pool.Size)
	}
	if c.Pool.MaxOverflow < 0 {
		return fmt.Errorf("pool.max_overflow must not be negative, got %d", c.Pool.MaxOverflow)
	}
	if c.Pool.RetryAttempts <= 0 {
		return fmt.Errorf("pool.retry_attempts must be positive, got %d", c.Pool.RetryAttempts)
	}
	if c.Pool.ConnectTimeout <= 0 || c.Pool.AcquireTimeout <= 0 {
		return fmt.Errorf("pool.connect_timeout and pool.acquire_timeout must be positive")
	}
	if c.Resilience.CircuitFailureThreshold <= 0 {
		return fmt.Errorf("resilience.circuit_failure_threshold must be positive")
	}
	if c.Resilience.BackoffFactor < 1 {
		return fmt.Errorf("resilience.backoff_factor must be >= 1, got %v", c.Resilience.BackoffFactor)
	}
	if c.Sync.FullSyncHourOfDay < 0 || c.Sync.FullSyncHourOfDay > 23 {
		return fmt.Errorf("sync.full_sync_hour_of_day must be in [0, 23], got %d", c.Sync.FullSyncHourOfDay)
	}
	if c.Sync.ChangeCheckInterval <= 0 {
		return fmt.Errorf("sync.change_check_interval must be positive")
	}
	if c.Sync.Columns.ItemCode == "" || c.Sync.Columns.StockQty == "" {
		return fmt.Errorf("sync.columns.item_code and sync.columns.stock_qty are required")
	}

	switch c.Mirror.Type {
	case "memory":
	case "sqlite":
		if c.Mirror.FilePath == "" {
			return fmt.Errorf("mirror.file_path is required for sqlite mirror")
		}
	default:
		return fmt.Errorf("unsupported mirror type: %q", c.Mirror.Type)
	}

	switch c.StateStorage.Type {
	case "memory", "mysql":
	default:
		return fmt.Errorf("unsupported state storage type: %q", c.StateStorage.Type)
	}

	switch c.Lock.Type {
	case "local", "redis":
	default:
		return fmt.Errorf("unsupported lock type: %q", c.Lock.Type)
	}

	switch c.Conflict.AutoResolveStrategy {
	case "", "server_wins", "local_wins", "newest_wins":
	default:
		return fmt.Errorf("unsupported auto resolve strategy: %q", c.Conflict.AutoResolveStrategy)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	return nil
}
