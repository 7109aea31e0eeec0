package config

import (
	"time"
)

type Config struct {
	Authoritative DatabaseConnection `mapstructure:"authoritative"`
	StateStorage  StateStorage       `mapstructure:"state_storage"`
	Mirror        MirrorConfig       `mapstructure:"mirror"`
	Pool          PoolConfig         `mapstructure:"pool"`
	Resilience    ResilienceConfig   `mapstructure:"resilience"`
	Sync          SyncConfig         `mapstructure:"sync"`
	Conflict      ConflictConfig     `mapstructure:"conflict"`
	Scheduler     SchedulerConfig    `mapstructure:"scheduler"`
	Lock          LockConfig         `mapstructure:"lock"`
	Server        ServerConfig       `mapstructure:"server"`
	Metrics       MetricsConfig      `mapstructure:"metrics"`
	Logging       LoggingConfig      `mapstructure:"logging"`
}

// DatabaseConnection describes the authoritative ERP database.
type DatabaseConnection struct {
	Host                string `mapstructure:"host"`
	Port                int    `mapstructure:"port"`
	User                string `mapstructure:"user"`
	Password            string `mapstructure:"password"`
	Database            string `mapstructure:"database"`
	ReplicationUser     string `mapstructure:"replication_user"`
	ReplicationPassword string `mapstructure:"replication_password"`
	ServerID            uint32 `mapstructure:"server_id"`
}

type StateStorage struct {
	Type     string `mapstructure:"type"` // mysql | memory
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

type MirrorConfig struct {
	Type     string `mapstructure:"type"` // sqlite | memory
	FilePath string `mapstructure:"file_path"`
}

// PoolConfig bounds the authoritative connection pool.
type PoolConfig struct {
	Size                int           `mapstructure:"size"`
	MaxOverflow         int           `mapstructure:"max_overflow"`
	ConnectTimeout      time.Duration `mapstructure:"connect_timeout"`
	AcquireTimeout      time.Duration `mapstructure:"acquire_timeout"`
	RecycleAfter        time.Duration `mapstructure:"recycle_after"`
	ValidationInterval  time.Duration `mapstructure:"validation_interval"`
	RetryAttempts       int           `mapstructure:"retry_attempts"`
	RetryBackoff        time.Duration `mapstructure:"retry_backoff"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	ProbeQuery          string        `mapstructure:"probe_query"`
}

type ResilienceConfig struct {
	CircuitFailureThreshold int           `mapstructure:"circuit_failure_threshold"`
	CircuitCooldown         time.Duration `mapstructure:"circuit_cooldown"`
	BackoffFactor           float64       `mapstructure:"backoff_factor"`
}

type SyncConfig struct {
	ChangeCheckInterval time.Duration `mapstructure:"change_check_interval"`
	ChangeWindowOverlap time.Duration `mapstructure:"change_window_overlap"`
	FullSyncHourOfDay   int           `mapstructure:"full_sync_hour_of_day"`
	RecordConcurrency   int           `mapstructure:"record_concurrency"`
	QueryTimeout        time.Duration `mapstructure:"query_timeout"`
	WriteAttempts       int           `mapstructure:"write_attempts"`
	Binlog              BinlogConfig  `mapstructure:"binlog"`
	Queries             QueryConfig   `mapstructure:"queries"`
	Columns             ColumnConfig  `mapstructure:"columns"`
}

type BinlogConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Table   string `mapstructure:"table"`
}

// QueryConfig holds the ERP item queries. Parameters are positional.
type QueryConfig struct {
	AllItems     string `mapstructure:"all_items"`
	ChangedItems string `mapstructure:"changed_items"` // one parameter: since
	ItemsByCode  string `mapstructure:"items_by_code"` // %s is replaced by the placeholder list
	ItemByCode   string `mapstructure:"item_by_code"`  // one parameter: item code
}

// ColumnConfig maps ERP result columns onto item fields.
type ColumnConfig struct {
	ItemCode string            `mapstructure:"item_code"`
	ItemName string            `mapstructure:"item_name"`
	StockQty string            `mapstructure:"stock_qty"`
	Metadata map[string]string `mapstructure:"metadata"` // mirror field -> ERP column
}

type ConflictConfig struct {
	AutoResolveStrategy string                  `mapstructure:"auto_resolve_strategy"`
	Entities            map[string]EntityTarget `mapstructure:"entities"`
}

type EntityTarget struct {
	Collection string `mapstructure:"collection"`
	KeyField   string `mapstructure:"key_field"`
}

type SchedulerConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	Interval          string `mapstructure:"interval"`
	ConflictsSchedule string `mapstructure:"conflicts_schedule"`
}

type LockConfig struct {
	Type     string        `mapstructure:"type"` // local | redis
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type ServerConfig struct {
	Port         int      `mapstructure:"port"`
	Host         string   `mapstructure:"host"`
	AuthToken    string   `mapstructure:"auth_token"`
	ReadTimeout  string   `mapstructure:"read_timeout"`
	WriteTimeout string   `mapstructure:"write_timeout"`
	CorsOrigins  []string `mapstructure:"cors_origins"`
}

func (s ServerConfig) GetReadTimeout() time.Duration {
	d, _ := time.ParseDuration(s.ReadTimeout)
	return d
}

func (s ServerConfig) GetWriteTimeout() time.Duration {
	d, _ := time.ParseDuration(s.WriteTimeout)
	return d
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}
