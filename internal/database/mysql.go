package database

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"time"

	"erp-mirror-sync/internal/config"
	"erp-mirror-sync/internal/pool"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
)

// Database is a shared database/sql handle, used for the state store.
type Database struct {
	DB     *sql.DB
	Config config.StateStorage
}

// MySQLConfig builds the driver configuration for host/port/user/database.
func MySQLConfig(host string, port int, user, password, database string) *mysql.Config {
	cfg := mysql.NewConfig()
	cfg.User = user
	cfg.Passwd = password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(host, strconv.Itoa(port))
	cfg.DBName = database
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg
}

// NewDatabase opens the state database, waiting up to maxAttempts pings for it to come up.
func NewDatabase(ctx context.Context, cfg config.StateStorage, maxAttempts int, log *zap.Logger) (*Database, error) {
	if log == nil {
		log = zap.NewNop()
	}
	mcfg := MySQLConfig(cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database)
	mcfg.MultiStatements = true

	connector, err := mysql.NewConnector(mcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to configure database connection: %w", err)
	}
	db := sql.OpenDB(connector)

	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	for i := 0; i < maxAttempts; i++ {
		err = db.PingContext(ctx)
		if err == nil {
			break
		}
		log.Info("Waiting for state DB...", zap.Error(err), zap.Int("attempt", i+1))
		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database after %d attempts: %w", maxAttempts, err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	log.Info("Connected to state database",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database),
	)

	return &Database{
		DB:     db,
		Config: cfg,
	}, nil
}

func (d *Database) Close() error {
	return d.DB.Close()
}

// MySQLDriver opens single-session connections to the ERP database for the pool. Pooling
// is left to pool.Pool, so each connection is a *sql.Conn on its own one-connection DB.
type MySQLDriver struct {
	cfg    *mysql.Config
	logger *zap.Logger
}

func NewMySQLDriver(cfg config.DatabaseConnection, connectTimeout time.Duration, log *zap.Logger) *MySQLDriver {
	if log == nil {
		log = zap.NewNop()
	}
	mcfg := MySQLConfig(cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database)
	if connectTimeout > 0 {
		mcfg.Timeout = connectTimeout
	}
	return &MySQLDriver{cfg: mcfg, logger: log}
}

// DSN returns the data source name with the password masked.
func (d *MySQLDriver) DSN() string {
	c := d.cfg.Clone()
	if c.Passwd != "" {
		c.Passwd = "***"
	}
	return c.FormatDSN()
}

func (d *MySQLDriver) Connect(ctx context.Context) (pool.Conn, error) {
	connector, err := mysql.NewConnector(d.cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid mysql config: %w", err)
	}

	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", d.cfg.Addr, err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", d.cfg.Addr, err)
	}

	return &mysqlConn{db: db, conn: conn}, nil
}

type mysqlConn struct {
	db   *sql.DB
	conn *sql.Conn
}

func (c *mysqlConn) Execute(ctx context.Context, query string, args ...any) ([]pool.Row, error) {
	rows, err := c.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRows(rows)
}

func (c *mysqlConn) IsAlive(ctx context.Context) bool {
	return c.conn.PingContext(ctx) == nil
}

func (c *mysqlConn) Close() error {
	err := c.conn.Close()
	if dbErr := c.db.Close(); err == nil {
		err = dbErr
	}
	return err
}

// scanRows reads every row into a column-keyed map. Text protocol values arrive as
// []byte and are converted to string.
func scanRows(rows *sql.Rows) ([]pool.Row, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var result []pool.Row
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(pool.Row, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		result = append(result, row)
	}
	return result, rows.Err()
}
