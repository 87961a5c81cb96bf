package db

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/employee-mcp/internal/config"
	"github.com/hazyhaar/employee-mcp/pkg/trace"
)

// DB is the pooled datastore handle shared by every tool call. It is opened
// once at startup and closed at shutdown.
type DB struct {
	*sqlx.DB
	dialect dialect
	trace   *trace.Recorder
}

type dialect struct {
	// driverName is the database/sql registration name.
	driverName string
	// returning: INSERT ... RETURNING id instead of LastInsertId.
	returning bool
	// hireDate is the select expression yielding YYYY-MM-DD text.
	hireDate string
}

var dialects = map[string]dialect{
	config.DriverMySQL:    {driverName: "mysql", hireDate: "hire_date"},
	config.DriverPostgres: {driverName: "pgx", returning: true, hireDate: "to_char(hire_date, 'YYYY-MM-DD') AS hire_date"},
	config.DriverSQLite:   {driverName: "sqlite", returning: true, hireDate: "hire_date"},
}

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Open connects, applies pool limits and pings. A nil logger uses slog.Default.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*DB, error) {
	d, ok := dialects[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	sqlDB, err := sqlx.Open(d.driverName, DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("database connected",
		"driver", cfg.Driver,
		"max_open_conns", cfg.MaxOpenConns,
		"max_idle_conns", cfg.MaxIdleConns)

	return &DB{
		DB:      sqlDB,
		dialect: d,
		trace:   trace.NewRecorder(logger, cfg.Driver),
	}, nil
}

// DSN builds the driver specific data source name.
func DSN(cfg config.DatabaseConfig) string {
	switch cfg.Driver {
	case config.DriverMySQL:
		port := cfg.Port
		if port == 0 {
			port = 3306
		}
		mc := mysql.NewConfig()
		mc.User = cfg.User
		mc.Passwd = cfg.Password
		mc.Net = "tcp"
		mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(port))
		mc.DBName = cfg.Name
		// report matched rather than changed rows, so an update that
		// rewrites identical values still counts as found
		mc.ClientFoundRows = true
		return mc.FormatDSN()
	case config.DriverPostgres:
		port := cfg.Port
		if port == 0 {
			port = 5432
		}
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s",
			cfg.Host, port, quoteKV(cfg.User), quoteKV(cfg.Password), quoteKV(cfg.Name))
	case config.DriverSQLite:
		return "file:" + cfg.Path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	return ""
}

// quoteKV quotes a libpq keyword/value so spaces and quotes survive.
func quoteKV(s string) string {
	out := []byte{'\''}
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' || s[i] == '\\' {
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(append(out, '\''))
}

// Ping verifies the datastore is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.PingContext(ctx)
}
