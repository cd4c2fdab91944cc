package source

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/go-sql-driver/mysql"
)

// Config holds vendor connection settings.
//
// The connect and command timeouts are enforced independently: a vendor that
// accepts the handshake quickly can still stall mid-query, and the command
// timeout is the safety net for that case.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string

	// ConnectTimeout bounds the TCP dial plus MySQL handshake.
	ConnectTimeout time.Duration

	// CommandTimeout bounds each individual read/write on an established
	// connection.
	CommandTimeout time.Duration
}

// DefaultConfig returns sensible defaults for everything except credentials.
func DefaultConfig() Config {
	return Config{
		Host:           "localhost",
		Port:           3306,
		Database:       "mykeibadb",
		ConnectTimeout: 10 * time.Second,
		CommandTimeout: 30 * time.Second,
	}
}

// dsn renders the config as a go-sql-driver DSN.
func (c Config) dsn() string {
	mc := mysql.NewConfig()
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%d", c.Host, c.Port)
	mc.User = c.User
	mc.Passwd = c.Password
	mc.DBName = c.Database
	mc.Timeout = c.ConnectTimeout
	mc.ReadTimeout = c.CommandTimeout
	mc.WriteTimeout = c.CommandTimeout
	mc.ParseTime = true
	return mc.FormatDSN()
}

// Connector establishes connections to the vendor database.
//
// Connections are scoped resources: Acquire hands out a fresh *Conn and the
// caller must Close it on every exit path. Nothing is cached between
// acquisitions; the retry layer depends on each attempt starting clean.
type Connector struct {
	cfg    Config
	logger *log.Logger
}

// NewConnector creates a Connector. If logger is nil, a default logger
// writing to stderr is used.
func NewConnector(cfg Config, logger *log.Logger) *Connector {
	if logger == nil {
		logger = log.New(os.Stderr, "[source] ", log.LstdFlags)
	}
	return &Connector{cfg: cfg, logger: logger}
}

// Acquire dials the vendor and verifies the connection with a ping.
//
// It fails with an error wrapping ErrConnectTimeout if the handshake does
// not complete within ConnectTimeout, and with ErrAuthentication if the
// vendor rejects the credentials. The returned Conn must be closed by the
// caller.
func (c *Connector) Acquire(ctx context.Context) (*Conn, error) {
	db, err := sql.Open("mysql", c.cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to open vendor connection: %w", err)
	}

	// One physical connection per Conn. The sync engine is a single worker
	// and the vendor drops idle extras anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("vendor handshake failed: %w", classifyConnError(err))
	}

	return &Conn{db: db, cmdTimeout: c.cfg.CommandTimeout}, nil
}

// Conn is one acquired vendor connection.
type Conn struct {
	db         *sql.DB
	cmdTimeout time.Duration
}

// Close releases the connection. Safe to call more than once.
func (cn *Conn) Close() error {
	if cn.db == nil {
		return nil
	}
	err := cn.db.Close()
	cn.db = nil
	return err
}

// withCommandTimeout derives the per-command context. The driver-level
// read/write timeouts already guard the socket; this additionally bounds
// total statement time including vendor-side execution.
func (cn *Conn) withCommandTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if cn.cmdTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, cn.cmdTimeout)
}
