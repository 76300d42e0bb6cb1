package database

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/orthodoxmetrics/recordsgo/internal/config"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	embeddedDataPath = "./db_data"
	embeddedPort     = 5433
	embeddedPassword = "postgres"
)

// DB is the registry handle, plus the embedded server when one was started
type DB struct {
	*gorm.DB
	embedded *embeddedpostgres.EmbeddedPostgres
	log      *zap.SugaredLogger
}

// Wrap adapts an already opened gorm handle (tests, tools)
func Wrap(db *gorm.DB, log *zap.SugaredLogger) *DB {
	return &DB{DB: db, log: log}
}

// readPostmasterPID returns the PID recorded on the first line of a
// postmaster.pid file.
func readPostmasterPID(dataPath string) (int, error) {
	f, err := os.Open(filepath.Join(dataPath, "postmaster.pid"))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, fmt.Errorf("postmaster.pid is empty")
	}
	return strconv.Atoi(strings.TrimSpace(scanner.Text()))
}

// clearStalePID removes a postmaster.pid left by a crashed run. A live
// postmaster is left alone and reported as an error.
func clearStalePID(dataPath string, log *zap.SugaredLogger) error {
	pid, err := readPostmasterPID(dataPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err == nil {
		// Signal 0 checks liveness without touching the process
		if err := syscall.Kill(pid, syscall.Signal(0)); err == nil || errors.Is(err, syscall.EPERM) {
			return fmt.Errorf("embedded PostgreSQL already running with pid %d", pid)
		}
	}
	log.Infow("🧹 removing stale postmaster.pid", "pid", pid)
	return os.Remove(filepath.Join(dataPath, "postmaster.pid"))
}

func isPortInUse(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func startEmbedded(cfg config.DatabaseConfig, log *zap.SugaredLogger) (*embeddedpostgres.EmbeddedPostgres, error) {
	if err := clearStalePID(embeddedDataPath, log); err != nil {
		return nil, err
	}
	if isPortInUse(embeddedPort) {
		return nil, fmt.Errorf("port %d is already in use", embeddedPort)
	}

	embedded := embeddedpostgres.NewDatabase(embeddedpostgres.DefaultConfig().
		DataPath(embeddedDataPath).
		Port(uint32(embeddedPort)).
		Database(cfg.Database).
		Username(cfg.Username).
		Password(embeddedPassword))
	if err := embedded.Start(); err != nil {
		return nil, fmt.Errorf("failed to start embedded database: %w", err)
	}
	return embedded, nil
}

// Connect opens the registry database that holds churches, OCR sessions and
// the scheduler lease. A localhost host with no password runs an embedded
// PostgreSQL under ./db_data for local development.
func Connect(cfg config.DatabaseConfig, log *zap.SugaredLogger) (*DB, error) {
	var embedded *embeddedpostgres.EmbeddedPostgres

	password := cfg.Password
	if cfg.Host == "localhost" && cfg.Password == "" {
		log.Info("📦 starting embedded PostgreSQL for the church registry")
		var err error
		if embedded, err = startEmbedded(cfg, log); err != nil {
			return nil, err
		}
		cfg.Port = strconv.Itoa(embeddedPort)
		password = embeddedPassword
		log.Infow("✅ embedded PostgreSQL started", "port", embeddedPort)
	} else {
		log.Infow("🌐 registry database", "host", cfg.Host, "port", cfg.Port)
	}

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		cfg.Host,
		cfg.Port,
		cfg.Username,
		password,
		cfg.Database,
	)

	logLevel := logger.Warn
	if cfg.Alter {
		logLevel = logger.Silent
	}

	db, err := gorm.Open(postgres.Open(dsn), gormConfig(logLevel))
	if err != nil {
		if embedded != nil {
			_ = embedded.Stop()
		}
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err == nil {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	log.Info("✅ registry database connection established")

	return &DB{
		DB:       db,
		embedded: embedded,
		log:      log,
	}, nil
}

// EmbeddedDSNHost reports where church databases live when the registry runs
// on embedded PostgreSQL.
func (db *DB) EmbeddedDSNHost() (host, port string, ok bool) {
	if db.embedded == nil {
		return "", "", false
	}
	return "localhost", strconv.Itoa(embeddedPort), true
}

// Close ensures the database connection and embedded process are shut down
func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err == nil {
		err = sqlDB.Close()
	}
	if db.embedded != nil {
		if db.log != nil {
			db.log.Info("🛑 stopping embedded PostgreSQL")
		}
		_ = db.embedded.Stop()
	}
	return err
}

// AutoMigrate triggers GORM schema synchronization
func (db *DB) AutoMigrate(models ...interface{}) error {
	return db.DB.AutoMigrate(models...)
}

func gormConfig(level logger.LogLevel) *gorm.Config {
	return &gorm.Config{
		Logger:         logger.Default.LogMode(level),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
}
