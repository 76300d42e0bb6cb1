package database

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/orthodoxmetrics/recordsgo/internal/config"
	"github.com/orthodoxmetrics/recordsgo/internal/models"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrTenantNotFound is returned for unknown or inactive churches. Not retryable.
	ErrTenantNotFound = errors.New("tenant not found")
	// ErrConnection wraps failures reaching a database. Retryable.
	ErrConnection = errors.New("database connection error")
)

// Dialer opens a gorm handle for a DSN
type Dialer func(dsn string) (*gorm.DB, error)

// PostgresDialer opens tenant pools on PostgreSQL with the configured pool sizes
func PostgresDialer(cfg config.TenantDBConfig) Dialer {
	return func(dsn string) (*gorm.DB, error) {
		db, err := gorm.Open(postgres.Open(dsn), gormConfig(logger.Warn))
		if err != nil {
			return nil, err
		}
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
			sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		return db, nil
	}
}

// Conns is the pair of independent pools serving one tenant
type Conns struct {
	TenantID       string
	Church         models.Church
	OCR            *gorm.DB
	Records        *gorm.DB
	SourceDatabase string
}

// Resolver maps a church id to its OCR and records database pools.
// Pools are cached per role and DSN; OCR and records never share a pool.
type Resolver struct {
	registry *gorm.DB
	cfg      config.TenantDBConfig
	dial     Dialer
	log      *zap.SugaredLogger

	mu    sync.Mutex
	pools map[string]*gorm.DB
}

// NewResolver creates a resolver backed by the churches table in registry
func NewResolver(registry *gorm.DB, cfg config.TenantDBConfig, dial Dialer, log *zap.SugaredLogger) *Resolver {
	if dial == nil {
		dial = PostgresDialer(cfg)
	}
	return &Resolver{
		registry: registry,
		cfg:      cfg,
		dial:     dial,
		log:      log,
		pools:    make(map[string]*gorm.DB),
	}
}

// Resolve returns live pools for the tenant's OCR database and the shared records database
func (r *Resolver) Resolve(ctx context.Context, tenantID string) (*Conns, error) {
	church, err := r.lookup(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	ocrDB, err := r.pool(ctx, "ocr", r.dsn(church.OCRDSN, church.OCRDatabase), &models.OCRJob{})
	if err != nil {
		return nil, err
	}
	recordsDB, err := r.pool(ctx, "records", r.dsn(church.RecordsDSN, church.RecordsDatabase),
		&models.ProcessingLogEntry{}, &models.ReviewQueueEntry{}, &models.TransferRecord{})
	if err != nil {
		return nil, err
	}

	return &Conns{
		TenantID:       church.ID,
		Church:         church,
		OCR:            ocrDB,
		Records:        recordsDB,
		SourceDatabase: church.OCRDatabase,
	}, nil
}

// Church returns the active registry row without opening any tenant pool
func (r *Resolver) Church(ctx context.Context, tenantID string) (models.Church, error) {
	return r.lookup(ctx, tenantID)
}

// ActiveTenants lists churches eligible for scheduled work
func (r *Resolver) ActiveTenants(ctx context.Context) ([]models.Church, error) {
	var churches []models.Church
	if err := r.registry.WithContext(ctx).
		Where("is_active = ?", true).
		Order("id ASC").
		Find(&churches).Error; err != nil {
		return nil, fmt.Errorf("%w: list active churches: %w", ErrConnection, err)
	}
	return churches, nil
}

// Close releases every cached pool
func (r *Resolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for key, db := range r.pools {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.Close()
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", key, err))
		}
		delete(r.pools, key)
	}
	return errors.Join(errs...)
}

func (r *Resolver) lookup(ctx context.Context, tenantID string) (models.Church, error) {
	var church models.Church
	err := r.registry.WithContext(ctx).
		Where("id = ? AND is_active = ?", tenantID, true).
		First(&church).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return church, fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}
	if err != nil {
		return church, fmt.Errorf("%w: tenant registry: %w", ErrConnection, err)
	}
	return church, nil
}

func (r *Resolver) dsn(override *string, database string) string {
	if override != nil && *override != "" {
		return *override
	}
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		r.cfg.Host,
		r.cfg.Port,
		r.cfg.Username,
		r.cfg.Password,
		database,
		r.cfg.SSLMode,
	)
}

func (r *Resolver) pool(ctx context.Context, role, dsn string, schema ...interface{}) (*gorm.DB, error) {
	key := role + "|" + dsn

	r.mu.Lock()
	defer r.mu.Unlock()

	if db, ok := r.pools[key]; ok {
		return db, nil
	}

	db, err := r.dial(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s database: %w", ErrConnection, role, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("%w: %s pool: %w", ErrConnection, role, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("%w: ping %s database: %w", ErrConnection, role, err)
	}

	if r.cfg.AutoMigrate {
		if err := db.AutoMigrate(schema...); err != nil {
			r.log.Warnw("tenant schema sync failed", "role", role, "err", err)
		}
	}

	r.pools[key] = db
	r.log.Infow("🔌 tenant pool opened", "role", role, "pools", len(r.pools))
	return db, nil
}
