// Package dbtest opens throwaway in-memory SQLite databases for tests.
package dbtest

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var seq atomic.Int64

// Open returns a fresh in-memory database limited to one connection.
// The database lives until the test ends.
func Open(t testing.TB, models ...interface{}) *gorm.DB {
	t.Helper()
	name := fmt.Sprintf("%s_%d", strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()), seq.Add(1))
	db, anchor, err := openNamed(name)
	if err != nil {
		t.Fatalf("open sqlite %s: %v", name, err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
		anchor.Close()
	})
	if len(models) > 0 {
		if err := db.AutoMigrate(models...); err != nil {
			t.Fatalf("migrate %s: %v", name, err)
		}
	}
	return db
}

// openNamed opens a shared-cache memory database plus a pinned connection on a
// second pool. The pin keeps the data alive when the driver discards the
// working connection, e.g. after a transaction's context expires.
func openNamed(name string) (*gorm.DB, *sql.Conn, error) {
	dsn := "file:" + name + "?mode=memory&cache=shared"
	cfg := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	}

	holder, err := gorm.Open(sqlite.Open(dsn), cfg)
	if err != nil {
		return nil, nil, err
	}
	holderDB, err := holder.DB()
	if err != nil {
		return nil, nil, err
	}
	anchor, err := holderDB.Conn(context.Background())
	if err != nil {
		return nil, nil, err
	}

	db, err := gorm.Open(sqlite.Open(dsn), cfg)
	if err != nil {
		anchor.Close()
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		anchor.Close()
		return nil, nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, anchor, nil
}

// Dialer hands out one shared handle per DSN so tests can seed and inspect
// the same database the code under test opened.
type Dialer struct {
	mu      sync.Mutex
	dbs     map[string]*gorm.DB
	anchors []*sql.Conn
	// Fail makes Dial return this error when set
	Fail error
}

// NewDialer creates an empty Dialer whose databases are dropped when t ends
func NewDialer(t testing.TB) *Dialer {
	d := &Dialer{dbs: make(map[string]*gorm.DB)}
	t.Cleanup(func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for _, a := range d.anchors {
			a.Close()
		}
		d.anchors = nil
	})
	return d
}

// Dial implements database.Dialer
func (d *Dialer) Dial(dsn string) (*gorm.DB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Fail != nil {
		return nil, d.Fail
	}
	if db, ok := d.dbs[dsn]; ok {
		return db, nil
	}
	db, anchor, err := openNamed(fmt.Sprintf("%s_%d", dsn, seq.Add(1)))
	if err != nil {
		return nil, err
	}
	d.dbs[dsn] = db
	d.anchors = append(d.anchors, anchor)
	return db, nil
}

// Get returns the handle previously dialed for dsn, or nil
func (d *Dialer) Get(dsn string) *gorm.DB {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dbs[dsn]
}
