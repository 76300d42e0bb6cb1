package transfer

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/orthodoxmetrics/recordsgo/internal/database"
	"github.com/orthodoxmetrics/recordsgo/internal/models"
	"gorm.io/gorm"
)

var (
	ErrJobNotFound        = errors.New("ocr job not found")
	ErrJobNotComplete     = errors.New("ocr job is not complete")
	ErrAlreadyTransferred = errors.New("ocr job already transferred")
	ErrTransferInProgress = errors.New("transfer already in progress")
	// ErrPartialTransfer means the records side committed but the source job
	// could not be marked. Never retried automatically.
	ErrPartialTransfer  = errors.New("partial transfer: records committed, source job not marked")
	ErrTransferTimeout  = errors.New("transfer timed out")
	ErrRetriesExhausted = errors.New("transfer retries exhausted")
)

// IsRetryable reports whether a failed transfer may be attempted again as is
func IsRetryable(err error) bool {
	if errors.Is(err, ErrPartialTransfer) {
		return false
	}
	return errors.Is(err, database.ErrConnection) || errors.Is(err, ErrTransferTimeout)
}

// classify maps driver level failures onto the package errors
func classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransferTimeout) || errors.Is(err, database.ErrConnection) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %s: %w", ErrTransferTimeout, op, err)
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) || errors.Is(err, driver.ErrBadConn) {
		return fmt.Errorf("%w: %s: %w", database.ErrConnection, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isDuplicate detects a unique violation on any supported driver
func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key")
}

func containsMarker(notes string) bool {
	return strings.Contains(notes, models.TransferMarker)
}
