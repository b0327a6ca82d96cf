// Package syncer pushes outbox rows to the remote system of record.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Worker pushes pending sales to the remote system.
//
// The worker is resilient: a failing row records its error and retry count
// on the row itself and the sweep moves on. The local synced flag is the only
// record of "already pushed"; a synced row is never sent again.
type Worker interface {
	// SyncOne pushes a single outbox row and returns its remote identifier.
	//
	// An already-synced row returns its stored remote identifier without
	// contacting the remote. On failure the row's retry count is bumped and
	// the error text stored before the error is returned.
	SyncOne(ctx context.Context, id int64) (string, error)

	// SyncAll pushes every unsynced row below the retry ceiling, oldest
	// first, and returns how many were synced in this pass. Per-row failures
	// are logged and do not stop the sweep.
	//
	// Returns ErrSweepInProgress if another sweep is running.
	SyncAll(ctx context.Context) (int, error)

	// Retry resets the retry counters of a row and pushes it again. It is
	// the manual path for abandoned rows.
	Retry(ctx context.Context, id int64) (string, error)

	// Stats returns counters accumulated since the worker was created.
	Stats() Stats
}

// Config tunes a Worker.
type Config struct {
	// MaxRetries is the retry ceiling. Rows at or above it are abandoned.
	MaxRetries int
	// Timeout bounds a single remote push.
	Timeout time.Duration
}

// DefaultConfig returns the default worker configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		Timeout:    5 * time.Second,
	}
}

// Stats are worker counters.
type Stats struct {
	Synced    int64     `json:"synced"`
	Failed    int64     `json:"failed"`
	Skipped   int64     `json:"skipped"`
	Sweeps    int64     `json:"sweeps"`
	LastSweep time.Time `json:"last_sweep,omitempty"`
}

var (
	// ErrSweepInProgress is returned by SyncAll while another sweep runs.
	ErrSweepInProgress = errors.New("sync sweep already in progress")

	// ErrRowBusy is returned by SyncOne while the same row is being pushed.
	ErrRowBusy = errors.New("pending sale is being synced")

	// ErrTimeout is the cause of a RemoteSyncError for a push that ran out
	// of time.
	ErrTimeout = errors.New("Timeout")
)

// RemoteSyncError describes a failed push. Msg is the text stored on the row.
type RemoteSyncError struct {
	PendingID int64
	Msg       string
	Err       error
}

func (e *RemoteSyncError) Error() string {
	return fmt.Sprintf("sync pending sale %d: %s", e.PendingID, e.Msg)
}

func (e *RemoteSyncError) Unwrap() error {
	return e.Err
}
