package db

import (
	"context"
	"fmt"
	"time"
)

// Cleanup deletes jobs older than retentionDays and vacuums the file. It
// returns the number of rows deleted.
func (d *Database) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays < 0 {
		return 0, fmt.Errorf("retentionDays must be non-negative, got %d", retentionDays)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	conn, err := d.conn()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format(timeLayout)
	res, err := conn.ExecContext(ctx, "DELETE FROM jobs WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old jobs: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if deleted > 0 {
		if _, err := conn.ExecContext(ctx, "VACUUM"); err != nil {
			return deleted, fmt.Errorf("cleanup succeeded but VACUUM failed: %w", err)
		}
	}
	return deleted, nil
}

// StartCleanupScheduler runs Cleanup now and then every interval until ctx
// ends. onCleanup, if set, sees every result.
func (d *Database) StartCleanupScheduler(ctx context.Context, retentionDays int, interval time.Duration, onCleanup func(deleted int64, err error)) {
	run := func() {
		deleted, err := d.Cleanup(ctx, retentionDays)
		if onCleanup != nil && ctx.Err() == nil {
			onCleanup(deleted, err)
		}
	}

	go func() {
		run()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
}
