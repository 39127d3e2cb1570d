package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job statuses.
const (
	StatusSuccess  = "success"
	StatusRejected = "rejected"
	StatusError    = "error"
)

// timeLayout is fixed width so created_at sorts and compares as text.
const timeLayout = "2006-01-02 15:04:05.000000"

// JobRecord is one row of the jobs table.
type JobRecord struct {
	ID            string
	Status        string
	Width         int
	Height        int
	Steps         int
	GuidanceScale float64
	LoadSeconds   float64
	TotalSeconds  float64
	ErrorMessage  string
	CreatedAt     time.Time
}

// NewJobID returns a random job identifier.
func NewJobID() string {
	return uuid.NewString()
}

// Repository reads and writes job history. Writes go through an
// AsyncWriter once StartAsync has been called.
type Repository struct {
	db     *Database
	writer *AsyncWriter
}

// NewRepository returns a Repository that writes synchronously.
func NewRepository(database *Database) *Repository {
	return &Repository{db: database}
}

// StartAsync routes InsertJob through a background writer. onError
// receives write failures; it may be nil.
func (r *Repository) StartAsync(capacity int, onError func(JobRecord, error)) {
	r.writer = NewAsyncWriter(func(op WriteOperation) error {
		err := r.insert(context.Background(), op.Record)
		if err != nil && onError != nil {
			onError(op.Record, err)
		}
		return err
	}, capacity)
	r.writer.Start()
}

// Flush stops the background writer, draining queued writes for at most
// timeout. It is a no-op for synchronous repositories.
func (r *Repository) Flush(timeout time.Duration) bool {
	if r.writer == nil {
		return true
	}
	return r.writer.Stop(timeout)
}

// InsertJob records a finished job. An empty ID is filled with NewJobID
// and a zero CreatedAt with the current time. When the async buffer is
// full the write falls back to synchronous.
func (r *Repository) InsertJob(ctx context.Context, rec JobRecord) error {
	if r.db == nil {
		return fmt.Errorf("database connection is nil")
	}
	if rec.ID == "" {
		rec.ID = NewJobID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	if r.writer != nil && r.writer.IsStarted() && r.writer.Write(rec) {
		return nil
	}
	return r.insert(ctx, rec)
}

func (r *Repository) insert(ctx context.Context, rec JobRecord) error {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	conn, err := r.db.conn()
	if err != nil {
		return err
	}

	_, err = conn.ExecContext(ctx, `
		INSERT INTO jobs (
			id, status, width, height, steps, guidance_scale,
			load_seconds, total_seconds, error_message, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Status, rec.Width, rec.Height, rec.Steps, rec.GuidanceScale,
		rec.LoadSeconds, rec.TotalSeconds, nullString(rec.ErrorMessage),
		rec.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to insert job %s: %w", rec.ID, err)
	}
	return nil
}

// RecentJobs returns up to limit jobs, newest first. limit <= 0 means 10.
func (r *Repository) RecentJobs(ctx context.Context, limit int) ([]JobRecord, error) {
	if r.db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}
	if limit <= 0 {
		limit = 10
	}

	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	conn, err := r.db.conn()
	if err != nil {
		return nil, err
	}

	rows, err := conn.QueryContext(ctx, `
		SELECT id, status, width, height, steps, guidance_scale,
		       load_seconds, total_seconds, COALESCE(error_message, ''), created_at
		FROM jobs
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var records []JobRecord
	for rows.Next() {
		var rec JobRecord
		var created sqliteTime
		if err := rows.Scan(
			&rec.ID, &rec.Status, &rec.Width, &rec.Height, &rec.Steps, &rec.GuidanceScale,
			&rec.LoadSeconds, &rec.TotalSeconds, &rec.ErrorMessage, &created,
		); err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		rec.CreatedAt = created.Time
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job rows: %w", err)
	}
	return records, nil
}

// CountJobs returns the number of jobs with the given status, or all jobs
// when status is empty.
func (r *Repository) CountJobs(ctx context.Context, status string) (int64, error) {
	if r.db == nil {
		return 0, fmt.Errorf("database connection is nil")
	}

	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	conn, err := r.db.conn()
	if err != nil {
		return 0, err
	}

	var count int64
	if status == "" {
		err = conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs").Scan(&count)
	} else {
		err = conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs WHERE status = ?", status).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return count, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// sqliteTime scans DATETIME columns whether the driver hands back
// time.Time or text.
type sqliteTime struct {
	time.Time
}

func (t *sqliteTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time = time.Time{}
		return nil
	case time.Time:
		t.Time = v
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	default:
		return fmt.Errorf("unsupported time value %T", src)
	}
}

func (t *sqliteTime) parse(s string) error {
	for _, layout := range []string{timeLayout, "2006-01-02 15:04:05", time.RFC3339Nano} {
		if parsed, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("unparseable time %q", s)
}
