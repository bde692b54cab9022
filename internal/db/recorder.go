package db

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/unklstewy/tptool/pkg/config"
	"github.com/unklstewy/tptool/pkg/tracking"
)

// DefaultQueueSize bounds the records waiting to be written.
const DefaultQueueSize = 256

// Recorder writes engine records of one session on a background goroutine.
// Record never blocks: when the queue is full the record is dropped.
type Recorder struct {
	cfg     config.DatabaseConfig
	session uuid.UUID
	logger  *log.Logger
	backoff time.Duration

	mu sync.Mutex
	db *DB

	// ensure checks the connection and replaces it if it is gone
	ensure func(*DB) (*DB, error)

	qmu      sync.RWMutex
	closed   bool
	queue    chan tracking.Record
	done     chan struct{}
	once     sync.Once
	closeErr error
	dropped  atomic.Uint64
	written  atomic.Uint64
}

// StoredRecord is a record read back from the database.
type StoredRecord struct {
	Kind       string
	RecordedAt time.Time
	Distance   sql.NullFloat64
	Speed      sql.NullFloat64
	Altitude   sql.NullFloat64
	Axis       sql.NullInt64
	Travel     sql.NullFloat64
	Rate       sql.NullFloat64
	Detail     sql.NullString
}

// NewRecorder creates the schema if needed, opens a new session and starts
// the writer goroutine.
func NewRecorder(ctx context.Context, db *DB, cfg config.DatabaseConfig, mountInfo string, logger *log.Logger) (*Recorder, error) {
	if logger == nil {
		logger = log.Default()
	}
	if err := db.InitSchema(ctx); err != nil {
		return nil, err
	}

	r := &Recorder{
		cfg:     cfg,
		session: uuid.New(),
		logger:  logger,
		backoff: 500 * time.Millisecond,
		db:      db,
		queue:   make(chan tracking.Record, DefaultQueueSize),
		done:    make(chan struct{}),
	}
	r.ensure = func(current *DB) (*DB, error) {
		return EnsureConnection(current, r.cfg, r.backoff, r.logger)
	}

	_, err := db.ExecContext(ctx,
		db.Rebind(`INSERT INTO sessions (id, mount, started_at) VALUES (?, ?, ?)`),
		r.session.String(), mountInfo, time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	go r.run()
	return r, nil
}

// SessionID identifies the rows written by this recorder.
func (r *Recorder) SessionID() uuid.UUID {
	return r.session
}

// Record queues rec for writing.
func (r *Recorder) Record(rec tracking.Record) {
	r.qmu.RLock()
	defer r.qmu.RUnlock()

	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.queue <- rec:
	default:
		if r.dropped.Add(1) == 1 {
			r.logger.Printf("recorder queue full, dropping records")
		}
	}
}

// Stats returns the number of records written and dropped so far.
func (r *Recorder) Stats() (written, dropped uint64) {
	return r.written.Load(), r.dropped.Load()
}

// Close flushes the queue, marks the session ended and closes the database.
// Records passed to Record after Close are dropped.
func (r *Recorder) Close(ctx context.Context) error {
	r.once.Do(func() {
		r.qmu.Lock()
		r.closed = true
		close(r.queue)
		r.qmu.Unlock()

		r.closeErr = r.finish(ctx)
	})
	return r.closeErr
}

func (r *Recorder) finish(ctx context.Context) error {
	select {
	case <-r.done:
	case <-ctx.Done():
		return fmt.Errorf("failed to flush recorder: %w", ctx.Err())
	}

	db := r.conn()
	_, err := db.ExecContext(ctx,
		db.Rebind(`UPDATE sessions SET ended_at = ? WHERE id = ?`),
		time.Now().UTC(), r.session.String(),
	)
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to close session: %w", err)
	}
	return db.Close()
}

// SessionRecords returns the records of a session in insertion order.
func (r *Recorder) SessionRecords(ctx context.Context, session uuid.UUID) ([]StoredRecord, error) {
	db := r.conn()
	rows, err := db.QueryContext(ctx, db.Rebind(`
		SELECT kind, recorded_at, distance, speed, altitude, axis, travel, rate, detail
		FROM session_records WHERE session_id = ? ORDER BY id`), session.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var out []StoredRecord
	for rows.Next() {
		var s StoredRecord
		if err := rows.Scan(&s.Kind, &s.RecordedAt, &s.Distance, &s.Speed, &s.Altitude,
			&s.Axis, &s.Travel, &s.Rate, &s.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}
	return out, nil
}

func (r *Recorder) conn() *DB {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.db
}

func (r *Recorder) run() {
	defer close(r.done)

	for rec := range r.queue {
		err := WithRetry(func() error { return r.insert(rec) }, 2, r.backoff, r.logger)
		if err == nil {
			r.written.Add(1)
			continue
		}

		r.logger.Printf("failed to record %s: %v", rec.Kind, err)
		if IsConnectionError(err) {
			r.reconnect()
		}
	}
}

// reconnect runs on the writer goroutine, the only one that replaces r.db.
// The lock is not held while dialing so readers of conn are not stalled.
func (r *Recorder) reconnect() {
	db, err := r.ensure(r.conn())
	if err != nil {
		r.logger.Printf("recorder database unavailable: %v", err)
		return
	}

	r.mu.Lock()
	r.db = db
	r.mu.Unlock()
}

func (r *Recorder) insert(rec tracking.Record) error {
	var (
		distance, speed, altitude, travel, rate sql.NullFloat64
		axis                                    sql.NullInt64
		detail                                  sql.NullString
	)

	switch rec.Kind {
	case tracking.TargetLog:
		distance = sql.NullFloat64{Float64: rec.Distance, Valid: true}
		speed = sql.NullFloat64{Float64: rec.Speed, Valid: true}
		altitude = sql.NullFloat64{Float64: rec.Altitude, Valid: true}
	case tracking.SafetyClamp:
		axis = sql.NullInt64{Int64: int64(rec.Axis), Valid: true}
		travel = sql.NullFloat64{Float64: rec.Travel, Valid: true}
		rate = sql.NullFloat64{Float64: rec.Rate, Valid: true}
	}
	if rec.Detail != "" {
		detail = sql.NullString{String: rec.Detail, Valid: true}
	}

	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	db := r.conn()
	_, err := db.ExecContext(ctx, db.Rebind(`
		INSERT INTO session_records
			(session_id, kind, recorded_at, distance, speed, altitude, axis, travel, rate, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.session.String(), rec.Kind.String(), at.UTC(),
		distance, speed, altitude, axis, travel, rate, detail,
	)
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	return nil
}
