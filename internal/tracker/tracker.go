// Package tracker records client joins, moves and leaves into a SQL table
// for later inspection. Recording is best-effort: a full queue drops rows.
package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/zulandar/warden/internal/db"
	"github.com/zulandar/warden/internal/logging"
)

// DefaultQueueSize bounds the number of rows waiting to be written.
const DefaultQueueSize = 1024

// Activity is one recorded observation.
type Activity struct {
	ID        uint      `gorm:"primaryKey"`
	Timestamp time.Time `gorm:"index;not null"`
	ConfigID  string    `gorm:"size:32;index"`
	ClientID  int64     `gorm:"not null"`
	// UserID is the unique identifier, or the database id for roster rows.
	UserID   string `gorm:"size:128"`
	Nickname string `gorm:"size:128"`
	// Channel is zero when unknown.
	Channel int64
	Leave   bool
}

// TableName pins the table name.
func (Activity) TableName() string { return "activities" }

// Recorder writes Activity rows from a bounded queue.
type Recorder struct {
	db    *gorm.DB
	queue chan Activity
	log   *zerolog.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// Opts configures a Recorder.
type Opts struct {
	DB        *gorm.DB
	QueueSize int
	Log       *zerolog.Logger
}

// New migrates the table and returns a Recorder. Call Run to start writing.
func New(opts Opts) (*Recorder, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("tracker: db is required")
	}
	if err := db.AutoMigrate(opts.DB, &Activity{}); err != nil {
		return nil, fmt.Errorf("tracker: %w", err)
	}
	size := opts.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Recorder{
		db:    opts.DB,
		queue: make(chan Activity, size),
		log:   logging.OrNop(opts.Log),
		done:  make(chan struct{}),
	}, nil
}

// Open connects to dsn and returns a Recorder over it.
func Open(dsn string, log *zerolog.Logger) (*Recorder, error) {
	gdb, err := db.Open(dsn)
	if err != nil {
		return nil, fmt.Errorf("tracker: %w", err)
	}
	return New(Opts{DB: gdb, Log: log})
}

// Record queues a row. It reports false when the queue is full or the
// recorder is closed.
func (r *Recorder) Record(a Activity) bool {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	select {
	case r.queue <- a:
		return true
	default:
		r.log.Warn().Int64("client_id", a.ClientID).Msg("tracker queue full, activity dropped")
		return false
	}
}

// Run writes queued rows until Close is called and the queue is drained, or
// ctx is cancelled.
func (r *Recorder) Run(ctx context.Context) error {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case a, ok := <-r.queue:
			if !ok {
				return nil
			}
			if err := r.db.WithContext(ctx).Create(&a).Error; err != nil {
				r.log.Error().Err(err).Int64("client_id", a.ClientID).Msg("tracker insert failed")
			}
		}
	}
}

// Close stops accepting rows. Rows already queued are still written by Run.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
}

// Done is closed when Run returns.
func (r *Recorder) Done() <-chan struct{} {
	return r.done
}
