package db

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"apitelemetry/internal/metrics"
)

// RecordWriter persists performance records off the request path. Dispatch
// never blocks: when the queue is full (typically because the connection
// pool is exhausted and writes back up) the record is dropped and counted.
type RecordWriter struct {
	db      *gorm.DB
	log     *zap.SugaredLogger
	timeout time.Duration

	queue chan PerformanceRecord
	wg    sync.WaitGroup

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool

	dropLog rate.Sometimes
}

// RecordWriterConfig sizes the writer.
type RecordWriterConfig struct {
	QueueSize    int
	Workers      int
	WriteTimeout time.Duration
}

// NewRecordWriter starts cfg.Workers goroutines draining the queue.
func NewRecordWriter(db *gorm.DB, log *zap.SugaredLogger, cfg RecordWriterConfig) *RecordWriter {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	w := &RecordWriter{
		db:      db,
		log:     log,
		timeout: cfg.WriteTimeout,
		queue:   make(chan PerformanceRecord, cfg.QueueSize),
		dropLog: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	for i := 0; i < cfg.Workers; i++ {
		w.wg.Add(1)
		go w.run()
	}
	return w
}

// Dispatch enqueues rec for writing and returns immediately. It reports
// whether the record was accepted.
func (w *RecordWriter) Dispatch(rec PerformanceRecord) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		metrics.CollectorRecords.WithLabelValues("dropped").Inc()
		return false
	}
	select {
	case w.queue <- rec:
		metrics.CollectorRecords.WithLabelValues("queued").Inc()
		return true
	default:
		metrics.CollectorRecords.WithLabelValues("dropped").Inc()
		w.dropLog.Do(func() {
			w.log.Debugw("performance record dropped: write queue full",
				"endpoint", rec.Endpoint, "queue_capacity", cap(w.queue))
		})
		return false
	}
}

// Close stops accepting records and waits for queued ones to be written.
func (w *RecordWriter) Close() {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		close(w.queue)
		w.mu.Unlock()
	})
	w.wg.Wait()
}

func (w *RecordWriter) run() {
	defer w.wg.Done()
	for rec := range w.queue {
		w.write(rec)
	}
}

func (w *RecordWriter) write(rec PerformanceRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	start := time.Now()
	err := w.db.WithContext(ctx).Create(&rec).Error
	metrics.CollectorWriteDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.CollectorRecords.WithLabelValues("failed").Inc()
		w.log.Errorw("failed to write performance record", "endpoint", rec.Endpoint, "error", err)
		return
	}
	metrics.CollectorRecords.WithLabelValues("written").Inc()
}
