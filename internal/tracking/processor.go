package tracking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"referral-engine/internal/domain"
	"referral-engine/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ClickRecorder is the synchronous ingest path the processor drives.
type ClickRecorder interface {
	Ingest(ctx context.Context, in domain.RawClickInput) (*IngestResult, error)
}

// ProcessorConfig holds configuration for the click processor
type ProcessorConfig struct {
	WorkerCount     int           // Number of worker goroutines
	BufferSize      int           // Size of the job queue buffer
	RetryAttempts   int           // Number of attempts per click
	RetryDelay      time.Duration // Base delay between retries
	AttemptTimeout  time.Duration // Timeout of a single attempt
	ShutdownTimeout time.Duration // Time to wait for graceful shutdown
}

// DefaultProcessorConfig returns sensible default configuration
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		WorkerCount:     3,
		BufferSize:      1000,
		RetryAttempts:   3,
		RetryDelay:      time.Second,
		AttemptTimeout:  10 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

var (
	ErrProcessorNotStarted = errors.New("processor not started")
	ErrQueueFull           = errors.New("click queue is full")
)

// Processor ingests clicks asynchronously for the tracking redirect, so the
// visitor is redirected without waiting for the database.
type Processor struct {
	config   ProcessorConfig
	recorder ClickRecorder
	metrics  *metrics.Metrics
	log      *zap.Logger
	jobQueue chan domain.RawClickInput
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	started  bool
	mu       sync.RWMutex
}

// NewProcessor creates a new click processor
func NewProcessor(recorder ClickRecorder, m *metrics.Metrics, log *zap.Logger, config ProcessorConfig) *Processor {
	ctx, cancel := context.WithCancel(context.Background())
	if config.RetryAttempts < 1 {
		config.RetryAttempts = 1
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = 10 * time.Second
	}

	return &Processor{
		config:   config,
		recorder: recorder,
		metrics:  m,
		log:      log,
		jobQueue: make(chan domain.RawClickInput, config.BufferSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the workers
func (p *Processor) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return fmt.Errorf("processor already started")
	}

	p.log.Info("starting click processor",
		zap.Int("workers", p.config.WorkerCount),
		zap.Int("buffer_size", p.config.BufferSize),
		zap.Int("retry_attempts", p.config.RetryAttempts),
	)

	for i := 0; i < p.config.WorkerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.started = true
	return nil
}

// Stop drains the queue and waits for the workers to finish
func (p *Processor) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return ErrProcessorNotStarted
	}

	p.log.Info("stopping click processor", zap.Int("pending", len(p.jobQueue)))

	// Closing the queue lets workers drain what is already buffered.
	close(p.jobQueue)
	p.started = false

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.log.Info("click processor stopped gracefully")
		return nil
	case <-time.After(p.config.ShutdownTimeout):
		p.cancel()
		p.log.Warn("click processor shutdown timeout reached")
		return fmt.Errorf("shutdown timeout reached")
	}
}

// Submit queues a click for asynchronous ingestion. The click id and time
// are fixed here so that retried attempts store the same row.
func (p *Processor) Submit(in domain.RawClickInput) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.started {
		return ErrProcessorNotStarted
	}

	if in.ClickID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate click id: %w", err)
		}
		in.ClickID = id.String()
	}
	if in.ClickedAt.IsZero() {
		in.ClickedAt = time.Now().UTC()
	}

	select {
	case p.jobQueue <- in:
		p.metrics.SetQueueLength(len(p.jobQueue))
		return nil
	default:
		p.log.Error("click queue is full, dropping click",
			zap.String("referral_code", in.ReferralCode),
			zap.Int("queue_size", len(p.jobQueue)),
		)
		return ErrQueueFull
	}
}

func (p *Processor) worker(workerID int) {
	defer p.wg.Done()

	log := p.log.With(zap.Int("worker_id", workerID))
	log.Debug("click worker started")

	for in := range p.jobQueue {
		p.metrics.SetQueueLength(len(p.jobQueue))
		p.processWithRetry(log, in)
	}
	log.Debug("click worker stopped")
}

func (p *Processor) processWithRetry(log *zap.Logger, in domain.RawClickInput) {
	var lastErr error

	for attempt := 1; attempt <= p.config.RetryAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(p.ctx, p.config.AttemptTimeout)
		_, err := p.recorder.Ingest(ctx, in)
		cancel()

		if err == nil {
			if attempt > 1 {
				log.Info("click ingested after retry",
					zap.String("click_id", in.ClickID),
					zap.String("referral_code", in.ReferralCode),
					zap.Int("attempt", attempt),
				)
			}
			return
		}

		if domain.IsValidation(err) {
			log.Warn("dropping invalid click", zap.String("referral_code", in.ReferralCode), zap.Error(err))
			return
		}

		lastErr = err
		log.Warn("click ingestion failed",
			zap.String("referral_code", in.ReferralCode),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", p.config.RetryAttempts),
			zap.Error(err),
		)

		if attempt == p.config.RetryAttempts {
			break
		}

		delay := p.config.RetryDelay * time.Duration(1<<(attempt-1))
		select {
		case <-time.After(delay):
		case <-p.ctx.Done():
			return
		}
	}

	log.Error("click ingestion failed after all retries",
		zap.String("referral_code", in.ReferralCode),
		zap.Int("attempts", p.config.RetryAttempts),
		zap.Error(lastErr),
	)
}

// Stats returns processor statistics
func (p *Processor) Stats() map[string]interface{} {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return map[string]interface{}{
		"started":        p.started,
		"queue_length":   len(p.jobQueue),
		"queue_capacity": cap(p.jobQueue),
		"worker_count":   p.config.WorkerCount,
		"retry_attempts": p.config.RetryAttempts,
	}
}
