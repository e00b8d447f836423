package x402

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// TaskRunner runs work that must outlive the request that started it.
type TaskRunner interface {
	Go(name string, task func(ctx context.Context) error)
}

// BackgroundTasks runs settlements after the response has been sent. Each
// task gets its own timeout; Shutdown waits for in-flight tasks.
type BackgroundTasks struct {
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
	wg      sync.WaitGroup
	logger  logrus.FieldLogger

	mu     sync.Mutex
	closed bool
}

// NewBackgroundTasks creates a runner whose tasks are bounded by timeout.
func NewBackgroundTasks(timeout time.Duration, logger logrus.FieldLogger) *BackgroundTasks {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &BackgroundTasks{
		ctx:     ctx,
		cancel:  cancel,
		timeout: timeout,
		logger:  logger.WithField("category", "tasks"),
	}
}

// Go implements TaskRunner. Tasks submitted after Shutdown are dropped and logged.
func (b *BackgroundTasks) Go(name string, task func(ctx context.Context) error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.logger.WithField("task", name).Error("Task dropped, runner is shut down")
		return
	}
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.logger.WithField("task", name).Error(fmt.Sprintf("Task panic recovered: %v", r))
			}
		}()

		ctx, cancel := context.WithTimeout(b.ctx, b.timeout)
		defer cancel()

		start := time.Now()
		if err := task(ctx); err != nil {
			b.logger.WithError(err).WithField("task", name).Error("Task failed")
			return
		}
		b.logger.WithFields(logrus.Fields{
			"task":     name,
			"duration": time.Since(start).String(),
		}).Debug("Task completed")
	}()
}

// Wait blocks until every submitted task has returned.
func (b *BackgroundTasks) Wait() {
	b.wg.Wait()
}

// Shutdown stops accepting tasks and waits for in-flight ones. When ctx ends
// first the remaining tasks are cancelled and ctx's error is returned.
func (b *BackgroundTasks) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.cancel()
		return nil
	case <-ctx.Done():
		b.cancel()
		<-done
		return ctx.Err()
	}
}
