package detections

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	ErrBusy       = errors.New("timeout waiting for available session")
	ErrPoolClosed = errors.New("pool is closed")
)

// SessionPool bounds how many inferences run at once. Every session is owned
// by at most one request at a time.
type SessionPool struct {
	sessions       chan Session
	size           int
	factory        SessionFactory
	acquireTimeout time.Duration
	log            *logrus.Entry

	mu         sync.Mutex
	live       int
	closed     bool
	done       chan struct{}
	lastErrors []error

	metrics *poolMetrics
}

type poolMetrics struct {
	mu              sync.RWMutex
	inUse           int
	totalAcquired   int64
	totalReleased   int64
	totalDiscarded  int64
	acquireFailures int64
	waitTime        time.Duration
}

// PoolStats is a point-in-time copy of the pool counters.
type PoolStats struct {
	Size            int           `json:"pool_size"`
	Live            int           `json:"sessions_live"`
	InUse           int           `json:"sessions_in_use"`
	TotalAcquired   int64         `json:"total_acquired"`
	TotalReleased   int64         `json:"total_released"`
	TotalDiscarded  int64         `json:"total_discarded"`
	AcquireFailures int64         `json:"acquire_failures"`
	WaitTime        time.Duration `json:"wait_time_ns"`
	LastErrors      []string      `json:"last_errors,omitempty"`
}

func NewSessionPool(log *logrus.Entry, factory SessionFactory, size int, acquireTimeout time.Duration) (*SessionPool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}
	if acquireTimeout <= 0 {
		acquireTimeout = AcquireTimeout
	}

	pool := &SessionPool{
		sessions:       make(chan Session, size),
		size:           size,
		factory:        factory,
		acquireTimeout: acquireTimeout,
		log:            log,
		done:           make(chan struct{}),
		metrics:        &poolMetrics{},
	}

	for i := 0; i < size; i++ {
		session, err := factory()
		if err != nil {
			pool.Destroy()
			return nil, errors.Wrapf(err, "failed to initialize session %d", i)
		}
		pool.sessions <- session
		pool.live++
	}

	return pool, nil
}

// StartHealthCheck periodically replaces sessions that were discarded after
// failing. It stops when the pool is destroyed.
func (p *SessionPool) StartHealthCheck(period time.Duration) {
	if period <= 0 {
		period = HealthCheckPeriod
	}
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-p.done:
				return
			case <-ticker.C:
				p.Replenish()
			}
		}
	}()
}

func (p *SessionPool) Acquire(ctx context.Context) (Session, error) {
	start := time.Now()
	defer func() {
		p.metrics.mu.Lock()
		p.metrics.waitTime += time.Since(start)
		p.metrics.mu.Unlock()
	}()

	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	select {
	case session, ok := <-p.sessions:
		if !ok {
			return nil, ErrPoolClosed
		}
		p.metrics.mu.Lock()
		p.metrics.inUse++
		p.metrics.totalAcquired++
		p.metrics.mu.Unlock()
		return session, nil
	case <-timer.C:
		p.metrics.mu.Lock()
		p.metrics.acquireFailures++
		p.metrics.mu.Unlock()
		return nil, ErrBusy
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *SessionPool) Release(session Session) {
	p.metrics.mu.Lock()
	p.metrics.inUse--
	p.metrics.totalReleased++
	p.metrics.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		session.Destroy()
		p.live--
		return
	}
	p.sessions <- session
}

// Discard destroys a session that failed. The health check builds a
// replacement.
func (p *SessionPool) Discard(session Session, cause error) {
	p.metrics.mu.Lock()
	p.metrics.inUse--
	p.metrics.totalDiscarded++
	p.metrics.mu.Unlock()

	session.Destroy()

	p.mu.Lock()
	p.live--
	p.mu.Unlock()
	p.recordError(cause)
}

// Replenish creates sessions until the pool is back at full size.
func (p *SessionPool) Replenish() {
	p.mu.Lock()
	missing := p.size - p.live
	closed := p.closed
	p.mu.Unlock()

	for i := 0; i < missing && !closed; i++ {
		session, err := p.factory()
		if err != nil {
			p.recordError(err)
			continue
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			session.Destroy()
			return
		}
		p.sessions <- session
		p.live++
		p.mu.Unlock()

		if p.log != nil {
			p.log.Info("Replaced failed inference session")
		}
	}
}

func (p *SessionPool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.closed = true
	close(p.done)
	close(p.sessions)

	for session := range p.sessions {
		session.Destroy()
		p.live--
	}
}

func (p *SessionPool) recordError(err error) {
	if err == nil {
		return
	}
	if p.log != nil {
		p.log.WithError(err).Warn("Inference session failure")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastErrors = append(p.lastErrors, err)
	if len(p.lastErrors) > 10 {
		p.lastErrors = p.lastErrors[1:]
	}
}

func (p *SessionPool) Stats() PoolStats {
	p.mu.Lock()
	live := p.live
	lastErrors := make([]string, len(p.lastErrors))
	for i, err := range p.lastErrors {
		lastErrors[i] = err.Error()
	}
	p.mu.Unlock()

	p.metrics.mu.RLock()
	defer p.metrics.mu.RUnlock()
	return PoolStats{
		Size:            p.size,
		Live:            live,
		InUse:           p.metrics.inUse,
		TotalAcquired:   p.metrics.totalAcquired,
		TotalReleased:   p.metrics.totalReleased,
		TotalDiscarded:  p.metrics.totalDiscarded,
		AcquireFailures: p.metrics.acquireFailures,
		WaitTime:        p.metrics.waitTime,
		LastErrors:      lastErrors,
	}
}
