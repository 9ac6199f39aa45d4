package ocr

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/previewlabs/previewd/pkg/metrics"
	sharederrors "github.com/previewlabs/previewd/pkg/shared/errors"
)

// PoolConfig bounds the engine pool and its circuit breaker.
type PoolConfig struct {
	Capacity                    int           `yaml:"capacity"`
	ConsecutiveFailureThreshold uint32        `yaml:"consecutive_failure_threshold"`
	CircuitOpenDuration         time.Duration `yaml:"circuit_open_duration"`
	Engine                      EngineOptions `yaml:"engine"`
}

func (c *PoolConfig) applyDefaults() {
	if c.Capacity <= 0 {
		c.Capacity = 6
	}
	if c.ConsecutiveFailureThreshold == 0 {
		c.ConsecutiveFailureThreshold = 5
	}
	if c.CircuitOpenDuration <= 0 {
		c.CircuitOpenDuration = 60 * time.Second
	}
}

// Stats is the pool's health snapshot, carried in worker heartbeats.
type Stats struct {
	Capacity            int   `json:"capacity"`
	Available           int   `json:"available"`
	InUse               int   `json:"in_use"`
	TotalStarted        int64 `json:"total_started"`
	TotalRestarted      int64 `json:"total_restarted"`
	TotalFailures       int64 `json:"total_failures"`
	ConsecutiveFailures int64 `json:"consecutive_failures"`
	CircuitOpen         bool  `json:"circuit_open"`
	CircuitOpenUntil    int64 `json:"circuit_open_until_epoch,omitempty"`
}

// Pool is a bounded set of reusable OCR engine handles. Handles are lazily
// started; a handle whose engine died is replaced transparently on the next
// acquire. Consecutive recognition failures trip the circuit, after which
// acquires fail fast until the open interval elapses.
type Pool struct {
	cfg    PoolConfig
	logger *zap.Logger

	slots   chan *engine
	breaker *gobreaker.CircuitBreaker

	inUse               atomic.Int64
	totalStarted        atomic.Int64
	totalRestarted      atomic.Int64
	totalFailures       atomic.Int64
	consecutiveFailures atomic.Int64

	mu               sync.Mutex
	circuitOpenUntil time.Time
}

// NewPool builds an engine pool. Engines start on first acquire so that a
// missing binary surfaces as a per-job failure rather than a boot failure.
func NewPool(cfg PoolConfig, logger *zap.Logger) *Pool {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		cfg:    cfg,
		logger: logger,
		slots:  make(chan *engine, cfg.Capacity),
	}
	for i := 0; i < cfg.Capacity; i++ {
		p.slots <- nil // lazy slot
	}

	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "ocr-pool",
		Timeout: cfg.CircuitOpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailureThreshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			p.mu.Lock()
			if to == gobreaker.StateOpen {
				p.circuitOpenUntil = time.Now().Add(cfg.CircuitOpenDuration)
			} else if to == gobreaker.StateClosed {
				p.circuitOpenUntil = time.Time{}
			}
			p.mu.Unlock()
			logger.Warn("ocr pool circuit state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return p
}

// Handle is a leased engine slot. Release returns it to the pool.
type Handle struct {
	pool   *Pool
	engine *engine
	once   sync.Once
}

// Acquire leases an engine handle, blocking until a slot frees. It fails
// fast with a circuit-open error while the breaker is open.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	if p.breaker.State() == gobreaker.StateOpen {
		return nil, sharederrors.CircuitOpen("acquire ocr engine")
	}

	select {
	case eng := <-p.slots:
		if eng == nil || p.isDead(eng) {
			restarted := eng != nil
			var err error
			eng, err = startEngine(p.cfg.Engine)
			if err != nil {
				p.slots <- nil
				p.totalFailures.Add(1)
				return nil, fmt.Errorf("start ocr engine: %w", err)
			}
			p.totalStarted.Add(1)
			if restarted {
				p.totalRestarted.Add(1)
			}
		}
		p.inUse.Add(1)
		return &Handle{pool: p, engine: eng}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) isDead(eng *engine) bool {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	return eng.dead
}

// Recognize runs one recognition through the circuit breaker. A failed
// call kills the underlying engine so its slot restarts on next lease.
func (h *Handle) Recognize(ctx context.Context, image []byte) ([]Content, error) {
	started := time.Now()
	result, err := h.pool.breaker.Execute(func() (interface{}, error) {
		return h.engine.recognize(ctx, image)
	})
	duration := time.Since(started)
	metrics.RecordOCRInvocation(err == nil, duration)

	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			// Breaker rejections are not engine failures.
			return nil, sharederrors.CircuitOpen("ocr recognize")
		}
		h.pool.totalFailures.Add(1)
		h.pool.consecutiveFailures.Add(1)
		return nil, err
	}
	h.pool.consecutiveFailures.Store(0)
	return result.([]Content), nil
}

// Release returns the handle's slot to the pool. Safe to call more than
// once.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.pool.inUse.Add(-1)
		h.pool.slots <- h.engine
	})
}

// Stats snapshots the pool counters.
func (p *Pool) Stats() Stats {
	inUse := int(p.inUse.Load())
	available := p.cfg.Capacity - inUse
	if available < 0 {
		available = 0
	}

	open := p.breaker.State() == gobreaker.StateOpen

	p.mu.Lock()
	until := p.circuitOpenUntil
	p.mu.Unlock()

	stats := Stats{
		Capacity:            p.cfg.Capacity,
		Available:           available,
		InUse:               inUse,
		TotalStarted:        p.totalStarted.Load(),
		TotalRestarted:      p.totalRestarted.Load(),
		TotalFailures:       p.totalFailures.Load(),
		ConsecutiveFailures: p.consecutiveFailures.Load(),
		CircuitOpen:         open,
	}
	if open && !until.IsZero() {
		stats.CircuitOpenUntil = until.Unix()
	}
	return stats
}

// Shutdown stops every engine idle in the pool at the time of the call.
// Engines leased at that moment are not stopped; Release returns them to
// the pool.
func (p *Pool) Shutdown() {
	for {
		select {
		case eng := <-p.slots:
			if eng != nil {
				eng.stop()
			}
		default:
			return
		}
	}
}
