package executor

import (
	"sort"
	"sync"
	"time"

	"github.com/nidhogg/nuka-building/internal/metrics"
	"go.uber.org/zap"
)

// CircuitState is the breaker position.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig sets when a breaker opens and how long it stays open.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures that open the circuit
	CoolDown         time.Duration // open time before a single probe is let through
}

// CircuitBreaker guards one capability's external system. After
// FailureThreshold consecutive failures it rejects calls for CoolDown, then
// admits exactly one probe: success closes it, failure reopens it.
type CircuitBreaker struct {
	name    string
	cfg     BreakerConfig
	now     func() time.Time
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	probing  bool
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(name string, cfg BreakerConfig, m *metrics.Metrics, logger *zap.Logger) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 30 * time.Second
	}
	return &CircuitBreaker{name: name, cfg: cfg, now: time.Now, metrics: m, logger: logger}
}

// Allow returns nil if a call may proceed, or ErrCircuitOpen. A nil return
// obliges the caller to report the outcome through Mark.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cfg.CoolDown {
			return ErrCircuitOpen
		}
		cb.setState(StateHalfOpen)
		cb.probing = true
		return nil
	case StateHalfOpen:
		if cb.probing {
			return ErrCircuitOpen
		}
		cb.probing = true
		return nil
	default:
		return nil
	}
}

// Mark records the outcome of an allowed call. Pass nil for success.
func (cb *CircuitBreaker) Mark(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		switch cb.state {
		case StateClosed:
			cb.failures = 0
		case StateHalfOpen:
			cb.failures = 0
			cb.probing = false
			cb.setState(StateClosed)
		}
		return
	}

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.openedAt = cb.now()
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		cb.probing = false
		cb.openedAt = cb.now()
		cb.setState(StateOpen)
	}
}

// Abandon gives back an allowed call whose outcome says nothing about the
// external system, such as one cut short by shutdown.
func (cb *CircuitBreaker) Abandon() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probing = false
}

// State returns the current position without side effects.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) setState(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.metrics.BreakerState(cb.name, int(to))
	cb.logger.Info("circuit breaker state change",
		zap.String("capability", cb.name),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.Int("failures", cb.failures))
}

// BreakerStatus is a breaker snapshot for the HTTP surface.
type BreakerStatus struct {
	Capability string     `json:"capability"`
	State      string     `json:"state"`
	Failures   int        `json:"consecutive_failures"`
	OpenedAt   *time.Time `json:"opened_at,omitempty"`
}

// Breakers holds one breaker per capability.
type Breakers struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	configs  func(capability string) BreakerConfig
	now      func() time.Time
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewBreakers creates an empty set; configs resolves per-capability settings.
func NewBreakers(configs func(capability string) BreakerConfig, m *metrics.Metrics, logger *zap.Logger) *Breakers {
	return &Breakers{
		breakers: make(map[string]*CircuitBreaker),
		configs:  configs,
		now:      time.Now,
		metrics:  m,
		logger:   logger,
	}
}

// Get returns the breaker for capability, creating it on first use.
func (b *Breakers) Get(capability string) *CircuitBreaker {
	b.mu.RLock()
	cb, ok := b.breakers[capability]
	b.mu.RUnlock()
	if ok {
		return cb
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.breakers[capability]; ok {
		return cb
	}
	cb = NewCircuitBreaker(capability, b.configs(capability), b.metrics, b.logger)
	cb.now = b.now
	b.breakers[capability] = cb
	return cb
}

// Snapshot lists every breaker created so far, sorted by capability.
func (b *Breakers) Snapshot() []BreakerStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]BreakerStatus, 0, len(b.breakers))
	for name, cb := range b.breakers {
		cb.mu.Lock()
		st := BreakerStatus{Capability: name, State: cb.state.String(), Failures: cb.failures}
		if cb.state != StateClosed {
			opened := cb.openedAt
			st.OpenedAt = &opened
		}
		cb.mu.Unlock()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Capability < out[j].Capability })
	return out
}
