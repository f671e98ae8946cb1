package multiagent

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"orchestra-ai/internal/domain"
)

// Breaker defaults.
const (
	DefaultBreakerMaxFailures = 3
	DefaultBreakerCooldown    = 30 * time.Second
)

// BreakerConfig configures per-agent circuit breakers.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failed or timed-out
	// invocations that opens an agent's breaker.
	MaxFailures int
	// Cooldown is how long a breaker stays open before it resets to closed.
	Cooldown time.Duration
}

// BreakerStatus is the monitoring view of one agent's breaker.
type BreakerStatus struct {
	AgentID             string `json:"agent_id"`
	State               string `json:"state"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
	TotalFailures       uint32 `json:"total_failures"`
}

// neverHalfOpen keeps gobreaker from moving to half-open on its own; the set
// resets open breakers itself once the cooldown has elapsed.
const neverHalfOpen = 100 * 365 * 24 * time.Hour

type agentBreaker struct {
	cb       *gobreaker.CircuitBreaker[domain.TaskResult]
	openedAt time.Time // zero while closed
}

// BreakerSet holds one circuit breaker per agent id, created on first use.
type BreakerSet struct {
	mu       sync.Mutex
	breakers map[string]*agentBreaker
	cfg      BreakerConfig
	logger   *slog.Logger
	onChange func(agentID string, from, to gobreaker.State)
	now      func() time.Time
}

// NewBreakerSet creates a set with cfg, filling in defaults for zero fields.
func NewBreakerSet(cfg BreakerConfig, logger *slog.Logger) *BreakerSet {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultBreakerMaxFailures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultBreakerCooldown
	}
	if logger == nil {
		logger = discardLogger()
	}
	return &BreakerSet{
		breakers: make(map[string]*agentBreaker),
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// OnStateChange installs a callback fired on every breaker transition.
// It must be set before the set is used.
func (s *BreakerSet) OnStateChange(fn func(agentID string, from, to gobreaker.State)) {
	s.onChange = fn
}

func (s *BreakerSet) notify(agentID string, from, to gobreaker.State) {
	s.logger.Warn("agent circuit breaker state change",
		"agent_id", agentID,
		"from", from.String(),
		"to", to.String(),
	)
	if s.onChange != nil {
		s.onChange(agentID, from, to)
	}
}

func (s *BreakerSet) newBreaker(agentID string) *agentBreaker {
	b := &agentBreaker{}
	maxFailures := uint32(s.cfg.MaxFailures)
	b.cb = gobreaker.NewCircuitBreaker[domain.TaskResult](gobreaker.Settings{
		Name:     agentID,
		Interval: 0, // never clear counts while closed; only a success resets them
		Timeout:  neverHalfOpen,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				s.mu.Lock()
				b.openedAt = s.now()
				s.mu.Unlock()
			}
			s.notify(name, from, to)
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})
	return b
}

// lookup returns agentID's breaker, replacing an open one with a fresh closed
// breaker once the cooldown has elapsed. With create false it returns nil for
// agents that have no breaker yet.
func (s *BreakerSet) lookup(agentID string, create bool) *gobreaker.CircuitBreaker[domain.TaskResult] {
	s.mu.Lock()
	b, ok := s.breakers[agentID]
	reset := ok && !b.openedAt.IsZero() && s.now().Sub(b.openedAt) >= s.cfg.Cooldown
	if reset || (!ok && create) {
		b = s.newBreaker(agentID)
		s.breakers[agentID] = b
		ok = true
	}
	s.mu.Unlock()

	if reset {
		s.notify(agentID, gobreaker.StateOpen, gobreaker.StateClosed)
	}
	if !ok {
		return nil
	}
	return b.cb
}

// Open reports whether agentID's breaker currently rejects calls outright.
// A breaker whose cooldown has elapsed is reset to closed and is not Open.
func (s *BreakerSet) Open(agentID string) bool {
	cb := s.lookup(agentID, false)
	return cb != nil && cb.State() == gobreaker.StateOpen
}

// Execute runs fn through agentID's breaker. fn reports an unsuccessful
// invocation by returning a non-nil error alongside its result. When the
// breaker refuses the call, fn is not run and ErrCircuitOpen is returned.
func (s *BreakerSet) Execute(agentID string, fn func() (domain.TaskResult, error)) (domain.TaskResult, error) {
	var res domain.TaskResult
	_, err := s.lookup(agentID, true).Execute(func() (domain.TaskResult, error) {
		var runErr error
		res, runErr = fn()
		return res, runErr
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.TaskResult{}, domain.NewSubSystemError("breaker", "BreakerSet.Execute", domain.ErrCircuitOpen, agentID)
	}
	return res, err
}

// Forget drops agentID's breaker so a replaced definition starts closed.
func (s *BreakerSet) Forget(agentID string) {
	s.mu.Lock()
	delete(s.breakers, agentID)
	s.mu.Unlock()
}

// Statuses returns a snapshot of every breaker, sorted by agent id.
func (s *BreakerSet) Statuses() []BreakerStatus {
	s.mu.Lock()
	ids := make([]string, 0, len(s.breakers))
	for id := range s.breakers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	snap := make(map[string]*gobreaker.CircuitBreaker[domain.TaskResult], len(ids))
	for _, id := range ids {
		if cb := s.lookup(id, false); cb != nil {
			snap[id] = cb
		}
	}

	out := make([]BreakerStatus, 0, len(snap))
	for id, cb := range snap {
		counts := cb.Counts()
		out = append(out, BreakerStatus{
			AgentID:             id,
			State:               cb.State().String(),
			ConsecutiveFailures: counts.ConsecutiveFailures,
			TotalFailures:       counts.TotalFailures,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}
