// Package broker is the order-execution boundary. The real system would
// speak to a custodian here; this implementation simulates fills while
// keeping the production-shaped plumbing: rate limiting on submissions and
// a circuit breaker that opens after consecutive failures.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/quantfolio/advisor/internal/portfolio"
)

// Order is a single instruction submitted for execution.
type Order struct {
	Asset  string
	Action portfolio.TradeAction
	Amount float64 // notional dollars

	// PriceRef pins compensating trades to the original execution's
	// price reference instead of the live market.
	PriceRef float64

	// CompensationFor links a compensating order to the execution it
	// reverses.
	CompensationFor string
}

// Execution is a filled order.
type Execution struct {
	OrderID         string                `json:"order_id"`
	Asset           string                `json:"asset"`
	Action          portfolio.TradeAction `json:"action"`
	Amount          float64               `json:"amount"`
	FillPrice       float64               `json:"fill_price"`
	CompensationFor string                `json:"compensation_for,omitempty"`
	FilledAt        time.Time             `json:"filled_at"`
}

// OrderExecutor places orders. Implementations must be safe for concurrent
// use by many sagas.
type OrderExecutor interface {
	PlaceOrder(ctx context.Context, order Order) (Execution, error)
}

// Config tunes the simulated broker's plumbing.
type Config struct {
	// OrdersPerSecond and Burst bound submission rate across all sagas.
	OrdersPerSecond float64 `yaml:"orders_per_second"`
	Burst           int     `yaml:"burst"`

	// ConsecutiveFailures trips the circuit breaker.
	ConsecutiveFailures uint32 `yaml:"consecutive_failures"`
	// BreakerTimeout is how long the breaker stays open before probing.
	BreakerTimeout time.Duration `yaml:"breaker_timeout"`
}

// DefaultConfig returns sane simulation defaults.
func DefaultConfig() Config {
	return Config{
		OrdersPerSecond:     50,
		Burst:               10,
		ConsecutiveFailures: 5,
		BreakerTimeout:      30 * time.Second,
	}
}

// ErrUnavailable is returned while the circuit breaker is open.
var ErrUnavailable = errors.New("broker unavailable")

// SimBroker fills every order at its price reference. A FailHook can be
// installed to script failures for rollback scenarios.
type SimBroker struct {
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker

	mu       sync.RWMutex
	failHook func(Order) error
}

// NewSimBroker builds a simulated broker with the configured rate limiter
// and circuit breaker.
func NewSimBroker(cfg Config) *SimBroker {
	b := &SimBroker{
		limiter: rate.NewLimiter(rate.Limit(cfg.OrdersPerSecond), cfg.Burst),
	}
	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "broker",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("broker circuit breaker state change")
		},
	})
	return b
}

// SetFailHook installs a hook consulted before every fill; a non-nil error
// fails the order. Used to simulate broker-side rejections.
func (b *SimBroker) SetFailHook(hook func(Order) error) {
	b.mu.Lock()
	b.failHook = hook
	b.mu.Unlock()
}

// PlaceOrder waits for rate-limit admission, then fills the order through
// the circuit breaker.
func (b *SimBroker) PlaceOrder(ctx context.Context, order Order) (Execution, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return Execution{}, fmt.Errorf("order admission: %w", err)
	}

	result, err := b.breaker.Execute(func() (interface{}, error) {
		return b.fill(order)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Execution{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return Execution{}, err
	}
	return result.(Execution), nil
}

func (b *SimBroker) fill(order Order) (Execution, error) {
	b.mu.RLock()
	hook := b.failHook
	b.mu.RUnlock()
	if hook != nil {
		if err := hook(order); err != nil {
			return Execution{}, err
		}
	}

	exec := Execution{
		OrderID:         fmt.Sprintf("%s_%s_%s", order.Action, order.Asset, uuid.New().String()[:8]),
		Asset:           order.Asset,
		Action:          order.Action,
		Amount:          order.Amount,
		FillPrice:       order.PriceRef,
		CompensationFor: order.CompensationFor,
		FilledAt:        time.Now().UTC(),
	}
	log.Debug().
		Str("order_id", exec.OrderID).
		Str("asset", exec.Asset).
		Str("action", string(exec.Action)).
		Float64("amount", exec.Amount).
		Msg("order filled")
	return exec, nil
}
