package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfolio/advisor/internal/portfolio"
)

func testBroker() *SimBroker {
	cfg := DefaultConfig()
	cfg.OrdersPerSecond = 10_000 // keep tests fast
	cfg.Burst = 100
	cfg.ConsecutiveFailures = 3
	cfg.BreakerTimeout = 50 * time.Millisecond
	return NewSimBroker(cfg)
}

func TestPlaceOrderFills(t *testing.T) {
	b := testBroker()

	exec, err := b.PlaceOrder(context.Background(), Order{
		Asset:    "VTI",
		Action:   portfolio.ActionSell,
		Amount:   5_000,
		PriceRef: 248.50,
	})
	require.NoError(t, err)
	assert.Equal(t, "VTI", exec.Asset)
	assert.Equal(t, 248.50, exec.FillPrice)
	assert.Contains(t, exec.OrderID, "SELL_VTI_")
	assert.False(t, exec.FilledAt.IsZero())
}

func TestFailHookFailsOrder(t *testing.T) {
	b := testBroker()
	b.SetFailHook(func(o Order) error {
		if o.Asset == "GLD" {
			return errors.New("no liquidity")
		}
		return nil
	})

	_, err := b.PlaceOrder(context.Background(), Order{Asset: "GLD", Action: portfolio.ActionBuy, Amount: 100})
	assert.EqualError(t, err, "no liquidity")

	_, err = b.PlaceOrder(context.Background(), Order{Asset: "VTI", Action: portfolio.ActionBuy, Amount: 100})
	assert.NoError(t, err)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := testBroker()
	b.SetFailHook(func(Order) error { return errors.New("custodian down") })

	for i := 0; i < 3; i++ {
		_, err := b.PlaceOrder(context.Background(), Order{Asset: "VTI", Action: portfolio.ActionBuy, Amount: 1})
		require.Error(t, err)
	}

	_, err := b.PlaceOrder(context.Background(), Order{Asset: "VTI", Action: portfolio.ActionBuy, Amount: 1})
	assert.ErrorIs(t, err, ErrUnavailable)

	// After the breaker timeout a healthy probe closes it again.
	b.SetFailHook(nil)
	time.Sleep(60 * time.Millisecond)
	_, err = b.PlaceOrder(context.Background(), Order{Asset: "VTI", Action: portfolio.ActionBuy, Amount: 1})
	assert.NoError(t, err)
}

func TestPlaceOrderHonorsContext(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OrdersPerSecond = 0.001 // effectively blocks
	cfg.Burst = 0
	b := NewSimBroker(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.PlaceOrder(ctx, Order{Asset: "VTI", Action: portfolio.ActionBuy, Amount: 1})
	assert.Error(t, err)
}
