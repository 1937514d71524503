package ledger_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/warp/affiliate-ledger/ledger"
	"github.com/warp/affiliate-ledger/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// stepClock advances one second per call, so records created in sequence
// have strictly increasing CreatedAt.
type stepClock struct {
	base time.Time
	n    atomic.Int64
}

func newStepClock() *stepClock {
	return &stepClock{base: time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	return c.base.Add(time.Duration(c.n.Add(1)) * time.Second)
}

// recorder captures notifications.
type recorder struct {
	mu     sync.Mutex
	events []ledger.Event
	err    error
}

func (r *recorder) Notify(_ context.Context, e ledger.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recorder) types() []ledger.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ledger.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type fixture struct {
	svc   *ledger.Service
	mem   *store.Memory
	rec   *recorder
	logs  *bytes.Buffer
	clock *stepClock
}

func newFixture(t *testing.T, opts ...ledger.Option) *fixture {
	t.Helper()
	f := &fixture{
		mem:   store.NewMemory(),
		rec:   &recorder{},
		logs:  &bytes.Buffer{},
		clock: newStepClock(),
	}
	base := []ledger.Option{
		ledger.WithNotifier(f.rec),
		ledger.WithLogger(slog.New(slog.NewTextHandler(f.logs, nil))),
		ledger.WithClock(f.clock.Now),
		ledger.WithIDGenerator(&ledger.SequenceGenerator{}),
		ledger.WithRetryPolicy(ledger.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}),
	}
	f.svc = ledger.NewService(f.mem, append(base, opts...)...)
	return f
}

// quietFixture discards logs; used by concurrent tests where a shared
// bytes.Buffer would race.
func quietFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixture(t, ledger.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func (f *fixture) earn(t *testing.T, affiliate, order string, amount int64) ledger.CommissionRecord {
	t.Helper()
	rec, err := f.svc.CommissionEarned(context.Background(), ledger.AffiliateID(affiliate), ledger.OrderID(order), money(amount))
	require.NoError(t, err)
	return rec
}

func (f *fixture) available(t *testing.T, affiliate string) decimal.Decimal {
	t.Helper()
	b, err := f.svc.AvailableBalance(context.Background(), ledger.AffiliateID(affiliate))
	require.NoError(t, err)
	return b
}

func (f *fixture) commission(t *testing.T, id ledger.CommissionID) ledger.CommissionRecord {
	t.Helper()
	c, err := f.mem.GetCommission(context.Background(), id)
	require.NoError(t, err)
	return c
}

func money(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

func requireMoney(t *testing.T, want int64, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, got.Equal(money(want)), "want %d, got %s", want, got)
}
