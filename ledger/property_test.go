package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/warp/affiliate-ledger/ledger"
	"github.com/warp/affiliate-ledger/ledger/store"
)

// replay drives a fresh service through ops. Each op is decoded as
// kind = op % 4 and amount = op / 4 + 1:
//
//	0 earn, 1 reserve, 2 approve oldest pending, 3 reject oldest pending
func replay(ops []int) (*ledger.Service, error) {
	ctx := context.Background()
	svc := ledger.NewService(store.NewMemory(),
		ledger.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		ledger.WithClock(newStepClock().Now),
		ledger.WithIDGenerator(&ledger.SequenceGenerator{}),
	)

	var pending []ledger.WithdrawalID
	for i, op := range ops {
		amount := money(int64(op/4 + 1))
		switch op % 4 {
		case 0:
			if _, err := svc.CommissionEarned(ctx, "aff", ledger.OrderID(fmt.Sprintf("o-%d", i)), amount); err != nil {
				return nil, err
			}
		case 1:
			res, err := svc.Reserve(ctx, "aff", amount)
			if errors.Is(err, ledger.ErrInsufficientFunds) {
				continue
			}
			if err != nil {
				return nil, err
			}
			pending = append(pending, res.Withdrawal.ID)
		case 2, 3:
			if len(pending) == 0 {
				continue
			}
			id := pending[0]
			pending = pending[1:]
			var err error
			if op%4 == 2 {
				_, err = svc.Approve(ctx, id)
			} else {
				_, err = svc.Reject(ctx, id, "property")
			}
			if err != nil {
				return nil, err
			}
		}
	}
	return svc, nil
}

func TestProperty_LedgerInvariantsHold(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("any operation sequence leaves a consistent ledger", prop.ForAll(
		func(ops []int) bool {
			svc, err := replay(ops)
			if err != nil {
				t.Logf("replay: %v", err)
				return false
			}
			report, err := svc.Audit(context.Background(), "aff")
			if err != nil {
				return false
			}
			if !report.OK() {
				t.Logf("violations: %v", report.Violations)
			}
			return report.OK()
		},
		gen.SliceOf(gen.IntRange(0, 399)),
	))

	properties.TestingRun(t)
}

func TestProperty_ReserveThenRejectRestoresBalance(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("reject undoes reserve", prop.ForAll(
		func(earned []int64, fraction int64) bool {
			ctx := context.Background()
			svc := ledger.NewService(store.NewMemory(),
				ledger.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
				ledger.WithClock(newStepClock().Now),
			)
			var total int64
			for i, e := range earned {
				if _, err := svc.CommissionEarned(ctx, "aff", ledger.OrderID(fmt.Sprintf("o-%d", i)), money(e)); err != nil {
					return false
				}
				total += e
			}
			if total == 0 {
				return true
			}
			want := total * fraction / 100
			if want == 0 {
				want = 1
			}

			res, err := svc.Reserve(ctx, "aff", money(want))
			if err != nil {
				return false
			}
			if _, err := svc.Reject(ctx, res.Withdrawal.ID, "undo"); err != nil {
				return false
			}
			after, err := svc.AvailableBalance(ctx, "aff")
			return err == nil && after.Equal(money(total))
		},
		gen.SliceOf(gen.Int64Range(1, 1000)),
		gen.Int64Range(1, 100),
	))

	properties.TestingRun(t)
}
