package notify

import (
	"context"
	"log/slog"

	"github.com/warp/affiliate-ledger/ledger"
)

// Log writes events to a structured logger. It never fails.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

func (l *Log) Notify(ctx context.Context, e ledger.Event) error {
	attrs := []any{
		"type", e.Type,
		"affiliate", e.AffiliateID,
		"amount", e.Amount.String(),
	}
	for k, v := range e.Context {
		attrs = append(attrs, k, v)
	}
	l.logger.InfoContext(ctx, "ledger event", attrs...)
	return nil
}
