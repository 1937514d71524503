package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/warp/affiliate-ledger/config"
	"github.com/warp/affiliate-ledger/ledger"
	"github.com/warp/affiliate-ledger/ledger/store"
	"github.com/warp/affiliate-ledger/notify"
	"github.com/warp/affiliate-ledger/store/postgres"
	"github.com/warp/affiliate-ledger/store/sqlite"
)

// backend is what ledgerd needs from a store beyond ledger.TxStore.
type backend interface {
	ledger.TxStore
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// memoryBackend has no schema and nothing to release.
type memoryBackend struct {
	*store.Memory
}

func (memoryBackend) Ping(context.Context) error    { return nil }
func (memoryBackend) Migrate(context.Context) error { return nil }
func (memoryBackend) Close() error                  { return nil }

// openStore opens the configured store and brings its schema up to date.
func openStore(ctx context.Context, cfg config.StoreConfig) (backend, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return memoryBackend{store.NewMemory()}, nil
	case config.DriverSQLite:
		st, err := sqlite.New(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return st, nil
	case config.DriverPostgres:
		st, err := postgres.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// buildNotifier fans events out to every configured target. The returned
// func closes the targets that hold connections.
func buildNotifier(cfg config.NotifyConfig, logger *slog.Logger) (ledger.Notifier, func(), error) {
	var (
		targets notify.Multi
		closers []io.Closer
	)
	closeAll := func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				logger.Warn("close notifier", "error", err)
			}
		}
	}

	for _, name := range cfg.Targets {
		switch name {
		case "log":
			targets = append(targets, notify.NewLog(logger))
		case "redis":
			r, err := notify.NewRedis(cfg.RedisAddr, cfg.RedisChannel)
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			targets = append(targets, r)
			closers = append(closers, r)
		case "kafka":
			k, err := notify.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic)
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			targets = append(targets, k)
			closers = append(closers, k)
		default:
			closeAll()
			return nil, nil, errors.New("unknown notify target " + name)
		}
	}
	return targets, closeAll, nil
}
