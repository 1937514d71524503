package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/affiliate-ledger/config"
	"github.com/warp/affiliate-ledger/ledger"
	"github.com/warp/affiliate-ledger/notify"
)

func TestOpenStore_Memory(t *testing.T) {
	ctx := context.Background()
	st, err := openStore(ctx, config.StoreConfig{Driver: config.DriverMemory})
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.Ping(ctx))
	require.NoError(t, st.Migrate(ctx))

	svc := ledger.NewService(st)
	_, err = svc.CommissionEarned(ctx, "aff-1", "order-1", decimal.RequireFromString("12.5"))
	require.NoError(t, err)
}

func TestOpenStore_SQLiteFile(t *testing.T) {
	ctx := context.Background()
	cfg := config.StoreConfig{Driver: config.DriverSQLite, DSN: filepath.Join(t.TempDir(), "ledger.db")}

	st, err := openStore(ctx, cfg)
	require.NoError(t, err)
	svc := ledger.NewService(st)
	_, err = svc.CommissionEarned(ctx, "aff-1", "order-1", decimal.RequireFromString("40"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx), "migrate twice")
	require.NoError(t, st.Close())

	// Data survives a reopen.
	st, err = openStore(ctx, cfg)
	require.NoError(t, err)
	defer st.Close()
	bal, err := ledger.NewService(st).AvailableBalance(ctx, "aff-1")
	require.NoError(t, err)
	assert.Equal(t, "40", bal.String())
}

func TestOpenStore_UnknownDriver(t *testing.T) {
	_, err := openStore(context.Background(), config.StoreConfig{Driver: "mongo"})
	require.Error(t, err)
}

func TestBuildNotifier(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	n, closeFn, err := buildNotifier(config.NotifyConfig{
		Targets:      []string{"log", "redis", "kafka"},
		RedisAddr:    "127.0.0.1:6379",
		KafkaBrokers: []string{"127.0.0.1:9092"},
		KafkaTopic:   "ledger-events",
	}, logger)
	require.NoError(t, err)
	defer closeFn()
	multi, ok := n.(notify.Multi)
	require.True(t, ok)
	assert.Len(t, multi, 3)

	_, _, err = buildNotifier(config.NotifyConfig{Targets: []string{"sms"}}, logger)
	require.Error(t, err)

	_, _, err = buildNotifier(config.NotifyConfig{Targets: []string{"kafka"}}, logger)
	require.Error(t, err, "kafka needs brokers and a topic")
}

func TestLoadConfig_FlagsWin(t *testing.T) {
	t.Setenv("LEDGER_STORE_DRIVER", "sqlite")
	t.Setenv("LEDGER_STORE_DSN", "env.db")

	cfg, err := loadConfig(flags{driver: "memory", addr: ":9999"})
	require.NoError(t, err)
	assert.Equal(t, config.DriverMemory, cfg.Store.Driver)
	assert.Equal(t, ":9999", cfg.HTTP.Addr)

	_, err = loadConfig(flags{driver: "cassandra"})
	require.Error(t, err)
}

func TestRouterOptions(t *testing.T) {
	cfg := config.Defaults()
	assert.NotNil(t, routerOptions(cfg).Limiter)
	cfg.RateLimit.RPS = 0
	assert.Nil(t, routerOptions(cfg).Limiter)
}
