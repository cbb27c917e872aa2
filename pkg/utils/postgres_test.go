package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyPinger struct {
	failures int
	pings    int
}

func (p *flakyPinger) PingContext(context.Context) error {
	p.pings++
	if p.pings <= p.failures {
		return errors.New("connection refused")
	}
	return nil
}

func TestWaitForPostgres_RetriesUntilReachable(t *testing.T) {
	p := &flakyPinger{failures: 2}
	cfg := PostgresConfig{ConnectAttempts: 3, RetryDelay: time.Millisecond}.withDefaults()

	require.NoError(t, waitForPostgres(context.Background(), p, cfg))
	assert.Equal(t, 3, p.pings)
}

func TestWaitForPostgres_GivesUp(t *testing.T) {
	p := &flakyPinger{failures: 10}
	cfg := PostgresConfig{ConnectAttempts: 2, RetryDelay: time.Millisecond}.withDefaults()

	err := waitForPostgres(context.Background(), p, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 2, p.pings)
}

func TestWaitForPostgres_StopsOnCancel(t *testing.T) {
	p := &flakyPinger{failures: 10}
	cfg := PostgresConfig{ConnectAttempts: 5, RetryDelay: time.Hour}.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := waitForPostgres(ctx, p, cfg)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, p.pings)
}

func TestOpenPostgres_RequiresDSN(t *testing.T) {
	_, err := OpenPostgres(context.Background(), PostgresConfig{})
	assert.Error(t, err)
}

func TestPostgresConfig_Defaults(t *testing.T) {
	cfg := PostgresConfig{}.withDefaults()
	assert.Equal(t, 4, cfg.MaxConns)
	assert.Equal(t, 5, cfg.ConnectAttempts)
}
