package main

import (
	"context"
	"log/slog"
	"testing"

	"paylink-service/internal/config"
	"paylink-service/internal/memstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenStore(t *testing.T) {
	cfg := &config.Config{}

	store, closeStore, err := openStore(context.Background(), cfg, storeMemory, false, slog.Default())
	require.NoError(t, err)
	defer closeStore()
	assert.IsType(t, &memstore.Store{}, store)

	_, _, err = openStore(context.Background(), cfg, "sqlite", false, slog.Default())
	assert.EqualError(t, err, `unknown store "sqlite", expected postgres or memory`)
}

func TestNewGuardDefaultsToLocal(t *testing.T) {
	g, closeGuard := newGuard(config.Redis{}, slog.Default())
	defer closeGuard()

	release, err := g.Acquire(context.Background(), "pay-1")
	require.NoError(t, err)
	release()
}

func TestNewPublisherWithoutBroker(t *testing.T) {
	p := newPublisher(config.Kafka{}, slog.Default())

	assert.NoError(t, p.PublishPaid(context.Background(), nil, nil))
	assert.NoError(t, p.Close())
}
