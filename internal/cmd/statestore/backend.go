package statestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	statestore "github.com/louisbranch/formstate/internal/services/statestore"
	"github.com/louisbranch/formstate/internal/services/statestore/codec"
	"github.com/louisbranch/formstate/internal/services/statestore/storage"
	"github.com/louisbranch/formstate/internal/services/statestore/storage/memory"
	"github.com/louisbranch/formstate/internal/services/statestore/storage/rest"
	statesqlite "github.com/louisbranch/formstate/internal/services/statestore/storage/sqlite"
)

// openBackend opens the backend selected by cfg.Backend.
func openBackend(_ context.Context, cfg Config, logger *slog.Logger) (storage.Backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case BackendSQLite:
		return statesqlite.Open(cfg.DBPath, statesqlite.WithCollection(cfg.Collection), statesqlite.WithLogger(logger))
	case BackendREST:
		return rest.NewClient(cfg.RESTURL,
			rest.WithCollection(cfg.Collection),
			rest.WithCredentials(cfg.Username, cfg.Password),
			rest.WithTimeout(cfg.RequestTimeout),
		)
	case BackendMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func newCodec(cfg Config) (*codec.Codec, error) {
	if cfg.Secret == "" {
		return nil, errors.New("FORMSTATE_SECRET (or --secret) is required for this command")
	}
	return codec.New(cfg.Secret)
}

func storeConfig(cfg Config) statestore.Config {
	return statestore.Config{MaxSize: cfg.StoreSize, DebugName: cfg.StoreName}
}

// openStore builds a store over the configured backend without running the
// startup orphan cleanup. The caller closes the returned store.
func openStore(ctx context.Context, cfg Config, logger *slog.Logger) (*statestore.Store, error) {
	c, err := newCodec(cfg)
	if err != nil {
		return nil, err
	}
	backend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	s, err := statestore.New(storeConfig(cfg), backend, c, statestore.WithLogger(logger))
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return s, nil
}
