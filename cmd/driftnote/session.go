package main

import (
	"fmt"
	"log"

	"github.com/driftnote/driftnote/internal/clockskew"
	"github.com/driftnote/driftnote/internal/config"
	"github.com/driftnote/driftnote/internal/device"
	"github.com/driftnote/driftnote/internal/store"
	"github.com/driftnote/driftnote/internal/syncer"
	"github.com/driftnote/driftnote/internal/transport"
)

// session bundles the wired-up components behind a command.
type session struct {
	config *config.Config
	store  *store.Store
	orch   *syncer.Orchestrator
}

// openSession wires store, device identity, clock reconciler, transport,
// and orchestrator from the resolved configuration. logger is shared by
// every component; nil means each component's default stderr logger.
func openSession(cfg *config.Config, logger *log.Logger) (*session, error) {
	st, err := store.Open(cfg.DatabasePath(), &store.Options{
		Debounce: cfg.StoreDebounce,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}

	deviceID, err := device.Load(cfg.DataDir)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to load device identity: %w", err)
	}

	clock, err := clockskew.New(st)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize clock reconciler: %w", err)
	}

	var client transport.Client
	if cfg.SyncEnabled() {
		httpClient, err := transport.NewHTTPClient(transport.Config{
			BaseURL: cfg.Endpoint,
			Token:   cfg.Token,
			Clock:   clock,
			Logger:  logger,
		})
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
		client = httpClient
	}

	orch, err := syncer.New(syncer.Config{
		Store:         st,
		Transport:     client,
		Clock:         clock,
		DeviceID:      deviceID,
		UserID:        cfg.UserID,
		DrainDebounce: cfg.DrainDebounce,
		RetryBase:     cfg.RetryBase,
		MaxRetries:    cfg.MaxRetries,
		Logger:        logger,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	return &session{config: cfg, store: st, orch: orch}, nil
}

func (s *session) close() {
	s.orch.Close()
	if err := s.store.Close(); err != nil {
		log.Printf("Error closing store: %v", err)
	}
}
