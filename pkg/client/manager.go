package client

import (
	"context"
	"log/slog"
	"sync"
)

// Manager deduplicates one logical connection per target URL so transient
// reinitializations reuse rather than duplicate the socket. It owns the
// clients' lifecycles: Acquire starts a client's Run loop, Shutdown stops
// them all.
type Manager struct {
	logger *slog.Logger

	lk      sync.Mutex
	clients map[string]*managedClient
	wg      sync.WaitGroup
}

type managedClient struct {
	client *Client
	cancel context.CancelFunc
}

// NewManager creates an empty Manager.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		logger:  logger.With("component", "client-manager"),
		clients: make(map[string]*managedClient),
	}
}

// Acquire returns the client for the config's URL, starting one if none is
// running. When an existing client is reused, the given handler is ignored.
func (m *Manager) Acquire(config *Config, handler *Handler) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}

	m.lk.Lock()
	defer m.lk.Unlock()

	if mc, ok := m.clients[config.WebsocketURL]; ok {
		m.logger.Info("reusing existing connection", "url", config.WebsocketURL)
		return mc.client, nil
	}

	c, err := New(config, m.logger, handler)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.clients[config.WebsocketURL] = &managedClient{client: c, cancel: cancel}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := c.Run(ctx); err != nil {
			m.logger.Error("client run loop failed", "url", config.WebsocketURL, "error", err)
		}
	}()

	return c, nil
}

// Shutdown stops every managed client and waits for their run loops to
// return, or for ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.lk.Lock()
	for url, mc := range m.clients {
		mc.cancel()
		delete(m.clients, url)
	}
	m.lk.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
