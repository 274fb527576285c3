package transport

import (
	"context"
	"fmt"

	"github.com/meow-io/go-courier/config"
	"go.uber.org/zap"
)

// Manager routes requests to the websocket or REST client based on the
// request's ViaWebsocket preference. It performs no auth failover of its own;
// the sending layer owns those decisions.
type Manager struct {
	config *config.Config
	log    *zap.SugaredLogger
	rest   *restClient
	ws     *wsClient
}

func NewManager(config *config.Config) (*Manager, error) {
	log := config.Logger("transport/manager")
	rest, err := newRestClient(config)
	if err != nil {
		return nil, fmt.Errorf("transport: error making manager: %w", err)
	}
	return &Manager{
		config: config,
		log:    log,
		rest:   rest,
		ws:     newWsClient(config),
	}, nil
}

func (m *Manager) Perform(ctx context.Context, req *Request) (*Response, error) {
	if req.ViaWebsocket {
		return m.ws.do(ctx, req)
	}
	return m.rest.do(ctx, req)
}

func (m *Manager) Shutdown() error {
	return m.ws.shutdown()
}
