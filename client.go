package esq

import (
	"context"
	"sync"

	"github.com/denkhaus/esq/core"
	"github.com/denkhaus/esq/esv8"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	transportMu       sync.Mutex
	transportInstance core.Transport
)

// NewTransport builds the transport selected by cfg.Backend and pings it.
func NewTransport(ctx context.Context, cfg *Config) (core.Transport, error) {
	var (
		transport core.Transport
		err       error
	)

	switch cfg.Backend {
	case "", BackendOlivere:
		transport, err = core.NewElasticTransport(cfg.Nodes, cfg.Client)
	case BackendESAPI:
		transport, err = esv8.NewTransport(cfg.Nodes, cfg.Client)
	default:
		return nil, errors.Errorf("unknown backend %q", cfg.Backend)
	}

	if err != nil {
		return nil, errors.Wrap(err, "NewTransport")
	}

	version, err := transport.Ping(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "Ping")
	}

	zlog.Debug("elasticsearch transport created",
		zap.String("backend", string(cfg.Backend)),
		zap.Int("nodes", len(cfg.Nodes)),
		zap.String("version", version),
	)

	return transport, nil
}

// Open returns a session on a transport of its own.
func Open(ctx context.Context, cfg *Config) (*core.ElasticClient, error) {
	transport, err := NewTransport(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return session(transport, cfg), nil
}

// Get returns a fresh session on a process wide transport, created on first
// use from cfg. Later calls reuse that transport; only the session options
// of cfg apply to them.
func Get(ctx context.Context, cfg *Config) (*core.ElasticClient, error) {
	transportMu.Lock()
	defer transportMu.Unlock()

	if transportInstance == nil {
		transport, err := NewTransport(ctx, cfg)
		if err != nil {
			return nil, err
		}

		transportInstance = transport
	}

	return session(transportInstance, cfg), nil
}

func session(transport core.Transport, cfg *Config) *core.ElasticClient {
	return core.New(transport,
		core.WithConfig(cfg.Client),
		core.WithIndex(cfg.Index),
		core.WithKeepState(cfg.KeepState),
	)
}
