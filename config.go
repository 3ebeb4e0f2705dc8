package esq

import (
	"encoding/json"
	"time"

	"github.com/denkhaus/esq/core"
	"github.com/pkg/errors"
)

type Backend string

const (
	BackendOlivere Backend = "olivere"
	BackendESAPI   Backend = "esapi"
)

type Config struct {
	Nodes     []core.ConnectionDescriptor `json:"nodes"`
	Backend   Backend                     `json:"backend"`
	Index     string                      `json:"index"`
	KeepState bool                        `json:"keep_state"`
	Client    core.ClientConfig           `json:"-"`
}

type fileConfig struct {
	Config
	Retries             int    `json:"retries"`
	Sniff               bool   `json:"sniff"`
	Strict              bool   `json:"strict"`
	MaxInsertAll        int    `json:"max_insert_all"`
	HealthcheckInterval string `json:"healthcheck_interval"`
}

// ParseConfig decodes the JSON configuration. Nodes default to a single
// local node; missing descriptor fields take the descriptor defaults.
func ParseConfig(byteConfig []byte) (*Config, error) {
	var fc fileConfig
	if err := json.Unmarshal(byteConfig, &fc); err != nil {
		return nil, errors.Wrap(err, "Unmarshal")
	}

	cfg := fc.Config
	cfg.Client = core.ClientConfig{
		Retries:      fc.Retries,
		Sniff:        fc.Sniff,
		Strict:       fc.Strict,
		MaxInsertAll: fc.MaxInsertAll,
	}

	if fc.HealthcheckInterval != "" {
		interval, err := time.ParseDuration(fc.HealthcheckInterval)
		if err != nil {
			return nil, errors.Wrap(err, "healthcheck_interval")
		}
		cfg.Client.HealthcheckInterval = interval
	}

	if len(cfg.Nodes) == 0 {
		cfg.Nodes = []core.ConnectionDescriptor{core.DefaultConnection()}
	}

	for idx := range cfg.Nodes {
		node := &cfg.Nodes[idx]
		if node.Scheme == "" {
			node.Scheme = core.DefaultScheme
		}
		if node.Port == 0 {
			node.Port = core.DefaultPort
		}
	}

	if err := core.ValidateConnections(cfg.Nodes); err != nil {
		return nil, errors.Wrap(err, "ValidateConnections")
	}

	return &cfg, nil
}
