package execenv

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/stevedore/pkg/engine"
)

// FactoryConfig carries settings shared by every environment a Factory creates.
type FactoryConfig struct {
	LogDir                string
	TailBytes             int
	KnownHostsPath        string
	StrictHostKeyChecking bool
	ConnectTimeout        time.Duration
	KeepAliveInterval     time.Duration
	Observer              CommandObserver
	Logger                zerolog.Logger
}

// Factory selects an Environment implementation for a node.
type Factory struct {
	cfg    FactoryConfig
	sink   engine.ProgressSink
	logger zerolog.Logger
}

// NewFactory creates a factory.
func NewFactory(cfg FactoryConfig) *Factory {
	return &Factory{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "execenv-factory").Logger(),
	}
}

// WithSink returns a copy of the factory whose SSH environments stream
// output lines to sink.
func (f *Factory) WithSink(sink engine.ProgressSink) *Factory {
	clone := *f
	clone.sink = sink
	return &clone
}

// Create returns the environment for node. declared is the type the
// workflow asked for and may be empty; when it disagrees with the node,
// the node's own type is used. A nil node, or one of unknown type, gets
// a Local environment.
func (f *Factory) Create(node *NodeDescriptor, declared Type) Environment {
	if node == nil {
		if declared != "" && declared != TypeLocal {
			f.logger.Warn().Str("declared", string(declared)).Msg("no target node given, using local environment")
		}
		return f.local()
	}

	if declared != "" && declared != node.Type {
		f.logger.Warn().
			Str("declared", string(declared)).
			Str("node_type", string(node.Type)).
			Str("node", node.ID).
			Msg("declared environment type does not match node, using node type")
	}

	switch node.Type {
	case TypeLocal:
		return f.local()
	case TypeSSH:
		return NewSSH(node, SSHOptions{
			LogDir:                f.cfg.LogDir,
			TailBytes:             f.cfg.TailBytes,
			KnownHostsPath:        f.cfg.KnownHostsPath,
			StrictHostKeyChecking: f.cfg.StrictHostKeyChecking,
			ConnectTimeout:        f.cfg.ConnectTimeout,
			KeepAliveInterval:     f.cfg.KeepAliveInterval,
			Sink:                  f.sink,
			Observer:              f.cfg.Observer,
		}, f.cfg.Logger)
	case TypeDockerAPI:
		env := NewContainerAPI(node, f.cfg.Logger)
		env.observer = f.cfg.Observer
		return env
	default:
		f.logger.Warn().Str("node_type", string(node.Type)).Str("node", node.ID).Msg("unknown node type, using local environment")
		return f.local()
	}
}

func (f *Factory) local() *Local {
	env := NewLocal(f.cfg.Logger)
	env.observer = f.cfg.Observer
	return env
}
