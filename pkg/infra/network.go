package infra

import (
	"context"

	"github.com/osdi23p228/fabric-protos-go/orderer"
	"github.com/osdi23p228/fabric-protos-go/peer"
	"github.com/osdi23p228/fabtx/pkg/invoke"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Connection holds the clients of every node named in the configuration
type Connection struct {
	Config       *Config
	Proposers    *Proposers
	Broadcasters *Broadcasters
	Querier      *Querier
	Observers    []*Observer

	dialer *Dialer
	logger *log.Logger
}

// Connect dials the endorsers and orderers of the configuration. Commit
// peers are dialed lazily, when the first transaction waits for them
func Connect(config *Config, logger *log.Logger, metrics *Metrics) (*Connection, error) {
	if config.Identity == nil {
		return nil, errors.New("client identity is not loaded")
	}

	dialer := NewDialer(config.DialTimeout, config.LogGRPC, logger, metrics)
	c := &Connection{
		Config: config,
		dialer: dialer,
		logger: logger,
	}

	proposers := make([]*Proposer, 0, len(config.Endorsers))
	for _, endorser := range config.Endorsers {
		conn, err := dialer.Dial(endorser)
		if err != nil {
			dialer.Close()
			return nil, errors.WithMessagef(err, "fail to connect to endorser %s", endorser.Address)
		}
		proposers = append(proposers, NewProposer(endorser.Endpoint(), peer.NewEndorserClient(conn)))
	}

	broadcasters := make([]*Broadcaster, 0, len(config.Orderers))
	for _, o := range config.Orderers {
		conn, err := dialer.Dial(o)
		if err != nil {
			dialer.Close()
			return nil, errors.WithMessagef(err, "fail to connect to orderer %s", o.Address)
		}
		broadcasters = append(broadcasters, NewBroadcaster(o.Address, orderer.NewAtomicBroadcastClient(conn)))
	}

	for _, committer := range config.Committers {
		c.Observers = append(c.Observers, NewObserver(
			committer.Endpoint(),
			config.Channel,
			config.Identity,
			c.deliverConnector(committer),
			logger,
			metrics,
		))
	}

	c.Proposers = NewProposers(proposers, config.Identity, logger, metrics)
	c.Broadcasters = NewBroadcasters(broadcasters, NewIntegrator(config.Identity, config.CheckRWSet, logger), logger, metrics)
	c.Querier = NewQuerier(proposers, config.Identity, logger)
	return c, nil
}

func (c *Connection) deliverConnector(node Node) DeliverConnector {
	return func(ctx context.Context) (peer.Deliver_DeliverFilteredClient, error) {
		conn, err := c.dialer.Dial(node)
		if err != nil {
			return nil, err
		}
		return peer.NewDeliverClient(conn).DeliverFiltered(ctx)
	}
}

// NetworkOptions wires the observers and the configured commit strategy
// into a network
func (c *Connection) NetworkOptions() []invoke.NetworkOption {
	sources := make([]invoke.CommitEventSource, 0, len(c.Observers))
	for _, o := range c.Observers {
		sources = append(sources, o)
	}

	return []invoke.NetworkOption{
		invoke.WithEventSources(sources...),
		invoke.WithCommitStrategy(c.Config.StrategyKind().Factory()),
		invoke.WithStrategyOptions(invoke.StrategyOptions{CommitTimeout: c.Config.CommitTimeout}),
		invoke.WithLogger(c.logger),
	}
}

// Network returns the channel of the configuration, backed by this connection
func (c *Connection) Network() (*invoke.Network, error) {
	return invoke.NewNetwork(
		c.Config.Channel,
		c.Config.Identity,
		c.Proposers,
		c.Broadcasters,
		c.Querier,
		c.NetworkOptions()...,
	)
}

// Close stops every observer and closes all connections
func (c *Connection) Close() {
	for _, o := range c.Observers {
		o.Close()
	}
	c.dialer.Close()
}
