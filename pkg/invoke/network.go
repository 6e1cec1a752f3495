// Package invoke drives a single chaincode invocation on a Fabric channel:
// endorsement, validation of the responses, submission to the ordering
// service and confirmation of the commit, or a read-only evaluation.
package invoke

import (
	"context"

	"github.com/osdi23p228/fabric-protos-go/common"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// TransactionID is the identity shared by the proposal, the transaction
// envelope and the commit events of one invocation.
type TransactionID struct {
	ID      string
	Nonce   []byte
	Creator []byte
}

// IdentityProvider supplies the client identity transactions are created with.
type IdentityProvider interface {
	NewTransactionID() (TransactionID, error)
	MSPID() string
}

// Proposal is what gets endorsed or evaluated.
type Proposal struct {
	ChannelID    string
	ChaincodeID  string
	Function     string
	Args         [][]byte
	TransientMap map[string][]byte
	TxID         TransactionID
}

// ProposalHandle is returned by the endorsement step and handed back to the
// Committer. Its content is private to the transport that created it.
type ProposalHandle interface {
	TransactionID() string
}

// CommitResult is the reply of the ordering service.
type CommitResult struct {
	Status common.Status
	Info   string
}

// ProposalSender sends a proposal to the endorsing peers and returns one
// response per peer.
type ProposalSender interface {
	SendProposal(ctx context.Context, proposal *Proposal) ([]*Response, ProposalHandle, error)
}

// Committer sends endorsed transactions to the ordering service.
type Committer interface {
	Commit(ctx context.Context, handle ProposalHandle, endorsements []*Response) (*CommitResult, error)
}

// QueryRouter evaluates a proposal without committing it.
type QueryRouter interface {
	Query(ctx context.Context, proposal *Proposal) ([]byte, error)
}

// Network is a channel as seen by a client identity. It is shared by all
// contracts and transactions created from it and is never modified by them.
type Network struct {
	name         string
	identity     IdentityProvider
	sender       ProposalSender
	committer    Committer
	router       QueryRouter
	eventSources []CommitEventSource
	strategy     StrategyFactory
	strategyOpts StrategyOptions
	logger       log.FieldLogger
}

// NetworkOption configures optional parts of a Network.
type NetworkOption func(*Network)

// WithEventSources sets the peers that commit events are received from.
func WithEventSources(sources ...CommitEventSource) NetworkOption {
	return func(n *Network) {
		n.eventSources = sources
	}
}

// WithCommitStrategy sets the default commit strategy for transactions
// submitted on the network.
func WithCommitStrategy(factory StrategyFactory) NetworkOption {
	return func(n *Network) {
		n.strategy = factory
	}
}

// WithStrategyOptions sets the options passed to commit strategy factories.
func WithStrategyOptions(opts StrategyOptions) NetworkOption {
	return func(n *Network) {
		n.strategyOpts = opts
	}
}

// WithLogger sets the logger used by the network and its transactions.
func WithLogger(logger log.FieldLogger) NetworkOption {
	return func(n *Network) {
		n.logger = logger
	}
}

// NewNetwork creates a Network for the named channel.
func NewNetwork(
	name string,
	identity IdentityProvider,
	sender ProposalSender,
	committer Committer,
	router QueryRouter,
	opts ...NetworkOption,
) (*Network, error) {
	if name == "" {
		return nil, errors.New("channel name must be provided")
	}
	if identity == nil || sender == nil || committer == nil || router == nil {
		return nil, errors.Errorf("incomplete network %s: identity, proposal sender, committer and query router are required", name)
	}

	n := &Network{
		name:      name,
		identity:  identity,
		sender:    sender,
		committer: committer,
		router:    router,
		logger:    log.StandardLogger(),
	}
	n.strategyOpts.CommitTimeout = DefaultCommitTimeout
	for _, opt := range opts {
		opt(n)
	}

	return n, nil
}

// Name is the channel name.
func (n *Network) Name() string {
	return n.name
}

// MSPID is the MSP of the client identity.
func (n *Network) MSPID() string {
	return n.identity.MSPID()
}

// EventSources returns the peers commit events can be observed on.
func (n *Network) EventSources() []CommitEventSource {
	return n.eventSources
}

// Contract returns the smart contract deployed as chaincodeID.
func (n *Network) Contract(chaincodeID string) *Contract {
	return &Contract{network: n, chaincodeID: chaincodeID}
}

// ContractWithName returns a named contract within a chaincode. Transaction
// functions of the contract are invoked as "name:function".
func (n *Network) ContractWithName(chaincodeID, name string) *Contract {
	return &Contract{network: n, chaincodeID: chaincodeID, name: name}
}

// Contract is a smart contract on a Network.
type Contract struct {
	network     *Network
	chaincodeID string
	name        string
}

// ChaincodeID is the chaincode the contract belongs to.
func (c *Contract) ChaincodeID() string {
	return c.chaincodeID
}

// Name returns the qualified name of the contract.
func (c *Contract) Name() string {
	if c.name == "" {
		return c.chaincodeID
	}
	return c.chaincodeID + ":" + c.name
}

func (c *Contract) qualifiedFunction(fn string) string {
	if c.name == "" {
		return fn
	}
	return c.name + ":" + fn
}

// CreateTransaction creates a transaction for the named function with a
// fresh transaction ID. A new transaction must be created for every attempt.
func (c *Contract) CreateTransaction(name string, opts ...TransactionOption) (*Transaction, error) {
	if name == "" {
		return nil, errors.New("transaction name must be a non-empty string")
	}

	txID, err := c.network.identity.NewTransactionID()
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create transaction ID")
	}

	txn := newTransaction(c, c.qualifiedFunction(name), txID)
	for _, opt := range opts {
		opt(txn)
	}
	return txn, nil
}

// SubmitTransaction creates a transaction for name and submits it.
func (c *Contract) SubmitTransaction(ctx context.Context, name string, args ...string) ([]byte, error) {
	txn, err := c.CreateTransaction(name)
	if err != nil {
		return nil, err
	}
	return txn.Submit(ctx, stringArgs(args)...)
}

// EvaluateTransaction creates a transaction for name and evaluates it.
func (c *Contract) EvaluateTransaction(ctx context.Context, name string, args ...string) ([]byte, error) {
	txn, err := c.CreateTransaction(name)
	if err != nil {
		return nil, err
	}
	return txn.Evaluate(ctx, stringArgs(args)...)
}

func stringArgs(args []string) []interface{} {
	result := make([]interface{}, len(args))
	for i, a := range args {
		result[i] = a
	}
	return result
}
