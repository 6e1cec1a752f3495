package invoke

import (
	"context"
	"reflect"
	"sync/atomic"

	"github.com/osdi23p228/fabric-protos-go/common"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	stateFresh int32 = iota
	stateInvoked
)

// Transaction is a single invocation of a transaction function. It can be
// submitted or evaluated exactly once; a retry needs a new Transaction, and
// with it a new transaction ID.
type Transaction struct {
	contract  *Contract
	name      string
	txID      TransactionID
	transient map[string][]byte
	strategy  StrategyFactory
	state     int32
	logger    log.FieldLogger
}

// TransactionOption configures a Transaction when it is created.
type TransactionOption func(*Transaction)

// WithTransient sets data that is passed to the transaction function but
// not stored on the ledger.
func WithTransient(data map[string][]byte) TransactionOption {
	return func(txn *Transaction) {
		txn.transient = data
	}
}

// WithStrategy overrides the network's commit strategy for this transaction.
func WithStrategy(factory StrategyFactory) TransactionOption {
	return func(txn *Transaction) {
		txn.strategy = factory
	}
}

func newTransaction(contract *Contract, name string, txID TransactionID) *Transaction {
	network := contract.network

	strategy := network.strategy
	if strategy == nil {
		strategy = NoCommitStrategy
	}

	return &Transaction{
		contract: contract,
		name:     name,
		txID:     txID,
		strategy: strategy,
		logger:   network.logger.WithFields(log.Fields{
			"channel":   network.name,
			"chaincode": contract.chaincodeID,
			"txid":      txID.ID,
		}),
	}
}

// Name is the qualified name of the transaction function.
func (txn *Transaction) Name() string {
	return txn.name
}

// TransactionID returns the ID assigned to the transaction at creation.
func (txn *Transaction) TransactionID() string {
	return txn.txID.ID
}

// Submit sends the transaction to the endorsing peers, then to the ordering
// service, and waits for the commit strategy to confirm the commit. It
// returns the payload of the first valid endorsement.
func (txn *Transaction) Submit(ctx context.Context, args ...interface{}) ([]byte, error) {
	proposal, err := txn.prepare(args)
	if err != nil {
		return nil, err
	}

	network := txn.contract.network
	strategy := txn.strategy(txn.txID.ID, network, network.strategyOpts)

	txn.logger.Debugf("Sending proposal for %s", txn.name)
	responses, handle, err := network.sender.SendProposal(ctx, proposal)
	if err != nil {
		return nil, err
	}

	set, err := Classify(responses)
	if err != nil {
		return nil, err
	}
	for _, r := range set.Invalid {
		txn.logger.Warnf("Endorsement from %s (%s) failed with status %d: %s", r.Endpoint.Address, r.Endpoint.MSPID, r.Status, r.Message)
	}

	// listen before sending so the commit event cannot be missed
	if err = strategy.StartListening(ctx); err != nil {
		strategy.CancelListening()
		return nil, err
	}

	result, err := network.committer.Commit(ctx, handle, set.Valid)
	if err != nil {
		strategy.CancelListening()
		return nil, err
	}
	if result == nil {
		strategy.CancelListening()
		return nil, errors.Errorf("no commit result was returned for transaction %s", txn.txID.ID)
	}

	if result.Status != common.Status_SUCCESS {
		strategy.CancelListening()
		return nil, &CommitRejectedError{TxID: txn.txID.ID, Status: result.Status, Info: result.Info}
	}

	if err = strategy.WaitForEvents(ctx); err != nil {
		return nil, err
	}

	txn.logger.Debugf("Transaction %s committed", txn.name)
	return set.Valid[0].Payload, nil
}

// Evaluate runs the transaction function without committing the result and
// returns what the QueryRouter returned.
func (txn *Transaction) Evaluate(ctx context.Context, args ...interface{}) ([]byte, error) {
	proposal, err := txn.prepare(args)
	if err != nil {
		return nil, err
	}

	txn.logger.Debugf("Evaluating %s", txn.name)
	return txn.contract.network.router.Query(ctx, proposal)
}

// prepare checks the arguments, then consumes the transaction.
func (txn *Transaction) prepare(args []interface{}) (*Proposal, error) {
	argBytes, err := toArgBytes(args)
	if err != nil {
		return nil, err
	}

	if !atomic.CompareAndSwapInt32(&txn.state, stateFresh, stateInvoked) {
		return nil, errors.WithMessagef(ErrAlreadyInvoked, "transaction %s", txn.txID.ID)
	}

	return &Proposal{
		ChannelID:    txn.contract.network.name,
		ChaincodeID:  txn.contract.chaincodeID,
		Function:     txn.name,
		Args:         argBytes,
		TransientMap: txn.transient,
		TxID:         txn.txID,
	}, nil
}

func toArgBytes(args []interface{}) ([][]byte, error) {
	result := make([][]byte, len(args))
	var invalid []interface{}
	for i, arg := range args {
		switch v := arg.(type) {
		case string:
			result[i] = []byte(v)
		default:
			rv := reflect.ValueOf(arg)
			if rv.Kind() != reflect.String {
				invalid = append(invalid, arg)
				continue
			}
			result[i] = []byte(rv.String())
		}
	}

	if len(invalid) > 0 {
		return nil, &InvalidArgumentError{Values: invalid}
	}
	return result, nil
}
