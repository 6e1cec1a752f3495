package invoke

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/osdi23p228/fabric-protos-go/peer"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// DefaultCommitTimeout bounds how long a strategy waits for commit events.
const DefaultCommitTimeout = 30 * time.Second

// CommitStrategy observes the commit of one transaction. StartListening is
// called before the transaction is sent to the ordering service. After that
// either WaitForEvents is called, if the orderer accepted the transaction,
// or CancelListening, if it did not. CancelListening must be safe to call at
// any point, including before StartListening.
type CommitStrategy interface {
	StartListening(ctx context.Context) error
	WaitForEvents(ctx context.Context) error
	CancelListening()
}

// StrategyOptions are passed to every StrategyFactory call.
type StrategyOptions struct {
	CommitTimeout time.Duration
}

// StrategyFactory creates the commit strategy for a transaction.
type StrategyFactory func(txID string, network *Network, opts StrategyOptions) CommitStrategy

// TxStatusEvent is the validation result of a transaction reported by a peer.
type TxStatusEvent struct {
	TxID        string
	Code        peer.TxValidationCode
	BlockNumber uint64
}

// Registration is an opaque handle returned by CommitEventSource.
type Registration interface{}

// CommitEventSource delivers commit events from a single peer. The channel
// returned by RegisterTxStatus receives at most one event and is closed
// when the registration is removed or the peer connection fails.
// RegisterTxStatus must give up once ctx is done.
type CommitEventSource interface {
	Endpoint() Endpoint
	RegisterTxStatus(ctx context.Context, txID string) (Registration, <-chan *TxStatusEvent, error)
	Unregister(reg Registration)
}

// StrategyKind selects one of the built-in commit strategies.
type StrategyKind int

const (
	// StrategyNone does not wait for commit events.
	StrategyNone StrategyKind = iota
	// StrategyOrgAll waits for all peers of the client's organization.
	StrategyOrgAll
	// StrategyOrgAny waits for any peer of the client's organization.
	StrategyOrgAny
	// StrategyNetworkAll waits for all event peers of the network.
	StrategyNetworkAll
	// StrategyNetworkAny waits for any event peer of the network.
	StrategyNetworkAny
)

var strategyNames = map[StrategyKind]string{
	StrategyNone:       "none",
	StrategyOrgAll:     "orgAll",
	StrategyOrgAny:     "orgAny",
	StrategyNetworkAll: "networkAll",
	StrategyNetworkAny: "networkAny",
}

func (k StrategyKind) String() string {
	if name, ok := strategyNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseStrategyKind converts a configured strategy name, ignoring case.
func ParseStrategyKind(name string) (StrategyKind, error) {
	for kind, n := range strategyNames {
		if strings.EqualFold(n, name) {
			return kind, nil
		}
	}
	return StrategyNone, errors.Errorf("unknown commit strategy %q", name)
}

// Factory returns the StrategyFactory of the kind.
func (k StrategyKind) Factory() StrategyFactory {
	switch k {
	case StrategyOrgAll:
		return eventStrategyFactory(true, true)
	case StrategyOrgAny:
		return eventStrategyFactory(true, false)
	case StrategyNetworkAll:
		return eventStrategyFactory(false, true)
	case StrategyNetworkAny:
		return eventStrategyFactory(false, false)
	default:
		return NoCommitStrategy
	}
}

// NoCommitStrategy returns a strategy that does not wait for commit events.
func NoCommitStrategy(string, *Network, StrategyOptions) CommitStrategy {
	return noopStrategy{}
}

type noopStrategy struct{}

func (noopStrategy) StartListening(context.Context) error { return nil }
func (noopStrategy) WaitForEvents(context.Context) error  { return nil }
func (noopStrategy) CancelListening()                     {}

func eventStrategyFactory(orgOnly, requireAll bool) StrategyFactory {
	return func(txID string, network *Network, opts StrategyOptions) CommitStrategy {
		sources := network.EventSources()
		if orgOnly {
			sources = filterByMSPID(sources, network.MSPID())
		}
		return newEventStrategy(txID, sources, requireAll, opts.CommitTimeout, network.logger)
	}
}

func filterByMSPID(sources []CommitEventSource, mspID string) []CommitEventSource {
	var result []CommitEventSource
	for _, s := range sources {
		if s.Endpoint().MSPID == mspID {
			result = append(result, s)
		}
	}
	return result
}

type sourceResult struct {
	endpoint Endpoint
	event    *TxStatusEvent
	err      error
}

type registered struct {
	source CommitEventSource
	reg    Registration
}

// eventStrategy waits for commit events from a set of peers. With requireAll
// every peer must report (or disconnect) before the wait completes; otherwise
// the first valid event completes it.
type eventStrategy struct {
	txID       string
	sources    []CommitEventSource
	requireAll bool
	timeout    time.Duration
	logger     log.FieldLogger

	regs    []registered
	results chan sourceResult
	done    chan struct{}
	once    sync.Once
}

func newEventStrategy(txID string, sources []CommitEventSource, requireAll bool, timeout time.Duration, logger log.FieldLogger) *eventStrategy {
	return &eventStrategy{
		txID:       txID,
		sources:    sources,
		requireAll: requireAll,
		timeout:    timeout,
		logger:     logger.WithField("txid", txID),
		done:       make(chan struct{}),
	}
}

func (s *eventStrategy) StartListening(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(s.sources) == 0 {
		s.logger.Warn("No event sources available for commit strategy, not waiting for commit")
		return nil
	}

	// each source reports exactly once, so sends never block
	s.results = make(chan sourceResult, len(s.sources))
	for _, src := range s.sources {
		reg, ch, err := src.RegisterTxStatus(ctx, s.txID)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				s.CancelListening()
				return errors.Wrapf(ctxErr, "fail to listen for commit events of transaction %s", s.txID)
			}
			s.logger.Warnf("Fail to listen for commit events on %s: %v", src.Endpoint().Address, err)
			s.results <- sourceResult{endpoint: src.Endpoint(), err: err}
			continue
		}
		s.regs = append(s.regs, registered{source: src, reg: reg})
		go s.forward(src.Endpoint(), ch)
	}

	return nil
}

func (s *eventStrategy) forward(endpoint Endpoint, ch <-chan *TxStatusEvent) {
	select {
	case event, ok := <-ch:
		if !ok || event == nil {
			s.results <- sourceResult{endpoint: endpoint, err: errors.Errorf("event stream from %s closed", endpoint.Address)}
			return
		}
		s.results <- sourceResult{endpoint: endpoint, event: event}
	case <-s.done:
	}
}

func (s *eventStrategy) WaitForEvents(ctx context.Context) error {
	defer s.CancelListening()

	if len(s.sources) == 0 {
		return nil
	}
	if s.results == nil {
		return errors.New("commit strategy is not listening")
	}

	var timeout <-chan time.Time
	if s.timeout > 0 {
		timer := time.NewTimer(s.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	succeeded := 0
	for responded := 0; responded < len(s.sources); responded++ {
		select {
		case r := <-s.results:
			if r.err != nil {
				s.logger.Warnf("No commit event from %s: %v", r.endpoint.Address, r.err)
				continue
			}
			if r.event.Code != peer.TxValidationCode_VALID {
				return &ConfirmationError{TxID: s.txID, Peer: r.endpoint.Address, Code: r.event.Code}
			}
			s.logger.Debugf("Transaction committed in block %d on %s", r.event.BlockNumber, r.endpoint.Address)
			succeeded++
			if !s.requireAll {
				return nil
			}
		case <-timeout:
			return &ConfirmationError{TxID: s.txID, Timeout: s.timeout, Cause: context.DeadlineExceeded}
		case <-ctx.Done():
			return &ConfirmationError{TxID: s.txID, Cause: ctx.Err()}
		}
	}

	if succeeded == 0 {
		return &ConfirmationError{TxID: s.txID, Cause: errors.New("none of the peers responded with a commit event")}
	}
	return nil
}

func (s *eventStrategy) CancelListening() {
	s.once.Do(func() {
		close(s.done)
		for _, r := range s.regs {
			r.source.Unregister(r.reg)
		}
	})
}
