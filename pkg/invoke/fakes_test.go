package invoke

import (
	"context"
	"fmt"
	"sync"

	"github.com/osdi23p228/fabric-protos-go/common"
	"github.com/osdi23p228/fabric-protos-go/peer"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// callLog records the order in which collaborators were called.
type callLog struct {
	mutex sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) get() []string {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) count(call string) int {
	n := 0
	for _, c := range l.get() {
		if c == call {
			n++
		}
	}
	return n
}

type fakeIdentity struct {
	mspID string
	next  int
	err   error
}

func (f *fakeIdentity) NewTransactionID() (TransactionID, error) {
	if f.err != nil {
		return TransactionID{}, f.err
	}
	f.next++
	return TransactionID{ID: fmt.Sprintf("tx%d", f.next), Nonce: []byte("nonce"), Creator: []byte("creator")}, nil
}

func (f *fakeIdentity) MSPID() string {
	return f.mspID
}

type fakeHandle string

func (h fakeHandle) TransactionID() string {
	return string(h)
}

type fakeSender struct {
	log       *callLog
	responses []*Response
	err       error
	proposals []*Proposal
}

func (f *fakeSender) SendProposal(_ context.Context, proposal *Proposal) ([]*Response, ProposalHandle, error) {
	f.log.add("endorse")
	f.proposals = append(f.proposals, proposal)
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.responses, fakeHandle(proposal.TxID.ID), nil
}

type fakeCommitter struct {
	log      *callLog
	status   common.Status
	noResult bool
	err      error
	received []*Response
	handle   ProposalHandle
}

func (f *fakeCommitter) Commit(_ context.Context, handle ProposalHandle, endorsements []*Response) (*CommitResult, error) {
	f.log.add("commit")
	f.handle = handle
	f.received = endorsements
	if f.err != nil || f.noResult {
		return nil, f.err
	}
	return &CommitResult{Status: f.status}, nil
}

type fakeRouter struct {
	log       *callLog
	payload   []byte
	err       error
	proposals []*Proposal
}

func (f *fakeRouter) Query(_ context.Context, proposal *Proposal) ([]byte, error) {
	f.log.add("query")
	f.proposals = append(f.proposals, proposal)
	return f.payload, f.err
}

type recordingStrategy struct {
	log      *callLog
	startErr error
	waitErr  error
}

func (s *recordingStrategy) StartListening(context.Context) error {
	s.log.add("start")
	return s.startErr
}

func (s *recordingStrategy) WaitForEvents(context.Context) error {
	s.log.add("wait")
	return s.waitErr
}

func (s *recordingStrategy) CancelListening() {
	s.log.add("cancel")
}

type fixture struct {
	log       *callLog
	identity  *fakeIdentity
	sender    *fakeSender
	committer *fakeCommitter
	router    *fakeRouter
	strategy  *recordingStrategy
	network   *Network
}

func newFixture(opts ...NetworkOption) *fixture {
	calls := &callLog{}
	f := &fixture{
		log:       calls,
		identity:  &fakeIdentity{mspID: "Org1MSP"},
		sender:    &fakeSender{log: calls},
		committer: &fakeCommitter{log: calls, status: common.Status_SUCCESS},
		router:    &fakeRouter{log: calls},
		strategy:  &recordingStrategy{log: calls},
	}

	logger := log.New()
	logger.SetLevel(log.DebugLevel)
	opts = append([]NetworkOption{
		WithLogger(logger),
		WithCommitStrategy(func(string, *Network, StrategyOptions) CommitStrategy {
			return f.strategy
		}),
	}, opts...)

	network, err := NewNetwork("mychannel", f.identity, f.sender, f.committer, f.router, opts...)
	if err != nil {
		panic(err)
	}
	f.network = network
	return f
}

func validResponse(address string, payload string) *Response {
	return NewValidResponse(Endpoint{Address: address, MSPID: "Org1MSP"}, &peer.ProposalResponse{
		Response: &peer.Response{Status: 200, Payload: []byte(payload)},
	})
}

func invalidResponse(address string, msg string) *Response {
	return NewInvalidResponse(Endpoint{Address: address, MSPID: "Org1MSP"}, 0, errors.New(msg))
}
