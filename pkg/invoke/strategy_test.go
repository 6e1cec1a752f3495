package invoke

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/osdi23p228/fabric-protos-go/peer"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakeEventSource struct {
	endpoint    Endpoint
	registerErr error
	stalled     bool

	mutex        sync.Mutex
	ch           chan *TxStatusEvent
	registered   []string
	unregistered int
}

func newFakeEventSource(address, mspID string) *fakeEventSource {
	return &fakeEventSource{
		endpoint: Endpoint{Address: address, MSPID: mspID},
		ch:       make(chan *TxStatusEvent, 1),
	}
}

func (f *fakeEventSource) Endpoint() Endpoint {
	return f.endpoint
}

func (f *fakeEventSource) RegisterTxStatus(ctx context.Context, txID string) (Registration, <-chan *TxStatusEvent, error) {
	if f.stalled {
		<-ctx.Done()
		return nil, nil, ctx.Err()
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.registerErr != nil {
		return nil, nil, f.registerErr
	}
	f.registered = append(f.registered, txID)
	return txID, f.ch, nil
}

func (f *fakeEventSource) Unregister(Registration) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.unregistered++
}

func (f *fakeEventSource) registrations() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.registered)
}

func (f *fakeEventSource) unregistrations() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.unregistered
}

func (f *fakeEventSource) commit(code peer.TxValidationCode) {
	f.ch <- &TxStatusEvent{TxID: "tx1", Code: code, BlockNumber: 7}
}

func strategyNetwork(t *testing.T, sources ...CommitEventSource) *Network {
	calls := &callLog{}
	network, err := NewNetwork("mychannel", &fakeIdentity{mspID: "Org1MSP"},
		&fakeSender{log: calls}, &fakeCommitter{log: calls}, &fakeRouter{log: calls},
		WithEventSources(sources...))
	require.NoError(t, err)
	return network
}

func TestParseStrategyKind(t *testing.T) {
	for _, kind := range []StrategyKind{StrategyNone, StrategyOrgAll, StrategyOrgAny, StrategyNetworkAll, StrategyNetworkAny} {
		parsed, err := ParseStrategyKind(kind.String())
		require.NoError(t, err)
		require.Equal(t, kind, parsed)
	}

	kind, err := ParseStrategyKind("NETWORKANY")
	require.NoError(t, err)
	require.Equal(t, StrategyNetworkAny, kind)

	_, err = ParseStrategyKind("quorum")
	require.EqualError(t, err, `unknown commit strategy "quorum"`)
	require.Equal(t, "unknown", StrategyKind(99).String())
}

func TestNoCommitStrategy(t *testing.T) {
	s := StrategyNone.Factory()("tx1", strategyNetwork(t), StrategyOptions{})
	require.NoError(t, s.StartListening(context.Background()))
	require.NoError(t, s.WaitForEvents(context.Background()))
	s.CancelListening()
}

func TestNetworkAllStrategy(t *testing.T) {
	p1 := newFakeEventSource("peer0.org1", "Org1MSP")
	p2 := newFakeEventSource("peer0.org2", "Org2MSP")
	network := strategyNetwork(t, p1, p2)

	s := StrategyNetworkAll.Factory()("tx1", network, StrategyOptions{CommitTimeout: time.Second})
	require.NoError(t, s.StartListening(context.Background()))
	require.Equal(t, 1, p1.registrations())
	require.Equal(t, 1, p2.registrations())

	p1.commit(peer.TxValidationCode_VALID)

	done := make(chan error, 1)
	go func() { done <- s.WaitForEvents(context.Background()) }()

	select {
	case err := <-done:
		t.Fatalf("wait returned before all peers reported: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	p2.commit(peer.TxValidationCode_VALID)
	require.NoError(t, <-done)
	require.Equal(t, 1, p1.unregistrations())
	require.Equal(t, 1, p2.unregistrations())
}

func TestNetworkAllStrategyToleratesDisconnect(t *testing.T) {
	p1 := newFakeEventSource("peer0.org1", "Org1MSP")
	p2 := newFakeEventSource("peer0.org2", "Org2MSP")
	p2.registerErr = errors.New("connection refused")
	network := strategyNetwork(t, p1, p2)

	s := StrategyNetworkAll.Factory()("tx1", network, StrategyOptions{CommitTimeout: time.Second})
	require.NoError(t, s.StartListening(context.Background()))
	p1.commit(peer.TxValidationCode_VALID)
	require.NoError(t, s.WaitForEvents(context.Background()))
}

func TestNetworkAnyStrategy(t *testing.T) {
	p1 := newFakeEventSource("peer0.org1", "Org1MSP")
	p2 := newFakeEventSource("peer0.org2", "Org2MSP")
	network := strategyNetwork(t, p1, p2)

	s := StrategyNetworkAny.Factory()("tx1", network, StrategyOptions{CommitTimeout: time.Second})
	require.NoError(t, s.StartListening(context.Background()))
	p2.commit(peer.TxValidationCode_VALID)
	require.NoError(t, s.WaitForEvents(context.Background()))
	require.Equal(t, 1, p1.unregistrations())
}

func TestAnyStrategyAllDisconnected(t *testing.T) {
	p1 := newFakeEventSource("peer0.org1", "Org1MSP")
	p2 := newFakeEventSource("peer1.org1", "Org1MSP")
	network := strategyNetwork(t, p1, p2)

	s := StrategyNetworkAny.Factory()("tx1", network, StrategyOptions{CommitTimeout: time.Second})
	require.NoError(t, s.StartListening(context.Background()))
	close(p1.ch)
	close(p2.ch)

	err := s.WaitForEvents(context.Background())
	var confirmErr *ConfirmationError
	require.True(t, errors.As(err, &confirmErr))
	require.Zero(t, confirmErr.Timeout)
	require.Contains(t, err.Error(), "none of the peers responded")
}

func TestOrgStrategiesOnlyUseOwnOrganization(t *testing.T) {
	own := newFakeEventSource("peer0.org1", "Org1MSP")
	other := newFakeEventSource("peer0.org2", "Org2MSP")
	network := strategyNetwork(t, own, other)

	for _, kind := range []StrategyKind{StrategyOrgAll, StrategyOrgAny} {
		t.Run(kind.String(), func(t *testing.T) {
			s := kind.Factory()("tx1", network, StrategyOptions{CommitTimeout: time.Second})
			require.NoError(t, s.StartListening(context.Background()))
			own.commit(peer.TxValidationCode_VALID)
			require.NoError(t, s.WaitForEvents(context.Background()))
		})
	}
	require.Equal(t, 0, other.registrations())
	require.Equal(t, 2, own.registrations())
}

func TestStrategyInvalidTransaction(t *testing.T) {
	p1 := newFakeEventSource("peer0.org1", "Org1MSP")
	network := strategyNetwork(t, p1)

	s := StrategyNetworkAll.Factory()("tx1", network, StrategyOptions{CommitTimeout: time.Second})
	require.NoError(t, s.StartListening(context.Background()))
	p1.commit(peer.TxValidationCode_MVCC_READ_CONFLICT)

	err := s.WaitForEvents(context.Background())
	var confirmErr *ConfirmationError
	require.True(t, errors.As(err, &confirmErr))
	require.Equal(t, peer.TxValidationCode_MVCC_READ_CONFLICT, confirmErr.Code)
	require.Equal(t, "peer0.org1", confirmErr.Peer)
	require.Contains(t, err.Error(), "MVCC_READ_CONFLICT")
}

func TestStrategyTimeout(t *testing.T) {
	p1 := newFakeEventSource("peer0.org1", "Org1MSP")
	network := strategyNetwork(t, p1)

	s := StrategyNetworkAny.Factory()("tx1", network, StrategyOptions{CommitTimeout: 20 * time.Millisecond})
	require.NoError(t, s.StartListening(context.Background()))

	err := s.WaitForEvents(context.Background())
	var confirmErr *ConfirmationError
	require.True(t, errors.As(err, &confirmErr))
	require.Equal(t, 20*time.Millisecond, confirmErr.Timeout)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	require.Equal(t, 1, p1.unregistrations())
}

func TestStrategyContextCancelled(t *testing.T) {
	p1 := newFakeEventSource("peer0.org1", "Org1MSP")
	network := strategyNetwork(t, p1)

	s := StrategyNetworkAny.Factory()("tx1", network, StrategyOptions{})
	require.NoError(t, s.StartListening(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.WaitForEvents(ctx)
	require.True(t, errors.Is(err, context.Canceled))
}

func TestStrategyCancel(t *testing.T) {
	p1 := newFakeEventSource("peer0.org1", "Org1MSP")
	network := strategyNetwork(t, p1)

	t.Run("before start", func(t *testing.T) {
		s := StrategyNetworkAll.Factory()("tx1", network, StrategyOptions{})
		s.CancelListening()
		s.CancelListening()
		require.Equal(t, 0, p1.unregistrations())
	})

	t.Run("after start", func(t *testing.T) {
		s := StrategyNetworkAll.Factory()("tx2", network, StrategyOptions{})
		require.NoError(t, s.StartListening(context.Background()))
		s.CancelListening()
		s.CancelListening()
		require.Equal(t, 1, p1.unregistrations())
	})
}

func TestStrategyWithoutEventSources(t *testing.T) {
	network := strategyNetwork(t)

	s := StrategyNetworkAll.Factory()("tx1", network, StrategyOptions{CommitTimeout: time.Millisecond})
	require.NoError(t, s.StartListening(context.Background()))
	require.NoError(t, s.WaitForEvents(context.Background()))
}

func TestStrategyWaitWithoutStart(t *testing.T) {
	network := strategyNetwork(t, newFakeEventSource("peer0.org1", "Org1MSP"))

	s := StrategyNetworkAll.Factory()("tx1", network, StrategyOptions{})
	require.EqualError(t, s.WaitForEvents(context.Background()), "commit strategy is not listening")
}

func TestStrategyStartListeningBoundedByContext(t *testing.T) {
	p1 := newFakeEventSource("peer0.org1", "Org1MSP")
	p2 := newFakeEventSource("peer0.org2", "Org2MSP")
	p2.stalled = true
	network := strategyNetwork(t, p1, p2)

	s := StrategyNetworkAll.Factory()("tx1", network, StrategyOptions{CommitTimeout: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := s.StartListening(ctx)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	require.Less(t, time.Since(start), time.Second)
	// the registration made before the deadline is released
	require.Equal(t, 1, p1.unregistrations())
}

func TestStrategyNilEventCountsAsDisconnect(t *testing.T) {
	p1 := newFakeEventSource("peer0.org1", "Org1MSP")
	network := strategyNetwork(t, p1)

	s := StrategyNetworkAll.Factory()("tx1", network, StrategyOptions{CommitTimeout: time.Second})
	require.NoError(t, s.StartListening(context.Background()))
	p1.ch <- nil

	err := s.WaitForEvents(context.Background())
	var confirmErr *ConfirmationError
	require.True(t, errors.As(err, &confirmErr))
	require.Contains(t, err.Error(), "none of the peers responded")
}
