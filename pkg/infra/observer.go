package infra

import (
	"context"
	"sync"

	"github.com/osdi23p228/fabric-protos-go/peer"
	"github.com/osdi23p228/fabtx/pkg/invoke"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// DeliverConnector opens a filtered block stream to a peer
type DeliverConnector func(ctx context.Context) (peer.Deliver_DeliverFilteredClient, error)

// Observer watches the filtered blocks of one peer and reports the
// validation code of registered transactions. The stream is opened on the
// first registration and reopened after it fails
type Observer struct {
	endpoint invoke.Endpoint
	channel  string
	signer   *Crypto
	connect  DeliverConnector
	logger   *log.Logger
	metrics  *Metrics

	mutex     sync.Mutex
	client    peer.Deliver_DeliverFilteredClient
	cancel    context.CancelFunc
	closed    bool
	listeners map[string]map[*txListener]struct{}
}

type txListener struct {
	txID      string
	ch        chan *invoke.TxStatusEvent
	closeOnce sync.Once
}

func (l *txListener) close() {
	l.closeOnce.Do(func() { close(l.ch) })
}

func NewObserver(endpoint invoke.Endpoint, channel string, signer *Crypto, connect DeliverConnector, logger *log.Logger, metrics *Metrics) *Observer {
	return &Observer{
		endpoint:  endpoint,
		channel:   channel,
		signer:    signer,
		connect:   connect,
		logger:    logger,
		metrics:   metrics,
		listeners: make(map[string]map[*txListener]struct{}),
	}
}

func (o *Observer) Endpoint() invoke.Endpoint {
	return o.endpoint
}

// RegisterTxStatus returns a channel receiving the commit event of txID.
// Once it returns, any block committed afterwards is seen by the listener.
// ctx bounds the opening of the deliver stream, not its lifetime
func (o *Observer) RegisterTxStatus(ctx context.Context, txID string) (invoke.Registration, <-chan *invoke.TxStatusEvent, error) {
	for {
		o.mutex.Lock()
		if o.closed {
			o.mutex.Unlock()
			return nil, nil, errors.Errorf("observer of %s is closed", o.endpoint.Address)
		}
		if o.client != nil {
			l := o.addListenerLocked(txID)
			o.mutex.Unlock()
			return l, l.ch, nil
		}
		o.mutex.Unlock()

		stream, err := o.open(ctx)
		if err != nil {
			return nil, nil, err
		}

		o.mutex.Lock()
		if o.closed || o.client != nil {
			// closed meanwhile, or another registration connected first
			o.mutex.Unlock()
			stream.cancel()
			continue
		}
		o.client = stream.client
		o.cancel = stream.cancel
		o.dispatchLocked(stream.first)
		l := o.addListenerLocked(txID)
		o.mutex.Unlock()

		o.logger.Infof("Start observer on %s", o.endpoint.Address)
		go o.receiveFilteredBlock(stream.client)
		return l, l.ch, nil
	}
}

func (o *Observer) addListenerLocked(txID string) *txListener {
	l := &txListener{
		txID: txID,
		ch:   make(chan *invoke.TxStatusEvent, 1),
	}
	if o.listeners[txID] == nil {
		o.listeners[txID] = make(map[*txListener]struct{})
	}
	o.listeners[txID][l] = struct{}{}
	return l
}

// Unregister removes the listener and closes its channel
func (o *Observer) Unregister(reg invoke.Registration) {
	l, ok := reg.(*txListener)
	if !ok {
		return
	}

	o.mutex.Lock()
	o.removeLocked(l)
	o.mutex.Unlock()

	l.close()
}

func (o *Observer) removeLocked(l *txListener) {
	set := o.listeners[l.txID]
	delete(set, l)
	if len(set) == 0 {
		delete(o.listeners, l.txID)
	}
}

// deliverStream is a stream whose seek has been served
type deliverStream struct {
	client peer.Deliver_DeliverFilteredClient
	cancel context.CancelFunc
	first  *peer.FilteredBlock
}

// open connects to the peer and waits for the first filtered block. It
// gives up when ctx is done, tearing the half open stream down
func (o *Observer) open(ctx context.Context) (*deliverStream, error) {
	streamCtx, cancel := context.WithCancel(context.Background())
	stream := &deliverStream{cancel: cancel}

	result := make(chan error, 1)
	go func() {
		result <- o.seek(streamCtx, stream)
	}()

	select {
	case err := <-result:
		if err != nil {
			cancel()
			return nil, err
		}
		return stream, nil
	case <-ctx.Done():
		cancel()
		return nil, errors.Wrapf(ctx.Err(), "fail to start observer on %s", o.endpoint.Address)
	}
}

func (o *Observer) seek(ctx context.Context, stream *deliverStream) error {
	deliverer, err := o.connect(ctx)
	if err != nil {
		return errors.WithMessagef(err, "fail to create DeliverFilteredClient for %s", o.endpoint.Address)
	}

	envelope, err := CreateSignedDeliverNewestEnv(o.channel, o.signer)
	if err != nil {
		return errors.WithMessage(err, "fail to create SignedEnvelope")
	}

	if err = deliverer.Send(envelope); err != nil {
		return errors.Wrapf(err, "fail to send SignedEnvelope to %s", o.endpoint.Address)
	}

	// the first response tells the seek has been served
	first, err := deliverer.Recv()
	if err != nil {
		return errors.Wrapf(err, "fail to receive the first response from %s", o.endpoint.Address)
	}
	fb, ok := first.Type.(*peer.DeliverResponse_FilteredBlock)
	if !ok {
		return errors.Errorf("peer %s refused the deliver request: %s", o.endpoint.Address, first.GetStatus())
	}

	stream.client = deliverer
	stream.first = fb.FilteredBlock
	return nil
}

func (o *Observer) receiveFilteredBlock(deliverer peer.Deliver_DeliverFilteredClient) {
	for {
		deliverResponse, err := deliverer.Recv()
		if err != nil {
			o.fail(deliverer, err)
			return
		}

		switch t := deliverResponse.Type.(type) {
		case *peer.DeliverResponse_FilteredBlock:
			o.mutex.Lock()
			o.dispatchLocked(t.FilteredBlock)
			o.mutex.Unlock()
		case *peer.DeliverResponse_Status:
			o.fail(deliverer, errors.Errorf("deliver stream ended with status %s", t.Status))
			return
		default:
			o.logger.Infoln("Unknown DeliverResponse type")
		}
	}
}

func (o *Observer) dispatchLocked(fb *peer.FilteredBlock) {
	for _, tx := range fb.FilteredTransactions {
		set, ok := o.listeners[tx.GetTxid()]
		if !ok {
			continue
		}

		if o.metrics != nil {
			o.metrics.CommitEvents.WithLabelValues(o.endpoint.Address, tx.TxValidationCode.String()).Inc()
		}

		event := &invoke.TxStatusEvent{
			TxID:        tx.Txid,
			Code:        tx.TxValidationCode,
			BlockNumber: fb.Number,
		}
		for l := range set {
			l.ch <- event
		}
		delete(o.listeners, tx.Txid)
	}
}

// fail closes every pending listener so strategies stop waiting on this
// peer. The next registration reconnects
func (o *Observer) fail(deliverer peer.Deliver_DeliverFilteredClient, err error) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if o.client != deliverer {
		return
	}
	o.logger.Errorf("Fail to receive deliver response from %s: %v", o.endpoint.Address, err)

	o.closeLocked()
}

func (o *Observer) closeLocked() {
	if o.cancel != nil {
		o.cancel()
	}
	o.client = nil
	o.cancel = nil

	for txID, set := range o.listeners {
		for l := range set {
			l.close()
		}
		delete(o.listeners, txID)
	}
}

// Close stops observing and releases all listeners. Later registrations fail
func (o *Observer) Close() {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	o.closed = true
	o.closeLocked()
}
