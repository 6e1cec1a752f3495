package infra

import (
	"context"

	"github.com/osdi23p228/fabric-protos-go/common"
	"github.com/osdi23p228/fabric-protos-go/orderer"
	"github.com/osdi23p228/fabtx/pkg/invoke"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Broadcasters turns endorsed proposals into envelopes and hands them to
// the first orderer that accepts the connection
type Broadcasters struct {
	broadcasters []*Broadcaster
	integrator   *Integrator
	logger       *log.Logger
	metrics      *Metrics
}

func NewBroadcasters(broadcasters []*Broadcaster, integrator *Integrator, logger *log.Logger, metrics *Metrics) *Broadcasters {
	return &Broadcasters{
		broadcasters: broadcasters,
		integrator:   integrator,
		logger:       logger,
		metrics:      metrics,
	}
}

// Commit assembles the envelope from the valid endorsements and broadcasts
// it. The orderer's status is returned as is; only transport failures on
// every orderer produce an error
func (bs *Broadcasters) Commit(ctx context.Context, handle invoke.ProposalHandle, endorsements []*invoke.Response) (*invoke.CommitResult, error) {
	h, ok := handle.(*proposalHandle)
	if !ok {
		return nil, errors.Errorf("unexpected proposal handle %T", handle)
	}

	envelope, err := bs.integrator.CreateSignedTx(h.proposal, endorsements)
	if err != nil {
		return nil, errors.WithMessagef(err, "fail to create envelope for transaction %s", h.txID)
	}

	if len(bs.broadcasters) == 0 {
		return nil, errors.New("no orderer is configured")
	}

	for _, b := range bs.broadcasters {
		var res *orderer.BroadcastResponse
		res, err = b.Broadcast(ctx, envelope)
		if err != nil {
			bs.logger.Warnf("Fail to broadcast transaction %s to %s: %v", h.txID, b.address, err)
			continue
		}

		if bs.metrics != nil {
			bs.metrics.Broadcasts.WithLabelValues(b.address, res.Status.String()).Inc()
		}
		if res.Status != common.Status_SUCCESS {
			bs.logger.Errorf("Receive error status %s from %s for transaction %s", res.Status, b.address, h.txID)
		}
		return &invoke.CommitResult{Status: res.Status, Info: res.Info}, nil
	}

	return nil, errors.WithMessagef(err, "fail to broadcast transaction %s to any orderer", h.txID)
}

// Broadcaster is the broadcast client of one orderer
type Broadcaster struct {
	address string
	client  orderer.AtomicBroadcastClient
}

func NewBroadcaster(address string, client orderer.AtomicBroadcastClient) *Broadcaster {
	return &Broadcaster{
		address: address,
		client:  client,
	}
}

// Broadcast sends one envelope on a fresh stream and waits for its status
func (b *Broadcaster) Broadcast(ctx context.Context, envelope *common.Envelope) (*orderer.BroadcastResponse, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := b.client.Broadcast(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "fail to open broadcast stream to %s", b.address)
	}

	if err = stream.Send(envelope); err != nil {
		return nil, errors.Wrapf(err, "fail to send envelope to %s", b.address)
	}

	res, err := stream.Recv()
	if err != nil {
		return nil, errors.Wrapf(err, "fail to receive broadcast response from %s", b.address)
	}

	if err = stream.CloseSend(); err != nil {
		return nil, errors.Wrapf(err, "fail to close broadcast stream to %s", b.address)
	}
	return res, nil
}
