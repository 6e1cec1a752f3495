package infra

import (
	"context"
	"sync"

	"github.com/osdi23p228/fabric-protos-go/peer"
	"github.com/osdi23p228/fabtx/pkg/invoke"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Proposers sends every proposal to all endorsers concurrently
type Proposers struct {
	proposers []*Proposer
	signer    *Crypto
	logger    *log.Logger
	metrics   *Metrics
}

func NewProposers(proposers []*Proposer, signer *Crypto, logger *log.Logger, metrics *Metrics) *Proposers {
	return &Proposers{
		proposers: proposers,
		signer:    signer,
		logger:    logger,
		metrics:   metrics,
	}
}

// proposalHandle carries the unsigned proposal from endorsement to commit,
// where the envelope header is taken from it
type proposalHandle struct {
	txID     string
	proposal *peer.Proposal
}

func (h *proposalHandle) TransactionID() string {
	return h.txID
}

// SendProposal signs the proposal and collects one response per endorser, in
// endorser order. Endorser failures are reported as invalid responses; the
// error return is reserved for failures to build the proposal
func (ps *Proposers) SendProposal(ctx context.Context, p *invoke.Proposal) ([]*invoke.Response, invoke.ProposalHandle, error) {
	prop, err := CreateProposal(p)
	if err != nil {
		return nil, nil, err
	}

	signed, err := SignProposal(prop, ps.signer)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "fail to sign proposal %s", p.TxID.ID)
	}

	responses := make([]*invoke.Response, len(ps.proposers))
	wg := sync.WaitGroup{}
	for i, proposer := range ps.proposers {
		wg.Add(1)
		go func(i int, proposer *Proposer) {
			defer wg.Done()
			responses[i] = proposer.Endorse(ctx, signed)
		}(i, proposer)
	}
	wg.Wait()

	for _, r := range responses {
		result := "valid"
		if !r.Valid() {
			result = "invalid"
			ps.logger.Errorf("Error processing proposal %s: %v, status: %d, address: %s", p.TxID.ID, r.Err, r.Status, r.Endpoint.Address)
		}
		if ps.metrics != nil {
			ps.metrics.Endorsements.WithLabelValues(r.Endpoint.Address, result).Inc()
		}
	}

	return responses, &proposalHandle{txID: p.TxID.ID, proposal: prop}, nil
}

// Proposer is the endorsement client of one peer
type Proposer struct {
	endpoint invoke.Endpoint
	client   peer.EndorserClient
}

func NewProposer(endpoint invoke.Endpoint, client peer.EndorserClient) *Proposer {
	return &Proposer{
		endpoint: endpoint,
		client:   client,
	}
}

func (p *Proposer) Endpoint() invoke.Endpoint {
	return p.endpoint
}

// Endorse sends a signed proposal to the peer. Responses with a status
// outside [200, 400) are invalid
func (p *Proposer) Endorse(ctx context.Context, signed *peer.SignedProposal) *invoke.Response {
	resp, err := p.client.ProcessProposal(ctx, signed)
	if err != nil {
		return invoke.NewInvalidResponse(p.endpoint, 0, errors.Wrapf(err, "error processing proposal on %s", p.endpoint.Address))
	}
	if resp.GetResponse() == nil {
		return invoke.NewInvalidResponse(p.endpoint, 0, errors.Errorf("peer %s returned no chaincode response", p.endpoint.Address))
	}

	status := resp.Response.Status
	if status < 200 || status >= 400 {
		return invoke.NewInvalidResponse(p.endpoint, status, errors.Errorf("peer %s returned status %d: %s", p.endpoint.Address, status, resp.Response.Message))
	}

	return invoke.NewValidResponse(p.endpoint, resp)
}
