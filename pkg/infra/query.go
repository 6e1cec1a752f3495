package infra

import (
	"context"
	"strings"
	"sync"

	"github.com/osdi23p228/fabtx/pkg/invoke"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Querier evaluates proposals on a single endorser at a time. It sticks to
// the last peer that answered and moves on to the next one only when the
// current peer cannot be reached
type Querier struct {
	proposers []*Proposer
	signer    *Crypto
	logger    *log.Logger

	mutex   sync.Mutex
	current int
}

func NewQuerier(proposers []*Proposer, signer *Crypto, logger *log.Logger) *Querier {
	return &Querier{
		proposers: proposers,
		signer:    signer,
		logger:    logger,
	}
}

// Query returns the chaincode payload of the first peer that answers. A peer
// answering with an error status ends the query with that error
func (q *Querier) Query(ctx context.Context, p *invoke.Proposal) ([]byte, error) {
	if len(q.proposers) == 0 {
		return nil, errors.New("no peer is available for queries")
	}

	prop, err := CreateProposal(p)
	if err != nil {
		return nil, err
	}
	signed, err := SignProposal(prop, q.signer)
	if err != nil {
		return nil, errors.WithMessagef(err, "fail to sign proposal %s", p.TxID.ID)
	}

	q.mutex.Lock()
	start := q.current
	q.mutex.Unlock()

	var messages []string
	for i := 0; i < len(q.proposers); i++ {
		index := (start + i) % len(q.proposers)
		proposer := q.proposers[index]

		r := proposer.Endorse(ctx, signed)
		if r.Valid() {
			q.setCurrent(index)
			return r.Payload, nil
		}
		if r.Status != 0 {
			q.setCurrent(index)
			return nil, r.Err
		}

		q.logger.Warnf("Query %s on %s failed: %v", p.TxID.ID, proposer.endpoint.Address, r.Err)
		messages = append(messages, r.Message)
	}

	return nil, errors.Errorf("query failed on all peers:\n%s", strings.Join(messages, "\n"))
}

func (q *Querier) setCurrent(index int) {
	q.mutex.Lock()
	q.current = index
	q.mutex.Unlock()
}
