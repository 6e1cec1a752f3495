package infra

import (
	"bytes"

	"github.com/osdi23p228/fabric-protos-go/common"
	"github.com/osdi23p228/fabric-protos-go/peer"
	"github.com/osdi23p228/fabric/core/ledger/kvledger/txmgmt/rwsetutil"
	"github.com/osdi23p228/fabric/protoutil"
	"github.com/osdi23p228/fabtx/pkg/invoke"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Integrator assembles endorsed proposals into signed envelopes
type Integrator struct {
	signer     protoutil.Signer
	checkRWSet bool
	logger     *log.Logger
}

func NewIntegrator(signer protoutil.Signer, checkRWSet bool, logger *log.Logger) *Integrator {
	return &Integrator{
		signer:     signer,
		checkRWSet: checkRWSet,
		logger:     logger,
	}
}

// CreateSignedTx builds the transaction envelope of proposal from its
// endorsements and signs it. All endorsements must carry the same proposal
// response payload
func (it *Integrator) CreateSignedTx(proposal *peer.Proposal, endorsements []*invoke.Response) (*common.Envelope, error) {
	action, err := endorsedAction(endorsements)
	if err != nil {
		return nil, err
	}

	if it.checkRWSet {
		it.printTXRWSet(action.ProposalResponsePayload)
	}

	header, err := getHeader(proposal.Header, it.signer)
	if err != nil {
		return nil, err
	}

	ccProposalPayload, err := GetChaincodeProposalPayload(proposal.Payload)
	if err != nil {
		return nil, err
	}
	// transient data never reaches the ledger
	proposalPayloadBytes, err := protoutil.GetBytesProposalPayloadForTx(ccProposalPayload)
	if err != nil {
		return nil, errors.Wrap(err, "fail to marshal ChaincodeProposalPayload")
	}

	actionPayloadBytes, err := protoutil.GetBytesChaincodeActionPayload(&peer.ChaincodeActionPayload{
		ChaincodeProposalPayload: proposalPayloadBytes,
		Action:                   action,
	})
	if err != nil {
		return nil, errors.Wrap(err, "fail to marshal ChaincodeActionPayload")
	}

	txBytes, err := protoutil.GetBytesTransaction(&peer.Transaction{
		Actions: []*peer.TransactionAction{{
			Header:  header.SignatureHeader,
			Payload: actionPayloadBytes,
		}},
	})
	if err != nil {
		return nil, errors.Wrap(err, "fail to marshal Transaction")
	}

	payloadBytes, err := protoutil.GetBytesPayload(&common.Payload{Header: header, Data: txBytes})
	if err != nil {
		return nil, errors.Wrap(err, "fail to marshal Payload")
	}

	signature, err := it.signer.Sign(payloadBytes)
	if err != nil {
		return nil, errors.Wrap(err, "fail to sign transaction")
	}

	return &common.Envelope{Payload: payloadBytes, Signature: signature}, nil
}

// endorsedAction collects the endorsements of the responses, checking they
// all endorse the same result
func endorsedAction(endorsements []*invoke.Response) (*peer.ChaincodeEndorsedAction, error) {
	if len(endorsements) == 0 {
		return nil, errors.New("no endorsement to assemble")
	}

	first := endorsements[0]
	action := &peer.ChaincodeEndorsedAction{
		ProposalResponsePayload: first.ProposalResponse.GetPayload(),
		Endorsements:            make([]*peer.Endorsement, 0, len(endorsements)),
	}
	for _, e := range endorsements {
		resp := e.ProposalResponse
		if resp == nil {
			return nil, errors.Errorf("response from %s carries no endorsement", e.Endpoint.Address)
		}
		if status := resp.GetResponse().GetStatus(); status < 200 || status >= 400 {
			return nil, errors.Errorf("response from %s was not successful, error code %d, msg %s",
				e.Endpoint.Address, status, resp.GetResponse().GetMessage())
		}
		if !bytes.Equal(action.ProposalResponsePayload, resp.Payload) {
			return nil, errors.Errorf("ProposalResponsePayloads from %s and %s do not match",
				first.Endpoint.Address, e.Endpoint.Address)
		}
		action.Endorsements = append(action.Endorsements, resp.Endorsement)
	}

	return action, nil
}

// printTXRWSet logs the read and write sets of an endorsed result
func (it *Integrator) printTXRWSet(proposalResponsePayload []byte) {
	prp, err := protoutil.UnmarshalProposalResponsePayload(proposalResponsePayload)
	if err != nil {
		it.logger.Errorf("Fail to unmarshal ProposalResponsePayload: %v", err)
		return
	}

	ccAction, err := protoutil.UnmarshalChaincodeAction(prp.Extension)
	if err != nil {
		it.logger.Errorf("Fail to unmarshal ChaincodeAction: %v", err)
		return
	}

	txRWSet := &rwsetutil.TxRwSet{}
	if err = txRWSet.FromProtoBytes(ccAction.Results); err != nil {
		it.logger.Errorf("Fail to deserialize TxReadWriteSet: %v", err)
		return
	}

	for _, rwset := range txRWSet.NsRwSets {
		entry := it.logger.WithField("namespace", rwset.NameSpace)
		for _, r := range rwset.KvRwSet.Reads {
			entry.Debugf("Read %s", r.String())
		}
		for _, w := range rwset.KvRwSet.Writes {
			entry.Debugf("Write %s", w.String())
		}
	}
}
