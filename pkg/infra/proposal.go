package infra

import (
	"bytes"
	"math"

	"github.com/golang/protobuf/proto"
	"github.com/osdi23p228/fabric-protos-go/common"
	"github.com/osdi23p228/fabric-protos-go/orderer"
	"github.com/osdi23p228/fabric-protos-go/peer"
	"github.com/osdi23p228/fabric/protoutil"
	"github.com/osdi23p228/fabtx/pkg/invoke"
	"github.com/pkg/errors"
)

// CreateProposal creates an unsigned proposal for the invocation. The function
// name travels as the first chaincode argument
func CreateProposal(p *invoke.Proposal) (*peer.Proposal, error) {
	input := make([][]byte, 0, len(p.Args)+1)
	input = append(input, []byte(p.Function))
	input = append(input, p.Args...)

	invocation := &peer.ChaincodeInvocationSpec{
		ChaincodeSpec: &peer.ChaincodeSpec{
			Type:        peer.ChaincodeSpec_GOLANG,
			ChaincodeId: &peer.ChaincodeID{Name: p.ChaincodeID},
			Input:       &peer.ChaincodeInput{Args: input},
		},
	}

	prop, txid, err := protoutil.CreateChaincodeProposalWithTxIDNonceAndTransient(
		p.TxID.ID,
		common.HeaderType_ENDORSER_TRANSACTION,
		p.ChannelID,
		invocation,
		p.TxID.Nonce,
		p.TxID.Creator,
		p.TransientMap,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "fail to create proposal %s", p.TxID.ID)
	}
	if txid != p.TxID.ID {
		return nil, errors.Errorf("proposal was created with transaction ID %s, expecting %s", txid, p.TxID.ID)
	}

	return prop, nil
}

// SignProposal signs prop with the client identity
func SignProposal(prop *peer.Proposal, signer protoutil.Signer) (*peer.SignedProposal, error) {
	proposalBytes, err := proto.Marshal(prop)
	if err != nil {
		return nil, errors.Wrap(err, "fail to marshal Proposal")
	}

	signature, err := signer.Sign(proposalBytes)
	if err != nil {
		return nil, errors.Wrap(err, "fail to sign Proposal")
	}
	return &peer.SignedProposal{ProposalBytes: proposalBytes, Signature: signature}, nil
}

// CreateSignedDeliverNewestEnv asks for every block from the newest one on
func CreateSignedDeliverNewestEnv(channel string, signer protoutil.Signer) (*common.Envelope, error) {
	seekInfo := &orderer.SeekInfo{
		Start: &orderer.SeekPosition{
			Type: &orderer.SeekPosition_Newest{Newest: &orderer.SeekNewest{}},
		},
		Stop: &orderer.SeekPosition{
			Type: &orderer.SeekPosition_Specified{Specified: &orderer.SeekSpecified{Number: math.MaxUint64}},
		},
		Behavior: orderer.SeekInfo_BLOCK_UNTIL_READY,
	}

	return protoutil.CreateSignedEnvelope(common.HeaderType_DELIVER_SEEK_INFO, channel, signer, seekInfo, 0, 0)
}

// getHeader decodes a proposal header, which must have been created by signer
func getHeader(headerBytes []byte, signer protoutil.Signer) (*common.Header, error) {
	header := &common.Header{}
	if err := proto.Unmarshal(headerBytes, header); err != nil {
		return nil, errors.Wrap(err, "fail to unmarshal Header")
	}

	signatureHeader, err := UnmarshalSignatureHeader(header.SignatureHeader)
	if err != nil {
		return nil, err
	}
	creator, err := signer.Serialize()
	if err != nil {
		return nil, errors.Wrap(err, "fail to serialize signer")
	}
	if !bytes.Equal(creator, signatureHeader.Creator) {
		return nil, errors.New("signer must be the same as the one referenced in the header")
	}

	return header, nil
}

func UnmarshalSignatureHeader(b []byte) (*common.SignatureHeader, error) {
	sh := &common.SignatureHeader{}
	if err := proto.Unmarshal(b, sh); err != nil {
		return nil, errors.Wrap(err, "fail to unmarshal SignatureHeader")
	}
	return sh, nil
}

func GetChaincodeProposalPayload(b []byte) (*peer.ChaincodeProposalPayload, error) {
	ccProposalPayload := &peer.ChaincodeProposalPayload{}
	if err := proto.Unmarshal(b, ccProposalPayload); err != nil {
		return nil, errors.Wrap(err, "fail to unmarshal ChaincodeProposalPayload")
	}
	return ccProposalPayload, nil
}
