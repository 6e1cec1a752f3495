package infra

import (
	"context"
	"testing"

	"github.com/golang/protobuf/proto"
	"github.com/osdi23p228/fabric-protos-go/peer"
	"github.com/osdi23p228/fabric/protoutil"
	"github.com/osdi23p228/fabtx/pkg/invoke"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestCreateProposal(t *testing.T) {
	c := newTestCrypto(t)
	p := newTestProposal(t, c)
	p.TransientMap = map[string][]byte{"price": []byte("100")}

	prop, err := CreateProposal(p)
	require.NoError(t, err)

	header, err := protoutil.UnmarshalHeader(prop.Header)
	require.NoError(t, err)
	chdr, err := protoutil.UnmarshalChannelHeader(header.ChannelHeader)
	require.NoError(t, err)
	require.Equal(t, "mychannel", chdr.ChannelId)
	require.Equal(t, p.TxID.ID, chdr.TxId)

	shdr, err := UnmarshalSignatureHeader(header.SignatureHeader)
	require.NoError(t, err)
	require.Equal(t, c.Creator, shdr.Creator)
	require.Equal(t, p.TxID.Nonce, shdr.Nonce)

	ccPayload, err := GetChaincodeProposalPayload(prop.Payload)
	require.NoError(t, err)
	require.Equal(t, []byte("100"), ccPayload.TransientMap["price"])

	cis := &peer.ChaincodeInvocationSpec{}
	require.NoError(t, proto.Unmarshal(ccPayload.Input, cis))
	require.Equal(t, "basic", cis.ChaincodeSpec.ChaincodeId.Name)
	require.Equal(t, [][]byte{[]byte("transferFunds"), []byte("alice"), []byte("bob"), []byte("10")}, cis.ChaincodeSpec.Input.Args)
}

func TestProposersSendProposal(t *testing.T) {
	c := newTestCrypto(t)
	p := newTestProposal(t, c)

	ok := &fakeEndorserClient{resp: endorsement(200, "result")}
	down := &fakeEndorserClient{err: errors.New("connection refused")}
	failed := &fakeEndorserClient{resp: &peer.ProposalResponse{Response: &peer.Response{Status: 500, Message: "chaincode error"}}}
	empty := &fakeEndorserClient{resp: &peer.ProposalResponse{}}

	metrics := NewMetrics(nil)
	ps := NewProposers([]*Proposer{
		NewProposer(invoke.Endpoint{Address: "peer0.org1:7051", MSPID: "Org1MSP"}, ok),
		NewProposer(invoke.Endpoint{Address: "peer0.org2:9051", MSPID: "Org2MSP"}, down),
		NewProposer(invoke.Endpoint{Address: "peer1.org1:8051", MSPID: "Org1MSP"}, failed),
		NewProposer(invoke.Endpoint{Address: "peer1.org2:10051", MSPID: "Org2MSP"}, empty),
	}, c, newTestLogger(), metrics)

	responses, handle, err := ps.SendProposal(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, p.TxID.ID, handle.TransactionID())
	require.Len(t, responses, 4)

	require.True(t, responses[0].Valid())
	require.Equal(t, []byte("result"), responses[0].Payload)
	require.Equal(t, int32(200), responses[0].Status)

	require.False(t, responses[1].Valid())
	require.Equal(t, "peer0.org2:9051", responses[1].Endpoint.Address)
	require.Equal(t, int32(0), responses[1].Status)
	require.Contains(t, responses[1].Message, "connection refused")

	require.False(t, responses[2].Valid())
	require.Equal(t, int32(500), responses[2].Status)
	require.Contains(t, responses[2].Message, "chaincode error")

	require.False(t, responses[3].Valid())

	for _, client := range []*fakeEndorserClient{ok, down, failed, empty} {
		require.Equal(t, 1, client.calls())
	}
	require.Equal(t, float64(1), counterValue(t, metrics.Endorsements.WithLabelValues("peer0.org1:7051", "valid")))
	require.Equal(t, float64(1), counterValue(t, metrics.Endorsements.WithLabelValues("peer1.org1:8051", "invalid")))

	// every endorser receives the same proposal signed by the client
	signed := ok.received[0]
	require.Equal(t, signed, down.received[0])
	require.True(t, verify(c, sha256Sum(signed.ProposalBytes), signed.Signature))
}

func TestCommitRejectsForeignCreator(t *testing.T) {
	c := newTestCrypto(t)
	p := newTestProposal(t, c)
	p.TxID.Creator = []byte("garbage")

	client := &fakeEndorserClient{resp: endorsement(200, "result")}
	ps := NewProposers([]*Proposer{NewProposer(invoke.Endpoint{Address: "peer0.org1:7051"}, client)}, c, newTestLogger(), nil)

	// a creator that does not match the signer still builds; the
	// mismatch is caught when the envelope is assembled
	_, handle, err := ps.SendProposal(context.Background(), p)
	require.NoError(t, err)

	bs := NewBroadcasters(nil, NewIntegrator(c, false, newTestLogger()), newTestLogger(), nil)
	_, err = bs.Commit(context.Background(), handle, []*invoke.Response{
		invoke.NewValidResponse(invoke.Endpoint{Address: "peer0.org1:7051"}, endorsement(200, "result")),
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "signer must be the same as the one referenced in the header")
}
