package infra

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/osdi23p228/fabric-protos-go/common"
	"github.com/osdi23p228/fabric-protos-go/orderer"
	"github.com/osdi23p228/fabric-protos-go/peer"
	"github.com/osdi23p228/fabtx/pkg/invoke"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func newTestLogger() *log.Logger {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger
}

// newKeyPair returns a key and a self-signed certificate in PEM
func newKeyPair(t *testing.T) (*ecdsa.PrivateKey, *x509.Certificate, []byte) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "User1@org1.example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return priv, cert, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func sha256Sum(b []byte) []byte {
	digest := sha256.Sum256(b)
	return digest[:]
}

func verify(c *Crypto, digest, signature []byte) bool {
	return ecdsa.VerifyASN1(&c.PrivKey.PublicKey, digest, signature)
}

func newTestCrypto(t *testing.T) *Crypto {
	priv, cert, certPEM := newKeyPair(t)
	c, err := NewCrypto("Org1MSP", priv, cert, certPEM)
	require.NoError(t, err)
	return c
}

func newTestProposal(t *testing.T, c *Crypto) *invoke.Proposal {
	txID, err := c.NewTransactionID()
	require.NoError(t, err)
	return &invoke.Proposal{
		ChannelID:   "mychannel",
		ChaincodeID: "basic",
		Function:    "transferFunds",
		Args:        [][]byte{[]byte("alice"), []byte("bob"), []byte("10")},
		TxID:        txID,
	}
}

type fakeEndorserClient struct {
	resp *peer.ProposalResponse
	err  error

	mutex    sync.Mutex
	received []*peer.SignedProposal
}

func (f *fakeEndorserClient) ProcessProposal(ctx context.Context, in *peer.SignedProposal, opts ...grpc.CallOption) (*peer.ProposalResponse, error) {
	f.mutex.Lock()
	f.received = append(f.received, in)
	f.mutex.Unlock()
	return f.resp, f.err
}

func (f *fakeEndorserClient) calls() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.received)
}

func endorsement(status int32, payload string) *peer.ProposalResponse {
	return &peer.ProposalResponse{
		Response:    &peer.Response{Status: status, Payload: []byte(payload)},
		Payload:     []byte("proposal response payload"),
		Endorsement: &peer.Endorsement{Endorser: []byte("peer"), Signature: []byte("signature")},
	}
}

type fakeBroadcastStream struct {
	grpc.ClientStream
	resp    *orderer.BroadcastResponse
	sendErr error
	sent    []*common.Envelope
}

func (s *fakeBroadcastStream) Send(env *common.Envelope) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, env)
	return nil
}

func (s *fakeBroadcastStream) Recv() (*orderer.BroadcastResponse, error) {
	return s.resp, nil
}

func (s *fakeBroadcastStream) CloseSend() error {
	return nil
}

type fakeAtomicBroadcastClient struct {
	stream  *fakeBroadcastStream
	openErr error
	opened  int
}

func (f *fakeAtomicBroadcastClient) Broadcast(ctx context.Context, opts ...grpc.CallOption) (orderer.AtomicBroadcast_BroadcastClient, error) {
	f.opened++
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f.stream, nil
}

func (f *fakeAtomicBroadcastClient) Deliver(ctx context.Context, opts ...grpc.CallOption) (orderer.AtomicBroadcast_DeliverClient, error) {
	panic("not used")
}

// fakeDeliverStream serves the responses pushed to it until its context ends
type fakeDeliverStream struct {
	grpc.ClientStream
	ctx       context.Context
	responses chan *peer.DeliverResponse
	errs      chan error

	mutex sync.Mutex
	sent  []*common.Envelope
}

func newFakeDeliverStream() *fakeDeliverStream {
	return &fakeDeliverStream{
		ctx:       context.Background(),
		responses: make(chan *peer.DeliverResponse, 10),
		errs:      make(chan error, 1),
	}
}

func (s *fakeDeliverStream) Send(env *common.Envelope) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.sent = append(s.sent, env)
	return nil
}

func (s *fakeDeliverStream) Recv() (*peer.DeliverResponse, error) {
	select {
	case r := <-s.responses:
		return r, nil
	case err := <-s.errs:
		return nil, err
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
}

func (s *fakeDeliverStream) block(number uint64, txs ...*peer.FilteredTransaction) {
	s.responses <- &peer.DeliverResponse{
		Type: &peer.DeliverResponse_FilteredBlock{
			FilteredBlock: &peer.FilteredBlock{
				ChannelId:            "mychannel",
				Number:               number,
				FilteredTransactions: txs,
			},
		},
	}
}

func filteredTx(txID string, code peer.TxValidationCode) *peer.FilteredTransaction {
	return &peer.FilteredTransaction{Txid: txID, TxValidationCode: code}
}
