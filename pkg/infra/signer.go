package infra

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"math/big"
	"os"

	"github.com/gogo/protobuf/proto"
	"github.com/osdi23p228/fabric-protos-go/common"
	"github.com/osdi23p228/fabric-protos-go/msp"
	"github.com/osdi23p228/fabric/protoutil"
	"github.com/osdi23p228/fabtx/pkg/invoke"
	"github.com/pkg/errors"
)

type CryptoConfig struct {
	MSPID    string
	PrivKey  string
	SignCert string
}

type ECDSASignature struct {
	R, S *big.Int
}

// Crypto is the signing identity of the client. It signs proposals,
// envelopes and deliver requests, and mints transaction IDs
type Crypto struct {
	Creator  []byte
	PrivKey  *ecdsa.PrivateKey
	SignCert *x509.Certificate
	mspID    string
}

// LoadCrypto reads the private key and certificate of the client and
// serializes its identity
func LoadCrypto(cc CryptoConfig) (*Crypto, error) {
	if cc.MSPID == "" {
		return nil, errors.New("mspid of the client is not specified")
	}

	priv, err := GetPrivateKey(cc.PrivKey)
	if err != nil {
		return nil, errors.WithMessage(err, "fail to load private key")
	}

	cert, certBytes, err := GetCertificate(cc.SignCert)
	if err != nil {
		return nil, errors.WithMessage(err, "fail to load certificate")
	}

	return NewCrypto(cc.MSPID, priv, cert, certBytes)
}

// NewCrypto builds an identity from an already parsed key pair
func NewCrypto(mspID string, priv *ecdsa.PrivateKey, cert *x509.Certificate, certPEM []byte) (*Crypto, error) {
	id := &msp.SerializedIdentity{
		Mspid:   mspID,
		IdBytes: certPEM,
	}

	name, err := proto.Marshal(id)
	if err != nil {
		return nil, errors.Wrap(err, "error serializing identity")
	}

	return &Crypto{
		Creator:  name,
		PrivKey:  priv,
		SignCert: cert,
		mspID:    mspID,
	}, nil
}

// Sign signs the SHA-256 digest of the message. Signatures are normalized
// to low S since that is the only form peers accept
func (s *Crypto) Sign(message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)

	r, ss, err := ecdsa.Sign(rand.Reader, s.PrivKey, digest[:])
	if err != nil {
		return nil, errors.Wrap(err, "error signing message")
	}

	sig := toLowS(s.PrivKey.PublicKey, ECDSASignature{R: r, S: ss})
	return asn1.Marshal(sig)
}

func (s *Crypto) Serialize() ([]byte, error) {
	return s.Creator, nil
}

func (s *Crypto) NewSignatureHeader() (*common.SignatureHeader, error) {
	creator, err := s.Serialize()
	if err != nil {
		return nil, err
	}
	nonce, err := protoutil.CreateNonce()
	if err != nil {
		return nil, err
	}

	return &common.SignatureHeader{
		Creator: creator,
		Nonce:   nonce,
	}, nil
}

// NewTransactionID draws a fresh nonce and derives the transaction ID
// from it and the serialized identity
func (s *Crypto) NewTransactionID() (invoke.TransactionID, error) {
	nonce, err := protoutil.CreateNonce()
	if err != nil {
		return invoke.TransactionID{}, err
	}

	return invoke.TransactionID{
		ID:      protoutil.ComputeTxID(nonce, s.Creator),
		Nonce:   nonce,
		Creator: s.Creator,
	}, nil
}

func (s *Crypto) MSPID() string {
	return s.mspID
}

func toLowS(key ecdsa.PublicKey, sig ECDSASignature) ECDSASignature {
	halfOrder := new(big.Int).Div(key.Curve.Params().N, big.NewInt(2))
	if sig.S.Cmp(halfOrder) == 1 {
		sig.S.Sub(key.Params().N, sig.S)
	}
	return sig
}

func GetPrivateKey(f string) (*ecdsa.PrivateKey, error) {
	in, err := os.ReadFile(f)
	if err != nil {
		return nil, errors.Wrapf(err, "fail to read %s", f)
	}

	block, _ := pem.Decode(in)
	if block == nil {
		return nil, errors.Errorf("no PEM data found in %s", f)
	}

	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrapf(err, "fail to parse private key in %s", f)
	}

	key, ok := k.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errors.Errorf("private key in %s is %T, expecting an ECDSA key", f, k)
	}
	return key, nil
}

func GetCertificate(f string) (*x509.Certificate, []byte, error) {
	in, err := os.ReadFile(f)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "fail to read %s", f)
	}

	block, _ := pem.Decode(in)
	if block == nil {
		return nil, nil, errors.Errorf("no PEM data found in %s", f)
	}

	c, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "fail to parse certificate in %s", f)
	}
	return c, in, nil
}
