package comm

import (
	"crypto/tls"
	"crypto/x509"
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_logrus "github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

const (
	DefaultMaxRecvMsgSize = 100 * 1024 * 1024
	DefaultMaxSendMsgSize = 100 * 1024 * 1024
)

var (
	DefaultKeepaliveOptions = KeepaliveOptions{
		ClientInterval: time.Minute,
		ClientTimeout:  20 * time.Second,
	}

	DefaultConnectionTimeout = 5 * time.Second
)

// ClientConfig defines the parameters for configuring a GRPCClient instance
type ClientConfig struct {
	// SecOpts defines the security parameters
	SecOpts SecureOptions
	// KaOpts defines the keepalive parameters
	KaOpts KeepaliveOptions
	// Timeout specifies how long the client will block when attempting to
	// establish a connection
	Timeout time.Duration
	// Logger, when set, logs every call made on connections of the client
	Logger *log.Logger
	// UnaryInterceptors are run after the logging interceptor on unary calls
	UnaryInterceptors []grpc.UnaryClientInterceptor
	// StreamInterceptors are run after the logging interceptor on streams
	StreamInterceptors []grpc.StreamClientInterceptor
}

// SecureOptions defines the TLS parameters of a client connection
type SecureOptions struct {
	// PEM-encoded X509 certificate used for TLS client authentication
	Certificate []byte
	// PEM-encoded private key used for TLS client authentication
	Key []byte
	// PEM-encoded X509 certificate authorities used to verify server certificates
	ServerRootCAs [][]byte
	// Whether or not to use TLS for communication
	UseTLS bool
	// Whether or not TLS client must present certificates for authentication
	RequireClientCert bool
	// ServerNameOverride overrides the name used to verify the server certificate
	ServerNameOverride string
}

// KeepaliveOptions is used to set the gRPC keepalive settings of clients
type KeepaliveOptions struct {
	// ClientInterval is the duration after which if the client does not see
	// any activity from the server it pings the server to see if it is alive
	ClientInterval time.Duration
	// ClientTimeout is the duration the client waits for a response
	// from the server after sending a ping before closing the connection
	ClientTimeout time.Duration
}

// TLSConfig returns the client TLS configuration, or nil if TLS is disabled
func (so SecureOptions) TLSConfig() (*tls.Config, error) {
	if !so.UseTLS {
		return nil, nil
	}

	tlsConfig := &tls.Config{
		ServerName: so.ServerNameOverride,
		MinVersion: tls.VersionTLS12,
	}

	if len(so.ServerRootCAs) > 0 {
		tlsConfig.RootCAs = x509.NewCertPool()
		for _, certBytes := range so.ServerRootCAs {
			if !tlsConfig.RootCAs.AppendCertsFromPEM(certBytes) {
				return nil, errors.New("error adding root certificate")
			}
		}
	}

	if so.RequireClientCert {
		cert, err := so.ClientCertificate()
		if err != nil {
			return nil, errors.WithMessage(err, "failed to load client certificate")
		}
		tlsConfig.Certificates = append(tlsConfig.Certificates, cert)
	}

	return tlsConfig, nil
}

// ClientCertificate returns the client certificate used for mutual TLS
func (so SecureOptions) ClientCertificate() (tls.Certificate, error) {
	if so.Key == nil || so.Certificate == nil {
		return tls.Certificate{}, errors.New("both Key and Certificate are required when using mutual TLS")
	}
	cert, err := tls.X509KeyPair(so.Certificate, so.Key)
	if err != nil {
		return tls.Certificate{}, errors.WithMessage(err, "failed to create key pair")
	}
	return cert, nil
}

// DialOptions returns the dial options of the configuration, excluding the
// transport credentials
func (cc ClientConfig) DialOptions() []grpc.DialOption {
	kaOpts := cc.KaOpts
	if kaOpts.ClientInterval == 0 {
		kaOpts = DefaultKeepaliveOptions
	}

	dialOpts := []grpc.DialOption{
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                kaOpts.ClientInterval,
			Timeout:             kaOpts.ClientTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithBlock(),
		grpc.FailOnNonTempDialError(true),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(DefaultMaxRecvMsgSize),
			grpc.MaxCallSendMsgSize(DefaultMaxSendMsgSize),
		),
	}

	unary := cc.UnaryInterceptors
	stream := cc.StreamInterceptors
	if cc.Logger != nil {
		entry := log.NewEntry(cc.Logger)
		unary = append([]grpc.UnaryClientInterceptor{grpc_logrus.UnaryClientInterceptor(entry)}, unary...)
		stream = append([]grpc.StreamClientInterceptor{grpc_logrus.StreamClientInterceptor(entry)}, stream...)
	}
	if len(unary) > 0 {
		dialOpts = append(dialOpts, grpc.WithUnaryInterceptor(grpc_middleware.ChainUnaryClient(unary...)))
	}
	if len(stream) > 0 {
		dialOpts = append(dialOpts, grpc.WithStreamInterceptor(grpc_middleware.ChainStreamClient(stream...)))
	}

	return dialOpts
}
