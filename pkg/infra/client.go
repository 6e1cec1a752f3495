package infra

import (
	"sync"
	"time"

	"github.com/osdi23p228/fabtx/pkg/comm"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
)

const (
	MAX_TRY = 3
)

// Dialer opens one connection per node address and shares it between the
// endorser, deliver and broadcast clients of that node
type Dialer struct {
	timeout time.Duration
	logger  *log.Logger
	logGRPC bool
	metrics *Metrics

	mutex sync.Mutex
	conns map[string]*grpc.ClientConn
}

func NewDialer(timeout time.Duration, logGRPC bool, logger *log.Logger, metrics *Metrics) *Dialer {
	return &Dialer{
		timeout: timeout,
		logger:  logger,
		logGRPC: logGRPC,
		metrics: metrics,
		conns:   make(map[string]*grpc.ClientConn),
	}
}

func (d *Dialer) generateClientConfig(node Node) comm.ClientConfig {
	certs := collectTLSCACertsBytes(node)

	clientConfig := comm.ClientConfig{
		Timeout: d.timeout,
		SecOpts: comm.SecureOptions{
			UseTLS:             false,
			RequireClientCert:  false,
			ServerRootCAs:      certs,
			ServerNameOverride: node.ServerNameOverride,
		},
	}

	if len(certs) > 0 {
		clientConfig.SecOpts.UseTLS = true
		if len(node.TLSClientCertByte) > 0 && len(node.TLSClientKeyByte) > 0 {
			clientConfig.SecOpts.RequireClientCert = true
			clientConfig.SecOpts.Certificate = node.TLSClientCertByte
			clientConfig.SecOpts.Key = node.TLSClientKeyByte
		}
	}

	if d.logGRPC {
		clientConfig.Logger = d.logger
	}
	if d.metrics != nil {
		clientConfig.UnaryInterceptors = append(clientConfig.UnaryInterceptors, d.metrics.UnaryClientInterceptor())
	}

	return clientConfig
}

func collectTLSCACertsBytes(node Node) [][]byte {
	var certs [][]byte
	if node.TLSCACertByte != nil {
		certs = append(certs, node.TLSCACertByte)
	}
	return certs
}

// Dial returns the connection to the node, dialing it on first use. Dials
// to different nodes run concurrently
func (d *Dialer) Dial(node Node) (*grpc.ClientConn, error) {
	d.mutex.Lock()
	conn, ok := d.conns[node.Address]
	d.mutex.Unlock()
	if ok {
		return conn, nil
	}

	conn, err := d.dialConnection(node)
	if err != nil {
		return nil, err
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()
	if existing, ok := d.conns[node.Address]; ok {
		// dialed concurrently, keep the first connection
		conn.Close()
		return existing, nil
	}
	d.conns[node.Address] = conn
	return conn, nil
}

func (d *Dialer) dialConnection(node Node) (*grpc.ClientConn, error) {
	gRPCClient, err := comm.NewGRPCClient(d.generateClientConfig(node))
	if err != nil {
		return nil, errors.WithMessagef(err, "error connecting to %s", node.Address)
	}

	for i := 1; i <= MAX_TRY; i++ {
		var conn *grpc.ClientConn
		conn, err = gRPCClient.NewConnection(node.Address)
		if err == nil {
			return conn, nil
		}
		d.logger.Warnf("Attempt %d to dial %s failed: %v", i, node.Address, err)
	}
	return nil, errors.WithMessagef(err, "failed to dial %s", node.Address)
}

// Close closes every connection opened by the dialer
func (d *Dialer) Close() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	for address, conn := range d.conns {
		if err := conn.Close(); err != nil {
			d.logger.Warnf("Fail to close connection to %s: %v", address, err)
		}
		delete(d.conns, address)
	}
}
