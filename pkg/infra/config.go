package infra

import (
	"os"
	"time"

	"github.com/osdi23p228/fabtx/pkg/invoke"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

var (
	itemNotProvidedError = errors.New("No such item")
)

type Node struct {
	Address            string `yaml:"address"`
	MSPID              string `yaml:"mspid"`
	ServerNameOverride string `yaml:"serverNameOverride"`
	TLSCACert          string `yaml:"tlsCACert"`     // CA verifying the node's certificate
	TLSClientCert      string `yaml:"tlsClientCert"` // client certificate for mutual TLS
	TLSClientKey       string `yaml:"tlsClientKey"`  // client key for mutual TLS
	TLSCACertByte      []byte `yaml:"-"`
	TLSClientCertByte  []byte `yaml:"-"`
	TLSClientKeyByte   []byte `yaml:"-"`
}

type Config struct {
	// Network
	Endorsers  []Node `yaml:"endorsers"`  // peers proposals are sent to
	Committers []Node `yaml:"committers"` // peers commit events are observed from
	Orderers   []Node `yaml:"orderers"`   // orderers, tried in order
	Channel    string `yaml:"channel"`    // name of the channel to be operated on

	// Chaincode
	Chaincode string `yaml:"chaincode"` // chaincode name
	Contract  string `yaml:"contract"`  // contract name within the chaincode, optional

	// Client identity
	MSPID      string  `yaml:"mspid"`      // the MSP the client belongs
	PrivateKey string  `yaml:"privateKey"` // client's private key
	SignCert   string  `yaml:"signCert"`   // client's certificate
	Identity   *Crypto `yaml:"-"`          // client's identity

	CommitStrategy string        `yaml:"commitStrategy"` // none, orgAll, orgAny, networkAll, networkAny
	CommitTimeout  time.Duration `yaml:"commitTimeout"`  // maximum time to wait for commit events
	DialTimeout    time.Duration `yaml:"dialTimeout"`    // maximum time to establish a connection

	// If true, log the read set and write set of endorsed transactions
	CheckRWSet bool `yaml:"checkRWSet"`

	// If true, log every gRPC call
	LogGRPC bool `yaml:"logGRPC"`

	Bench BenchConfig `yaml:"bench"`
}

type BenchConfig struct {
	Rate  int `yaml:"rate"`  // average speed of transaction generation
	Burst int `yaml:"burst"` // maximum speed of transaction generation

	TxNum           int     `yaml:"txNum"`           // number of transactions
	TxType          string  `yaml:"txType"`          // transaction type ['put', 'conflict']
	Workers         int     `yaml:"workers"`         // number of concurrent submitters
	HotAccountRatio float64 `yaml:"hotAccountRatio"` // percentage of hot accounts
	ConflictRatio   float64 `yaml:"conflictRatio"`   // percentage of conflict

	AccountPath     string `yaml:"accountPath"`     // accounts created by 'put', read by 'conflict'
	TransactionPath string `yaml:"transactionPath"` // generated transaction arguments
	LogPath         string `yaml:"logPath"`         // path of the log file
	ReportPath      string `yaml:"reportPath"`      // path of the report file

	Seed int `yaml:"seed"` // random seed
}

func (c *Config) loadRawConfigFromFile(filename string) error {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrapf(err, "fail to load %s", filename)
	}

	if err = yaml.Unmarshal(raw, c); err != nil {
		return errors.Wrapf(err, "fail to unmarshal %s", filename)
	}
	return nil
}

func (c *Config) loadNodeConfig() error {
	for _, nodes := range [][]Node{c.Endorsers, c.Committers, c.Orderers} {
		for i := range nodes {
			if err := nodes[i].loadConfig(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.CommitStrategy == "" {
		c.CommitStrategy = invoke.StrategyNetworkAll.String()
	}
	if c.CommitTimeout == 0 {
		c.CommitTimeout = invoke.DefaultCommitTimeout
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 30 * time.Second
	}

	b := &c.Bench
	if b.Burst == 0 {
		b.Burst = 1000
	}
	if b.Workers == 0 {
		b.Workers = 1
	}
	if b.TxType == "" {
		b.TxType = "put"
	}
	if b.AccountPath == "" {
		b.AccountPath = "ACCOUNTS.txt"
	}
	if b.TransactionPath == "" {
		b.TransactionPath = "TRANSACTIONS.txt"
	}
	if b.LogPath == "" {
		b.LogPath = "log.txt"
	}
	if b.ReportPath == "" {
		b.ReportPath = "report.txt"
	}
}

func (c *Config) validate() error {
	if c.Channel == "" {
		return errors.New("channel is not specified")
	}
	if c.Chaincode == "" {
		return errors.New("chaincode is not specified")
	}
	if len(c.Endorsers) == 0 {
		return errors.New("at least one endorser is required")
	}
	if len(c.Orderers) == 0 {
		return errors.New("at least one orderer is required")
	}
	if _, err := invoke.ParseStrategyKind(c.CommitStrategy); err != nil {
		return err
	}
	if c.CommitTimeout < 0 {
		return errors.Errorf("commit timeout %s is negative", c.CommitTimeout)
	}

	b := &c.Bench
	if b.Rate < 0 {
		return errors.Errorf("rate %d is not a zero (unlimited) or positive number", b.Rate)
	}
	if b.Burst < 1 {
		return errors.Errorf("burst %d is not greater than 1", b.Burst)
	}
	if b.Rate > b.Burst {
		b.Rate = b.Burst
	}
	if b.Workers < 1 {
		return errors.Errorf("workers %d is not a positive number", b.Workers)
	}
	if b.TxType != "put" && b.TxType != "conflict" {
		return errors.Errorf("unknown transaction type %s", b.TxType)
	}
	if b.ConflictRatio < 0 || b.ConflictRatio > 1 {
		return errors.Errorf("conflict ratio %f is not within the range of [0, 1]", b.ConflictRatio)
	}
	if b.HotAccountRatio < 0 || b.HotAccountRatio > 1 {
		return errors.Errorf("hot account ratio %f is not within the range of [0, 1]", b.HotAccountRatio)
	}

	return nil
}

// LoadConfigFromFile reads the YAML configuration, the TLS material of every
// node and the client identity it refers to
func LoadConfigFromFile(filename string) (*Config, error) {
	c := &Config{}

	if err := c.loadRawConfigFromFile(filename); err != nil {
		return nil, err
	}
	c.setDefaults()
	if err := c.validate(); err != nil {
		return nil, errors.WithMessagef(err, "invalid config %s", filename)
	}
	if err := c.loadNodeConfig(); err != nil {
		return nil, err
	}
	if err := c.loadClientIdentity(); err != nil {
		return nil, err
	}

	return c, nil
}

// StrategyKind returns the configured commit strategy
func (c *Config) StrategyKind() invoke.StrategyKind {
	kind, _ := invoke.ParseStrategyKind(c.CommitStrategy)
	return kind
}

// loadClientIdentity loads the client specified in the configuration file
func (c *Config) loadClientIdentity() error {
	identity, err := LoadCrypto(CryptoConfig{
		MSPID:    c.MSPID,
		PrivKey:  c.PrivateKey,
		SignCert: c.SignCert,
	})
	if err != nil {
		return err
	}
	c.Identity = identity
	return nil
}

func GetTLSCACerts(file string) ([]byte, error) {
	if file == "" {
		return nil, itemNotProvidedError
	}

	in, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.Wrapf(err, "fail to load %s", file)
	}

	return in, nil
}

func (n *Node) loadConfig() error {
	certByte, err := GetTLSCACerts(n.TLSCACert)
	if err != nil && err != itemNotProvidedError {
		return errors.WithMessagef(err, "fail to load TLS CA Cert of %s", n.Address)
	}

	clientCertByte, err := GetTLSCACerts(n.TLSClientCert)
	if err != nil && err != itemNotProvidedError {
		return errors.WithMessagef(err, "fail to load TLS client cert of %s", n.Address)
	}

	clientKeyByte, err := GetTLSCACerts(n.TLSClientKey)
	if err != nil && err != itemNotProvidedError {
		return errors.WithMessagef(err, "fail to load TLS client key of %s", n.Address)
	}

	n.TLSCACertByte = certByte
	n.TLSClientCertByte = clientCertByte
	n.TLSClientKeyByte = clientKeyByte
	return nil
}

// Endpoint identifies the node in commit events and endorsement responses
func (n *Node) Endpoint() invoke.Endpoint {
	return invoke.Endpoint{Address: n.Address, MSPID: n.MSPID}
}
