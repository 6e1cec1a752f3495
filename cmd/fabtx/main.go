package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/osdi23p228/fabtx/pkg/infra"
	"github.com/osdi23p228/fabtx/pkg/invoke"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"
)

var (
	fullCmd string
)

var (
	app        = kingpin.New("fabtx", "A transaction client for Hyperledger Fabric")
	configFile = app.Flag("config", "Path of config file").Short('c').String()

	submitCmd       = app.Command("submit", "Submit a transaction and wait for it to be committed")
	submitFunction  = submitCmd.Flag("function", "Transaction function name").Required().Short('f').String()
	submitTransient = submitCmd.Flag("transient", "Transient data as key=value, repeatable").Short('t').StringMap()
	submitArgs      = submitCmd.Arg("args", "Transaction arguments").Strings()

	evaluateCmd      = app.Command("evaluate", "Evaluate a transaction on a single peer")
	evaluateFunction = evaluateCmd.Flag("function", "Transaction function name").Required().Short('f').String()
	evaluateArgs     = evaluateCmd.Arg("args", "Transaction arguments").Strings()

	benchCmd    = app.Command("bench", "Run a benchmark with generated transactions")
	benchListen = benchCmd.Flag("listen", "Address to serve Prometheus metrics on").String()

	version = app.Command("version", "Show version information")
)

func setLogLevel(logger *log.Logger) {
	logger.SetLevel(log.InfoLevel)
	if value, ok := os.LookupEnv("FABTX_LOGLEVEL"); ok {
		if level, err := log.ParseLevel(value); err == nil {
			logger.SetLevel(level)
		}
	}
}

func getLogger() *log.Logger {
	logger := log.New()
	logger.SetOutput(os.Stderr)
	setLogLevel(logger)
	return logger
}

func getConfig() (*infra.Config, error) {
	if *configFile == "" {
		return nil, errors.New("required flag --config not provided")
	}
	config, err := infra.LoadConfigFromFile(*configFile)
	if err != nil {
		return nil, errors.WithMessage(err, "fail to load config")
	}
	return config, nil
}

// getContract connects to the network of the configuration
func getContract(logger *log.Logger) (*invoke.Contract, func(), error) {
	config, err := getConfig()
	if err != nil {
		return nil, nil, err
	}

	conn, err := infra.Connect(config, logger, nil)
	if err != nil {
		return nil, nil, err
	}

	network, err := conn.Network()
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return network.ContractWithName(config.Chaincode, config.Contract), conn.Close, nil
}

func toInterfaces(args []string) []interface{} {
	result := make([]interface{}, len(args))
	for i, arg := range args {
		result[i] = arg
	}
	return result
}

func toTransient(m map[string]string) map[string][]byte {
	if len(m) == 0 {
		return nil
	}
	result := make(map[string][]byte, len(m))
	for k, v := range m {
		result[k] = []byte(v)
	}
	return result
}

func submit(logger *log.Logger) error {
	contract, closer, err := getContract(logger)
	if err != nil {
		return err
	}
	defer closer()

	txn, err := contract.CreateTransaction(*submitFunction, invoke.WithTransient(toTransient(*submitTransient)))
	if err != nil {
		return err
	}
	logger.Infof("Submitting transaction %s", txn.TransactionID())

	result, err := txn.Submit(context.Background(), toInterfaces(*submitArgs)...)
	if err != nil {
		return err
	}
	fmt.Println(string(result))
	return nil
}

func evaluate(logger *log.Logger) error {
	contract, closer, err := getContract(logger)
	if err != nil {
		return err
	}
	defer closer()

	result, err := contract.EvaluateTransaction(context.Background(), *evaluateFunction, *evaluateArgs...)
	if err != nil {
		return err
	}
	fmt.Println(string(result))
	return nil
}

func bench(logger *log.Logger) error {
	config, err := getConfig()
	if err != nil {
		return err
	}
	return infra.Process(config, logger, *benchListen)
}

func main() {
	var err error
	logger := getLogger()

	fullCmd = kingpin.MustParse(app.Parse(os.Args[1:]))
	switch fullCmd {
	case submitCmd.FullCommand():
		err = submit(logger)
	case evaluateCmd.FullCommand():
		err = evaluate(logger)
	case benchCmd.FullCommand():
		err = bench(logger)
	case version.FullCommand():
		fmt.Print(infra.GetVersionInfo())
	default:
		err = errors.Errorf("Invalid command: %s", fullCmd)
	}

	if err != nil {
		logger.Errorln(strings.TrimSpace(err.Error()))
		os.Exit(1)
	}
	os.Exit(0)
}
