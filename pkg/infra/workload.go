package infra

import (
	"bufio"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var (
	chs = []rune("qwertyuiopasdfghjklzxcvbnmQWERTYUIOPASDFGHJKLZXCVBNM1234567890!@#$%^&*()=")
)

// WorkloadGenerator produces the arguments of benchmark transactions. 'put'
// creates fresh accounts, 'conflict' moves money between accounts created
// by an earlier 'put' run
type WorkloadGenerator struct {
	config   BenchConfig
	logger   *log.Logger
	rand     *rand.Rand
	accounts []string
}

func NewWorkloadGenerator(config BenchConfig, logger *log.Logger) (*WorkloadGenerator, error) {
	seed := int64(config.Seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	wg := &WorkloadGenerator{
		config: config,
		logger: logger,
		rand:   rand.New(rand.NewSource(seed)),
	}

	if config.TxType == "conflict" {
		if err := wg.loadAccountsFromFile(); err != nil {
			return nil, err
		}
	}

	return wg, nil
}

// Generate creates config.TxNum elements and records them on disk
func (wg *WorkloadGenerator) Generate() ([]*Element, error) {
	elements := make([]*Element, wg.config.TxNum)
	for i := range elements {
		ccArgs := wg.generateCCArgs()
		elements[i] = &Element{
			Index:    i,
			Function: ccArgs[0],
			Args:     ccArgs[1:],
		}
	}

	if err := wg.writeArgsToFile(elements); err != nil {
		return nil, err
	}
	if wg.config.TxType == "put" {
		if err := wg.writeAccountsToFile(elements); err != nil {
			return nil, err
		}
	}

	return elements, nil
}

func (wg *WorkloadGenerator) loadAccountsFromFile() error {
	path := wg.config.AccountPath

	af, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "fail to open account file %s", path)
	}
	defer af.Close()

	input := bufio.NewScanner(af)
	for input.Scan() {
		wg.accounts = append(wg.accounts, input.Text())
	}
	if err = input.Err(); err != nil {
		return errors.Wrapf(err, "fail to read account file %s", path)
	}
	if len(wg.accounts) < 2 {
		return errors.Errorf("account file %s holds %d accounts, at least 2 are needed", path, len(wg.accounts))
	}

	hot := wg.hotAccountNumber()
	if wg.config.ConflictRatio > 0 && hot < 2 {
		return errors.Errorf("hot account ratio %f leaves %d hot accounts, at least 2 are needed", wg.config.HotAccountRatio, hot)
	}
	if wg.config.ConflictRatio < 1 && len(wg.accounts)-hot < 2 {
		return errors.Errorf("hot account ratio %f leaves %d cold accounts, at least 2 are needed", wg.config.HotAccountRatio, len(wg.accounts)-hot)
	}

	wg.logger.Infof("Load %d accounts from %s", len(wg.accounts), path)
	return nil
}

func (wg *WorkloadGenerator) generateCCArgs() []string {
	if wg.config.TxType == "conflict" {
		return wg.generateCCArgsConflict()
	}
	return wg.generateCCArgsPut()
}

func (wg *WorkloadGenerator) generateCCArgsPut() []string {
	var result []string

	id := wg.getName(64) // generate a random name for customer

	result = append(result, "CreateAccount")   // function name
	result = append(result, id)                // customer id
	result = append(result, id)                // customer name
	result = append(result, strconv.Itoa(1e9)) // savings balance
	result = append(result, strconv.Itoa(1e9)) // checking balance

	return result
}

func (wg *WorkloadGenerator) getName(n int) string {
	b := make([]rune, n)
	for i := range b {
		b[i] = chs[wg.rand.Intn(len(chs))]
	}
	return string(b)
}

func (wg *WorkloadGenerator) generateCCArgsConflict() []string {
	var result []string

	senderName, receiverName := wg.selectTwoDifferentAccounts()

	result = append(result, "SendPayment") // function name
	result = append(result, senderName)    // sender name
	result = append(result, receiverName)  // receiver name
	result = append(result, "1")           // amount

	return result
}

func (wg *WorkloadGenerator) selectTwoDifferentAccounts() (string, string) {
	senderName := wg.selectAccount()
	receiverName := wg.selectAccount()
	for senderName == receiverName {
		receiverName = wg.selectAccount()
	}

	return senderName, receiverName
}

func (wg *WorkloadGenerator) selectAccount() string {
	if wg.rand.Float64() < wg.config.ConflictRatio {
		return wg.selectHotAccount()
	}
	return wg.selectColdAccount()
}

func (wg *WorkloadGenerator) hotAccountNumber() int {
	return int(wg.config.HotAccountRatio * float64(len(wg.accounts)))
}

func (wg *WorkloadGenerator) selectHotAccount() string {
	return wg.accounts[wg.rand.Intn(wg.hotAccountNumber())]
}

func (wg *WorkloadGenerator) selectColdAccount() string {
	hotAccountNumber := wg.hotAccountNumber()
	coldAccountNumber := len(wg.accounts) - hotAccountNumber
	return wg.accounts[wg.rand.Intn(coldAccountNumber)+hotAccountNumber]
}

func (wg *WorkloadGenerator) writeArgsToFile(elements []*Element) error {
	path := wg.config.TransactionPath

	tf, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "fail to create file %s", path)
	}
	defer tf.Close()

	w := bufio.NewWriter(tf)
	for _, e := range elements {
		w.WriteString(strconv.Itoa(e.Index) + " " + e.Function + " " + strings.Join(e.Args, " ") + "\n")
	}
	return errors.Wrapf(w.Flush(), "fail to write file %s", path)
}

func (wg *WorkloadGenerator) writeAccountsToFile(elements []*Element) error {
	path := wg.config.AccountPath

	af, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "fail to create file %s", path)
	}
	defer af.Close()

	w := bufio.NewWriter(af)
	for _, e := range elements {
		// only record the account id
		w.WriteString(e.Args[0] + "\n")
	}
	return errors.Wrapf(w.Flush(), "fail to write file %s", path)
}
