package infra

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/osdi23p228/fabtx/pkg/invoke"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

const (
	CH_MAX_CAPACITY = 1e6

	resultValid   = "VALID"
	resultAborted = "ABORTED"
	resultFailed  = "FAILED"
)

// timedSender and timedCommitter stamp the phases of benchmark transactions
type timedSender struct {
	invoke.ProposalSender
	timeKeepers *TimeKeepers
}

func (s *timedSender) SendProposal(ctx context.Context, p *invoke.Proposal) ([]*invoke.Response, invoke.ProposalHandle, error) {
	responses, handle, err := s.ProposalSender.SendProposal(ctx, p)
	s.timeKeepers.keepEndorsedTime(p.TxID.ID)
	return responses, handle, err
}

type timedCommitter struct {
	invoke.Committer
	timeKeepers *TimeKeepers
}

func (c *timedCommitter) Commit(ctx context.Context, handle invoke.ProposalHandle, endorsements []*invoke.Response) (*invoke.CommitResult, error) {
	result, err := c.Committer.Commit(ctx, handle, endorsements)
	c.timeKeepers.keepBroadcastTime(handle.TransactionID())
	return result, err
}

// Process runs the benchmark described by the bench section of the
// configuration. When listen is set, metrics are served there in the
// Prometheus format for the duration of the run
func Process(config *Config, logger *log.Logger, listen string) error {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	if listen != "" {
		server := &http.Server{
			Addr:    listen,
			Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorf("Fail to serve metrics on %s: %v", listen, err)
			}
		}()
		defer server.Close()
	}

	generator, err := NewWorkloadGenerator(config.Bench, logger)
	if err != nil {
		return err
	}
	elements, err := generator.Generate()
	if err != nil {
		return err
	}

	conn, err := Connect(config, logger, metrics)
	if err != nil {
		return err
	}
	defer conn.Close()

	logCh := make(chan string, CH_MAX_CAPACITY)
	timeKeepers := NewTimeKeepers(len(elements), logCh)

	network, err := invoke.NewNetwork(
		config.Channel,
		config.Identity,
		&timedSender{ProposalSender: conn.Proposers, timeKeepers: timeKeepers},
		&timedCommitter{Committer: conn.Broadcasters, timeKeepers: timeKeepers},
		conn.Querier,
		conn.NetworkOptions()...,
	)
	if err != nil {
		return err
	}
	contract := network.ContractWithName(config.Chaincode, config.Contract)

	printWG := &sync.WaitGroup{}
	printWG.Add(1)
	logErrCh := make(chan error, 1)
	go func() {
		defer printWG.Done()
		logErrCh <- writeLinesToFile(config.Bench.LogPath, logCh)
	}()

	logger.Infof("Start sending %d transactions", len(elements))
	startTime := time.Now()

	elementCh := make(chan *Element, config.Bench.Burst)
	go NewInitiator(elements, config.Bench.Rate, config.Bench.Burst).StartSync(context.Background(), elementCh)

	submitWG := &sync.WaitGroup{}
	for i := 0; i < config.Bench.Workers; i++ {
		submitWG.Add(1)
		go func() {
			defer submitWG.Done()
			for e := range elementCh {
				submit(contract, e, timeKeepers, metrics, logger)
			}
		}()
	}
	submitWG.Wait()
	duration := time.Since(startTime)
	logger.Infof("Finish processing transactions")

	close(logCh)
	printWG.Wait()
	if err = <-logErrCh; err != nil {
		return err
	}

	reportCh := make(chan string)
	go func() {
		defer close(reportCh)
		for _, line := range report(timeKeepers, duration) {
			reportCh <- line
		}
	}()
	return writeLinesToFile(config.Bench.ReportPath, reportCh)
}

func submit(contract *invoke.Contract, e *Element, timeKeepers *TimeKeepers, metrics *Metrics, logger *log.Logger) {
	txn, err := contract.CreateTransaction(e.Function)
	if err != nil {
		logger.Errorf("Fail to create transaction %d: %v", e.Index, err)
		timeKeepers.keepObservedTime(e.Index, "", resultFailed)
		metrics.Transactions.WithLabelValues(resultFailed).Inc()
		return
	}
	e.Txid = txn.TransactionID()

	args := make([]interface{}, len(e.Args))
	for i, arg := range e.Args {
		args[i] = arg
	}

	timeKeepers.keepProposedTime(e.Index, e.Txid)
	start := time.Now()
	_, err = txn.Submit(context.Background(), args...)
	result := classifyResult(err)
	if err != nil {
		logger.Debugf("Transaction %s: %v", e.Txid, err)
	}
	timeKeepers.keepObservedTime(e.Index, e.Txid, result)

	metrics.Transactions.WithLabelValues(result).Inc()
	if result == resultValid {
		metrics.SubmitDuration.Observe(time.Since(start).Seconds())
	}
}

// classifyResult tells aborted transactions, rejected by ordering or
// validation, apart from ones that failed to get there
func classifyResult(err error) string {
	if err == nil {
		return resultValid
	}

	var rejected *invoke.CommitRejectedError
	if errors.As(err, &rejected) {
		return resultAborted
	}
	var confirmation *invoke.ConfirmationError
	if errors.As(err, &confirmation) && confirmation.Timeout == 0 && confirmation.Cause == nil {
		return resultAborted
	}
	return resultFailed
}

// report summarizes the run: counts, throughput, latency percentiles and
// the phase breakdown of every transaction
func report(tks *TimeKeepers, duration time.Duration) []string {
	var lines []string
	txNum := len(tks.transactions)
	count := map[string]int{}
	for _, tk := range tks.transactions {
		count[tk.Result]++
	}

	lines = append(lines, fmt.Sprintf("ALL Transactions: %d", txNum))
	lines = append(lines, fmt.Sprintf("VALID Transactions: %d", count[resultValid]))
	lines = append(lines, fmt.Sprintf("ABORTED Transactions: %d", count[resultAborted]))
	lines = append(lines, fmt.Sprintf("FAILED Transactions: %d", count[resultFailed]))
	lines = append(lines, fmt.Sprintf("Duration: %.3fs", float64(duration.Milliseconds())/float64(1e3)))
	lines = append(lines, fmt.Sprintf("TPS: %.3f", float64(txNum)*1e9/float64(duration.Nanoseconds())))
	lines = append(lines, fmt.Sprintf("Effective TPS: %.3f", float64(count[resultValid])*1e9/float64(duration.Nanoseconds())))
	if txNum > 0 {
		lines = append(lines, fmt.Sprintf("Abort Rate: %.3f%%", float64(count[resultAborted])/float64(txNum)*100))
	}
	lines = append(lines, fmt.Sprintf("Average Commit Latency: %.3fs", tks.getAverageTotalLatency()))
	lines = append(lines, fmt.Sprintf("Average Endorse Latency: %.3fs", tks.getAverageEndorseLatency()))
	lines = append(lines, fmt.Sprintf("Average Order&Commit Latency: %.3fs", tks.getAverageOrderCommitLatency()))

	percentiles := []int{50, 55, 60, 65, 70, 75, 80, 85, 90, 91, 92, 93, 94, 95, 96, 97, 98, 99, 100}
	for _, i := range percentiles {
		lines = append(lines, fmt.Sprintf("Commit Latency [%d%%]: %.3fs", i, tks.getCommitLatencyOfPercentile(i)))
	}

	lines = append(lines, "id    endorse(ms) integrate(ms) order&commit(ms) result")
	for i, tk := range tks.transactions {
		lines = append(lines, fmt.Sprintf("%-5d %11.2f %13.2f %16.2f %s",
			i,
			phaseMillis(tk.ProposedTime, tk.EndorsedTime),
			phaseMillis(tk.EndorsedTime, tk.BroadcastTime),
			phaseMillis(tk.BroadcastTime, tk.ObservedTime),
			tk.Result,
		))
	}

	return lines
}

func phaseMillis(start, end int64) float64 {
	if start == 0 || end < start {
		return 0.0
	}
	return float64(end-start) / float64(1e6)
}

// writeLinesToFile writes every line received until the channel is closed
func writeLinesToFile(path string, lines <-chan string) error {
	f, err := os.Create(path)
	if err != nil {
		for range lines {
		}
		return errors.Wrapf(err, "fail to create file %s", path)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for s := range lines {
		w.WriteString(s + "\n")
	}
	return errors.Wrapf(w.Flush(), "fail to write file %s", path)
}
