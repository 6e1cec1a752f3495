package infra

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// TimeKeepers records when each benchmark transaction went through each
// phase and derives the latency figures of the report
type TimeKeepers struct {
	transactions        []*TimeKeeper
	logCh               chan<- string
	commitLatencySorted []int64

	mutex   sync.Mutex
	txid2id map[string]int
}

type TimeKeeper struct {
	ProposedTime  int64
	EndorsedTime  int64
	BroadcastTime int64
	ObservedTime  int64
	Result        string
}

func NewTimeKeepers(txNum int, logCh chan<- string) *TimeKeepers {
	tks := &TimeKeepers{
		transactions: make([]*TimeKeeper, txNum),
		logCh:        logCh,
		txid2id:      make(map[string]int, txNum),
	}
	for i := range tks.transactions {
		tks.transactions[i] = &TimeKeeper{}
	}
	return tks
}

func (tks *TimeKeepers) lookup(txid string) (int, bool) {
	tks.mutex.Lock()
	defer tks.mutex.Unlock()
	id, ok := tks.txid2id[txid]
	return id, ok
}

func (tks *TimeKeepers) keepProposedTime(id int, txid string) {
	proposedTime := time.Now().UnixNano()

	tks.mutex.Lock()
	tks.txid2id[txid] = id
	tks.mutex.Unlock()

	tks.logCh <- fmt.Sprintf("%-10s %d %4d %s", "Proposed", proposedTime, id, txid)
	tks.transactions[id].ProposedTime = proposedTime
}

func (tks *TimeKeepers) keepEndorsedTime(txid string) {
	endorsedTime := time.Now().UnixNano()

	id, ok := tks.lookup(txid)
	if !ok {
		return
	}
	tks.logCh <- fmt.Sprintf("%-10s %d %4d %s", "Endorsed", endorsedTime, id, txid)
	tks.transactions[id].EndorsedTime = endorsedTime
}

func (tks *TimeKeepers) keepBroadcastTime(txid string) {
	broadcastTime := time.Now().UnixNano()

	id, ok := tks.lookup(txid)
	if !ok {
		return
	}
	tks.logCh <- fmt.Sprintf("%-10s %d %4d %s", "Broadcast", broadcastTime, id, txid)
	tks.transactions[id].BroadcastTime = broadcastTime
}

func (tks *TimeKeepers) keepObservedTime(id int, txid string, result string) {
	observedTime := time.Now().UnixNano()

	tks.logCh <- fmt.Sprintf("%-10s %d %4d %s %s", "Observed", observedTime, id, txid, result)
	tks.transactions[id].ObservedTime = observedTime
	tks.transactions[id].Result = result
}

// latencies returns one value per transaction that reached both phases
func (tks *TimeKeepers) latencies(from, to func(*TimeKeeper) int64) []int64 {
	var result []int64
	for _, tk := range tks.transactions {
		start, end := from(tk), to(tk)
		if start == 0 || end == 0 {
			continue
		}
		result = append(result, end-start)
	}
	return result
}

func proposed(tk *TimeKeeper) int64  { return tk.ProposedTime }
func endorsed(tk *TimeKeeper) int64  { return tk.EndorsedTime }
func broadcast(tk *TimeKeeper) int64 { return tk.BroadcastTime }
func observed(tk *TimeKeeper) int64  { return tk.ObservedTime }

func (tks *TimeKeepers) getAverageTotalLatency() float64 {
	return getAverageLatencyFromSlice(tks.latencies(proposed, observed))
}

func (tks *TimeKeepers) getAverageEndorseLatency() float64 {
	return getAverageLatencyFromSlice(tks.latencies(proposed, endorsed))
}

func (tks *TimeKeepers) getAverageOrderCommitLatency() float64 {
	return getAverageLatencyFromSlice(tks.latencies(broadcast, observed))
}

func getAverageLatencyFromSlice(slice []int64) float64 {
	if len(slice) == 0 {
		return 0
	}
	var result int64 = 0
	for _, cl := range slice {
		result += cl
	}
	return float64(result) / float64(len(slice)) / 1e9
}

func (tks *TimeKeepers) getCommitLatencyOfPercentile(p int) float64 {
	if tks.commitLatencySorted == nil {
		tks.sortCommitLatency()
	}
	if len(tks.commitLatencySorted) == 0 {
		return 0
	}

	index := int(float64(p) / 100.0 * float64(len(tks.commitLatencySorted)))
	if index < 0 {
		index = 0
	} else if index >= len(tks.commitLatencySorted) {
		index = len(tks.commitLatencySorted) - 1
	}

	return float64(tks.commitLatencySorted[index]) / 1e9
}

func (tks *TimeKeepers) sortCommitLatency() {
	tks.commitLatencySorted = tks.latencies(proposed, observed)
	sort.Slice(
		tks.commitLatencySorted,
		func(i, j int) bool {
			return tks.commitLatencySorted[i] < tks.commitLatencySorted[j]
		},
	)
}
