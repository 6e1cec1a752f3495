package infra

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

const namespace = "fabtx"

// Metrics counts what happens on the wire and to the transactions driven
// through it
type Metrics struct {
	Endorsements   *prometheus.CounterVec
	Broadcasts     *prometheus.CounterVec
	CommitEvents   *prometheus.CounterVec
	Transactions   *prometheus.CounterVec
	SubmitDuration prometheus.Histogram
	GRPCDuration   *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them. A nil registerer
// leaves them unregistered
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Endorsements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "endorsements_total",
			Help:      "Proposal responses received, by endorser and outcome.",
		}, []string{"endorser", "result"}),
		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Envelopes sent to orderers, by orderer and status.",
		}, []string{"orderer", "status"}),
		CommitEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commit_events_total",
			Help:      "Transaction status events observed, by peer and validation code.",
		}, []string{"peer", "code"}),
		Transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Submitted transactions, by result.",
		}, []string{"result"}),
		SubmitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "submit_duration_seconds",
			Help:      "Time from proposal to commit confirmation.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		GRPCDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "grpc_client_duration_seconds",
			Help:      "Latency of unary gRPC calls, by method and code.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "code"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Endorsements,
			m.Broadcasts,
			m.CommitEvents,
			m.Transactions,
			m.SubmitDuration,
			m.GRPCDuration,
		)
	}
	return m
}

// UnaryClientInterceptor observes the latency and result code of every unary call
func (m *Metrics) UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		start := time.Now()
		err := invoker(ctx, method, req, reply, cc, opts...)
		m.GRPCDuration.WithLabelValues(method, status.Code(err).String()).Observe(time.Since(start).Seconds())
		return err
	}
}
