package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	Namespace = "linkbench"

	// Metrics names.
	MetricNameBuildInfo        = Namespace + "_build_info"
	MetricNameErrors           = Namespace + "_errors_total"
	MetricNameSamplesRecorded  = Namespace + "_samples_recorded_total"
	MetricNameSamplesDropped   = Namespace + "_samples_dropped_total"
	MetricNameSamplesDiscarded = Namespace + "_samples_discarded_total"
	MetricNameRetryAttempts    = Namespace + "_retry_attempts_total"
	MetricNameRetryOutcomes    = Namespace + "_retry_outcomes_total"
	MetricNameLatency          = Namespace + "_latency_seconds"
	MetricNamePublished        = Namespace + "_published_total"
	MetricNameReflected        = Namespace + "_reflected_total"
	MetricNameLateReplies      = Namespace + "_late_replies_total"

	// Labels.
	LabelVersion     = "version"
	LabelCommit      = "commit"
	LabelDate        = "date"
	LabelErrorType   = "error_type"
	LabelChannel     = "channel"
	LabelSymbol      = "symbol"
	LabelMeasurement = "measurement"
	LabelOutcome     = "outcome"
	LabelTransport   = "transport"

	// Error types.
	ErrorTypeTransportOpen    = "transport_open"
	ErrorTypeTerminal         = "terminal"
	ErrorTypeIntegrity        = "integrity"
	ErrorTypeNegativeLatency  = "negative_latency"
	ErrorTypeReportWrite      = "report_write"
	ErrorTypeInfluxWrite      = "influx_write"
	ErrorTypeMetricsServer    = "metrics_server"
	ErrorTypePublish          = "publish"
	ErrorTypeMeasurementMixed = "measurement_mixed"
	ErrorTypeUnsolicitedReply = "unsolicited_reply"
	ErrorTypeOverflow         = "subscription_overflow"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: MetricNameBuildInfo,
			Help: "Build information of linkbench",
		},
		[]string{LabelVersion, LabelCommit, LabelDate},
	)

	Errors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameErrors,
			Help: "Number of errors encountered",
		},
		[]string{LabelErrorType},
	)

	SamplesRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameSamplesRecorded,
			Help: "Number of latency samples recorded",
		},
		[]string{LabelChannel, LabelSymbol},
	)

	SamplesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameSamplesDropped,
			Help: "Number of samples dropped after the retry budget was exhausted",
		},
		[]string{LabelChannel, LabelSymbol},
	)

	SamplesDiscarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameSamplesDiscarded,
			Help: "Number of samples discarded for failing integrity checks",
		},
		[]string{LabelChannel, LabelSymbol},
	)

	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameRetryAttempts,
			Help: "Number of transport attempts made under the retry policy",
		},
		[]string{LabelChannel},
	)

	RetryOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameRetryOutcomes,
			Help: "Number of retried operations by final state",
		},
		[]string{LabelChannel, LabelOutcome},
	)

	Latency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    MetricNameLatency,
			Help:    "Recorded sample latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 22),
		},
		[]string{LabelChannel, LabelMeasurement},
	)

	Published = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNamePublished,
			Help: "Number of synthetic publications sent",
		},
		[]string{LabelTransport},
	)

	Reflected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameReflected,
			Help: "Number of requests answered by the responder",
		},
		[]string{LabelTransport},
	)

	LateReplies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameLateReplies,
			Help: "Number of replies that arrived after their request was abandoned",
		},
		[]string{LabelTransport},
	)
)
