package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	JournalEntriesWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journal_entries_written_total",
			Help: "Total number of envelopes written to the durable queue (count)",
		},
		[]string{"backend", "status"},
	)

	JournalWriteBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "journal_write_bytes",
			Help:    "Encoded size of envelopes written to the durable queue in bytes",
			Buckets: []float64{100, 500, 1000, 5000, 10000, 50000, 100000, 500000},
		},
		[]string{"backend"},
	)

	JournalWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "journal_write_duration_ms",
			Help:    "Duration of durable queue batch writes in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		},
		[]string{"backend"},
	)

	JournalEntriesReadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journal_entries_read_total",
			Help: "Total number of entries polled from the durable queue (count)",
		},
		[]string{"backend"},
	)

	JournalReadBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "journal_read_bytes",
			Help:    "Size of entries polled from the durable queue in bytes",
			Buckets: []float64{100, 500, 1000, 5000, 10000, 50000, 100000, 500000},
		},
		[]string{"backend"},
	)

	JournalPollDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "journal_poll_duration_ms",
			Help:    "Duration of durable queue polls in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		},
		[]string{"backend"},
	)

	JournalCommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journal_commits_total",
			Help: "Total number of commit requests against the durable queue (count)",
		},
		[]string{"backend", "status"},
	)

	JournalPoisonEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journal_poison_entries_total",
			Help: "Total number of entries that could not be turned into envelopes (count)",
		},
		[]string{"backend"},
	)

	MessagesDecodedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decoded_messages_total",
			Help: "Total number of messages produced by codecs (count)",
		},
		[]string{"codec"},
	)

	DecodeFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decode_failures_total",
			Help: "Total number of envelopes that failed to decode (count)",
		},
		[]string{"codec", "reason"},
	)

	IncompleteMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incomplete_messages_total",
			Help: "Total number of decoded messages dropped for missing required fields (count)",
		},
		[]string{"codec"},
	)

	DecodeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "decode_duration_ms",
			Help:    "Duration of envelope decoding in milliseconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 25, 50, 100},
		},
		[]string{"codec"},
	)

	MessagesProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "processed_messages_total",
			Help: "Total number of messages forwarded to the output stage (count)",
		},
		[]string{"stream"},
	)

	MessagesFilteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filtered_messages_total",
			Help: "Total number of messages dropped by processors (count)",
		},
		[]string{"processor"},
	)

	ProcessorErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "processor_errors_total",
			Help: "Total number of processor failures (count)",
		},
		[]string{"processor"},
	)

	ProcessorDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "processor_duration_ms",
			Help:    "Processor chain duration in milliseconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 25, 50, 100, 250},
		},
		[]string{"processor"},
	)

	FallbackUsageTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fallback_usage_total",
			Help: "Total number of times fallback strategies were used (count)",
		},
		[]string{"processor", "strategy", "reason"},
	)

	OutputInsertedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "output_inserted_total",
			Help: "Total number of messages written by the output sink (count)",
		},
		[]string{"sink", "status"},
	)

	OutputBlockedDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "output_blocked_duration_ms",
			Help:    "Time InsertBlocking spent waiting for buffer space in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		},
	)

	OutputBufferSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "output_buffer_size",
			Help: "Current number of messages waiting in the output buffer (count)",
		},
	)

	BatchFlushSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "batch_flush_size",
			Help:    "Number of items handed to a batch flush (count)",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
		},
		[]string{"aggregator"},
	)

	BatchFlushFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_flush_failures_total",
			Help: "Total number of batch flushes that returned an error or panicked (count)",
		},
		[]string{"aggregator"},
	)

	SequenceWrapsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sequence_wraps_total",
			Help: "Total number of arrival sequence counter wraparounds (count)",
		},
		[]string{"input"},
	)

	SequenceFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sequence_failures_total",
			Help: "Total number of envelopes dropped because a message id could not be assigned (count)",
		},
		[]string{"input"},
	)

	AdmissionPaused = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "admission_paused",
			Help: "Whether the reader is currently held back by backpressure (0 or 1)",
		},
	)

	IntakeQueueSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "intake_queue_size",
			Help: "Current size of the pipeline intake queue (count)",
		},
	)

	InputPacketsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "input_packets_total",
			Help: "Total number of packets received by network inputs (count)",
		},
		[]string{"input", "status"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	KafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag (difference between latest offset and committed offset) (count)",
		},
		[]string{"topic", "partition"},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total number of retry attempts (count)",
		},
		[]string{"operation"},
	)
)

var registerOnce sync.Once

func RegisterJournalMetrics() {
	prometheus.MustRegister(JournalEntriesWrittenTotal)
	prometheus.MustRegister(JournalWriteBytes)
	prometheus.MustRegister(JournalWriteDuration)
	prometheus.MustRegister(JournalEntriesReadTotal)
	prometheus.MustRegister(JournalReadBytes)
	prometheus.MustRegister(JournalPollDuration)
	prometheus.MustRegister(JournalCommitsTotal)
	prometheus.MustRegister(JournalPoisonEntriesTotal)
	prometheus.MustRegister(KafkaConsumerLag)
	prometheus.MustRegister(RetryAttemptsTotal)
}

func RegisterPipelineMetrics() {
	prometheus.MustRegister(MessagesDecodedTotal)
	prometheus.MustRegister(DecodeFailuresTotal)
	prometheus.MustRegister(IncompleteMessagesTotal)
	prometheus.MustRegister(DecodeDuration)
	prometheus.MustRegister(MessagesProcessedTotal)
	prometheus.MustRegister(MessagesFilteredTotal)
	prometheus.MustRegister(ProcessorErrorsTotal)
	prometheus.MustRegister(ProcessorDuration)
	prometheus.MustRegister(FallbackUsageTotal)
	prometheus.MustRegister(SequenceWrapsTotal)
	prometheus.MustRegister(SequenceFailuresTotal)
	prometheus.MustRegister(IntakeQueueSize)
	prometheus.MustRegister(InputPacketsTotal)
}

func RegisterOutputMetrics() {
	prometheus.MustRegister(OutputInsertedTotal)
	prometheus.MustRegister(OutputBlockedDuration)
	prometheus.MustRegister(OutputBufferSize)
	prometheus.MustRegister(BatchFlushSize)
	prometheus.MustRegister(BatchFlushFailuresTotal)
	prometheus.MustRegister(AdmissionPaused)
}

func RegisterCircuitBreakerMetrics() {
	prometheus.MustRegister(CircuitBreakerState)
	prometheus.MustRegister(CircuitBreakerRequests)
	prometheus.MustRegister(CircuitBreakerFailures)
}

// RegisterAll registers every collector with the default registry. Safe to
// call more than once.
func RegisterAll() {
	registerOnce.Do(func() {
		RegisterJournalMetrics()
		RegisterPipelineMetrics()
		RegisterOutputMetrics()
		RegisterCircuitBreakerMetrics()
	})
}

func ObserveJournalWrite(backend string, entries int, sizeBytes int, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	JournalEntriesWrittenTotal.WithLabelValues(backend, status).Add(float64(entries))
	JournalWriteDuration.WithLabelValues(backend).Observe(float64(duration.Milliseconds()))
	if err == nil && entries > 0 {
		JournalWriteBytes.WithLabelValues(backend).Observe(float64(sizeBytes) / float64(entries))
	}
}

func ObserveJournalPoll(backend string, entries int, sizeBytes int, duration time.Duration) {
	JournalPollDuration.WithLabelValues(backend).Observe(float64(duration.Milliseconds()))
	if entries == 0 {
		return
	}
	JournalEntriesReadTotal.WithLabelValues(backend).Add(float64(entries))
	JournalReadBytes.WithLabelValues(backend).Observe(float64(sizeBytes) / float64(entries))
}

func IncJournalCommit(backend string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	JournalCommitsTotal.WithLabelValues(backend, status).Inc()
}

func IncJournalPoison(backend string) {
	JournalPoisonEntriesTotal.WithLabelValues(backend).Inc()
}

func AddDecoded(codec string, count int) {
	MessagesDecodedTotal.WithLabelValues(codec).Add(float64(count))
}

func IncDecodeFailure(codec, reason string) {
	DecodeFailuresTotal.WithLabelValues(codec, reason).Inc()
}

func IncIncomplete(codec string) {
	IncompleteMessagesTotal.WithLabelValues(codec).Inc()
}

func ObserveDecodeDuration(codec string, duration time.Duration) {
	DecodeDuration.WithLabelValues(codec).Observe(float64(duration.Microseconds()) / 1000)
}

func IncProcessed(stream string) {
	MessagesProcessedTotal.WithLabelValues(stream).Inc()
}

func IncFiltered(processor string) {
	MessagesFilteredTotal.WithLabelValues(processor).Inc()
}

func IncProcessorError(processor string) {
	ProcessorErrorsTotal.WithLabelValues(processor).Inc()
}

func ObserveProcessorDuration(processor string, duration time.Duration) {
	ProcessorDuration.WithLabelValues(processor).Observe(float64(duration.Microseconds()) / 1000)
}

func IncFallbackUsage(processor, strategy, reason string) {
	FallbackUsageTotal.WithLabelValues(processor, strategy, reason).Inc()
}

func AddOutputInserted(sink string, count int, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	OutputInsertedTotal.WithLabelValues(sink, status).Add(float64(count))
}

func ObserveOutputBlocked(duration time.Duration) {
	OutputBlockedDuration.Observe(float64(duration.Milliseconds()))
}

func SetOutputBufferSize(size int) {
	OutputBufferSize.Set(float64(size))
}

func ObserveBatchFlush(aggregator string, size int) {
	BatchFlushSize.WithLabelValues(aggregator).Observe(float64(size))
}

func IncBatchFlushFailure(aggregator string) {
	BatchFlushFailuresTotal.WithLabelValues(aggregator).Inc()
}

func IncSequenceWrap(input string) {
	SequenceWrapsTotal.WithLabelValues(input).Inc()
}

func IncSequenceFailure(input string) {
	SequenceFailuresTotal.WithLabelValues(input).Inc()
}

func SetAdmissionPaused(paused bool) {
	if paused {
		AdmissionPaused.Set(1)
		return
	}
	AdmissionPaused.Set(0)
}

func SetIntakeQueueSize(size int) {
	IntakeQueueSize.Set(float64(size))
}

func IncInputPacket(input, status string) {
	InputPacketsTotal.WithLabelValues(input, status).Inc()
}

func SetKafkaConsumerLag(topic string, partition int, lag int64) {
	KafkaConsumerLag.WithLabelValues(topic, fmt.Sprintf("%d", partition)).Set(float64(lag))
}

func IncRetryAttempt(operation string) {
	RetryAttemptsTotal.WithLabelValues(operation).Inc()
}
