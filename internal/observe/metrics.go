// Package observe provides application-wide observability primitives:
// OpenTelemetry metrics, a Prometheus exporter bridge, and HTTP middleware.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed via
// the standard /metrics endpoint through the bridge set up in [InitProvider].
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all relay metrics.
const meterName = "github.com/sonobridge/sonobridge"

// Metrics holds all OpenTelemetry metric instruments for the relay.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks LLM inference latency.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// PipelineDuration tracks end-to-end utterance-to-audio latency.
	PipelineDuration metric.Float64Histogram

	// --- Counters ---

	// MessagesReceived counts inbound WebSocket messages. Use with attribute:
	//   attribute.String("kind", "binary"|"text")
	MessagesReceived metric.Int64Counter

	// MessagesSent counts outbound WebSocket envelopes. Use with attribute:
	//   attribute.String("type", ...)
	MessagesSent metric.Int64Counter

	// FramesDropped counts inbound audio frames discarded before playback.
	// Use with attribute: attribute.String("reason", "empty"|"rejected")
	FramesDropped metric.Int64Counter

	// PlaybackOverruns counts chunks evicted from full playback queues.
	PlaybackOverruns metric.Int64Counter

	// PlaybackUnderruns counts playback waits that timed out with no audio.
	PlaybackUnderruns metric.Int64Counter

	// PipelineErrors counts pipeline stage failures. Use with attribute:
	//   attribute.String("stage", "stt"|"llm"|"tts")
	PipelineErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live relay sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("sonobridge.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("sonobridge.llm.duration",
		metric.WithDescription("Latency of LLM inference."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("sonobridge.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PipelineDuration, err = m.Float64Histogram("sonobridge.pipeline.duration",
		metric.WithDescription("End-to-end utterance-to-audio latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.MessagesReceived, err = m.Int64Counter("sonobridge.ws.messages_received",
		metric.WithDescription("Inbound WebSocket messages by kind."),
	); err != nil {
		return nil, err
	}
	if met.MessagesSent, err = m.Int64Counter("sonobridge.ws.messages_sent",
		metric.WithDescription("Outbound WebSocket envelopes by type."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("sonobridge.audio.frames_dropped",
		metric.WithDescription("Inbound audio frames discarded before playback, by reason."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackOverruns, err = m.Int64Counter("sonobridge.playback.overruns",
		metric.WithDescription("Chunks evicted from full playback queues."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackUnderruns, err = m.Int64Counter("sonobridge.playback.underruns",
		metric.WithDescription("Playback waits that timed out with no audio."),
	); err != nil {
		return nil, err
	}
	if met.PipelineErrors, err = m.Int64Counter("sonobridge.pipeline.errors",
		metric.WithDescription("Pipeline stage failures by stage."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.ActiveSessions, err = m.Int64UpDownCounter("sonobridge.active_sessions",
		metric.WithDescription("Number of live relay sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("sonobridge.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}
