// Package pipeline runs the speech pipeline for one utterance: transcribe
// the caller's audio, generate the assistant's reply from the conversation
// history, and synthesise the reply as PCM for playback.
//
// The Processor emits progress events through a caller-supplied callback so
// the session can forward them to the client as they happen rather than
// after the whole pipeline finishes. A stage failure aborts the remaining
// stages for that utterance only; the session stays alive and the next
// utterance starts a fresh pipeline run.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/sonobridge/sonobridge/internal/history"
	"github.com/sonobridge/sonobridge/internal/observe"
	"github.com/sonobridge/sonobridge/pkg/provider/llm"
	"github.com/sonobridge/sonobridge/pkg/provider/stt"
	"github.com/sonobridge/sonobridge/pkg/provider/tts"
)

// EventKind discriminates pipeline progress events.
type EventKind int

const (
	// EventTranscription carries the recognised user utterance.
	EventTranscription EventKind = iota

	// EventResponseDelta carries one incremental fragment of the reply.
	EventResponseDelta

	// EventResponse carries the complete reply text.
	EventResponse

	// EventTTSStarted signals that synthesis of the reply has begun.
	EventTTSStarted

	// EventAudio carries the synthesised reply audio.
	EventAudio

	// EventTTSCompleted signals that synthesis finished.
	EventTTSCompleted
)

// Event is one progress notification from a pipeline run.
type Event struct {
	Kind EventKind

	// Text is the transcription or reply text for text-bearing events.
	Text string

	// PCM is 16-bit little-endian mono audio, set on EventAudio.
	PCM []byte

	// SampleRate is the rate of PCM in Hz, set on EventAudio.
	SampleRate int
}

// StageError reports which pipeline stage failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline: %s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Option is a functional option for Processor.
type Option func(*Processor)

// WithSystemPrompt sets the instruction injected before the history.
func WithSystemPrompt(prompt string) Option {
	return func(p *Processor) {
		p.systemPrompt = prompt
	}
}

// WithVoice sets the synthesis voice.
func WithVoice(voice tts.Voice) Option {
	return func(p *Processor) {
		p.voice = voice
	}
}

// WithAudioConfig sets the format of incoming utterance audio.
func WithAudioConfig(cfg stt.AudioConfig) Option {
	return func(p *Processor) {
		p.audioCfg = cfg
	}
}

// WithTemperature sets the model temperature.
func WithTemperature(t float64) Option {
	return func(p *Processor) {
		p.temperature = t
	}
}

// WithMaxTokens caps the reply length in tokens.
func WithMaxTokens(n int) Option {
	return func(p *Processor) {
		p.maxTokens = n
	}
}

// WithMetrics replaces the default metrics instance, for tests.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Processor) {
		p.metrics = m
	}
}

// Processor drives the three-stage speech pipeline. It is stateless apart
// from its providers and may be shared by every session.
type Processor struct {
	stt  stt.Provider
	llm  llm.Provider
	tts  tts.Provider
	hist history.Store

	systemPrompt string
	voice        tts.Voice
	audioCfg     stt.AudioConfig
	temperature  float64
	maxTokens    int
	metrics      *observe.Metrics
}

// New creates a Processor with the given providers and history store.
func New(sttP stt.Provider, llmP llm.Provider, ttsP tts.Provider, hist history.Store, opts ...Option) *Processor {
	p := &Processor{
		stt:      sttP,
		llm:      llmP,
		tts:      ttsP,
		hist:     hist,
		audioCfg: stt.AudioConfig{SampleRate: 16000, Channels: 1},
		metrics:  observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Request is one unit of pipeline work: either an audio utterance (PCM set)
// or a text message (Text set, transcription skipped).
type Request struct {
	// SessionID keys the conversation history.
	SessionID string

	// PCM is the caller's utterance as raw 16-bit little-endian mono audio.
	PCM []byte

	// Text, when non-empty, is used verbatim instead of transcribing PCM.
	Text string

	// SystemPrompt overrides the processor default for this run. Sessions
	// reconfigure their prompt mid-call without affecting other sessions.
	SystemPrompt string
}

// Process runs the pipeline for one request. Progress is reported through
// emit, which is called from the calling goroutine in event order. A
// *StageError return means that stage failed and the remaining stages were
// skipped; the request's partial history writes are kept so the
// conversation stays coherent.
func (p *Processor) Process(ctx context.Context, req Request, emit func(Event)) error {
	start := time.Now()
	log := slog.With("session_id", req.SessionID)

	text := req.Text
	if text == "" {
		var err error
		text, err = p.transcribe(ctx, req.PCM)
		if err != nil {
			return p.stageFailed(ctx, log, "stt", err)
		}
		if text == "" {
			log.Debug("no speech recognised", "audio_bytes", len(req.PCM))
			return nil
		}
		emit(Event{Kind: EventTranscription, Text: text})
		log.Info("utterance transcribed", "chars", len(text))
	}

	if err := p.hist.Append(ctx, req.SessionID, llm.Message{Role: "user", Content: text}); err != nil {
		log.Warn("history append failed", "err", err)
	}

	reply, err := p.generate(ctx, req, emit)
	if err != nil {
		return p.stageFailed(ctx, log, "llm", err)
	}
	if reply == "" {
		log.Warn("model produced empty reply")
		return nil
	}
	emit(Event{Kind: EventResponse, Text: reply})

	if err := p.hist.Append(ctx, req.SessionID, llm.Message{Role: "assistant", Content: reply}); err != nil {
		log.Warn("history append failed", "err", err)
	}

	if p.tts == nil {
		log.Debug("tts provider not configured, reply stays text-only")
		return nil
	}
	emit(Event{Kind: EventTTSStarted, Text: reply})
	syn, err := p.synthesize(ctx, reply)
	if err != nil {
		return p.stageFailed(ctx, log, "tts", err)
	}
	emit(Event{Kind: EventAudio, PCM: syn.PCM, SampleRate: syn.SampleRate})
	emit(Event{Kind: EventTTSCompleted, Text: reply})

	p.metrics.PipelineDuration.Record(ctx, time.Since(start).Seconds())
	log.Info("pipeline run completed",
		"reply_chars", len(reply),
		"audio_bytes", len(syn.PCM),
		"duration", time.Since(start),
	)
	return nil
}

// transcribe runs the STT stage and records its latency.
func (p *Processor) transcribe(ctx context.Context, pcm []byte) (string, error) {
	if p.stt == nil {
		return "", fmt.Errorf("stt provider not configured")
	}
	start := time.Now()
	result, err := p.stt.Transcribe(ctx, pcm, p.audioCfg)
	p.metrics.STTDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		return "", err
	}
	return result.Text, nil
}

// generate runs the LLM stage over the retained history, emitting a delta
// event per streamed fragment, and records its latency.
func (p *Processor) generate(ctx context.Context, pr Request, emit func(Event)) (string, error) {
	if p.llm == nil {
		return "", fmt.Errorf("llm provider not configured")
	}
	messages, err := p.hist.Recent(ctx, pr.SessionID)
	if err != nil {
		return "", fmt.Errorf("read history: %w", err)
	}

	prompt := pr.SystemPrompt
	if prompt == "" {
		prompt = p.systemPrompt
	}
	req := llm.CompletionRequest{
		Messages:     messages,
		SystemPrompt: prompt,
		Temperature:  p.temperature,
		MaxTokens:    p.maxTokens,
	}

	start := time.Now()
	ch, err := p.llm.StreamCompletion(ctx, req)
	if err != nil {
		p.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
		return "", err
	}

	var reply []byte
	for chunk := range ch {
		if chunk.FinishReason == "error" {
			p.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
			return "", fmt.Errorf("stream: %s", chunk.Text)
		}
		if chunk.Text != "" {
			reply = append(reply, chunk.Text...)
			emit(Event{Kind: EventResponseDelta, Text: chunk.Text})
		}
	}
	p.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())

	if err := ctx.Err(); err != nil {
		return "", err
	}
	return string(reply), nil
}

// synthesize runs the TTS stage and records its latency.
func (p *Processor) synthesize(ctx context.Context, reply string) (*tts.Synthesis, error) {
	start := time.Now()
	syn, err := p.tts.Synthesize(ctx, reply, p.voice)
	p.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	return syn, nil
}

// stageFailed counts and logs a stage failure and wraps it for the caller.
func (p *Processor) stageFailed(ctx context.Context, log *slog.Logger, stage string, err error) error {
	p.metrics.PipelineErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)))
	log.Error("pipeline stage failed", "stage", stage, "err", err)
	return &StageError{Stage: stage, Err: err}
}
