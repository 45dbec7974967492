// Package session owns the lifecycle of one relay connection: accept,
// dispatch of binary audio versus JSON control frames, routing of audio to
// the speech pipeline and the playback buffer, and clean teardown on
// disconnect or error.
//
// Each session runs exactly one inbound-message goroutine (the Run loop)
// plus at most one playback consumer and one pipeline worker. The goroutines
// share nothing but the bounded playback queue, the bounded utterance queue,
// and atomic counters.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/sonobridge/sonobridge/internal/history"
	"github.com/sonobridge/sonobridge/internal/observe"
	"github.com/sonobridge/sonobridge/internal/pipeline"
	"github.com/sonobridge/sonobridge/pkg/audio"
	"github.com/sonobridge/sonobridge/pkg/audio/codec"
	"github.com/sonobridge/sonobridge/pkg/audio/playback"
)

const (
	// utteranceQueueSize bounds pending pipeline work per session. The relay
	// prefers dropping an utterance over queueing stale audio behind a slow
	// provider.
	utteranceQueueSize = 8

	// workerDrainTimeout bounds how long teardown waits for an in-flight
	// pipeline run after cancelling it.
	workerDrainTimeout = 2 * time.Second

	// writeTimeout bounds a single outbound WebSocket write.
	writeTimeout = 5 * time.Second

	// frameMillis is the duration of one outbound audio frame.
	frameMillis = 20

	// defaultHeartbeat is the interval for periodic session stats logging.
	defaultHeartbeat = 30 * time.Second
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateConnecting State = iota
	StateReady
	StateStreaming
	StateClosing
	StateClosed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateReady:
		return "READY"
	case StateStreaming:
		return "STREAMING"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Config is the per-session audio and conversation configuration. The
// configure command updates it mid-call.
type Config struct {
	// SampleRate is the PCM rate of inbound binary audio in Hz.
	SampleRate int

	// Channels is the playback channel count.
	Channels int

	// Format is the inbound audio encoding: linear16, mulaw, alaw, or opus.
	Format string

	// SystemPrompt steers the assistant for this session.
	SystemPrompt string

	// RoomID groups sessions for bookkeeping.
	RoomID string
}

// withDefaults fills unset fields.
func (c Config) withDefaults() Config {
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.Channels == 0 {
		c.Channels = 1
	}
	if c.Format == "" {
		c.Format = codec.FormatLinear16
	}
	return c
}

// utterance is one queued unit of pipeline work.
type utterance struct {
	pcm    []byte
	text   string
	prompt string
}

// Option is a functional option for Session.
type Option func(*Session)

// WithConfig sets the initial session configuration.
func WithConfig(cfg Config) Option {
	return func(s *Session) {
		s.cfg = cfg.withDefaults()
	}
}

// WithProcessor enables AI processing of inbound audio and text.
func WithProcessor(p *pipeline.Processor) Option {
	return func(s *Session) {
		s.proc = p
	}
}

// WithHistory sets the store cleared on teardown.
func WithHistory(h history.Store) Option {
	return func(s *Session) {
		s.hist = h
	}
}

// WithPlayback enables local playback of inbound audio on device.
func WithPlayback(device playback.Device, opts ...playback.Option) Option {
	return func(s *Session) {
		s.device = device
		s.playbackOpts = opts
	}
}

// WithVersion sets the server version reported in the connected event.
func WithVersion(v string) Option {
	return func(s *Session) {
		s.version = v
	}
}

// WithMetrics replaces the default metrics instance, for tests.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// WithOnClose registers a callback invoked once after the session reaches
// CLOSED. The registry uses it to drop its handle.
func WithOnClose(fn func(*Session)) Option {
	return func(s *Session) {
		s.onClose = fn
	}
}

// WithRoomLookup wires a room prompt resolver. When a configure command
// names a room without its own system prompt, the room's stored prompt is
// applied.
func WithRoomLookup(fn func(ctx context.Context, roomID string) (string, bool)) Option {
	return func(s *Session) {
		s.roomLookup = fn
	}
}

// WithHeartbeatInterval overrides the stats logging interval.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// Session is one active relay connection.
type Session struct {
	// ID uniquely identifies the session in logs and the registry.
	ID string

	// CreatedAt is the accept time.
	CreatedAt time.Time

	conn         *websocket.Conn
	proc         *pipeline.Processor
	hist         history.Store
	device       playback.Device
	playbackOpts []playback.Option
	metrics      *observe.Metrics
	version      string
	heartbeat    time.Duration
	onClose      func(*Session)
	roomLookup   func(ctx context.Context, roomID string) (string, bool)

	// cfg is owned by the Run goroutine; the pipeline worker receives
	// snapshots inside queued utterances and never reads it directly.
	cfg        Config
	serializer *codec.Serializer
	opus       *codec.OpusDecoder

	playback *playback.Buffer

	state atomic.Int32

	seq         atomic.Uint64
	bytesIn     atomic.Uint64
	chunksIn    atomic.Uint64
	messagesIn  atomic.Uint64
	messagesOut atomic.Uint64
	protoErrors atomic.Uint64

	writeMu sync.Mutex

	utterances chan utterance
	workerDone chan struct{}
	runCtx     context.Context
	runCancel  context.CancelFunc

	closeOnce sync.Once
	done      chan struct{}
}

// New wraps an accepted WebSocket connection in a Session. Call Run to
// start relaying.
func New(conn *websocket.Conn, opts ...Option) *Session {
	s := &Session{
		ID:         uuid.NewString(),
		CreatedAt:  time.Now(),
		conn:       conn,
		cfg:        Config{}.withDefaults(),
		metrics:    observe.DefaultMetrics(),
		version:    "dev",
		heartbeat:  defaultHeartbeat,
		utterances: make(chan utterance, utteranceQueueSize),
		workerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.serializer = codec.NewSerializer(audio.Format{
		SampleRate: s.cfg.SampleRate,
		Channels:   1,
	})
	if s.cfg.Format == codec.FormatOpus {
		s.initOpus()
	}
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Done is closed when the session reaches CLOSED.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Run drives the session until the peer disconnects, a fatal error occurs,
// or ctx is cancelled. It always returns with the session CLOSED.
func (s *Session) Run(ctx context.Context) {
	s.runCtx, s.runCancel = context.WithCancel(context.WithoutCancel(ctx))

	log := slog.With("session_id", s.ID)
	log.Info("session connecting", "format", s.cfg.Format, "sample_rate", s.cfg.SampleRate)

	playbackEnabled := s.startPlayback(log)
	if s.proc != nil {
		go s.worker()
	} else {
		close(s.workerDone)
	}
	go s.heartbeatLoop(log)

	s.state.Store(int32(StateReady))
	s.send(TypeConnected, connectedEvent{
		Type:      TypeConnected,
		Timestamp: nowMillis(),
		Server:    "sonobridge",
		Version:   s.version,
		SessionID: s.ID,
		Features: connectedFeatures{
			AIEnabled:       s.proc != nil,
			PlaybackEnabled: playbackEnabled,
		},
	})

	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			s.readFailed(log, ctx, err)
			return
		}
		switch typ {
		case websocket.MessageBinary:
			s.handleBinary(data)
		case websocket.MessageText:
			s.handleText(data)
		}
		if s.State() >= StateClosing {
			return
		}
	}
}

// startPlayback opens the playback buffer when a device is configured. An
// open failure disables playback for this session only.
func (s *Session) startPlayback(log *slog.Logger) bool {
	if s.device == nil {
		return false
	}
	buf := playback.New(s.device, audio.Format{
		SampleRate: s.cfg.SampleRate,
		Channels:   s.cfg.Channels,
	}, s.playbackOpts...)
	if err := buf.Start(s.runCtx); err != nil {
		log.Error("playback disabled for session", "err", err)
		return false
	}
	s.playback = buf
	return true
}

// initOpus (re)creates the Opus decoder for the current config.
func (s *Session) initOpus() {
	dec, err := codec.NewOpusDecoder(s.cfg.SampleRate, 1)
	if err != nil {
		slog.Error("opus decoder unavailable", "session_id", s.ID, "err", err)
		return
	}
	s.opus = dec
}

// handleBinary processes one binary frame of caller audio.
func (s *Session) handleBinary(data []byte) {
	s.messagesIn.Add(1)
	s.metrics.MessagesReceived.Add(s.runCtx, 1,
		metric.WithAttributes(attribute.String("kind", "binary")))

	if len(data) == 0 {
		slog.Warn("dropping empty binary frame", "session_id", s.ID)
		s.metrics.FramesDropped.Add(s.runCtx, 1,
			metric.WithAttributes(attribute.String("reason", "empty")))
		return
	}

	pcm, err := codec.DecodePayload(s.cfg.Format, data, s.opus)
	if err != nil {
		slog.Warn("dropping undecodable frame",
			"session_id", s.ID, "format", s.cfg.Format, "bytes", len(data), "err", err)
		s.metrics.FramesDropped.Add(s.runCtx, 1,
			metric.WithAttributes(attribute.String("reason", "decode")))
		return
	}

	s.ingest(pcm, s.cfg.SampleRate)
}

// ingest routes one decoded PCM payload to the playback buffer and the
// pipeline queue.
func (s *Session) ingest(pcm []byte, sampleRate int) {
	frame := s.serializer.Deserialize(pcm)
	if frame == nil {
		s.metrics.FramesDropped.Add(s.runCtx, 1,
			metric.WithAttributes(attribute.String("reason", "empty")))
		return
	}

	s.state.CompareAndSwap(int32(StateReady), int32(StateStreaming))
	s.bytesIn.Add(uint64(len(pcm)))
	s.chunksIn.Add(1)

	if s.playback != nil {
		s.playback.Enqueue(audio.Chunk{
			Data:       frame.Data,
			SampleRate: sampleRate,
			Channels:   1,
			Seq:        s.seq.Add(1),
		})
	}

	if s.proc != nil {
		select {
		case s.utterances <- utterance{pcm: frame.Data, prompt: s.cfg.SystemPrompt}:
		default:
			slog.Warn("pipeline busy, dropping utterance",
				"session_id", s.ID, "bytes", len(frame.Data))
			s.metrics.FramesDropped.Add(s.runCtx, 1,
				metric.WithAttributes(attribute.String("reason", "rejected")))
		}
	}
}

// handleText processes one JSON control frame.
func (s *Session) handleText(data []byte) {
	s.messagesIn.Add(1)
	s.metrics.MessagesReceived.Add(s.runCtx, 1,
		metric.WithAttributes(attribute.String("kind", "text")))

	msg, err := parseInbound(data)
	if err != nil {
		s.protoErrors.Add(1)
		slog.Warn("malformed control message", "session_id", s.ID, "err", err)
		s.sendError("malformed json", "bad_request")
		return
	}

	switch classify(msg) {
	case CommandPing:
		ts := msg.Timestamp
		if ts == 0 {
			ts = nowMillis()
		}
		s.send(TypePong, pongEvent{Type: TypePong, Timestamp: ts})

	case CommandConfigure:
		s.applyConfigure(msg.configure())

	case CommandDisconnect:
		slog.Info("peer requested disconnect", "session_id", s.ID, "reason", msg.Reason)
		s.Close(websocket.StatusNormalClosure, "disconnect requested")

	case CommandAudio:
		s.handleJSONAudio(msg.Audio)

	case CommandText:
		if msg.Text == "" {
			s.sendError("text message without text", "bad_request")
			return
		}
		if s.proc == nil {
			s.sendError("ai processing disabled", "unavailable")
			return
		}
		s.state.CompareAndSwap(int32(StateReady), int32(StateStreaming))
		select {
		case s.utterances <- utterance{text: msg.Text, prompt: s.cfg.SystemPrompt}:
		default:
			s.sendError("pipeline busy", "overloaded")
		}

	default:
		s.protoErrors.Add(1)
		slog.Warn("unknown control message",
			"session_id", s.ID, "type", msg.Type, "command", msg.Command)
		s.sendError("unknown message type", "bad_request")
	}
}

// handleJSONAudio processes the array-encoded alternate to binary frames.
func (s *Session) handleJSONAudio(payload *audioPayload) {
	if payload == nil || len(payload.AudioData) == 0 {
		slog.Warn("dropping audio message without data", "session_id", s.ID)
		s.metrics.FramesDropped.Add(s.runCtx, 1,
			metric.WithAttributes(attribute.String("reason", "empty")))
		return
	}
	rate := payload.SampleRate
	if rate == 0 {
		rate = s.cfg.SampleRate
	}
	s.ingest(payload.AudioData, rate)
}

// applyConfigure updates the session config and acknowledges. In-flight
// audio is not interrupted; the new settings apply from the next frame.
func (s *Session) applyConfigure(cfg configPayload) {
	if cfg.RoomID != "" {
		s.cfg.RoomID = cfg.RoomID
		if cfg.SystemPrompt == "" && s.roomLookup != nil {
			if prompt, ok := s.roomLookup(s.runCtx, cfg.RoomID); ok {
				s.cfg.SystemPrompt = prompt
			}
		}
	}
	if cfg.SystemPrompt != "" {
		s.cfg.SystemPrompt = cfg.SystemPrompt
	}
	if cfg.SampleRate != 0 && cfg.SampleRate != s.cfg.SampleRate {
		s.cfg.SampleRate = cfg.SampleRate
		s.serializer = codec.NewSerializer(audio.Format{SampleRate: cfg.SampleRate, Channels: 1})
		if s.cfg.Format == codec.FormatOpus {
			s.initOpus()
		}
	}
	if cfg.Format != "" && cfg.Format != s.cfg.Format {
		s.cfg.Format = cfg.Format
		if cfg.Format == codec.FormatOpus {
			s.initOpus()
		}
	}

	slog.Info("session configured",
		"session_id", s.ID,
		"room_id", s.cfg.RoomID,
		"sample_rate", s.cfg.SampleRate,
		"format", s.cfg.Format,
	)
	s.send(TypeConfigured, configuredEvent{
		Type:         TypeConfigured,
		Timestamp:    nowMillis(),
		RoomID:       s.cfg.RoomID,
		SystemPrompt: s.cfg.SystemPrompt,
		SampleRate:   s.cfg.SampleRate,
		Format:       s.cfg.Format,
	})
}

// worker consumes queued utterances and runs the pipeline on each, one at a
// time so replies arrive in utterance order.
func (s *Session) worker() {
	defer close(s.workerDone)
	for {
		select {
		case <-s.runCtx.Done():
			return
		case utt := <-s.utterances:
			req := pipeline.Request{
				SessionID:    s.ID,
				PCM:          utt.pcm,
				Text:         utt.text,
				SystemPrompt: utt.prompt,
			}
			if err := s.proc.Process(s.runCtx, req, s.emitEvent); err != nil {
				if s.runCtx.Err() != nil {
					return
				}
				var stageErr *pipeline.StageError
				if errors.As(err, &stageErr) {
					s.sendError(stageErr.Error(), stageErr.Stage+"_failed")
				} else {
					s.sendError(err.Error(), "pipeline_failed")
				}
			}
		}
	}
}

// emitEvent forwards one pipeline event to the peer as a control envelope.
func (s *Session) emitEvent(e pipeline.Event) {
	switch e.Kind {
	case pipeline.EventTranscription:
		s.send(TypeTranscription, transcriptionEvent{
			Type: TypeTranscription, Timestamp: nowMillis(), Text: e.Text, IsFinal: true,
		})
	case pipeline.EventResponseDelta:
		s.send(TypeLLMResponse, llmResponseEvent{
			Type: TypeLLMResponse, Timestamp: nowMillis(), Text: e.Text, IsComplete: false,
		})
	case pipeline.EventResponse:
		s.send(TypeLLMResponse, llmResponseEvent{
			Type: TypeLLMResponse, Timestamp: nowMillis(), Text: e.Text, IsComplete: true,
		})
	case pipeline.EventTTSStarted:
		s.send(TypeTTSStarted, ttsEvent{Type: TypeTTSStarted, Timestamp: nowMillis(), Text: e.Text})
	case pipeline.EventAudio:
		s.sendAudio(e.PCM, e.SampleRate)
	case pipeline.EventTTSCompleted:
		s.send(TypeTTSCompleted, ttsEvent{Type: TypeTTSCompleted, Timestamp: nowMillis(), Text: e.Text})
	}
}

// sendAudio splits synthesised PCM into fixed-duration frames and sends
// each as an audio envelope.
func (s *Session) sendAudio(pcm []byte, sampleRate int) {
	frameBytes := sampleRate * frameMillis / 1000 * 2
	if frameBytes <= 0 {
		return
	}
	for off := 0; off < len(pcm); off += frameBytes {
		end := min(off+frameBytes, len(pcm))
		payload := s.serializer.Serialize(codec.Frame{
			Kind:       codec.KindAudio,
			Data:       pcm[off:end],
			SampleRate: sampleRate,
			Channels:   1,
		})
		if payload == nil {
			continue
		}
		s.send(TypeAudio, audioEvent{
			Type:       TypeAudio,
			Timestamp:  nowMillis(),
			AudioData:  bytesToInts(payload),
			SampleRate: sampleRate,
			Channels:   1,
			FrameID:    uuid.NewString(),
		})
	}
}

// sendError emits a recoverable error envelope; the connection stays open.
func (s *Session) sendError(message, code string) {
	s.send(TypeError, errorEvent{
		Type: TypeError, Timestamp: nowMillis(), Message: message, Code: code,
	})
}

// send marshals and writes one outbound envelope. Writes are serialised so
// the Run loop and the pipeline worker cannot interleave frames.
func (s *Session) send(typeTag string, v any) {
	data, err := marshalEnvelope(v)
	if err != nil {
		slog.Error("encode envelope", "session_id", s.ID, "type", typeTag, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	s.writeMu.Lock()
	err = s.conn.Write(ctx, websocket.MessageText, data)
	s.writeMu.Unlock()
	if err != nil {
		if s.State() < StateClosing {
			slog.Warn("write failed", "session_id", s.ID, "type", typeTag, "err", err)
		}
		return
	}

	s.messagesOut.Add(1)
	s.metrics.MessagesSent.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", typeTag)))
}

// readFailed classifies a read loop error and tears down accordingly.
func (s *Session) readFailed(log *slog.Logger, ctx context.Context, err error) {
	if s.State() >= StateClosing {
		return
	}
	switch {
	case websocket.CloseStatus(err) == websocket.StatusNormalClosure,
		websocket.CloseStatus(err) == websocket.StatusGoingAway:
		log.Info("peer closed connection")
		s.Close(websocket.StatusNormalClosure, "")
	case ctx.Err() != nil:
		log.Info("session cancelled")
		s.Close(websocket.StatusGoingAway, "server shutting down")
	default:
		log.Error("socket failure", "err", err)
		s.Close(websocket.StatusInternalError, "internal error")
	}
}

// Close tears the session down once: cancel pipeline work (bounded wait),
// drain and stop playback, clear history, close the socket, and invoke the
// registry callback. Safe to call from any goroutine and more than once.
func (s *Session) Close(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		log := slog.With("session_id", s.ID)

		if s.runCancel != nil {
			s.runCancel()
			select {
			case <-s.workerDone:
			case <-time.After(workerDrainTimeout):
				log.Warn("pipeline worker did not stop in time")
			}
		}

		if s.playback != nil {
			stats := s.playback.Stop()
			ctx := context.Background()
			s.metrics.PlaybackOverruns.Add(ctx, int64(stats.Overruns))
			s.metrics.PlaybackUnderruns.Add(ctx, int64(stats.Underruns))
			log.Info("playback final stats",
				"chunks_played", stats.ChunksPlayed,
				"bytes_played", stats.BytesPlayed,
				"overruns", stats.Overruns,
				"underruns", stats.Underruns,
			)
		}

		if s.hist != nil {
			ctx, cancel := context.WithTimeout(context.Background(), workerDrainTimeout)
			if err := s.hist.Clear(ctx, s.ID); err != nil {
				log.Warn("history clear failed", "err", err)
			}
			cancel()
		}

		// Close reasons are capped at 123 bytes by the protocol.
		if len(reason) > 123 {
			reason = reason[:123]
		}
		s.conn.Close(code, reason)

		s.state.Store(int32(StateClosed))
		log.Info("session closed",
			"code", int(code),
			"uptime", time.Since(s.CreatedAt),
			"bytes_in", s.bytesIn.Load(),
			"chunks_in", s.chunksIn.Load(),
			"messages_in", s.messagesIn.Load(),
			"messages_out", s.messagesOut.Load(),
			"protocol_errors", s.protoErrors.Load(),
		)

		if s.onClose != nil {
			s.onClose(s)
		}
		close(s.done)
	})
}

// heartbeatLoop periodically logs session throughput until teardown.
func (s *Session) heartbeatLoop(log *slog.Logger) {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-s.runCtx.Done():
			return
		case <-ticker.C:
			attrs := []any{
				"state", s.State().String(),
				"bytes_in", s.bytesIn.Load(),
				"chunks_in", s.chunksIn.Load(),
				"messages_in", s.messagesIn.Load(),
				"messages_out", s.messagesOut.Load(),
			}
			if s.playback != nil {
				stats := s.playback.Stats()
				attrs = append(attrs,
					"chunks_played", stats.ChunksPlayed,
					"overruns", stats.Overruns,
					"underruns", stats.Underruns,
				)
			}
			log.Info("session stats", attrs...)
		}
	}
}
