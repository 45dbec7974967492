package session

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Outbound envelope type tags.
const (
	TypeConnected     = "connected"
	TypeConfigured    = "configured"
	TypePong          = "pong"
	TypeTranscription = "transcription"
	TypeLLMResponse   = "llm_response"
	TypeTTSStarted    = "tts_started"
	TypeTTSCompleted  = "tts_completed"
	TypeAudio         = "audio"
	TypeError         = "error"
)

// nowMillis returns the current time in epoch milliseconds, the timestamp
// unit used on every outbound envelope.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// marshalEnvelope encodes one outbound envelope for the wire.
func marshalEnvelope(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// connectedEvent announces a ready session with server identity and the
// features active for this session.
type connectedEvent struct {
	Type      string            `json:"type"`
	Timestamp int64             `json:"timestamp"`
	Server    string            `json:"server"`
	Version   string            `json:"version"`
	SessionID string            `json:"session_id"`
	Features  connectedFeatures `json:"features"`
}

type connectedFeatures struct {
	AIEnabled       bool `json:"ai_enabled"`
	PlaybackEnabled bool `json:"playback_enabled"`
}

// configuredEvent acknowledges an applied configure command.
type configuredEvent struct {
	Type         string `json:"type"`
	Timestamp    int64  `json:"timestamp"`
	RoomID       string `json:"room_id,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	SampleRate   int    `json:"sample_rate,omitempty"`
	Format       string `json:"format,omitempty"`
}

// pongEvent echoes a ping. Timestamp is the peer's value when it sent one,
// the current time otherwise.
type pongEvent struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// transcriptionEvent carries recognised caller speech.
type transcriptionEvent struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Text      string `json:"text"`
	IsFinal   bool   `json:"is_final"`
}

// llmResponseEvent carries the assistant reply, incrementally and complete.
type llmResponseEvent struct {
	Type       string `json:"type"`
	Timestamp  int64  `json:"timestamp"`
	Text       string `json:"text"`
	IsComplete bool   `json:"is_complete"`
}

// ttsEvent brackets synthesis of one reply. Type is TypeTTSStarted or
// TypeTTSCompleted.
type ttsEvent struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Text      string `json:"text"`
}

// audioEvent carries one frame of synthesised audio as a JSON byte array.
type audioEvent struct {
	Type       string `json:"type"`
	Timestamp  int64  `json:"timestamp"`
	AudioData  []int  `json:"audio_data"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	FrameID    string `json:"frame_id"`
}

// errorEvent reports a recoverable failure without closing the connection.
type errorEvent struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
}

// Command discriminates inbound text messages.
type Command int

const (
	// CommandUnknown is a parseable message with no recognised type/command.
	CommandUnknown Command = iota
	// CommandPing requests a pong echo.
	CommandPing
	// CommandConfigure applies session configuration.
	CommandConfigure
	// CommandDisconnect initiates teardown.
	CommandDisconnect
	// CommandAudio is array-encoded audio, the alternate to binary frames.
	CommandAudio
	// CommandText is a plain text message forwarded to the pipeline.
	CommandText
)

// byteData is an audio payload that accepts either a JSON array of byte
// ints or a base64 string.
type byteData []byte

func (b *byteData) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("audio_data: %w", err)
		}
		*b = decoded
		return nil
	}

	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return err
	}
	out := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return fmt.Errorf("audio_data: value %d out of byte range at index %d", v, i)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// audioPayload is the nested Audio object of an array-encoded audio message.
type audioPayload struct {
	AudioData  byteData `json:"audio_data"`
	SampleRate int      `json:"sample_rate"`
	Channels   int      `json:"channels"`
	FrameID    string   `json:"frame_id"`
}

// configPayload is the nested config object some clients send on configure.
type configPayload struct {
	RoomID       string `json:"room_id"`
	SystemPrompt string `json:"system_prompt"`
	SampleRate   int    `json:"sample_rate"`
	Format       string `json:"format"`
}

// inboundMessage is the union of all recognised inbound text shapes. Fields
// for both the flat and the nested configure shape are present; Normalize
// folds them together.
type inboundMessage struct {
	Type    string `json:"type"`
	Command string `json:"command"`

	Timestamp int64  `json:"timestamp"`
	Reason    string `json:"reason"`
	Text      string `json:"text"`

	RoomID       string `json:"room_id"`
	SystemPrompt string `json:"system_prompt"`
	SampleRate   int    `json:"sample_rate"`
	Format       string `json:"format"`

	Config *configPayload `json:"config"`
	Audio  *audioPayload  `json:"Audio"`
}

// configure returns the effective configure payload, preferring the nested
// config object over flat fields where both are present.
func (m *inboundMessage) configure() configPayload {
	cfg := configPayload{
		RoomID:       m.RoomID,
		SystemPrompt: m.SystemPrompt,
		SampleRate:   m.SampleRate,
		Format:       m.Format,
	}
	if m.Config != nil {
		if m.Config.RoomID != "" {
			cfg.RoomID = m.Config.RoomID
		}
		if m.Config.SystemPrompt != "" {
			cfg.SystemPrompt = m.Config.SystemPrompt
		}
		if m.Config.SampleRate != 0 {
			cfg.SampleRate = m.Config.SampleRate
		}
		if m.Config.Format != "" {
			cfg.Format = m.Config.Format
		}
	}
	return cfg
}

// parseInbound decodes one text frame. A JSON syntax error is a protocol
// error the caller reports back to the peer.
func parseInbound(data []byte) (*inboundMessage, error) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed json: %w", err)
	}
	return &msg, nil
}

// classify maps an inbound message onto its Command. Both the "command" and
// the "type" field are honoured; clients are inconsistent about which one
// they use.
func classify(msg *inboundMessage) Command {
	tag := msg.Command
	if tag == "" {
		tag = msg.Type
	}
	switch tag {
	case "ping":
		return CommandPing
	case "configure":
		return CommandConfigure
	case "disconnect":
		return CommandDisconnect
	case "Audio", "audio":
		return CommandAudio
	case "text", "Text":
		return CommandText
	default:
		return CommandUnknown
	}
}

// bytesToInts widens a PCM buffer for the JSON array audio encoding.
func bytesToInts(b []byte) []int {
	out := make([]int, len(b))
	for i, v := range b {
		out[i] = int(v)
	}
	return out
}
