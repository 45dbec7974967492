package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/sonobridge/sonobridge/internal/history"
	"github.com/sonobridge/sonobridge/internal/pipeline"
	"github.com/sonobridge/sonobridge/pkg/audio/playback/mock"
	"github.com/sonobridge/sonobridge/pkg/provider/llm"
	llmmock "github.com/sonobridge/sonobridge/pkg/provider/llm/mock"
	sttmock "github.com/sonobridge/sonobridge/pkg/provider/stt/mock"
	"github.com/sonobridge/sonobridge/pkg/provider/tts"
	ttsmock "github.com/sonobridge/sonobridge/pkg/provider/tts/mock"
)

// dialSession starts a loopback server that wraps each accepted connection
// in a Session and returns the client side plus the server-side Session.
func dialSession(t *testing.T, opts ...Option) (*websocket.Conn, *Session) {
	t.Helper()

	sessCh := make(chan *Session, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		sess := New(conn, opts...)
		sessCh <- sess
		sess.Run(context.Background())
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.CloseNow() })

	select {
	case sess := <-sessCh:
		return client, sess
	case <-time.After(5 * time.Second):
		t.Fatal("server never created a session")
		return nil, nil
	}
}

// readEnvelope reads one text frame from the client and decodes it.
func readEnvelope(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	typ, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("message type = %v, want text", typ)
	}
	var env map[string]any
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode envelope %q: %v", data, err)
	}
	return env
}

func writeText(t *testing.T, c *websocket.Conn, payload string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Write(ctx, websocket.MessageText, []byte(payload)); err != nil {
		t.Fatalf("write text: %v", err)
	}
}

func writeBinary(t *testing.T, c *websocket.Conn, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Write(ctx, websocket.MessageBinary, data); err != nil {
		t.Fatalf("write binary: %v", err)
	}
}

func waitClosed(t *testing.T, sess *Session) {
	t.Helper()
	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session never closed")
	}
}

func TestSessionSendsConnectedOnAccept(t *testing.T) {
	client, sess := dialSession(t, WithVersion("1.2.3"))

	env := readEnvelope(t, client)
	if env["type"] != TypeConnected {
		t.Fatalf("first envelope type = %v, want %q", env["type"], TypeConnected)
	}
	if env["session_id"] != sess.ID {
		t.Errorf("session_id = %v, want %q", env["session_id"], sess.ID)
	}
	if env["version"] != "1.2.3" {
		t.Errorf("version = %v, want 1.2.3", env["version"])
	}
	features, ok := env["features"].(map[string]any)
	if !ok {
		t.Fatalf("features missing: %v", env)
	}
	if features["ai_enabled"] != false || features["playback_enabled"] != false {
		t.Errorf("features = %v, want both disabled", features)
	}
	if got := sess.State(); got != StateReady && got != StateStreaming {
		t.Errorf("state = %v, want READY", got)
	}
}

func TestSessionPingPong(t *testing.T) {
	client, _ := dialSession(t)
	readEnvelope(t, client) // connected

	writeText(t, client, `{"command":"ping","timestamp":1712345678901}`)

	env := readEnvelope(t, client)
	if env["type"] != TypePong {
		t.Fatalf("type = %v, want pong", env["type"])
	}
	if env["timestamp"] != float64(1712345678901) {
		t.Errorf("timestamp = %v, want echoed 1712345678901", env["timestamp"])
	}
}

func TestSessionMalformedJSONKeepsSessionOpen(t *testing.T) {
	client, _ := dialSession(t)
	readEnvelope(t, client) // connected

	writeText(t, client, `{"command":"ping",`)

	env := readEnvelope(t, client)
	if env["type"] != TypeError {
		t.Fatalf("type = %v, want error", env["type"])
	}
	if env["code"] != "bad_request" {
		t.Errorf("code = %v, want bad_request", env["code"])
	}

	// The connection must survive the protocol error.
	writeText(t, client, `{"command":"ping","timestamp":7}`)
	env = readEnvelope(t, client)
	if env["type"] != TypePong {
		t.Fatalf("after error: type = %v, want pong", env["type"])
	}
}

func TestSessionUnknownMessageType(t *testing.T) {
	client, _ := dialSession(t)
	readEnvelope(t, client) // connected

	writeText(t, client, `{"type":"teleport"}`)

	env := readEnvelope(t, client)
	if env["type"] != TypeError {
		t.Fatalf("type = %v, want error", env["type"])
	}
	if env["code"] != "bad_request" {
		t.Errorf("code = %v, want bad_request", env["code"])
	}
}

func TestSessionConfigure(t *testing.T) {
	client, sess := dialSession(t)
	readEnvelope(t, client) // connected

	writeText(t, client, `{"command":"configure","room_id":"lobby","system_prompt":"be brief","sample_rate":8000}`)

	env := readEnvelope(t, client)
	if env["type"] != TypeConfigured {
		t.Fatalf("type = %v, want configured", env["type"])
	}
	if env["room_id"] != "lobby" {
		t.Errorf("room_id = %v, want lobby", env["room_id"])
	}
	if env["system_prompt"] != "be brief" {
		t.Errorf("system_prompt = %v, want be brief", env["system_prompt"])
	}
	if env["sample_rate"] != float64(8000) {
		t.Errorf("sample_rate = %v, want 8000", env["sample_rate"])
	}

	writeText(t, client, `{"command":"disconnect"}`)
	waitClosed(t, sess)
	if sess.cfg.RoomID != "lobby" || sess.cfg.SampleRate != 8000 {
		t.Errorf("cfg = %+v, want configured values applied", sess.cfg)
	}
}

func TestSessionDisconnectCommand(t *testing.T) {
	closed := make(chan *Session, 1)
	client, sess := dialSession(t, WithOnClose(func(s *Session) { closed <- s }))
	readEnvelope(t, client) // connected

	writeText(t, client, `{"command":"disconnect","reason":"done"}`)

	waitClosed(t, sess)
	if sess.State() != StateClosed {
		t.Errorf("state = %v, want CLOSED", sess.State())
	}
	select {
	case got := <-closed:
		if got != sess {
			t.Error("onClose received a different session")
		}
	case <-time.After(time.Second):
		t.Error("onClose never fired")
	}
}

func TestSessionPeerCloseTearsDown(t *testing.T) {
	client, sess := dialSession(t)
	readEnvelope(t, client) // connected

	if err := client.Close(websocket.StatusNormalClosure, "bye"); err != nil {
		t.Fatalf("client close: %v", err)
	}

	waitClosed(t, sess)
	if sess.State() != StateClosed {
		t.Errorf("state = %v, want CLOSED", sess.State())
	}
}

func TestSessionBinaryAudioPlaysBack(t *testing.T) {
	dev := &mock.Device{}
	client, sess := dialSession(t, WithPlayback(dev))
	env := readEnvelope(t, client)
	features := env["features"].(map[string]any)
	if features["playback_enabled"] != true {
		t.Fatalf("playback_enabled = %v, want true", features["playback_enabled"])
	}

	pcm := make([]byte, 320)
	pcm[0] = 0x7f
	writeBinary(t, client, pcm)

	writeText(t, client, `{"command":"disconnect"}`)
	waitClosed(t, sess)

	if !dev.Closed() {
		t.Error("device not closed on teardown")
	}
	if got := dev.BytesWritten(); got != len(pcm) {
		t.Errorf("bytes written = %d, want %d", got, len(pcm))
	}
}

func TestSessionEmptyBinaryDropped(t *testing.T) {
	dev := &mock.Device{}
	client, sess := dialSession(t, WithPlayback(dev))
	readEnvelope(t, client) // connected

	writeBinary(t, client, nil)

	// No error envelope: the next reply must be the pong.
	writeText(t, client, `{"command":"ping","timestamp":3}`)
	env := readEnvelope(t, client)
	if env["type"] != TypePong {
		t.Fatalf("type = %v, want pong", env["type"])
	}

	writeText(t, client, `{"command":"disconnect"}`)
	waitClosed(t, sess)
	if got := dev.BytesWritten(); got != 0 {
		t.Errorf("bytes written = %d, want 0", got)
	}
}

func TestSessionTextDrivesPipeline(t *testing.T) {
	sttP := &sttmock.Provider{}
	llmP := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "hello "},
		{Text: "caller", FinishReason: "stop"},
	}}
	ttsP := &ttsmock.Provider{Synthesis: &tts.Synthesis{
		PCM:        make([]byte, 640),
		SampleRate: 16000,
	}}
	proc := pipeline.New(sttP, llmP, ttsP, history.NewMemory(0))

	client, sess := dialSession(t, WithProcessor(proc))
	env := readEnvelope(t, client)
	if env["features"].(map[string]any)["ai_enabled"] != true {
		t.Fatal("ai_enabled = false, want true")
	}

	writeText(t, client, `{"type":"text","text":"hi"}`)

	var types []string
	for range 6 {
		env := readEnvelope(t, client)
		types = append(types, env["type"].(string))
		switch env["type"] {
		case TypeAudio:
			data := env["audio_data"].([]any)
			if len(data) != 640 {
				t.Errorf("audio_data len = %d, want 640", len(data))
			}
			if env["frame_id"] == "" || env["frame_id"] == nil {
				t.Error("audio envelope missing frame_id")
			}
		case TypeLLMResponse:
			if env["is_complete"] == true && env["text"] != "hello caller" {
				t.Errorf("final llm text = %v, want %q", env["text"], "hello caller")
			}
		}
	}
	want := []string{
		TypeLLMResponse, TypeLLMResponse, TypeLLMResponse,
		TypeTTSStarted, TypeAudio, TypeTTSCompleted,
	}
	for i, wantType := range want {
		if types[i] != wantType {
			t.Fatalf("envelope[%d] = %q, want %q (all: %v)", i, types[i], wantType, types)
		}
	}
	if sttP.CallCount() != 0 {
		t.Errorf("stt calls = %d, want 0 for text input", sttP.CallCount())
	}

	writeText(t, client, `{"command":"disconnect"}`)
	waitClosed(t, sess)
}

func TestSessionTextWithoutProcessor(t *testing.T) {
	client, _ := dialSession(t)
	readEnvelope(t, client) // connected

	writeText(t, client, `{"type":"text","text":"hi"}`)

	env := readEnvelope(t, client)
	if env["type"] != TypeError {
		t.Fatalf("type = %v, want error", env["type"])
	}
	if env["code"] != "unavailable" {
		t.Errorf("code = %v, want unavailable", env["code"])
	}
}

func TestSessionCloseIdempotent(t *testing.T) {
	client, sess := dialSession(t)
	readEnvelope(t, client) // connected

	sess.Close(websocket.StatusNormalClosure, "first")
	sess.Close(websocket.StatusNormalClosure, "second")
	waitClosed(t, sess)
	if sess.State() != StateClosed {
		t.Errorf("state = %v, want CLOSED", sess.State())
	}
}
