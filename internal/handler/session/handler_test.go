package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zhouzirui/voicerag/backend/internal/model/chat"
	speechmodel "github.com/zhouzirui/voicerag/backend/internal/model/speech"
	chatservice "github.com/zhouzirui/voicerag/backend/internal/service/chat"
	"github.com/zhouzirui/voicerag/backend/internal/service/rag"
	sessionsvc "github.com/zhouzirui/voicerag/backend/internal/service/session"
	"github.com/zhouzirui/voicerag/backend/internal/service/speech"
	"github.com/zhouzirui/voicerag/backend/internal/storage"
)

type fakeTranscriber struct {
	store *storage.AudioStore
	text  string
}

func (f *fakeTranscriber) Transcribe(_ context.Context, ref string) (string, error) {
	file, err := f.store.OpenUpload(ref)
	if err != nil {
		return "", &speech.TranscriptionFailure{AudioRef: ref, Err: err}
	}
	file.Close()
	return f.text, nil
}

type fakeSynthesizer struct{}

func (fakeSynthesizer) Synthesize(_ context.Context, _ string, messageID string) (*speechmodel.AudioArtifact, error) {
	return &speechmodel.AudioArtifact{Locator: "/uploads/" + messageID + "-speech.wav", OwningMessageID: messageID}, nil
}

type fakeAnswerer struct{ err error }

func (f fakeAnswerer) Answer(_ context.Context, question string, _ []chat.HistoryTurn, _ string) (*rag.Answer, error) {
	if f.err != nil {
		return nil, &rag.RetrievalFailure{Stage: rag.StageRetrieve, Err: f.err}
	}
	return &rag.Answer{Answer: "answer to " + question, StandaloneQuestion: question}, nil
}

func newServer(t *testing.T, answerer fakeAnswerer) *httptest.Server {
	t.Helper()
	store, err := storage.NewAudioStore(t.TempDir(), "/uploads", zap.NewNop())
	require.NoError(t, err)

	manager, err := sessionsvc.NewManager(chatservice.NewMemoryStore(), sessionsvc.Dependencies{
		Transcriber:   &fakeTranscriber{store: store, text: "What is Ncell?"},
		Synthesizer:   fakeSynthesizer{},
		Answerer:      answerer,
		Audio:         store,
		MaxAudioBytes: 1 << 10,
	})
	require.NoError(t, err)

	r := chi.NewRouter()
	New(manager, zap.NewNop()).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func createSession(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp, err := http.Post(srv.URL+"/sessions", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out sessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, sessionsvc.StateIdle, out.State)
	return out.SessionID
}

func dial(t *testing.T, srv *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sessions/" + sessionID + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })

	first := next(t, conn)
	require.Equal(t, outState, first.Type)
	return conn
}

type received struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func next(t *testing.T, conn *websocket.Conn) received {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg received
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// readUntil 读到指定类型为止，返回途中的全部消息。
func readUntil(t *testing.T, conn *websocket.Conn, kind string) []received {
	t.Helper()
	var out []received
	for {
		msg := next(t, conn)
		out = append(out, msg)
		if msg.Type == kind {
			return out
		}
	}
}

func stateOf(t *testing.T, msg received) sessionsvc.State {
	t.Helper()
	var data struct {
		State sessionsvc.State `json:"state"`
	}
	require.NoError(t, json.Unmarshal(msg.Data, &data))
	return data.State
}

func errorOf(t *testing.T, msg received) errorPayload {
	t.Helper()
	var data errorPayload
	require.NoError(t, json.Unmarshal(msg.Data, &data))
	return data
}

func send(t *testing.T, conn *websocket.Conn, msg inboundMessage) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func TestVoiceTurnOverWebSocket(t *testing.T) {
	srv := newServer(t, fakeAnswerer{})
	id := createSession(t, srv)
	conn := dial(t, srv, id)

	send(t, conn, inboundMessage{Type: msgStart})
	assert.Equal(t, sessionsvc.StateListening, stateOf(t, next(t, conn)))

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("chunk-1")))
	send(t, conn, inboundMessage{Type: msgAudio, Audio: []byte("chunk-2")})
	send(t, conn, inboundMessage{Type: msgInterim, Text: "what is"})
	send(t, conn, inboundMessage{Type: msgStop, Format: "audio/webm;codecs=opus"})

	msgs := readUntil(t, conn, outAudio)
	var states []sessionsvc.State
	var kinds []string
	for _, m := range msgs {
		if m.Type == outState {
			states = append(states, stateOf(t, m))
			continue
		}
		kinds = append(kinds, m.Type)
	}
	assert.Equal(t, []sessionsvc.State{sessionsvc.StateTranscribing, sessionsvc.StateAnswering, sessionsvc.StateSpeaking}, states)
	assert.Equal(t, []string{outTranscript, outAnswer, outAudio}, kinds)

	var answer answerPayload
	require.NoError(t, json.Unmarshal(msgs[len(msgs)-2].Data, &answer))
	assert.Equal(t, "answer to What is Ncell?", answer.Message.Text)
	assert.Equal(t, chat.RoleAssistant, answer.Message.Role)

	send(t, conn, inboundMessage{Type: msgPlaybackEnded})
	assert.Equal(t, sessionsvc.StateIdle, stateOf(t, next(t, conn)))

	resp, err := http.Get(srv.URL + "/sessions/" + id + "/messages")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var transcript struct {
		Messages []chat.Message `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&transcript))
	require.Len(t, transcript.Messages, 2)
	assert.Equal(t, "What is Ncell?", transcript.Messages[0].Text)
	assert.True(t, strings.HasSuffix(transcript.Messages[0].AudioRef, "-user-speech.webm"))
	assert.Equal(t, answer.Message.ID, transcript.Messages[1].ID)
}

func TestTextTurnAndStopPlayback(t *testing.T) {
	srv := newServer(t, fakeAnswerer{})
	conn := dial(t, srv, createSession(t, srv))

	send(t, conn, inboundMessage{Type: msgText, Text: "Compare Ncell and NTC"})
	readUntil(t, conn, outAudio)

	send(t, conn, inboundMessage{Type: msgStopPlayback})
	assert.Equal(t, sessionsvc.StateIdle, stateOf(t, next(t, conn)))
}

func TestSecondConnectionKeepsEventsAfterFirstCloses(t *testing.T) {
	srv := newServer(t, fakeAnswerer{})
	id := createSession(t, srv)
	first := dial(t, srv, id)
	second := dial(t, srv, id)

	send(t, first, inboundMessage{Type: msgStart})
	assert.Equal(t, sessionsvc.StateListening, stateOf(t, next(t, first)))
	assert.Equal(t, sessionsvc.StateListening, stateOf(t, next(t, second)), "connections share one session")

	require.NoError(t, first.Close())

	send(t, second, inboundMessage{Type: msgAudio, Audio: []byte("chunk")})
	send(t, second, inboundMessage{Type: msgStop})
	msgs := readUntil(t, second, outAudio)
	assert.Equal(t, sessionsvc.StateTranscribing, stateOf(t, msgs[0]))
}

func TestWebSocketReportsErrors(t *testing.T) {
	srv := newServer(t, fakeAnswerer{err: errors.New("index down")})
	conn := dial(t, srv, createSession(t, srv))

	send(t, conn, inboundMessage{Type: msgStop})
	assert.Equal(t, "invalid_state", errorOf(t, next(t, conn)).Code)

	send(t, conn, inboundMessage{Type: "dance"})
	assert.Equal(t, "bad_message", errorOf(t, next(t, conn)).Code)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, "bad_message", errorOf(t, next(t, conn)).Code)

	send(t, conn, inboundMessage{Type: msgText, Text: "What is Ncell?"})
	msgs := readUntil(t, conn, outError)
	last := errorOf(t, msgs[len(msgs)-1])
	assert.Equal(t, "answer_failed", last.Code)
	assert.NotContains(t, last.Message, "index down")
}

func TestWebSocketUnknownSession(t *testing.T) {
	srv := newServer(t, fakeAnswerer{})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sessions/missing/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMessagesUnknownSession(t *testing.T) {
	srv := newServer(t, fakeAnswerer{})

	resp, err := http.Get(srv.URL + "/sessions/missing/messages")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestErrorCodes(t *testing.T) {
	cases := map[string]error{
		"turn_in_flight":       sessionsvc.ErrTurnInFlight,
		"no_speech":            sessionsvc.ErrNoSpeech,
		"audio_too_large":      storage.ErrTooLarge,
		"transcription_failed": &speech.TranscriptionFailure{Err: errors.New("x")},
		"synthesis_failed":     &speech.SynthesisFailure{Err: errors.New("x")},
		"upload_failed":        &storage.UploadFailure{Op: "write", Err: errors.New("x")},
		"internal":             errors.New("x"),
	}
	for want, err := range cases {
		code, _ := errorCode(err)
		assert.Equal(t, want, code)
	}
}
