package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/talkinghead/internal/brain"
	"github.com/ent0n29/talkinghead/internal/config"
	"github.com/ent0n29/talkinghead/internal/conversation"
	"github.com/ent0n29/talkinghead/internal/events"
	"github.com/ent0n29/talkinghead/internal/memory"
	"github.com/ent0n29/talkinghead/internal/observability"
	"github.com/ent0n29/talkinghead/internal/recognition"
	"github.com/ent0n29/talkinghead/internal/session"
	"github.com/ent0n29/talkinghead/internal/synthesis"
	"github.com/ent0n29/talkinghead/internal/voice"
)

type testStack struct {
	server *httptest.Server
	hub    *events.Hub
	rec    *recognition.Manager
	syn    *synthesis.Manager
	conv   *conversation.Orchestrator
}

func newTestStack(t *testing.T, metrics *observability.Metrics) *testStack {
	t.Helper()
	return newTestStackWith(t, metrics, voice.NewMockSynthesizer())
}

func newTestStackWith(t *testing.T, metrics *observability.Metrics, synthEngine voice.Synthesizer) *testStack {
	t.Helper()
	hub := events.NewHub(events.WithBuffer(1024))
	sessions := session.NewManager(time.Minute, 100)
	recEngine := &voice.MockRecognizer{Transcript: "hello avatar", Confidence: 0.9, FinalEvery: 2}
	rec := recognition.NewManager(recEngine, sessions, hub, metrics, nil, recognition.Config{})
	syn := synthesis.NewManager(synthEngine, hub, metrics, nil, synthesis.Config{})
	conv := conversation.NewOrchestrator(memory.NewInMemoryStore(50), brain.NewMockGenerator(), syn, nil, hub, metrics, nil, conversation.Config{})
	rec.SetFinalHandler(conv.OnFinalResult)
	rec.SetEndHandler(conv.OnSessionEnd)

	srv := New(config.Config{AllowAnyOrigin: true}, Deps{
		Recognition:  rec,
		Synthesis:    syn,
		Conversation: conv,
		Hub:          hub,
		Metrics:      metrics,
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		conv.Shutdown()
		syn.Shutdown()
		rec.Shutdown()
	})
	return &testStack{server: ts, hub: hub, rec: rec, syn: syn, conv: conv}
}

type apiResult struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

func doJSON(t *testing.T, method, url string, body any) (int, apiResult) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, url, err)
	}
	defer res.Body.Close()
	var out apiResult
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s %s response: %v", method, url, err)
	}
	return res.StatusCode, out
}

func TestRecognitionRESTLifecycle(t *testing.T) {
	st := newTestStack(t, nil)
	base := st.server.URL

	status, res := doJSON(t, http.MethodPost, base+"/v1/stt/start", map[string]any{
		"language":    "en-US",
		"audioFormat": "pcm",
		"sessionId":   "rest-1",
	})
	if status != http.StatusCreated || !res.Success {
		t.Fatalf("start status = %d response = %+v", status, res)
	}

	frame := make([]byte, 4096)
	req, _ := http.NewRequest(http.MethodPost, base+"/v1/stt/audio/rest-1", bytes.NewReader(frame))
	req.Header.Set("Content-Type", "application/octet-stream")
	audioRes, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST audio error = %v", err)
	}
	audioRes.Body.Close()
	if audioRes.StatusCode != http.StatusOK {
		t.Fatalf("audio status = %d, want %d", audioRes.StatusCode, http.StatusOK)
	}

	status, res = doJSON(t, http.MethodGet, base+"/v1/stt/session/rest-1", nil)
	if status != http.StatusOK || !strings.Contains(string(res.Data), `"id":"rest-1"`) {
		t.Fatalf("session status = %d data = %s", status, res.Data)
	}

	status, res = doJSON(t, http.MethodGet, base+"/v1/stt/sessions", nil)
	if status != http.StatusOK || !strings.Contains(string(res.Data), "rest-1") {
		t.Fatalf("sessions status = %d data = %s", status, res.Data)
	}

	status, res = doJSON(t, http.MethodDelete, base+"/v1/stt/stop/rest-1", nil)
	if status != http.StatusOK || !res.Success {
		t.Fatalf("stop status = %d response = %+v", status, res)
	}
}

func TestRecognitionRESTStopReleasesConversationWorker(t *testing.T) {
	st := newTestStack(t, nil)
	base := st.server.URL
	sub, cancel := st.hub.Subscribe("rest-2")
	defer cancel()

	status, res := doJSON(t, http.MethodPost, base+"/v1/stt/start", map[string]any{"sessionId": "rest-2"})
	if status != http.StatusCreated || !res.Success {
		t.Fatalf("start status = %d response = %+v", status, res)
	}
	for i := 0; i < 2; i++ {
		req, _ := http.NewRequest(http.MethodPost, base+"/v1/stt/audio/rest-2", bytes.NewReader(make([]byte, 4096)))
		req.Header.Set("Content-Type", "application/octet-stream")
		audioRes, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("POST audio error = %v", err)
		}
		audioRes.Body.Close()
	}

	timeout := time.After(5 * time.Second)
	for replied := false; !replied; {
		select {
		case ev := <-sub:
			replied = ev.Type == "tts_synthesis_complete"
		case <-timeout:
			t.Fatal("timed out waiting for the spoken reply")
		}
	}

	if status, _ := doJSON(t, http.MethodDelete, base+"/v1/stt/stop/rest-2", nil); status != http.StatusOK {
		t.Fatalf("stop status = %d", status)
	}
	deadline := time.Now().Add(3 * time.Second)
	for st.conv.ActiveWorkers() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("ActiveWorkers() = %d after stop, want 0", st.conv.ActiveWorkers())
		}
		time.Sleep(10 * time.Millisecond)
	}
	history, err := st.conv.GetHistory(context.Background(), "rest-2")
	if err != nil || len(history) != 2 {
		t.Fatalf("history after stop = %+v, %v; want the user and assistant turns", history, err)
	}
}

func TestRecognitionRESTErrors(t *testing.T) {
	st := newTestStack(t, nil)
	base := st.server.URL

	status, res := doJSON(t, http.MethodPost, base+"/v1/stt/start", map[string]any{"language": "xx-XX"})
	if status != http.StatusBadRequest || res.Success {
		t.Fatalf("unsupported language status = %d response = %+v", status, res)
	}

	status, res = doJSON(t, http.MethodDelete, base+"/v1/stt/stop/missing", nil)
	if status != http.StatusNotFound || res.Success {
		t.Fatalf("stop unknown status = %d response = %+v", status, res)
	}
	if !strings.Contains(string(res.Data), `"results":[]`) {
		t.Fatalf("stop unknown data = %s, want empty results", res.Data)
	}

	status, _ = doJSON(t, http.MethodGet, base+"/v1/stt/session/missing", nil)
	if status != http.StatusNotFound {
		t.Fatalf("unknown session status = %d, want %d", status, http.StatusNotFound)
	}
}

func TestSynthesisREST(t *testing.T) {
	st := newTestStack(t, nil)
	base := st.server.URL

	status, res := doJSON(t, http.MethodPost, base+"/v1/tts/synthesize", map[string]any{
		"text":        "Hi there",
		"synthesisId": "tts-rest",
	})
	if status != http.StatusAccepted || !res.Success {
		t.Fatalf("synthesize status = %d response = %+v", status, res)
	}

	status, res = doJSON(t, http.MethodPost, base+"/v1/tts/synthesize", map[string]any{"text": "  "})
	if status != http.StatusBadRequest {
		t.Fatalf("empty text status = %d, want %d", status, http.StatusBadRequest)
	}

	status, res = doJSON(t, http.MethodDelete, base+"/v1/tts/stop/never-started", nil)
	if status != http.StatusOK || !res.Success || !strings.Contains(string(res.Data), `"stopped":false`) {
		t.Fatalf("stop unknown synthesis status = %d response = %+v", status, res)
	}
}

func TestChatHistoryREST(t *testing.T) {
	st := newTestStack(t, nil)
	base := st.server.URL

	st.conv.OnFinalResult("chat-1", session.Result{Text: "how are you"})
	deadline := time.Now().Add(3 * time.Second)
	for {
		_, res := doJSON(t, http.MethodGet, base+"/v1/chat/history/chat-1", nil)
		var turns []memory.Turn
		_ = json.Unmarshal(res.Data, &turns)
		if len(turns) == 2 {
			if turns[1].Content != "I heard you: how are you" {
				t.Fatalf("assistant turn = %q", turns[1].Content)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("history never reached two turns: %s", res.Data)
		}
		time.Sleep(10 * time.Millisecond)
	}

	status, res := doJSON(t, http.MethodGet, base+"/v1/chat/sessions", nil)
	if status != http.StatusOK || !strings.Contains(string(res.Data), "chat-1") {
		t.Fatalf("chat sessions status = %d data = %s", status, res.Data)
	}

	status, _ = doJSON(t, http.MethodDelete, base+"/v1/chat/history/chat-1", nil)
	if status != http.StatusOK {
		t.Fatalf("clear status = %d", status)
	}
	_, res = doJSON(t, http.MethodGet, base+"/v1/chat/history/chat-1", nil)
	if string(res.Data) != "[]" {
		t.Fatalf("history after clear = %s, want []", res.Data)
	}
}

func TestUnconfiguredEnginesReportUnavailable(t *testing.T) {
	srv := New(config.Config{}, Deps{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	status, res := doJSON(t, http.MethodPost, ts.URL+"/v1/stt/start", map[string]any{"language": "en-US"})
	if status != http.StatusServiceUnavailable || res.Success {
		t.Fatalf("start status = %d response = %+v", status, res)
	}
	status, _ = doJSON(t, http.MethodGet, ts.URL+"/readyz", nil)
	if status != http.StatusServiceUnavailable {
		t.Fatalf("readyz status = %d, want %d", status, http.StatusServiceUnavailable)
	}
	status, res = doJSON(t, http.MethodGet, ts.URL+"/healthz", nil)
	if status != http.StatusOK || !res.Success {
		t.Fatalf("healthz status = %d response = %+v", status, res)
	}
}

func TestPerfLatencyEndpoint(t *testing.T) {
	metrics := observability.NewMetrics("test_httpapi_perf_" + time.Now().Format("150405") + "_" + time.Now().Format("000000000"))
	metrics.ObserveStage("turn_total", 1500*time.Millisecond)
	st := newTestStack(t, metrics)

	status, res := doJSON(t, http.MethodGet, st.server.URL+"/v1/perf/latency", nil)
	if status != http.StatusOK || !strings.Contains(string(res.Data), "turn_total") {
		t.Fatalf("perf status = %d data = %s", status, res.Data)
	}
	status, _ = doJSON(t, http.MethodDelete, st.server.URL+"/v1/perf/latency", nil)
	if status != http.StatusOK {
		t.Fatalf("perf reset status = %d", status)
	}
	if got := metrics.SnapshotStages(); len(got.Stages) != 0 {
		t.Fatalf("stages after reset = %+v, want none", got.Stages)
	}
}
