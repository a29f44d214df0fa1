package observer

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"gridswarm.ai/internal/observerproto"
	"gridswarm.ai/internal/sim/engine"
	"gridswarm.ai/internal/sim/resolve"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	m := engine.Metrics{RunID: "r1", Step: 4, Agents: 3, Arrived: 1}
	s := NewServer("r1", observerproto.RunParams{Dims: 2, Size: []int{10, 10}, Mode: "random_walk", Agents: 3, Seed: 42, MaxSteps: 100},
		func() engine.Metrics { return m }, nil)
	s.SetSampler(func(n int) []observerproto.AgentSample {
		out := make([]observerproto.AgentSample, 0, n)
		for i := 0; i < min(n, 3); i++ {
			out = append(out, observerproto.AgentSample{Index: i, Pos: [3]int{i, i, 0}})
		}
		return out
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func TestBootstrapAndMetrics(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/v1/bootstrap")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var boot observerproto.BootstrapResponse
	if err := json.NewDecoder(resp.Body).Decode(&boot); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if boot.RunID != "r1" || boot.Step != 4 || boot.RunParams.Dims != 2 || boot.ProtocolVersion != observerproto.Version {
		t.Fatalf("bootstrap=%+v", boot)
	}

	resp2, err := http.Get(ts.URL + "/v1/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp2.Body.Close()
	var m engine.Metrics
	if err := json.NewDecoder(resp2.Body).Decode(&m); err != nil {
		t.Fatalf("decode metrics: %v", err)
	}
	if m.Step != 4 || m.Arrived != 1 {
		t.Fatalf("metrics=%+v", m)
	}

	post, err := http.Post(ts.URL+"/v1/metrics", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	post.Body.Close()
	if post.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("post status=%d", post.StatusCode)
	}
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitSessions(t *testing.T, s *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.Sessions() != n {
		if time.Now().After(deadline) {
			t.Fatalf("sessions=%d want %d", s.Sessions(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWS_StreamsProgress(t *testing.T) {
	s, ts := newTestServer(t)
	conn := dial(t, ts)
	sub := observerproto.SubscribeMsg{Type: "SUBSCRIBE", ProtocolVersion: observerproto.Version, Every: 2, SampleAgents: 2}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitSessions(t, s, 1)

	// Every=2: the first report is skipped, the second is sent.
	s.Report(engine.Metrics{Step: 10, Agents: 3, Arrived: 1, Last: resolve.Stats{Moved: 2, Blocked: 1}})
	s.Report(engine.Metrics{Step: 20, Agents: 3, Arrived: 2, Last: resolve.Stats{Moved: 1, Stayed: 2}, StepDuration: 3 * time.Millisecond})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg observerproto.ProgressMsg
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "PROGRESS" || msg.Step != 20 || msg.Arrived != 2 || msg.Stayed != 2 || msg.StepUS != 3000 {
		t.Fatalf("frame=%+v", msg)
	}
	if len(msg.Sample) != 2 || msg.Sample[1].Pos != [3]int{1, 1, 0} {
		t.Fatalf("sample=%+v", msg.Sample)
	}

	// The final frame ignores the interval.
	s.Report(engine.Metrics{Step: 21, Agents: 3, Arrived: 3, Done: true, Reason: engine.ReasonAllArrived})
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read final: %v", err)
	}
	if !msg.Done || msg.Reason != "all_arrived" || msg.Step != 21 {
		t.Fatalf("final frame=%+v", msg)
	}
}

func TestWS_RejectsBadSubscribe(t *testing.T) {
	s, ts := newTestServer(t)
	conn := dial(t, ts)
	if err := conn.WriteJSON(map[string]string{"type": "HELLO"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy close, got %v", err)
	}
	if s.Sessions() != 0 {
		t.Fatalf("session registered for bad subscribe")
	}
}

func TestReport_NoSessionsIsCheap(t *testing.T) {
	s, _ := newTestServer(t)
	called := false
	s.SetSampler(func(int) []observerproto.AgentSample { called = true; return nil })
	s.Report(engine.Metrics{Step: 1})
	if called {
		t.Fatalf("sampler called without observers")
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	for addr, want := range map[string]bool{
		"127.0.0.1:5555": true,
		"[::1]:80":       true,
		"10.0.0.4:80":    false,
		"example.com:80": false,
		"garbage":        false,
	} {
		if got := isLoopbackRemote(addr); got != want {
			t.Fatalf("%s: got %v want %v", addr, got, want)
		}
	}
}

func TestNormalizeSubscribe(t *testing.T) {
	sub := observerproto.SubscribeMsg{Every: -3, SampleAgents: 1 << 20}
	normalizeSubscribe(&sub)
	if sub.Every != 1 || sub.SampleAgents != 256 {
		t.Fatalf("sub=%+v", sub)
	}
}
