package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"gridswarm.ai/internal/observerproto"
	"gridswarm.ai/internal/sim/engine"
)

// Sampler returns the first n agents' positions (and goals). It is called from
// Report, i.e. on the simulation goroutine between steps.
type Sampler func(n int) []observerproto.AgentSample

// Server streams run progress to loopback observers. It implements
// engine.Reporter.
type Server struct {
	log     *zap.Logger
	params  observerproto.RunParams
	runID   string
	metrics func() engine.Metrics
	sampler Sampler

	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	mu       sync.Mutex
	sessions map[string]*session
	reports  uint64
}

type session struct {
	out    chan []byte
	every  int
	sample int
}

func NewServer(runID string, params observerproto.RunParams, metrics func() engine.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		log:      logger,
		params:   params,
		runID:    runID,
		metrics:  metrics,
		sessions: map[string]*session{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // loopback only, see isLoopbackRemote
		},
	}
}

// SetSampler and SetParams must be called before the handler serves.
func (s *Server) SetSampler(fn Sampler)               { s.sampler = fn }
func (s *Server) SetParams(p observerproto.RunParams) { s.params = p }

// Handler routes /v1/bootstrap, /v1/metrics and /v1/ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/bootstrap", s.BootstrapHandler())
	mux.HandleFunc("/v1/metrics", s.MetricsHandler())
	mux.HandleFunc("/v1/ws", s.WSHandler())
	return mux
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		resp := observerproto.BootstrapResponse{
			ProtocolVersion: observerproto.Version,
			RunID:           s.runID,
			Step:            s.metrics().Step,
			RunParams:       s.params,
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) MetricsHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(s.metrics())
	}
}

// Report fans a progress frame out to every session without blocking: a slow
// observer loses frames, never the simulation.
func (s *Server) Report(m engine.Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports++
	if len(s.sessions) == 0 {
		return
	}

	maxSample := 0
	for _, sess := range s.sessions {
		maxSample = max(maxSample, sess.sample)
	}
	var sample []observerproto.AgentSample
	if maxSample > 0 && s.sampler != nil {
		sample = s.sampler(maxSample)
	}

	msg := observerproto.ProgressMsg{
		Type:            "PROGRESS",
		ProtocolVersion: observerproto.Version,
		Step:            m.Step,
		Agents:          m.Agents,
		Arrived:         m.Arrived,
		Moved:           m.Last.Moved,
		Stayed:          m.Last.Stayed,
		Blocked:         m.Last.Blocked,
		Contended:       m.Last.Contended,
		StepUS:          m.StepDuration.Microseconds(),
		Done:            m.Done,
		Reason:          string(m.Reason),
	}
	for id, sess := range s.sessions {
		if !m.Done && s.reports%uint64(sess.every) != 0 {
			continue
		}
		msg.Sample = sample[:min(len(sample), sess.sample)]
		if len(msg.Sample) == 0 {
			msg.Sample = nil
		}
		b, err := json.Marshal(msg)
		if err != nil {
			s.log.Warn("observer frame encode failed", zap.String("session", id), zap.Error(err))
			continue
		}
		sendLatest(sess.out, b)
	}
}

func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sub, ok := parseSubscribe(msg)
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		sid := fmt.Sprintf("O%d", s.nextID.Add(1))
		sess := &session{out: make(chan []byte, 8), every: sub.Every, sample: sub.SampleAgents}
		s.mu.Lock()
		s.sessions[sid] = sess
		s.mu.Unlock()
		s.log.Debug("observer joined", zap.String("session", sid), zap.String("remote", r.RemoteAddr))
		defer func() {
			s.mu.Lock()
			delete(s.sessions, sid)
			s.mu.Unlock()
			s.log.Debug("observer left", zap.String("session", sid))
		}()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b := <-sess.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: allow SUBSCRIBE updates.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			sub, ok := parseSubscribe(msg)
			if !ok {
				continue
			}
			s.mu.Lock()
			sess.every, sess.sample = sub.Every, sub.SampleAgents
			s.mu.Unlock()
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func parseSubscribe(msg []byte) (observerproto.SubscribeMsg, bool) {
	var sub observerproto.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		return sub, false
	}
	if sub.Type != "SUBSCRIBE" || sub.ProtocolVersion != observerproto.Version {
		return sub, false
	}
	normalizeSubscribe(&sub)
	return sub, true
}

func normalizeSubscribe(sub *observerproto.SubscribeMsg) {
	if sub.Every <= 0 {
		sub.Every = 1
	}
	if sub.Every > 10000 {
		sub.Every = 10000
	}
	if sub.SampleAgents < 0 {
		sub.SampleAgents = 0
	}
	if sub.SampleAgents > 256 {
		sub.SampleAgents = 256
	}
}

func sendLatest(ch chan []byte, b []byte) {
	select {
	case ch <- b:
		return
	default:
	}
	// Drop one.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- b:
	default:
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
