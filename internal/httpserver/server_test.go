package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/chadiek/avatar-bridge/internal/bot"
	"github.com/chadiek/avatar-bridge/internal/config"
	"github.com/chadiek/avatar-bridge/internal/observability"
	"github.com/chadiek/avatar-bridge/internal/rtc"
	"github.com/chadiek/avatar-bridge/internal/session"
	"github.com/chadiek/avatar-bridge/internal/tavus"
)

type fakeTransport struct {
	id           string
	negotiateErr error
	onClosed     func()
	disconnects  int32
}

func (f *fakeTransport) ID() string { return f.id }
func (f *fakeTransport) Renegotiate(ctx context.Context, sdp, sdpType string) (string, error) {
	return "renegotiated-answer", nil
}
func (f *fakeTransport) Negotiate(offer rtc.SessionDescription) (rtc.SessionDescription, error) {
	if f.negotiateErr != nil {
		return rtc.SessionDescription{}, f.negotiateErr
	}
	return rtc.SessionDescription{Type: "answer", SDP: "fresh-answer"}, nil
}
func (f *fakeTransport) OnClosed(fn func())          { f.onClosed = fn }
func (f *fakeTransport) OnAudio(fn func(pcm []byte)) {}
func (f *fakeTransport) WriteAudio24K(pcm []byte)    {}
func (f *fakeTransport) ResetAudio()                 {}
func (f *fakeTransport) Disconnect() error {
	atomic.AddInt32(&f.disconnects, 1)
	return nil
}

type fakeAvatar struct {
	mu     sync.Mutex
	convID string
	data   map[string]any
	ends   int
}

func (f *fakeAvatar) ConversationID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.convID
}
func (f *fakeAvatar) ConversationURL() string          { return "https://tavus.daily.co/" + f.ConversationID() }
func (f *fakeAvatar) ConversationData() map[string]any { return f.data }
func (f *fakeAvatar) ConversationStatus(ctx context.Context) (map[string]any, error) {
	return map[string]any{"status": "active"}, nil
}
func (f *fakeAvatar) EndConversation(ctx context.Context) error {
	f.mu.Lock()
	f.ends++
	f.convID = ""
	f.mu.Unlock()
	return nil
}

func newTestServer(t *testing.T, cfg config.Config) (*Server, *session.Registry) {
	t.Helper()
	reg := session.NewRegistry()
	metrics := observability.NewMetrics("test")
	coord := session.NewCoordinator(reg, metrics)
	runner := bot.NewRunner(cfg, reg, metrics)
	return New(cfg, reg, coord, runner, metrics), reg
}

// seedSession inserts a session with an attached conversation, bypassing
// WebRTC negotiation.
func seedSession(t *testing.T, reg *session.Registry, id, convID string) (*fakeTransport, *fakeAvatar) {
	t.Helper()
	tr := &fakeTransport{id: id}
	av := &fakeAvatar{convID: convID, data: map[string]any{"conversation_id": convID, "conversation_url": "https://tavus.daily.co/" + convID}}
	if _, created := reg.LookupOrCreate(id, session.NewSessionParams{Type: tavus.TypeGeneral, Transport: tr, Avatar: av}); !created {
		t.Fatalf("seed session %s not created", id)
	}
	if convID != "" {
		if err := reg.AttachConversation(id, convID, av.ConversationURL()); err != nil {
			t.Fatalf("attach: %v", err)
		}
	}
	return tr, av
}

func doJSON(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echoContentType, "application/json")
	}
	rec := httptest.NewRecorder()
	s.Echo.ServeHTTP(rec, req)
	return rec
}

const echoContentType = "Content-Type"

func TestOffer_BadRequests(t *testing.T) {
	s, _ := newTestServer(t, config.Config{})

	rec := doJSON(s, http.MethodPost, "/api/offer", "{not json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: got %d, want 400", rec.Code)
	}
	rec = doJSON(s, http.MethodPost, "/api/offer", `{"type":"offer"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing sdp: got %d, want 400", rec.Code)
	}
	rec = doJSON(s, http.MethodPost, "/api/register-founder", `{"sdp":"v=0"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing type: got %d, want 400", rec.Code)
	}
}

func TestOffer_RenegotiateExistingSession(t *testing.T) {
	s, reg := newTestServer(t, config.Config{})
	seedSession(t, reg, "pc-1", "conv-1")

	rec := doJSON(s, http.MethodPost, "/api/offer", `{"sdp":"v=0","type":"offer","pc_id":"pc-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var resp offerResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.SDP != "renegotiated-answer" || resp.Type != "answer" || resp.PcID != "pc-1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if reg.Len() != 1 {
		t.Fatalf("renegotiation must not create a session, have %d", reg.Len())
	}
}

func TestOffer_FreshSessionAssignsPcID(t *testing.T) {
	s, reg := newTestServer(t, config.Config{})
	tr := &fakeTransport{id: "pc-new"}
	s.newPeer = func() (peerConn, error) { return tr, nil }

	rec := doJSON(s, http.MethodPost, "/api/offer", `{"sdp":"v=0","type":"offer"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var resp offerResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.PcID != "pc-new" || resp.SDP != "fresh-answer" || resp.Type != "answer" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	sess, ok := reg.Get("pc-new")
	if !ok {
		t.Fatalf("no session registered for returned pc_id")
	}
	// The background pipeline task may already have flipped the session from
	// pending to active; it must not be past that.
	if st := sess.State(); st != session.StatePending && st != session.StateActive {
		t.Fatalf("unexpected session state %q", st)
	}
	if tr.onClosed == nil {
		t.Fatalf("closed callback not wired")
	}

	// Transport closed event tears the session down.
	tr.onClosed()
	if reg.Len() != 0 {
		t.Fatalf("session still registered after closed event")
	}
	if sess.State() != session.StateClosed {
		t.Fatalf("session state %q after closed event", sess.State())
	}
	if atomic.LoadInt32(&tr.disconnects) != 1 {
		t.Fatalf("expected transport disconnect, got %d", atomic.LoadInt32(&tr.disconnects))
	}
}

func TestOffer_NegotiationErrorStatuses(t *testing.T) {
	s, reg := newTestServer(t, config.Config{})

	s.newPeer = func() (peerConn, error) {
		return &fakeTransport{id: "pc-bad", negotiateErr: rtc.ErrInvalidOffer}, nil
	}
	rec := doJSON(s, http.MethodPost, "/api/offer", `{"sdp":"garbage","type":"offer"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid offer: got %d, want 400", rec.Code)
	}

	s.newPeer = func() (peerConn, error) {
		return &fakeTransport{id: "pc-bad", negotiateErr: errors.New("dtls handshake failed")}, nil
	}
	rec = doJSON(s, http.MethodPost, "/api/offer", `{"sdp":"v=0","type":"offer"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("transport failure: got %d, want 500", rec.Code)
	}

	if reg.Len() != 0 {
		t.Fatalf("failed negotiation must not leave a session behind, have %d", reg.Len())
	}
}

func TestConversationByID(t *testing.T) {
	s, reg := newTestServer(t, config.Config{})
	seedSession(t, reg, "pc-1", "conv-1")

	rec := doJSON(s, http.MethodGet, "/api/tavus/conversation/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id: got %d, want 404", rec.Code)
	}

	// A live session without a conversation is 404, not a sentinel payload.
	seedSession(t, reg, "pc-2", "")
	rec = doJSON(s, http.MethodGet, "/api/tavus/conversation/pc-2", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("session without conversation: got %d, want 404", rec.Code)
	}

	rec = doJSON(s, http.MethodGet, "/api/tavus/conversation/pc-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want 200", rec.Code)
	}
	var data map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if data["conversation_id"] != "conv-1" {
		t.Fatalf("unexpected payload: %v", data)
	}
}

func TestTavusStatus(t *testing.T) {
	s, _ := newTestServer(t, config.Config{})
	rec := doJSON(s, http.MethodGet, "/api/tavus/status", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("unconfigured: got %d, want 500", rec.Code)
	}

	s, reg := newTestServer(t, config.Config{TavusAPIKey: "k", TavusReplicaID: "r1"})
	seedSession(t, reg, "pc-1", "conv-1")
	seedSession(t, reg, "pc-2", "")

	rec = doJSON(s, http.MethodGet, "/api/tavus/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want 200", rec.Code)
	}
	var data map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if data["active_connections"] != float64(2) || data["tavus_integrations"] != float64(1) {
		t.Fatalf("unexpected counts: %v", data)
	}
	if data["replica_id"] != "r1" || data["api_key_present"] != true {
		t.Fatalf("unexpected status payload: %v", data)
	}
}

func TestLatestConversation(t *testing.T) {
	s, reg := newTestServer(t, config.Config{})

	rec := doJSON(s, http.MethodGet, "/api/tavus/latest", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("empty registry: got %d, want 404", rec.Code)
	}

	seedSession(t, reg, "pc-1", "conv-1")
	seedSession(t, reg, "pc-2", "conv-2")
	seedSession(t, reg, "pc-3", "") // newest, but no conversation

	rec = doJSON(s, http.MethodGet, "/api/tavus/latest", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want 200", rec.Code)
	}
	var data map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if data["conversation_id"] != "conv-2" || data["pc_id"] != "pc-2" {
		t.Fatalf("expected latest conversation conv-2/pc-2, got %v", data)
	}
}

func TestListConversations(t *testing.T) {
	s, reg := newTestServer(t, config.Config{})
	seedSession(t, reg, "pc-1", "conv-1")
	seedSession(t, reg, "pc-2", "")

	rec := doJSON(s, http.MethodGet, "/api/tavus/conversations", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want 200", rec.Code)
	}
	var data struct {
		Conversations []map[string]any `json:"conversations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(data.Conversations) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(data.Conversations))
	}
	entry := data.Conversations[0]
	if entry["pc_id"] != "pc-1" || entry["conversation_id"] != "conv-1" || entry["status"] != "active" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}

func TestEndConversation(t *testing.T) {
	s, reg := newTestServer(t, config.Config{})
	tr, av := seedSession(t, reg, "pc-1", "conv-1")

	rec := doJSON(s, http.MethodPost, "/api/tavus/end/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id: got %d, want 404", rec.Code)
	}

	rec = doJSON(s, http.MethodPost, "/api/tavus/end/pc-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "ended" || resp["pc_id"] != "pc-1" {
		t.Fatalf("unexpected response: %v", resp)
	}
	if av.ends != 1 {
		t.Fatalf("expected exactly one end call, got %d", av.ends)
	}
	if atomic.LoadInt32(&tr.disconnects) != 1 {
		t.Fatalf("expected transport disconnect")
	}

	// Second end observes the session gone.
	rec = doJSON(s, http.MethodPost, "/api/tavus/end/pc-1", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second end: got %d, want 404", rec.Code)
	}
	if av.ends != 1 {
		t.Fatalf("end must not run twice, got %d", av.ends)
	}
}

func TestEndConversation_ConcurrentExactlyOnce(t *testing.T) {
	s, reg := newTestServer(t, config.Config{})
	_, av := seedSession(t, reg, "pc-1", "conv-1")

	const n = 8
	var wg sync.WaitGroup
	var okCount int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := doJSON(s, http.MethodPost, "/api/tavus/end/pc-1", "")
			if rec.Code == http.StatusOK {
				atomic.AddInt32(&okCount, 1)
			}
		}()
	}
	wg.Wait()

	if okCount != 1 {
		t.Fatalf("expected exactly one successful end, got %d", okCount)
	}
	if av.ends != 1 {
		t.Fatalf("expected exactly one end call, got %d", av.ends)
	}
}

func TestCreateStandalone(t *testing.T) {
	tavusSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"conversation_id":"conv-s","conversation_url":"https://tavus.daily.co/conv-s"}`))
	}))
	defer tavusSrv.Close()

	s, _ := newTestServer(t, config.Config{TavusAPIKey: "k", TavusReplicaID: "r1"})
	s.newAvatar = func() *tavus.Client {
		c := tavus.NewClient("k", "r1", "")
		c.BaseURL = tavusSrv.URL
		return c
	}

	for _, path := range []string{"/api/create-tavus-conversation", "/api/tavus/create-conversation"} {
		rec := doJSON(s, http.MethodPost, path, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: got %d, want 200: %s", path, rec.Code, rec.Body.String())
		}
	}

	// Standalone conversations back the latest endpoint when no session has one.
	rec := doJSON(s, http.MethodGet, "/api/tavus/latest", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("latest after standalone: got %d, want 200", rec.Code)
	}
	var data map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if data["conversation_id"] != "conv-s" {
		t.Fatalf("unexpected latest: %v", data)
	}
}

func TestCreateStandalone_ProviderFailure(t *testing.T) {
	tavusSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer tavusSrv.Close()

	s, _ := newTestServer(t, config.Config{TavusAPIKey: "k", TavusReplicaID: "r1"})
	s.newAvatar = func() *tavus.Client {
		c := tavus.NewClient("k", "r1", "")
		c.BaseURL = tavusSrv.URL
		return c
	}

	rec := doJSON(s, http.MethodPost, "/api/create-tavus-conversation", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("got %d, want 500", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t, config.Config{})
	rec := doJSON(s, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want 200", rec.Code)
	}
}
