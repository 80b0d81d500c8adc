package relay

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hackclub/certpheus/internal/pkg/logger"
)

type recordedCall struct {
	kind string
	args []string
}

// fakeService records dispatched calls. Actions run on a handler goroutine,
// so recording is guarded; a non-nil gate makes every call block until the
// test releases it.
type fakeService struct {
	mu    sync.Mutex
	gate  chan struct{}
	calls []recordedCall
}

func (s *fakeService) record(kind string, args ...string) {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, recordedCall{kind: kind, args: args})
}

func (s *fakeService) snapshot() []recordedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedCall(nil), s.calls...)
}

func (s *fakeService) HandleUserMessage(_ context.Context, userID, text string, files []File) error {
	s.record("user", userID, text, strconv.Itoa(len(files)))
	return nil
}

func (s *fakeService) HandleStaffReply(_ context.Context, threadTS, replyTS, text string) error {
	s.record("reply", threadTS, replyTS, text)
	return nil
}

func (s *fakeService) HandleCompleteAction(_ context.Context, userID, messageTS, staffID string) error {
	s.record("complete", userID, messageTS, staffID)
	return nil
}

func (s *fakeService) HandleDeleteAction(_ context.Context, userID, messageTS, staffID string) error {
	s.record("delete", userID, messageTS, staffID)
	return nil
}

func newTestHandler(secret string) (*Handler, *fakeService) {
	svc := &fakeService{}
	return NewHandler(svc, logger.NewNop(), secret, "Cstaff"), svc
}

func waitForCalls(t *testing.T, svc *fakeService, n int) []recordedCall {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if calls := svc.snapshot(); len(calls) >= n {
			return calls
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d dispatched calls, have %v", n, svc.snapshot())
	return nil
}

func TestURLVerificationChallenge(t *testing.T) {
	h, _ := newTestHandler("")

	body := `{"type":"url_verification","challenge":"abc123"}`
	req := httptest.NewRequest(http.MethodPost, "/slack/events", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.HandleEvents(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", w.Code)
	}
	if got := w.Body.String(); got != "abc123" {
		t.Fatalf("challenge not echoed, got %q", got)
	}
}

func TestEventsDispatchDirectMessage(t *testing.T) {
	h, svc := newTestHandler("")

	body := `{"type":"event_callback","event":{
		"type":"message","user":"U1","text":"help",
		"ts":"100.1","channel":"D1","channel_type":"im",
		"files":[{"name":"log.txt","url_private_download":"https://x"}]
	}}`
	req := httptest.NewRequest(http.MethodPost, "/slack/events", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.HandleEvents(w, req)

	calls := svc.snapshot()
	if len(calls) != 1 || calls[0].kind != "user" {
		t.Fatalf("want one user dispatch, got %v", calls)
	}
	if args := calls[0].args; args[0] != "U1" || args[1] != "help" || args[2] != "1" {
		t.Fatalf("unexpected args %v", args)
	}
}

func TestEventsDispatchStaffReply(t *testing.T) {
	h, svc := newTestHandler("")

	body := `{"type":"event_callback","event":{
		"type":"message","user":"Ustaff","text":"on it",
		"ts":"100.2","thread_ts":"100.1","channel":"Cstaff","channel_type":"channel"
	}}`
	req := httptest.NewRequest(http.MethodPost, "/slack/events", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.HandleEvents(w, req)

	calls := svc.snapshot()
	if len(calls) != 1 || calls[0].kind != "reply" {
		t.Fatalf("want one reply dispatch, got %v", calls)
	}
	if args := calls[0].args; args[0] != "100.1" || args[1] != "100.2" || args[2] != "on it" {
		t.Fatalf("unexpected args %v", args)
	}
}

func TestEventsIgnoreBotAndSubtypeMessages(t *testing.T) {
	h, svc := newTestHandler("")

	for _, body := range []string{
		`{"type":"event_callback","event":{"type":"message","bot_id":"B1","text":"x","channel":"D1","channel_type":"im"}}`,
		`{"type":"event_callback","event":{"type":"message","subtype":"message_changed","user":"U1","channel":"D1","channel_type":"im"}}`,
	} {
		req := httptest.NewRequest(http.MethodPost, "/slack/events", strings.NewReader(body))
		w := httptest.NewRecorder()
		h.HandleEvents(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("want 200 ack, got %d", w.Code)
		}
	}
	if calls := svc.snapshot(); len(calls) != 0 {
		t.Fatalf("bot/subtype events must not be dispatched, got %v", calls)
	}
}

func interactionRequest(payload string) *http.Request {
	form := url.Values{"payload": {payload}}
	req := httptest.NewRequest(http.MethodPost, "/slack/interactivity", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestInteractivityDispatchesActions(t *testing.T) {
	h, svc := newTestHandler("")

	req := interactionRequest(`{"type":"block_actions",
		"user":{"id":"Ustaff"},
		"message":{"ts":"100.1"},
		"actions":[{"action_id":"mark_completed","value":"U1"}]}`)
	w := httptest.NewRecorder()
	h.HandleInteractivity(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", w.Code)
	}
	calls := waitForCalls(t, svc, 1)
	if calls[0].kind != "complete" {
		t.Fatalf("want complete dispatch, got %v", calls)
	}
	if args := calls[0].args; args[0] != "U1" || args[1] != "100.1" || args[2] != "Ustaff" {
		t.Fatalf("unexpected args %v", args)
	}
}

func TestInteractivityAcksBeforeRunningAction(t *testing.T) {
	h, svc := newTestHandler("")
	svc.gate = make(chan struct{})

	req := interactionRequest(`{"type":"block_actions",
		"user":{"id":"Ustaff"},
		"message":{"ts":"100.1"},
		"actions":[{"action_id":"mark_completed","value":"U1"}]}`)
	w := httptest.NewRecorder()
	h.HandleInteractivity(w, req)

	// The action is still blocked on the gate; the ack must not be.
	if w.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", w.Code)
	}
	if calls := svc.snapshot(); len(calls) != 0 {
		t.Fatalf("ack must not wait on the action, saw %v", calls)
	}

	close(svc.gate)
	calls := waitForCalls(t, svc, 1)
	if calls[0].kind != "complete" {
		t.Fatalf("action not dispatched after ack, got %v", calls)
	}
}

func TestSignatureVerification(t *testing.T) {
	const secret = "shh"
	h, svc := newTestHandler(secret)

	body := `{"type":"event_callback","event":{"type":"message","user":"U1","text":"hi","ts":"1.0","channel":"D1","channel_type":"im"}}`
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "v0:%s:%s", ts, body)
	goodSig := "v0=" + hex.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest(http.MethodPost, "/slack/events", strings.NewReader(body))
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", goodSig)
	w := httptest.NewRecorder()
	h.HandleEvents(w, req)
	if w.Code != http.StatusOK || len(svc.snapshot()) != 1 {
		t.Fatalf("valid signature rejected: code=%d calls=%v", w.Code, svc.snapshot())
	}

	req = httptest.NewRequest(http.MethodPost, "/slack/events", strings.NewReader(body))
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", "v0=deadbeef")
	w = httptest.NewRecorder()
	h.HandleEvents(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature must be rejected, got %d", w.Code)
	}
	if len(svc.snapshot()) != 1 {
		t.Fatal("bad-signature request must not be dispatched")
	}
}
