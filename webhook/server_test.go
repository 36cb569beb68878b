package webhook

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Leogelv/astria-portraits-telegram-bot/core"
	"github.com/Leogelv/astria-portraits-telegram-bot/jobs"
	"github.com/Leogelv/astria-portraits-telegram-bot/session"
	"github.com/Leogelv/astria-portraits-telegram-bot/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type nullDeliverer struct{ count int }

func (d *nullDeliverer) Deliver(int64, core.Delivery) { d.count++ }

type serverHarness struct {
	conf     *core.Config
	sessions *session.Store
	registry *jobs.Registry
	deliver  *nullDeliverer
	handler  http.Handler
}

func newServerHarness(t *testing.T, secret string) *serverHarness {
	t.Helper()
	conf := &core.Config{}
	conf.Webhook.Path = "/webhook/status"
	conf.Webhook.Secret = secret

	h := &serverHarness{
		conf:     conf,
		sessions: session.NewStore(),
		deliver:  &nullDeliverer{},
	}
	store := storage.NewMemoryStorage()
	h.registry = jobs.NewRegistry(store, discardLogger())
	dispatcher := jobs.NewDispatcher(h.registry, h.sessions, store, h.deliver, discardLogger())
	h.handler = NewServer(conf, dispatcher, discardLogger()).Handler()
	return h
}

func (h *serverHarness) post(body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, h.conf.Webhook.Path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return body
}

func TestHealthz(t *testing.T) {
	h := newServerHarness(t, "")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body := decodeBody(t, w); body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatal("request id header missing")
	}
}

func TestRejectsBadSecret(t *testing.T) {
	h := newServerHarness(t, "hunter2")

	w := h.post(`{"job_id":"j1","status":"succeeded"}`, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("missing secret: status = %d", w.Code)
	}

	w = h.post(`{"job_id":"j1","status":"succeeded"}`, map[string]string{"X-Webhook-Secret": "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong secret: status = %d", w.Code)
	}

	w = h.post(`{"job_id":"j1","status":"succeeded"}`, map[string]string{"X-Webhook-Secret": "hunter2"})
	if w.Code != http.StatusOK {
		t.Fatalf("correct secret: status = %d", w.Code)
	}
}

func TestGarbagePayloadIsAcknowledged(t *testing.T) {
	h := newServerHarness(t, "")

	for _, body := range []string{"not json at all", `{"status":"succeeded"}`, ""} {
		w := h.post(body, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("body %q: status = %d", body, w.Code)
		}
	}
	if h.deliver.count != 0 {
		t.Fatal("garbage payload produced a delivery")
	}
}

func TestUnknownJobIsAcknowledged(t *testing.T) {
	h := newServerHarness(t, "")

	w := h.post(`{"job_id":"never-seen","status":"succeeded"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body := decodeBody(t, w); body["result"] != jobs.UnknownJob.String() {
		t.Fatalf("body = %v", body)
	}
}

func TestTerminalNotificationIsDispatched(t *testing.T) {
	h := newServerHarness(t, "")

	if err := h.sessions.Update(1, func(s *session.Session) error {
		s.State = session.TrainingModel
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	_, gen := h.sessions.Current(1)
	if err := h.registry.Put(jobs.Entry{JobId: "j1", UserId: 1, Kind: jobs.Training, Generation: gen}); err != nil {
		t.Fatal(err)
	}

	w := h.post(`{"job_id":"j1","status":"succeeded"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body := decodeBody(t, w); body["result"] != jobs.Dispatched.String() {
		t.Fatalf("body = %v", body)
	}
	if state, _ := h.sessions.Current(1); state != session.Idle {
		t.Fatalf("state = %s", state)
	}
	if h.deliver.count != 1 {
		t.Fatalf("deliveries = %d", h.deliver.count)
	}
}
