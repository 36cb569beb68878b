package jobs

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Leogelv/astria-portraits-telegram-bot/core"
	"github.com/Leogelv/astria-portraits-telegram-bot/session"
	"github.com/Leogelv/astria-portraits-telegram-bot/storage"
)

type delivered struct {
	userId int64
	d      core.Delivery
}

type fakeDeliverer struct {
	mu         sync.Mutex
	deliveries []delivered
}

func (f *fakeDeliverer) Deliver(userId int64, d core.Delivery) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveries = append(f.deliveries, delivered{userId: userId, d: d})
}

func (f *fakeDeliverer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deliveries)
}

func (f *fakeDeliverer) last(t *testing.T) delivered {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.deliveries) == 0 {
		t.Fatal("no deliveries")
	}
	return f.deliveries[len(f.deliveries)-1]
}

type dispatchHarness struct {
	sessions *session.Store
	store    *storage.MemoryStorage
	registry *Registry
	deliver  *fakeDeliverer
	d        *Dispatcher
}

func newDispatchHarness(t *testing.T) *dispatchHarness {
	t.Helper()
	h := &dispatchHarness{
		sessions: session.NewStore(),
		store:    storage.NewMemoryStorage(),
		deliver:  &fakeDeliverer{},
	}
	h.registry = NewRegistry(h.store, discardLogger())
	h.d = NewDispatcher(h.registry, h.sessions, h.store, h.deliver, discardLogger())
	return h
}

// awaitJob puts the session of userId into the waiting state for kind and
// registers a matching correlation entry, as a confirmed submission would.
func (h *dispatchHarness) awaitJob(t *testing.T, userId int64, jobId string, kind Kind, recordId string) Entry {
	t.Helper()

	waiting := session.TrainingModel
	if kind == Generation {
		waiting = session.GeneratingImages
	}
	if err := h.sessions.Update(userId, func(s *session.Session) error {
		s.State = waiting
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	_, gen := h.sessions.Current(userId)

	entry := Entry{
		JobId:       jobId,
		UserId:      userId,
		Kind:        kind,
		Generation:  gen,
		RecordId:    recordId,
		SubmittedAt: time.Now(),
	}
	if err := h.registry.Put(entry); err != nil {
		t.Fatal(err)
	}
	return entry
}

func TestUnknownJobIsNoOp(t *testing.T) {
	h := newDispatchHarness(t)
	_, _, _ = h.sessions.Transition(1, session.StartTraining)
	_, genBefore := h.sessions.Current(1)

	outcome := h.d.HandleNotification(context.Background(), Notification{JobId: "nope", Status: StatusSucceeded})
	if outcome != UnknownJob {
		t.Fatalf("outcome = %s", outcome)
	}
	if h.deliver.count() != 0 {
		t.Fatal("unknown job produced a delivery")
	}
	if state, gen := h.sessions.Current(1); state != session.EnteringModelName || gen != genBefore {
		t.Fatalf("unknown job mutated session: %s/%d", state, gen)
	}
}

func TestTrainingSuccessCompletesSession(t *testing.T) {
	h := newDispatchHarness(t)
	if err := h.store.CreateModel(storage.Model{Id: "model-1", TelegramUserId: 1, Name: "anna", Status: storage.StatusTraining}); err != nil {
		t.Fatal(err)
	}
	h.awaitJob(t, 1, "job-1", Training, "model-1")

	outcome := h.d.HandleNotification(context.Background(), Notification{JobId: "job-1", Status: StatusSucceeded})
	if outcome != Dispatched {
		t.Fatalf("outcome = %s", outcome)
	}
	if state, _ := h.sessions.Current(1); state != session.Idle {
		t.Fatalf("state = %s, want idle", state)
	}
	if _, ok := h.registry.Get("job-1"); ok {
		t.Fatal("entry survived terminal notification")
	}

	models, _ := h.store.ListModels(1)
	if len(models) != 1 || models[0].Status != storage.StatusReady {
		t.Fatalf("models = %+v", models)
	}

	if h.deliver.count() != 1 {
		t.Fatalf("deliveries = %d, want 1", h.deliver.count())
	}
	if got := h.deliver.last(t); got.userId != 1 || !strings.Contains(got.d.Text, "trained") {
		t.Fatalf("delivery = %+v", got)
	}
}

func TestDuplicateTerminalNotificationIsIdempotent(t *testing.T) {
	h := newDispatchHarness(t)
	h.awaitJob(t, 1, "job-1", Training, "model-1")

	n := Notification{JobId: "job-1", Status: StatusSucceeded}
	if outcome := h.d.HandleNotification(context.Background(), n); outcome != Dispatched {
		t.Fatalf("first outcome = %s", outcome)
	}
	if outcome := h.d.HandleNotification(context.Background(), n); outcome != UnknownJob {
		t.Fatalf("second outcome = %s", outcome)
	}
	if h.deliver.count() != 1 {
		t.Fatalf("deliveries = %d, want exactly 1", h.deliver.count())
	}
}

func TestCancelledJobNotificationIsStale(t *testing.T) {
	h := newDispatchHarness(t)
	h.awaitJob(t, 1, "job-1", Training, "model-1")

	// User cancels while the job is outstanding; the generation moves on.
	h.sessions.Reset(1)

	outcome := h.d.HandleNotification(context.Background(), Notification{JobId: "job-1", Status: StatusSucceeded})
	if outcome != StaleNotification {
		t.Fatalf("outcome = %s", outcome)
	}
	if state, _ := h.sessions.Current(1); state != session.Idle {
		t.Fatalf("state = %s, want idle", state)
	}
	if h.deliver.count() != 0 {
		t.Fatal("stale notification produced a delivery")
	}
	if _, ok := h.registry.Get("job-1"); ok {
		t.Fatal("stale entry not removed")
	}
}

func TestProgressAfterCancelIsStaleAndRemovesEntry(t *testing.T) {
	h := newDispatchHarness(t)
	h.awaitJob(t, 1, "job-1", Training, "model-1")

	// The user cancels while the job is still queued upstream.
	h.sessions.Reset(1)

	outcome := h.d.HandleNotification(context.Background(), Notification{JobId: "job-1", Status: StatusProcessing})
	if outcome != StaleNotification {
		t.Fatalf("outcome = %s", outcome)
	}
	if _, ok := h.registry.Get("job-1"); ok {
		t.Fatal("stale entry survived intermediate notification")
	}
	if records, _ := h.store.ListJobs(); len(records) != 0 {
		t.Fatalf("durable record survived: %+v", records)
	}
	if h.deliver.count() != 0 {
		t.Fatal("stale progress update produced a delivery")
	}

	// The terminal callback for the same job is now unknown.
	if outcome := h.d.HandleNotification(context.Background(), Notification{JobId: "job-1", Status: StatusSucceeded}); outcome != UnknownJob {
		t.Fatalf("terminal outcome = %s", outcome)
	}
}

func TestProgressUpdateKeepsEntry(t *testing.T) {
	h := newDispatchHarness(t)
	h.awaitJob(t, 1, "job-1", Training, "model-1")
	_, genBefore := h.sessions.Current(1)

	outcome := h.d.HandleNotification(context.Background(), Notification{JobId: "job-1", Status: StatusProcessing})
	if outcome != Progress {
		t.Fatalf("outcome = %s", outcome)
	}
	if _, ok := h.registry.Get("job-1"); !ok {
		t.Fatal("progress update removed the entry")
	}
	if state, gen := h.sessions.Current(1); state != session.TrainingModel || gen != genBefore {
		t.Fatalf("progress update touched session: %s/%d", state, gen)
	}

	// An unrecognized status is treated the same way.
	if outcome := h.d.HandleNotification(context.Background(), Notification{JobId: "job-1", Status: "warming-up"}); outcome != Progress {
		t.Fatalf("outcome = %s", outcome)
	}
}

func TestGenerationSuccessDeliversImages(t *testing.T) {
	h := newDispatchHarness(t)
	if err := h.store.CreatePrompt(storage.Prompt{Id: "prompt-1", TelegramUserId: 2, Text: "portrait", Status: storage.StatusGenerating}); err != nil {
		t.Fatal(err)
	}
	h.awaitJob(t, 2, "job-2", Generation, "prompt-1")

	images := []string{"https://img/1.jpg", "https://img/2.jpg"}
	outcome := h.d.HandleNotification(context.Background(), Notification{JobId: "job-2", Status: StatusSucceeded, Images: images})
	if outcome != Dispatched {
		t.Fatalf("outcome = %s", outcome)
	}

	got := h.deliver.last(t)
	if got.userId != 2 || len(got.d.Photos) != 2 {
		t.Fatalf("delivery = %+v", got)
	}
	if state, _ := h.sessions.Current(2); state != session.Idle {
		t.Fatalf("state = %s", state)
	}
}

func TestTerminalFailureDeliversError(t *testing.T) {
	h := newDispatchHarness(t)
	if err := h.store.CreateModel(storage.Model{Id: "model-1", TelegramUserId: 1, Status: storage.StatusTraining}); err != nil {
		t.Fatal(err)
	}
	h.awaitJob(t, 1, "job-1", Training, "model-1")

	outcome := h.d.HandleNotification(context.Background(), Notification{JobId: "job-1", Status: StatusFailed, Error: "not enough faces"})
	if outcome != Dispatched {
		t.Fatalf("outcome = %s", outcome)
	}
	if state, _ := h.sessions.Current(1); state != session.Idle {
		t.Fatalf("state = %s", state)
	}

	models, _ := h.store.ListModels(1)
	if models[0].Status != storage.StatusFailed || models[0].Error != "not enough faces" {
		t.Fatalf("model = %+v", models[0])
	}
	if got := h.deliver.last(t); !strings.Contains(got.d.Text, "not enough faces") {
		t.Fatalf("delivery text = %q", got.d.Text)
	}
}
