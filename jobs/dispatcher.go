package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Leogelv/astria-portraits-telegram-bot/core"
	"github.com/Leogelv/astria-portraits-telegram-bot/lib/sl"
	"github.com/Leogelv/astria-portraits-telegram-bot/session"
	"github.com/Leogelv/astria-portraits-telegram-bot/storage"
)

// Outcome classifies what a notification ended up doing. Every outcome is
// acknowledged to the caller; none is fatal.
type Outcome int

const (
	Dispatched Outcome = iota
	UnknownJob
	StaleNotification
	Progress
)

func (o Outcome) String() string {
	switch o {
	case Dispatched:
		return "dispatched"
	case UnknownJob:
		return "unknown_job"
	case StaleNotification:
		return "stale_notification"
	case Progress:
		return "progress"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Dispatcher resolves completion callbacks through the registry and drives
// the waiting session to its terminal state. The session lock is never held
// across persistence or delivery.
type Dispatcher struct {
	registry *Registry
	sessions *session.Store
	store    storage.Storage
	deliver  core.Deliverer
	log      *slog.Logger
}

func NewDispatcher(registry *Registry, sessions *session.Store, store storage.Storage, deliver core.Deliverer, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		sessions: sessions,
		store:    store,
		deliver:  deliver,
		log:      log.With(sl.Module("dispatcher")),
	}
}

// HandleNotification applies one status callback. Unknown ids cover
// duplicates after completion, jobs from a previous process lifetime that
// were already swept, and garbage payloads; all are absorbed as no-ops so
// upstream retries never escalate.
func (d *Dispatcher) HandleNotification(ctx context.Context, n Notification) Outcome {
	log := d.log.With(sl.Job(n.JobId), slog.String("status", n.Status))

	entry, ok := d.registry.Get(n.JobId)
	if !ok {
		log.Info("notification for unknown job, ignoring")
		return UnknownJob
	}
	log = log.With(sl.User(entry.UserId), slog.String("kind", string(entry.Kind)))

	// Staleness is decided before anything else: once the session moved past
	// the submission generation, every later callback for the job is dropped,
	// intermediate or terminal, and the entry goes with it. The check is
	// repeated inside the session lock before the transition.
	if _, gen := d.sessions.Current(entry.UserId); gen != entry.Generation {
		log.Info("stale notification, session moved on")
		d.registry.Remove(n.JobId)
		return StaleNotification
	}

	switch n.Status {
	case StatusSucceeded, StatusFailed:
	default:
		// Intermediate update: nothing session-visible changes and the
		// entry stays live for the terminal callback.
		log.Debug("job progress update")
		return Progress
	}

	succeeded := n.Status == StatusSucceeded
	d.persistResult(entry, n, succeeded)

	stale := false
	err := d.sessions.Update(entry.UserId, func(s *session.Session) error {
		if s.Generation != entry.Generation {
			stale = true
			return session.ErrStaleGeneration
		}
		return s.Apply(terminalEvent(entry.Kind))
	})
	d.registry.Remove(n.JobId)
	if err != nil {
		if stale {
			log.Info("stale notification, session moved on")
		} else {
			log.Warn("terminal notification in unexpected state", sl.Err(err))
		}
		return StaleNotification
	}

	d.deliver.Deliver(entry.UserId, terminalDelivery(entry.Kind, n, succeeded))
	log.Info("job completed")
	return Dispatched
}

func terminalEvent(kind Kind) session.Event {
	if kind == Training {
		return session.TrainingFinished
	}
	return session.GenerationFinished
}

func (d *Dispatcher) persistResult(entry Entry, n Notification, succeeded bool) {
	status := storage.StatusFailed
	if succeeded {
		status = storage.StatusReady
	}
	var err error
	switch entry.Kind {
	case Training:
		err = d.store.UpdateModelStatus(entry.RecordId, status, n.Error)
	case Generation:
		err = d.store.SavePromptResult(entry.RecordId, status, n.Images, n.Error)
	}
	if err != nil {
		d.log.With(sl.Job(n.JobId)).Error("persisting job result", sl.Err(err))
	}
}

func terminalDelivery(kind Kind, n Notification, succeeded bool) core.Delivery {
	menu := [][]core.Button{{
		{Label: "🔄 Generate more", Data: "cmd_generate"},
		{Label: "📋 My models", Data: "cmd_models"},
	}}

	if kind == Training {
		if succeeded {
			return core.Delivery{
				Text:    "✅ Your model is trained and ready!\n\nUse /generate to create your AI photo session.",
				Buttons: menu,
			}
		}
		return core.Delivery{
			Text: fmt.Sprintf("❌ Model training failed: %s\n\nPlease try again with different photos.", errorSummary(n)),
		}
	}

	if succeeded {
		if len(n.Images) == 0 {
			return core.Delivery{
				Text: "✅ Images were generated but none came back. Please contact support.",
			}
		}
		return core.Delivery{
			Text:    fmt.Sprintf("✅ Your images are ready! Generated %d image(s).", len(n.Images)),
			Photos:  n.Images,
			Buttons: menu,
		}
	}
	return core.Delivery{
		Text: fmt.Sprintf("❌ Image generation failed: %s\n\nPlease try again with a different prompt.", errorSummary(n)),
	}
}

func errorSummary(n Notification) string {
	if n.Error == "" {
		return "unknown error"
	}
	return n.Error
}
