package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Leogelv/astria-portraits-telegram-bot/lib/shardmap"
	"github.com/Leogelv/astria-portraits-telegram-bot/lib/sl"
	"github.com/Leogelv/astria-portraits-telegram-bot/storage"
)

// Entry correlates an external job id with the session that awaits it.
// Generation is the session generation at submission time; a notification
// is only honored while the session is still on that generation.
type Entry struct {
	JobId       string
	UserId      int64
	Kind        Kind
	Generation  uint64
	RecordId    string
	SubmittedAt time.Time
}

// Registry is an in-memory cache over the durable job records in storage.
// Rebuild restores it after a restart, so callbacks for jobs submitted by a
// previous process lifetime still find their owner.
type Registry struct {
	entries *shardmap.Map[string, Entry]
	store   storage.Storage
	log     *slog.Logger
}

func NewRegistry(store storage.Storage, log *slog.Logger) *Registry {
	return &Registry{
		entries: shardmap.New[string, Entry](shardmap.StringHash),
		store:   store,
		log:     log.With(sl.Module("registry")),
	}
}

// Put persists the durable record first, then caches the entry. At most one
// entry per job id exists at any time. The entry is cached even when the
// save fails; that job is then correlated in memory only and the error is
// returned so the caller can decide what the degradation means.
func (r *Registry) Put(entry Entry) error {
	err := r.store.SaveJob(storage.JobRecord{
		JobId:       entry.JobId,
		UserId:      entry.UserId,
		Kind:        string(entry.Kind),
		Generation:  entry.Generation,
		RecordId:    entry.RecordId,
		SubmittedAt: entry.SubmittedAt,
	})
	if err != nil {
		err = fmt.Errorf("persisting job record: %w", err)
	}
	r.entries.Do(entry.JobId, func(items map[string]Entry) {
		items[entry.JobId] = entry
	})
	return err
}

func (r *Registry) Get(jobId string) (Entry, bool) {
	var entry Entry
	var ok bool
	r.entries.Do(jobId, func(items map[string]Entry) {
		entry, ok = items[jobId]
	})
	return entry, ok
}

// Remove drops the entry and its durable record. Removing an absent job id
// is a no-op.
func (r *Registry) Remove(jobId string) {
	r.entries.Do(jobId, func(items map[string]Entry) {
		delete(items, jobId)
	})
	if err := r.store.DeleteJob(jobId); err != nil {
		r.log.With(sl.Job(jobId)).Error("deleting job record", sl.Err(err))
	}
}

// Rebuild loads the durable job records into the cache. Called once at
// startup, before the notification endpoint starts accepting callbacks.
func (r *Registry) Rebuild(ctx context.Context) error {
	records, err := r.store.ListJobs()
	if err != nil {
		return err
	}
	for _, rec := range records {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.entries.Do(rec.JobId, func(items map[string]Entry) {
			items[rec.JobId] = Entry{
				JobId:       rec.JobId,
				UserId:      rec.UserId,
				Kind:        Kind(rec.Kind),
				Generation:  rec.Generation,
				RecordId:    rec.RecordId,
				SubmittedAt: rec.SubmittedAt,
			}
		})
	}
	if len(records) > 0 {
		r.log.With(slog.Int("jobs", len(records))).Info("registry rebuilt from storage")
	}
	return nil
}

// Sweep drops entries whose job has been pending longer than ttl. The
// workflow engine is assumed to have lost them.
func (r *Registry) Sweep(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)
	var expired []string
	r.entries.Range(func(jobId string, entry Entry) bool {
		if entry.SubmittedAt.Before(cutoff) {
			expired = append(expired, jobId)
		}
		return true
	})
	for _, jobId := range expired {
		r.log.With(sl.Job(jobId)).Warn("sweeping expired job entry")
		r.Remove(jobId)
	}
	return len(expired)
}
