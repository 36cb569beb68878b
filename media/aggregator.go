// Package media collects the fragments of a Telegram photo album. The
// transport delivers one album as independent messages sharing a media group
// id, with no end-of-album marker; a quiet period after the last fragment is
// the only way to decide the album is complete.
package media

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Leogelv/astria-portraits-telegram-bot/lib/shardmap"
	"github.com/Leogelv/astria-portraits-telegram-bot/lib/sl"
)

// FlushedBatch is one complete album, photos in arrival order. Generation is
// the owning session's generation at the moment the first fragment arrived;
// consumers must re-check it before mutating the session.
type FlushedBatch struct {
	UserId     int64
	GroupId    string
	Photos     []string
	Generation uint64
}

type FlushFunc func(batch FlushedBatch)

type group struct {
	userId     int64
	generation uint64
	photos     []string
	timer      *time.Timer
	lastSeen   time.Time
	flushed    bool
}

type Aggregator struct {
	groups  *shardmap.Map[string, *group]
	window  time.Duration
	maxSize int
	onFlush FlushFunc
	log     *slog.Logger
	closed  atomic.Bool
}

func NewAggregator(window time.Duration, maxSize int, onFlush FlushFunc, log *slog.Logger) *Aggregator {
	return &Aggregator{
		groups:  shardmap.New[string, *group](shardmap.StringHash),
		window:  window,
		maxSize: maxSize,
		onFlush: onFlush,
		log:     log.With(sl.Module("media")),
	}
}

// Ingest buffers one photo fragment. An empty groupId means a singleton
// album, flushed immediately. Otherwise the fragment joins its group and the
// debounce timer is rearmed; the group is flushed once the window elapses
// with no further fragment.
func (a *Aggregator) Ingest(userId int64, groupId, photoRef string, generation uint64) {
	if a.closed.Load() {
		return
	}
	if groupId == "" {
		a.onFlush(FlushedBatch{
			UserId:     userId,
			Photos:     []string{photoRef},
			Generation: generation,
		})
		return
	}

	a.groups.Do(groupId, func(items map[string]*group) {
		g, ok := items[groupId]
		if !ok {
			g = &group{
				userId:     userId,
				generation: generation,
				photos:     []string{photoRef},
				lastSeen:   time.Now(),
			}
			g.timer = time.AfterFunc(a.window, func() { a.flush(groupId) })
			items[groupId] = g
			a.log.With(sl.User(userId), sl.Group(groupId)).Debug("new media group")
			return
		}
		g.lastSeen = time.Now()
		g.timer.Reset(a.window)
		for _, p := range g.photos {
			if p == photoRef {
				return
			}
		}
		if len(g.photos) >= a.maxSize {
			a.log.With(sl.User(userId), sl.Group(groupId),
				slog.Int("max", a.maxSize),
			).Warn("media group full, dropping fragment")
			return
		}
		g.photos = append(g.photos, photoRef)
	})
}

// flush hands the group to the consumer exactly once. A flush racing with a
// sweep or shutdown finds the group gone and backs off.
func (a *Aggregator) flush(groupId string) {
	var batch *FlushedBatch
	a.groups.Do(groupId, func(items map[string]*group) {
		g, ok := items[groupId]
		if !ok || g.flushed {
			return
		}
		// A fragment may have slipped in while this callback waited on the
		// shard lock; the quiet period restarts from it.
		if quiet := time.Since(g.lastSeen); quiet < a.window {
			g.timer.Reset(a.window - quiet)
			return
		}
		g.flushed = true
		g.timer.Stop()
		delete(items, groupId)
		batch = &FlushedBatch{
			UserId:     g.userId,
			GroupId:    groupId,
			Photos:     g.photos,
			Generation: g.generation,
		}
	})
	if batch == nil || a.closed.Load() {
		return
	}
	a.log.With(sl.User(batch.UserId), sl.Group(groupId),
		slog.Int("photos", len(batch.Photos)),
	).Info("media group flushed")
	a.onFlush(*batch)
}

// Sweep drops groups that stopped receiving fragments longer than ttl ago
// without ever flushing. Returns the number of groups removed.
func (a *Aggregator) Sweep(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)
	var stale []string
	a.groups.Range(func(id string, g *group) bool {
		if g.lastSeen.Before(cutoff) {
			stale = append(stale, id)
		}
		return true
	})
	removed := 0
	for _, id := range stale {
		a.groups.Do(id, func(items map[string]*group) {
			g, ok := items[id]
			if !ok || !g.lastSeen.Before(cutoff) {
				return
			}
			g.timer.Stop()
			delete(items, id)
			removed++
		})
	}
	if removed > 0 {
		a.log.With(slog.Int("removed", removed)).Info("swept abandoned media groups")
	}
	return removed
}

// Shutdown stops all pending timers. Flushes racing with shutdown are
// discarded.
func (a *Aggregator) Shutdown() {
	a.closed.Store(true)
	a.groups.Range(func(id string, g *group) bool {
		g.timer.Stop()
		return true
	})
}
