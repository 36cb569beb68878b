package session

import (
	"errors"
	"time"

	"github.com/Leogelv/astria-portraits-telegram-bot/lib/shardmap"
)

// ErrStaleGeneration reports a mutation gated on a generation value that the
// session has already moved past. The caller is expected to drop its work.
var ErrStaleGeneration = errors.New("stale session generation")

// Scratch data keys used across the two flows.
const (
	KeyModelName      = "model_name"
	KeyModelType      = "model_type"
	KeyUploadedPhotos = "uploaded_photos"
	KeyModelId        = "model_id"
	KeyPrompt         = "prompt"
)

// Session is the per-user conversation record. It is owned by the Store and
// must only be touched inside Update/View closures.
type Session struct {
	UserId     int64
	State      State
	Data       map[string]any
	Generation uint64
	UpdatedAt  time.Time
}

// Apply advances the state machine, leaving the session untouched when the
// event is not valid in the current state.
func (s *Session) Apply(event Event) error {
	next, err := Next(s.State, event)
	if err != nil {
		return err
	}
	s.State = next
	if next == Idle {
		s.Data = make(map[string]any)
	}
	return nil
}

// Photos returns the uploaded photo references collected so far.
func (s *Session) Photos() []string {
	refs, _ := s.Data[KeyUploadedPhotos].([]string)
	return refs
}

// Store keeps one Session per user id. Sessions are created lazily, reset by
// cancellation or terminal completion, never deleted. Mutations for one user
// are serialized by the owning shard lock; users on different shards proceed
// independently.
type Store struct {
	sessions *shardmap.Map[int64, *Session]
}

func NewStore() *Store {
	return &Store{
		sessions: shardmap.New[int64, *Session](shardmap.Int64Hash),
	}
}

func getOrCreate(items map[int64]*Session, userId int64) *Session {
	s, ok := items[userId]
	if !ok {
		s = &Session{
			UserId:    userId,
			State:     Idle,
			Data:      make(map[string]any),
			UpdatedAt: time.Now(),
		}
		items[userId] = s
	}
	return s
}

// Update runs fn on the user's session under the shard lock and, when fn
// succeeds, bumps the generation counter. fn must leave the session unchanged
// when it returns an error.
func (st *Store) Update(userId int64, fn func(s *Session) error) error {
	var err error
	st.sessions.Do(userId, func(items map[int64]*Session) {
		s := getOrCreate(items, userId)
		if err = fn(s); err != nil {
			return
		}
		s.Generation++
		s.UpdatedAt = time.Now()
	})
	return err
}

// View runs fn on the user's session under the shard lock without bumping
// the generation. fn must not mutate the session or retain it.
func (st *Store) View(userId int64, fn func(s *Session)) {
	st.sessions.Do(userId, func(items map[int64]*Session) {
		fn(getOrCreate(items, userId))
	})
}

// Transition applies a single event and returns the resulting state and
// generation.
func (st *Store) Transition(userId int64, event Event) (State, uint64, error) {
	var state State
	var gen uint64
	err := st.Update(userId, func(s *Session) error {
		if err := s.Apply(event); err != nil {
			return err
		}
		state = s.State
		gen = s.Generation + 1
		return nil
	})
	return state, gen, err
}

// Current returns the state and generation without mutating anything.
func (st *Store) Current(userId int64) (State, uint64) {
	var state State
	var gen uint64
	st.View(userId, func(s *Session) {
		state = s.State
		gen = s.Generation
	})
	return state, gen
}

func (st *Store) SetData(userId int64, key string, value any) {
	_ = st.Update(userId, func(s *Session) error {
		s.Data[key] = value
		return nil
	})
}

func (st *Store) GetData(userId int64, key string) any {
	var v any
	st.View(userId, func(s *Session) {
		v = s.Data[key]
	})
	return v
}

// Reset returns the session to Idle and clears scratch data. Idempotent:
// resetting an idle session is a valid no-op that still bumps the generation,
// invalidating any in-flight job submitted before the reset.
func (st *Store) Reset(userId int64) uint64 {
	var gen uint64
	_ = st.Update(userId, func(s *Session) error {
		s.State = Idle
		s.Data = make(map[string]any)
		gen = s.Generation + 1
		return nil
	})
	return gen
}
