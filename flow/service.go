// Package flow orchestrates the conversation protocol: it feeds user and
// system events through the state machine, collects photo albums, hands
// confirmed work to the submitter, and emits every user-visible reply
// through the delivery interface.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/Leogelv/astria-portraits-telegram-bot/core"
	"github.com/Leogelv/astria-portraits-telegram-bot/jobs"
	"github.com/Leogelv/astria-portraits-telegram-bot/lib/sl"
	"github.com/Leogelv/astria-portraits-telegram-bot/media"
	"github.com/Leogelv/astria-portraits-telegram-bot/session"
	"github.com/Leogelv/astria-portraits-telegram-bot/storage"
)

const defaultNumImages = 4

type Service struct {
	conf       *core.Config
	sessions   *session.Store
	aggregator *media.Aggregator
	submitter  *jobs.Submitter
	store      storage.Storage
	deliver    core.Deliverer
	log        *slog.Logger
}

func NewService(conf *core.Config, sessions *session.Store, submitter *jobs.Submitter, store storage.Storage, log *slog.Logger) *Service {
	s := &Service{
		conf:      conf,
		sessions:  sessions,
		submitter: submitter,
		store:     store,
		log:       log.With(sl.Module("flow")),
	}
	s.aggregator = media.NewAggregator(conf.DebounceWindow(), conf.Media.MaxPhotos, s.photoBatchFlushed, log)
	return s
}

// SetDeliverer wires the chat transport in. Must be called before any event
// is handled.
func (s *Service) SetDeliverer(d core.Deliverer) {
	s.deliver = d
}

// Aggregator exposes the media aggregator for sweeping and shutdown.
func (s *Service) Aggregator() *media.Aggregator {
	return s.aggregator
}

// Start greets the user and registers them on first contact.
func (s *Service) Start(userId int64, username, firstName string) {
	user, err := s.store.EnsureUser(storage.User{
		TelegramId: userId,
		Username:   username,
		FirstName:  firstName,
	})
	if err != nil {
		s.log.With(sl.User(userId)).Error("registering user", sl.Err(err))
	} else {
		s.log.With(sl.User(userId), slog.Int("credits", user.Credits)).Debug("user ensured")
	}
	s.deliver.Deliver(userId, core.Delivery{
		Text: welcomeMessage,
		Buttons: [][]core.Button{
			{
				{Label: "🎓 Train a model", Data: "cmd_train"},
				{Label: "🎨 Generate images", Data: "cmd_generate"},
			},
			{
				{Label: "📋 My models", Data: "cmd_models"},
				{Label: "❓ Help", Data: "cmd_help"},
			},
		},
	})
}

func (s *Service) Help(userId int64) {
	s.deliver.Deliver(userId, core.Delivery{Text: helpMessage})
}

// Models lists the user's models with their training status.
func (s *Service) Models(userId int64) {
	models, err := s.store.ListModels(userId)
	if err != nil {
		s.log.With(sl.User(userId)).Error("listing models", sl.Err(err))
		s.deliver.Deliver(userId, core.Delivery{Text: submissionFailedMessage})
		return
	}
	if len(models) == 0 {
		s.deliver.Deliver(userId, core.Delivery{Text: noModelsMessage})
		return
	}
	var b strings.Builder
	b.WriteString("📋 Your models:\n")
	for _, m := range models {
		b.WriteString(fmt.Sprintf("\n• %s (%s) — %s", m.Name, m.Type, m.Status))
	}
	s.deliver.Deliver(userId, core.Delivery{Text: b.String()})
}

// Credits shows the user's balance. Billing arithmetic lives elsewhere.
func (s *Service) Credits(userId int64) {
	user, err := s.store.GetUser(userId)
	if err != nil || user == nil {
		s.deliver.Deliver(userId, core.Delivery{Text: "Use /start first."})
		return
	}
	s.deliver.Deliver(userId, core.Delivery{
		Text: fmt.Sprintf("💎 You have %d credits.", user.Credits),
	})
}

// Cancel unconditionally returns the session to idle. Any outstanding job
// becomes stale through the generation bump; its later notification is
// silently dropped.
func (s *Service) Cancel(userId int64) {
	s.sessions.Reset(userId)
	s.log.With(sl.User(userId)).Info("session cancelled")
	s.deliver.Deliver(userId, core.Delivery{Text: cancelledMessage})
}

// BeginTraining starts the training flow.
func (s *Service) BeginTraining(userId int64) {
	if _, _, err := s.sessions.Transition(userId, session.StartTraining); err != nil {
		s.unexpected(userId, err)
		return
	}
	s.deliver.Deliver(userId, core.Delivery{Text: enterModelNameMessage})
}

// BeginGeneration starts the generation flow with a keyboard of the user's
// ready models.
func (s *Service) BeginGeneration(userId int64) {
	models, err := s.store.ListModels(userId)
	if err != nil {
		s.log.With(sl.User(userId)).Error("listing models", sl.Err(err))
		s.deliver.Deliver(userId, core.Delivery{Text: submissionFailedMessage})
		return
	}
	var ready []storage.Model
	for _, m := range models {
		if m.Status == storage.StatusReady {
			ready = append(ready, m)
		}
	}
	if len(ready) == 0 {
		if len(models) == 0 {
			s.deliver.Deliver(userId, core.Delivery{Text: noModelsMessage})
		} else {
			s.deliver.Deliver(userId, core.Delivery{Text: noReadyModelsMessage})
		}
		return
	}

	if _, _, err := s.sessions.Transition(userId, session.StartGeneration); err != nil {
		s.unexpected(userId, err)
		return
	}

	buttons := make([][]core.Button, 0, len(ready))
	for _, m := range ready {
		buttons = append(buttons, []core.Button{
			{Label: m.Name, Data: "model_" + m.Id},
		})
	}
	s.deliver.Deliver(userId, core.Delivery{
		Text:    "Choose a model for your photo session:",
		Buttons: buttons,
	})
}

// Text routes a free-form message by the session's current state.
func (s *Service) Text(userId int64, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	var entered session.Event
	err := s.sessions.Update(userId, func(sess *session.Session) error {
		switch sess.State {
		case session.EnteringModelName:
			entered = session.ModelNameEntered
			if err := sess.Apply(entered); err != nil {
				return err
			}
			sess.Data[session.KeyModelName] = text
			return nil
		case session.EnteringPrompt:
			entered = session.PromptEntered
			if err := sess.Apply(entered); err != nil {
				return err
			}
			sess.Data[session.KeyPrompt] = text
			return nil
		default:
			return fmt.Errorf("free text in state %s", sess.State)
		}
	})
	if err != nil {
		s.unexpected(userId, err)
		return
	}

	switch entered {
	case session.ModelNameEntered:
		s.deliver.Deliver(userId, core.Delivery{
			Text: selectModelTypeMessage,
			Buttons: [][]core.Button{{
				{Label: "👨 Man", Data: "type_male"},
				{Label: "👩 Woman", Data: "type_female"},
			}},
		})
	case session.PromptEntered:
		s.deliver.Deliver(userId, core.Delivery{
			Text: fmt.Sprintf("Your prompt:\n\n%q\n\nStart generating %d images?", text, defaultNumImages),
			Buttons: [][]core.Button{{
				{Label: "✅ Generate", Data: "confirm_generation"},
				{Label: "❌ Cancel", Data: "cancel"},
			}},
		})
	}
}

// ModelType applies the type button of the training flow.
func (s *Service) ModelType(userId int64, modelType string) {
	if modelType != "male" && modelType != "female" {
		s.unexpected(userId, fmt.Errorf("unknown model type %q", modelType))
		return
	}
	err := s.sessions.Update(userId, func(sess *session.Session) error {
		if err := sess.Apply(session.ModelTypeSelected); err != nil {
			return err
		}
		sess.Data[session.KeyModelType] = modelType
		return nil
	})
	if err != nil {
		s.unexpected(userId, err)
		return
	}
	s.deliver.Deliver(userId, core.Delivery{Text: uploadPhotosMessage})
}

// Photo ingests one photo message. Fragments of one album arrive as
// independent messages and are debounced by the aggregator; the state
// machine only sees the flushed batch.
func (s *Service) Photo(userId int64, groupId, photoRef string) {
	state, gen := s.sessions.Current(userId)
	if state != session.UploadingPhotos {
		s.unexpected(userId, &session.InvalidTransitionError{State: state, Event: session.PhotoBatchFlushed})
		return
	}
	s.aggregator.Ingest(userId, groupId, photoRef, gen)
}

// photoBatchFlushed is the aggregator's flush callback. A batch that raced
// with a reset carries a stale generation and is discarded silently.
func (s *Service) photoBatchFlushed(batch media.FlushedBatch) {
	var name string
	var count int
	err := s.sessions.Update(batch.UserId, func(sess *session.Session) error {
		if sess.Generation != batch.Generation {
			return session.ErrStaleGeneration
		}
		if err := sess.Apply(session.PhotoBatchFlushed); err != nil {
			return err
		}
		photos := append(sess.Photos(), batch.Photos...)
		sess.Data[session.KeyUploadedPhotos] = photos
		name, _ = sess.Data[session.KeyModelName].(string)
		count = len(photos)
		return nil
	})
	if err != nil {
		if errors.Is(err, session.ErrStaleGeneration) {
			s.log.With(sl.User(batch.UserId), sl.Group(batch.GroupId)).Info("dropping stale photo batch")
		} else {
			s.log.With(sl.User(batch.UserId)).Warn("photo batch in unexpected state", sl.Err(err))
		}
		return
	}

	s.deliver.Deliver(batch.UserId, core.Delivery{
		Text: fmt.Sprintf("✅ Received %d photo(s) for model %q.\n\nStart training?", count, name),
		Buttons: [][]core.Button{{
			{Label: "✅ Start training", Data: "confirm_training"},
			{Label: "❌ Cancel", Data: "cancel"},
		}},
	})
}

// ConfirmTraining submits the collected photos for model training. The
// session lock is released before the network call; the generation captured
// at the transition gates the eventual completion callback.
func (s *Service) ConfirmTraining(ctx context.Context, userId int64) {
	var name, modelType string
	var photos []string
	var gen uint64
	err := s.sessions.Update(userId, func(sess *session.Session) error {
		if err := sess.Apply(session.TrainingConfirmed); err != nil {
			return err
		}
		name, _ = sess.Data[session.KeyModelName].(string)
		modelType, _ = sess.Data[session.KeyModelType].(string)
		photos = sess.Photos()
		gen = sess.Generation + 1
		return nil
	})
	if err != nil {
		s.unexpected(userId, err)
		return
	}

	modelId := uuid.NewString()
	if err := s.store.CreateModel(storage.Model{
		Id:             modelId,
		TelegramUserId: userId,
		Name:           name,
		Type:           modelType,
		Status:         storage.StatusTraining,
	}); err != nil {
		s.log.With(sl.User(userId)).Error("creating model record", sl.Err(err))
	}

	_, err = s.submitter.SubmitTraining(ctx, gen, jobs.TrainParams{
		ModelId:    modelId,
		Name:       name,
		Type:       modelType,
		Images:     photos,
		TelegramId: userId,
	})
	if err != nil {
		s.submissionFailed(userId, modelId, jobs.Training, err)
		return
	}
	s.deliver.Deliver(userId, core.Delivery{Text: trainingStartedMessage})
}

// SelectModel applies a model button of the generation flow.
func (s *Service) SelectModel(userId int64, modelId string) {
	err := s.sessions.Update(userId, func(sess *session.Session) error {
		if err := sess.Apply(session.ModelSelected); err != nil {
			return err
		}
		sess.Data[session.KeyModelId] = modelId
		return nil
	})
	if err != nil {
		s.unexpected(userId, err)
		return
	}
	s.deliver.Deliver(userId, core.Delivery{Text: enterPromptMessage})
}

// ConfirmGeneration submits the prompt for image generation.
func (s *Service) ConfirmGeneration(ctx context.Context, userId int64) {
	var modelId, prompt string
	var gen uint64
	err := s.sessions.Update(userId, func(sess *session.Session) error {
		if err := sess.Apply(session.GenerationConfirmed); err != nil {
			return err
		}
		modelId, _ = sess.Data[session.KeyModelId].(string)
		prompt, _ = sess.Data[session.KeyPrompt].(string)
		gen = sess.Generation + 1
		return nil
	})
	if err != nil {
		s.unexpected(userId, err)
		return
	}

	promptId := uuid.NewString()
	if err := s.store.CreatePrompt(storage.Prompt{
		Id:             promptId,
		TelegramUserId: userId,
		ModelId:        modelId,
		Text:           prompt,
		Status:         storage.StatusGenerating,
	}); err != nil {
		s.log.With(sl.User(userId)).Error("creating prompt record", sl.Err(err))
	}

	_, err = s.submitter.SubmitGeneration(ctx, gen, jobs.GenerateParams{
		PromptId:   promptId,
		ModelId:    modelId,
		Prompt:     prompt,
		NumImages:  defaultNumImages,
		TelegramId: userId,
	})
	if err != nil {
		s.submissionFailed(userId, promptId, jobs.Generation, err)
		return
	}
	s.deliver.Deliver(userId, core.Delivery{Text: generationStartedMessage})
}

// submissionFailed resets the session, tells the user, marks the record and
// pings the operator channel.
func (s *Service) submissionFailed(userId int64, recordId string, kind jobs.Kind, err error) {
	s.log.With(sl.User(userId), slog.String("kind", string(kind))).Error("submission failed", sl.Err(err))
	s.sessions.Reset(userId)

	var persistErr error
	switch kind {
	case jobs.Training:
		persistErr = s.store.UpdateModelStatus(recordId, storage.StatusFailed, err.Error())
	case jobs.Generation:
		persistErr = s.store.SavePromptResult(recordId, storage.StatusFailed, nil, err.Error())
	}
	if persistErr != nil {
		s.log.With(sl.User(userId)).Error("marking record failed", sl.Err(persistErr))
	}

	s.deliver.Deliver(userId, core.Delivery{Text: submissionFailedMessage})
	if s.conf.AdminTelegramId != 0 {
		s.deliver.Deliver(s.conf.AdminTelegramId, core.Delivery{
			Text: fmt.Sprintf("⚠️ %s submission failed for user %d: %v", kind, userId, err),
		})
	}
}

func (s *Service) unexpected(userId int64, err error) {
	s.log.With(sl.User(userId)).Debug("unexpected input", sl.Err(err))
	s.deliver.Deliver(userId, core.Delivery{Text: unexpectedInputMessage})
}
