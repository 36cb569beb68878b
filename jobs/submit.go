package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/Leogelv/astria-portraits-telegram-bot/lib/sl"
)

// Submitter drives a submission through the workflow engine with bounded
// retries and exponential backoff, and registers the resulting job id before
// reporting success. It holds no lock while the network call is in flight.
type Submitter struct {
	runner   Runner
	registry *Registry
	attempts int
	backoff  time.Duration
	log      *slog.Logger
}

func NewSubmitter(runner Runner, registry *Registry, attempts int, backoff time.Duration, log *slog.Logger) *Submitter {
	if attempts < 1 {
		attempts = 1
	}
	return &Submitter{
		runner:   runner,
		registry: registry,
		attempts: attempts,
		backoff:  backoff,
		log:      log.With(sl.Module("submitter")),
	}
}

// SubmitTraining submits a training job for the session at generation gen.
func (s *Submitter) SubmitTraining(ctx context.Context, gen uint64, p TrainParams) (string, error) {
	jobId, err := s.submit(ctx, Training, func(ctx context.Context) (string, error) {
		return s.runner.SubmitTraining(ctx, p)
	})
	if err != nil {
		return "", err
	}
	s.register(jobId, p.TelegramId, Training, gen, p.ModelId)
	return jobId, nil
}

// SubmitGeneration submits a generation job for the session at generation gen.
func (s *Submitter) SubmitGeneration(ctx context.Context, gen uint64, p GenerateParams) (string, error) {
	jobId, err := s.submit(ctx, Generation, func(ctx context.Context) (string, error) {
		return s.runner.SubmitGeneration(ctx, p)
	})
	if err != nil {
		return "", err
	}
	s.register(jobId, p.TelegramId, Generation, gen, p.PromptId)
	return jobId, nil
}

// register correlates the accepted job with its session. The job is already
// running upstream, so a failed durable write must not fail the submission;
// the entry stays memory-only until the sweep and the loss is logged.
func (s *Submitter) register(jobId string, userId int64, kind Kind, gen uint64, recordId string) {
	err := s.registry.Put(Entry{
		JobId:       jobId,
		UserId:      userId,
		Kind:        kind,
		Generation:  gen,
		RecordId:    recordId,
		SubmittedAt: time.Now(),
	})
	if err != nil {
		s.log.With(sl.Job(jobId), sl.User(userId)).Warn("job record not durable", sl.Err(err))
	}
}

func (s *Submitter) submit(ctx context.Context, kind Kind, fn func(ctx context.Context) (string, error)) (string, error) {
	var lastErr error
	delay := s.backoff

	for attempt := 1; attempt <= s.attempts; attempt++ {
		jobId, err := fn(ctx)
		if err == nil {
			return jobId, nil
		}
		lastErr = err

		if !IsTransient(err) {
			s.log.With(slog.String("kind", string(kind))).Error("permanent submission failure", sl.Err(err))
			return "", &SubmissionError{Kind: kind, Attempts: attempt, Err: err}
		}
		s.log.With(
			slog.String("kind", string(kind)),
			slog.Int("attempt", attempt),
		).Warn("transient submission failure", sl.Err(err))

		if attempt == s.attempts {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", &SubmissionError{Kind: kind, Attempts: attempt, Err: ctx.Err()}
		}
		delay *= 2
	}
	return "", &SubmissionError{Kind: kind, Attempts: s.attempts, Err: lastErr}
}
