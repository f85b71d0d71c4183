// Package session implements the discovery session controller: the phase
// state machine that drives a user from a topic through a Socratic inquiry to
// a synthesized report.
//
// The Controller owns all mutable session state. It sequences calls to the
// content service, applies their results, persists a snapshot after every
// committed change, and routes every service failure to the key_needed
// phase without losing the answers collected so far.
//
// Phases:
//
//	landing -> inquiry -> loading_report -> report
//	              \            /
//	               key_needed        (recoverable interrupt)
//
// Restart returns to landing from anywhere.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fpang/socratic-discovery/internal/discovery"
	"github.com/fpang/socratic-discovery/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Controller errors. Service failures are never returned; they move the
// session to key_needed instead.
var (
	// ErrBusy is returned while a service call is outstanding. Nothing changes.
	ErrBusy = errors.New("a request is already in progress")
	// ErrWrongPhase is returned when an event is not valid in the current phase.
	ErrWrongPhase = errors.New("action not available in the current phase")
	// ErrEmptyTopic is returned by Start for a blank topic.
	ErrEmptyTopic = errors.New("topic must not be empty")
)

// ContentService is the generative backend the controller sequences.
type ContentService interface {
	InitializeTopic(ctx context.Context, topic string) (*discovery.TopicIntro, error)
	NextQuestion(ctx context.Context, topic string, answers []discovery.AnswerLog, currentIndex, totalQuestions int) (*discovery.NextQuestion, error)
	GenerateFinalReport(ctx context.Context, topic string, answers []discovery.AnswerLog) (*discovery.Report, error)
	GenerateImage(ctx context.Context, topic, seedText string) (string, error)
}

// SnapshotStore persists the session. Implementations swallow their own
// failures.
type SnapshotStore interface {
	Save(ctx context.Context, snap *discovery.Snapshot)
	Restore(ctx context.Context) (*discovery.Snapshot, bool)
	Clear(ctx context.Context)
}

// Option configures a Controller.
type Option func(*Controller)

// WithCallTimeout bounds each content service call. Zero means no timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Controller) { c.callTimeout = d }
}

// WithSynthesisBudget bounds report synthesis as a whole. The illustration
// call gets whatever is left of total and is skipped when less than minImage
// remains.
func WithSynthesisBudget(total, minImage time.Duration) Option {
	return func(c *Controller) {
		c.synthesisBudget = total
		c.minImageBudget = minImage
	}
}

// WithSharedSnapshot declares that controllers in other processes use the
// same snapshot store, each living for a single event. A restored snapshot
// whose call started less than grace ago belongs to a call still running
// elsewhere: the controller reports thinking and rejects events with ErrBusy
// instead of treating the call as crashed. A call's result is applied only if
// the stored snapshot still carries the marker written when the call began.
func WithSharedSnapshot(grace time.Duration) Option {
	return func(c *Controller) { c.sharedGrace = grace }
}

// Controller is the session state machine. All methods are safe for
// concurrent use; the lock is released while a service call is outstanding so
// View can report the thinking state.
type Controller struct {
	svc       ContentService
	snapshots SnapshotStore

	callTimeout     time.Duration
	synthesisBudget time.Duration
	minImageBudget  time.Duration
	sharedGrace     time.Duration

	mu         sync.Mutex
	state      discovery.SessionState
	phase      discovery.Phase
	question   string
	validation string
	report     *discovery.Report
	thinking   bool
	lastError  *discovery.ServiceError
	// busySince marks the outstanding call in the snapshot.
	busySince time.Time

	// epoch increments on Restart and Cancel. A call that completes under an
	// older epoch is discarded.
	epoch uint64
}

// New creates a Controller and restores the persisted session, if any. The
// snapshot is read exactly once, here.
func New(ctx context.Context, svc ContentService, snapshots SnapshotStore, opts ...Option) *Controller {
	c := &Controller{
		svc:       svc,
		snapshots: snapshots,
		state:     discovery.NewSessionState(),
		phase:     discovery.PhaseLanding,
	}
	for _, opt := range opts {
		opt(c)
	}

	if snap, ok := snapshots.Restore(ctx); ok {
		c.restore(ctx, snap)
	}
	return c
}

// restore applies a snapshot, normalizing states a crash can leave behind.
func (c *Controller) restore(ctx context.Context, snap *discovery.Snapshot) {
	st := snap.State
	if st.TotalQuestions < 0 || st.CurrentQuestionIndex < 0 ||
		(st.Topic != "" && st.TotalQuestions == 0) ||
		(st.TotalQuestions > 0 && len(st.UserAnswers) > st.TotalQuestions) {
		log.Warn().
			Int("total_questions", st.TotalQuestions).
			Int("current_index", st.CurrentQuestionIndex).
			Int("answers", len(st.UserAnswers)).
			Msg("Snapshot violates answer invariants; discarding")
		c.snapshots.Clear(ctx)
		return
	}

	c.state = st.Clone()
	c.phase = snap.Phase
	c.question = snap.Question
	c.validation = snap.Validation
	c.report = snap.Report

	if c.sharedGrace > 0 && snap.BusySince != nil && time.Since(*snap.BusySince) < c.sharedGrace {
		// Another process is still working on this session.
		c.thinking = true
		c.busySince = *snap.BusySince
		log.Info().
			Str("phase", string(c.phase)).
			Time("busy_since", c.busySince).
			Msg("Session has a call in flight elsewhere")
		return
	}

	switch {
	case c.phase == discovery.PhaseInquiry && c.state.Topic == "":
		// Died while the topic was being initialized.
		log.Info().Msg("Snapshot captured an unfinished topic start; starting fresh")
		c.resetLocked()
		c.snapshots.Clear(ctx)
		return

	case c.phase == discovery.PhaseLoadingReport,
		c.phase == discovery.PhaseReport && c.report == nil:
		// Died mid-synthesis. Resolving the credential resumes it.
		log.Info().Str("phase", string(c.phase)).Msg("Synthesis was interrupted; awaiting resume")
		c.phase = discovery.PhaseKeyNeeded
		c.persistLocked(ctx)
	}

	log.Info().
		Str("phase", string(c.phase)).
		Str("topic", c.state.Topic).
		Int("current_index", c.state.CurrentQuestionIndex).
		Int("total_questions", c.state.TotalQuestions).
		Msg("Session resumed")
}

// Start begins a session on topic. The phase moves to inquiry immediately;
// the first question arrives when the call completes.
func (c *Controller) Start(ctx context.Context, topic string) error {
	topic = strings.TrimSpace(topic)

	c.mu.Lock()
	if err := c.guardLocked(discovery.PhaseLanding); err != nil {
		c.mu.Unlock()
		return err
	}
	if topic == "" {
		c.mu.Unlock()
		return ErrEmptyTopic
	}

	c.state = discovery.NewSessionState()
	c.question, c.validation, c.report, c.lastError = "", "", nil, nil
	c.transitionLocked(discovery.PhaseInquiry)
	epoch := c.beginLocked(ctx)
	c.mu.Unlock()

	callCtx, cancel := c.callContext(ctx, time.Time{})
	intro, err := c.svc.InitializeTopic(callCtx, topic)
	cancel()

	c.complete(ctx, epoch, discovery.OpInitializeTopic, err, func() error {
		if intro == nil || intro.TotalQuestions <= 0 {
			total := 0
			if intro != nil {
				total = intro.TotalQuestions
			}
			return discovery.NewServiceError(discovery.OpInitializeTopic, discovery.KindInvalidResponse,
				fmt.Errorf("totalQuestions must be positive, got %d", total))
		}
		if strings.TrimSpace(intro.FirstQuestion) == "" {
			return discovery.NewServiceError(discovery.OpInitializeTopic, discovery.KindInvalidResponse,
				errors.New("no first question"))
		}

		c.state.Topic = topic
		c.state.TotalQuestions = intro.TotalQuestions
		c.state.CurrentQuestionIndex = 1
		c.state.UserAnswers = []discovery.AnswerLog{}
		c.question = intro.FirstQuestion
		c.validation = intro.Hook

		log.Info().
			Str("topic", topic).
			Int("total_questions", intro.TotalQuestions).
			Msg("Inquiry started")
		return nil
	})
	return nil
}

// SubmitAnswer records an answer to the current question. Before the last
// question it asks for the next one; after the last it starts synthesis.
// A blank answer is recorded as discovery.EmptyAnswer.
func (c *Controller) SubmitAnswer(ctx context.Context, text string) error {
	answer := strings.TrimSpace(text)
	if answer == "" {
		answer = discovery.EmptyAnswer
	}

	c.mu.Lock()
	if err := c.guardLocked(discovery.PhaseInquiry); err != nil {
		c.mu.Unlock()
		return err
	}

	updated := append(append([]discovery.AnswerLog{}, c.state.UserAnswers...),
		discovery.AnswerLog{Question: c.question, Answer: answer})

	if c.state.CurrentQuestionIndex < c.state.TotalQuestions {
		topic := c.state.Topic
		index, total := c.state.CurrentQuestionIndex, c.state.TotalQuestions
		epoch := c.beginLocked(ctx)
		c.mu.Unlock()

		callCtx, cancel := c.callContext(ctx, time.Time{})
		next, err := c.svc.NextQuestion(callCtx, topic, updated, index, total)
		cancel()

		c.complete(ctx, epoch, discovery.OpNextQuestion, err, func() error {
			if next == nil || strings.TrimSpace(next.Question) == "" {
				return discovery.NewServiceError(discovery.OpNextQuestion, discovery.KindInvalidResponse,
					errors.New("no next question"))
			}
			c.state.UserAnswers = updated
			c.state.CurrentQuestionIndex++
			c.question = next.Question
			c.validation = next.Validation
			return nil
		})
		return nil
	}

	// Final answer: commit it, then synthesize.
	c.state.UserAnswers = updated
	c.transitionLocked(discovery.PhaseLoadingReport)
	epoch := c.beginLocked(ctx)
	topic, answers := c.state.Topic, c.state.Clone().UserAnswers
	c.mu.Unlock()

	c.synthesize(ctx, epoch, topic, answers)
	return nil
}

// Skip is SubmitAnswer with discovery.SkippedAnswer.
func (c *Controller) Skip(ctx context.Context) error {
	return c.SubmitAnswer(ctx, discovery.SkippedAnswer)
}

// RequestKey jumps from landing straight to key_needed so the user can supply
// their own key before starting.
func (c *Controller) RequestKey(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guardLocked(discovery.PhaseLanding); err != nil {
		return err
	}
	c.lastError = nil
	c.transitionLocked(discovery.PhaseKeyNeeded)
	c.persistLocked(ctx)
	return nil
}

// CredentialResolved resumes after key_needed: synthesis when every question
// has been answered, the inquiry when a topic is set, otherwise landing.
// Calling it without changing the key retries with the current one.
func (c *Controller) CredentialResolved(ctx context.Context) error {
	c.mu.Lock()
	if err := c.guardLocked(discovery.PhaseKeyNeeded); err != nil {
		c.mu.Unlock()
		return err
	}
	c.lastError = nil

	switch {
	case c.state.Synthesizable():
		c.transitionLocked(discovery.PhaseLoadingReport)
		epoch := c.beginLocked(ctx)
		topic, answers := c.state.Topic, c.state.Clone().UserAnswers
		c.mu.Unlock()

		c.synthesize(ctx, epoch, topic, answers)
		return nil

	case c.state.Topic != "":
		c.transitionLocked(discovery.PhaseInquiry)
		c.persistLocked(ctx)

	default:
		c.resetLocked()
		c.persistLocked(ctx)
	}
	c.mu.Unlock()
	return nil
}

// Cancel abandons credential recovery and returns to a fresh landing.
func (c *Controller) Cancel(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guardLocked(discovery.PhaseKeyNeeded); err != nil {
		return err
	}
	c.epoch++
	c.resetLocked()
	c.persistLocked(ctx)
	log.Info().Msg("Credential recovery cancelled")
	return nil
}

// Restart clears the session and its snapshot from any phase. A call still in
// flight completes into the void.
func (c *Controller) Restart(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.resetLocked()
	c.snapshots.Clear(ctx)
	log.Info().Msg("Session restarted")
}

// synthesize produces the report exactly once, then best-effort illustrates
// it. Called without the lock, with thinking already set.
func (c *Controller) synthesize(ctx context.Context, epoch uint64, topic string, answers []discovery.AnswerLog) {
	log.Info().Str("topic", topic).Int("answers", len(answers)).Msg("Synthesizing report")

	var deadline time.Time
	if c.synthesisBudget > 0 {
		deadline = time.Now().Add(c.synthesisBudget)
	}

	callCtx, cancel := c.callContext(ctx, deadline)
	report, err := c.svc.GenerateFinalReport(callCtx, topic, answers)
	cancel()
	if err == nil && report == nil {
		err = discovery.NewServiceError(discovery.OpFinalReport, discovery.KindInvalidResponse, errors.New("empty report"))
	}
	if err != nil || !c.isCurrent(epoch) {
		c.complete(ctx, epoch, discovery.OpFinalReport, err, nil)
		return
	}

	final := *report
	final.ImageURL = ""
	if left := time.Until(deadline); !deadline.IsZero() && left < c.minImageBudget {
		log.Warn().Dur("remaining", left).Msg("No time left to illustrate the report; continuing without it")
		imageOmitted("budget")
	} else {
		imgCtx, cancelImg := c.callContext(ctx, deadline)
		imageURL, imgErr := c.svc.GenerateImage(imgCtx, topic, report.ImageSeed())
		cancelImg()
		if imgErr != nil {
			se := discovery.ClassifyError(discovery.OpGenerateImage, imgErr)
			log.Warn().Err(imgErr).Str("kind", string(se.Kind)).Msg("Report illustration failed; continuing without it")
			imageOmitted(string(se.Kind))
		} else {
			final.ImageURL = imageURL
		}
	}

	c.complete(ctx, epoch, discovery.OpFinalReport, nil, func() error {
		c.report = &final
		c.transitionLocked(discovery.PhaseReport)
		return nil
	})
}

func imageOmitted(kind string) {
	metrics.New(metrics.Namespace).
		Dimension("Operation", discovery.OpGenerateImage).
		Dimension("Kind", kind).
		Count("ImageOmitted").
		Flush()
}

// complete finishes a service call. Results from a stale epoch, or from a
// session another process has since changed, are dropped. Otherwise thinking
// is cleared, apply runs on success, and any failure (including one returned
// by apply) routes to key_needed. The resulting state is persisted.
func (c *Controller) complete(ctx context.Context, epoch uint64, op string, err error, apply func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if epoch != c.epoch {
		log.Debug().Str("operation", op).Msg("Discarding result from a restarted session")
		return
	}
	if c.sharedGrace > 0 && !c.ownsSnapshotLocked(ctx) {
		log.Info().Str("operation", op).Msg("Session changed elsewhere; discarding result")
		c.thinking = false
		c.busySince = time.Time{}
		return
	}
	c.thinking = false
	c.busySince = time.Time{}

	if err == nil && apply != nil {
		err = apply()
	}
	if err != nil {
		c.failLocked(op, err)
	}
	c.persistLocked(ctx)
}

// failLocked classifies a service failure and moves to key_needed. Quota and
// other failures are treated alike; the kind is kept for the view and logs.
func (c *Controller) failLocked(op string, err error) {
	se := discovery.ClassifyError(op, err)
	c.lastError = se

	event := log.Warn()
	if se.IsQuota() {
		event = log.Error()
	}
	event.
		Err(err).
		Str("operation", se.Op).
		Str("kind", string(se.Kind)).
		Int("code", se.Code).
		Bool("retryable", se.Retryable).
		Int("answers", len(c.state.UserAnswers)).
		Msg("Content service failed; credential needed")

	metrics.New(metrics.Namespace).
		Dimension("Operation", se.Op).
		Dimension("Kind", string(se.Kind)).
		Count("ServiceError").
		Flush()

	c.transitionLocked(discovery.PhaseKeyNeeded)
}

func (c *Controller) guardLocked(want discovery.Phase) error {
	if c.thinking {
		return ErrBusy
	}
	if c.phase != want {
		return ErrWrongPhase
	}
	return nil
}

// beginLocked marks a call as outstanding and persists the marker, so the
// snapshot exists for every phase but landing.
func (c *Controller) beginLocked(ctx context.Context) uint64 {
	c.thinking = true
	c.busySince = time.Now().UTC()
	c.persistLocked(ctx)
	return c.epoch
}

// ownsSnapshotLocked reports whether the stored snapshot still carries this
// controller's busy marker.
func (c *Controller) ownsSnapshotLocked(ctx context.Context) bool {
	snap, ok := c.snapshots.Restore(context.WithoutCancel(ctx))
	return ok && snap.BusySince != nil && snap.BusySince.Equal(c.busySince)
}

func (c *Controller) isCurrent(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return epoch == c.epoch
}

func (c *Controller) transitionLocked(to discovery.Phase) {
	if c.phase == to {
		return
	}
	log.Debug().Str("from", string(c.phase)).Str("to", string(to)).Msg("Phase transition")
	c.phase = to
}

func (c *Controller) resetLocked() {
	c.state = discovery.NewSessionState()
	c.question, c.validation = "", ""
	c.report = nil
	c.lastError = nil
	c.thinking = false
	c.busySince = time.Time{}
	c.transitionLocked(discovery.PhaseLanding)
}

// persistLocked writes the current state. Saving landing deletes the snapshot.
// The write is not tied to the caller's cancellation.
func (c *Controller) persistLocked(ctx context.Context) {
	c.snapshots.Save(context.WithoutCancel(ctx), c.snapshotLocked())
}

func (c *Controller) snapshotLocked() *discovery.Snapshot {
	snap := &discovery.Snapshot{
		State:      c.state.Clone(),
		Phase:      c.phase,
		Question:   c.question,
		Validation: c.validation,
		Report:     c.report,
	}
	if !c.busySince.IsZero() {
		since := c.busySince
		snap.BusySince = &since
	}
	return snap
}

// callContext detaches a service call from the caller's cancellation. Once
// issued, a call runs to completion, to the configured timeout, or to
// deadline when that is earlier. A zero deadline adds no bound.
func (c *Controller) callContext(ctx context.Context, deadline time.Time) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if c.callTimeout > 0 {
		if d := time.Now().Add(c.callTimeout); deadline.IsZero() || d.Before(deadline) {
			deadline = d
		}
	}
	if deadline.IsZero() {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, deadline)
}
