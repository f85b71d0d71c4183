package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/fpang/socratic-discovery/internal/discovery"
	"github.com/fpang/socratic-discovery/internal/metrics"
	"github.com/fpang/socratic-discovery/internal/store"
)

// fakeService scripts the content service. When gate is set every call
// announces itself on entered and then blocks until gate is closed.
type fakeService struct {
	mu sync.Mutex

	intro    *discovery.TopicIntro
	introErr error
	nextErr  error
	report   *discovery.Report
	repErr   error
	image    string
	imageErr error

	gate    chan struct{}
	entered chan string

	calls       []string
	nextAnswers [][]discovery.AnswerLog
	imageSeeds  []string
}

func newFakeService(total int) *fakeService {
	return &fakeService{
		intro: &discovery.TopicIntro{TotalQuestions: total, Hook: "Did you know?", FirstQuestion: "Q1"},
		report: &discovery.Report{
			UserPsychology: discovery.Psychology{DominantTrait: "Curious"},
			Facts:          []discovery.FactItem{{Fact: "Octopuses have three hearts"}},
		},
		image: "data:image/jpeg;base64,AAAA",
	}
}

func (f *fakeService) enter(op string) {
	f.mu.Lock()
	f.calls = append(f.calls, op)
	gate, entered := f.gate, f.entered
	f.mu.Unlock()
	if entered != nil {
		entered <- op
	}
	if gate != nil {
		<-gate
	}
}

func (f *fakeService) set(fn func(f *fakeService)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeService) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (f *fakeService) InitializeTopic(_ context.Context, _ string) (*discovery.TopicIntro, error) {
	f.enter(discovery.OpInitializeTopic)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.introErr != nil {
		return nil, f.introErr
	}
	intro := *f.intro
	return &intro, nil
}

func (f *fakeService) NextQuestion(_ context.Context, _ string, answers []discovery.AnswerLog, currentIndex, _ int) (*discovery.NextQuestion, error) {
	f.enter(discovery.OpNextQuestion)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextAnswers = append(f.nextAnswers, answers)
	if f.nextErr != nil {
		return nil, f.nextErr
	}
	return &discovery.NextQuestion{
		Validation: "Good thought.",
		Question:   fmt.Sprintf("Q%d", currentIndex+1),
	}, nil
}

func (f *fakeService) GenerateFinalReport(_ context.Context, _ string, _ []discovery.AnswerLog) (*discovery.Report, error) {
	f.enter(discovery.OpFinalReport)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.repErr != nil {
		return nil, f.repErr
	}
	report := *f.report
	return &report, nil
}

func (f *fakeService) GenerateImage(_ context.Context, _ string, seed string) (string, error) {
	f.enter(discovery.OpGenerateImage)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.imageSeeds = append(f.imageSeeds, seed)
	if f.imageErr != nil {
		return "", f.imageErr
	}
	return f.image, nil
}

type harness struct {
	svc       *fakeService
	backend   *store.MemoryBackend
	snapshots *store.SnapshotStore
	ctrl      *Controller
}

func newHarness(t *testing.T, total int) *harness {
	t.Helper()
	metrics.SetOutput(io.Discard)
	t.Cleanup(func() { metrics.SetOutput(nil) })

	h := &harness{svc: newFakeService(total), backend: store.NewMemoryBackend()}
	h.snapshots = store.NewSnapshotStore(h.backend)
	h.ctrl = New(context.Background(), h.svc, h.snapshots)
	return h
}

func (h *harness) persisted(t *testing.T) *discovery.Snapshot {
	t.Helper()
	snap, ok := h.snapshots.Restore(context.Background())
	if !ok {
		return nil
	}
	return snap
}

func quotaError(op string) error {
	se := discovery.NewServiceError(op, discovery.KindQuota, errors.New("RESOURCE_EXHAUSTED"))
	se.Code = 429
	return se
}

// checkIndex asserts the inquiry counter invariant.
func checkIndex(t *testing.T, c *Controller) {
	t.Helper()
	if c.Phase() != discovery.PhaseInquiry {
		return
	}
	st := c.State()
	if st.CurrentQuestionIndex != len(st.UserAnswers)+1 {
		t.Errorf("currentQuestionIndex = %d with %d answers", st.CurrentQuestionIndex, len(st.UserAnswers))
	}
	if st.CurrentQuestionIndex < 1 || st.CurrentQuestionIndex > st.TotalQuestions {
		t.Errorf("currentQuestionIndex %d outside 1..%d", st.CurrentQuestionIndex, st.TotalQuestions)
	}
}

func TestHappyPath(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 3)
	c := h.ctrl

	if err := c.Start(ctx, "  Octopuses  "); err != nil {
		t.Fatalf("Start: %v", err)
	}
	v := c.View()
	if v.Phase != discovery.PhaseInquiry || v.Inquiry.Question != "Q1" || v.Inquiry.Validation != "Did you know?" {
		t.Fatalf("unexpected view after start: %+v", v.Inquiry)
	}
	if v.Inquiry.State.Topic != "Octopuses" {
		t.Errorf("topic = %q, want trimmed", v.Inquiry.State.Topic)
	}
	checkIndex(t, c)

	if err := c.SubmitAnswer(ctx, "They are clever"); err != nil {
		t.Fatal(err)
	}
	checkIndex(t, c)
	if err := c.Skip(ctx); err != nil {
		t.Fatal(err)
	}
	checkIndex(t, c)
	if err := c.SubmitAnswer(ctx, "   "); err != nil {
		t.Fatal(err)
	}

	v = c.View()
	if v.Phase != discovery.PhaseReport || v.Report == nil {
		t.Fatalf("phase = %s, want report", v.Phase)
	}
	if v.Report.Report.ImageURL != h.svc.image {
		t.Errorf("imageUrl = %q", v.Report.Report.ImageURL)
	}

	want := []discovery.AnswerLog{
		{Question: "Q1", Answer: "They are clever"},
		{Question: "Q2", Answer: discovery.SkippedAnswer},
		{Question: "Q3", Answer: discovery.EmptyAnswer},
	}
	got := c.State().UserAnswers
	if len(got) != len(want) {
		t.Fatalf("answers = %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("answer %d = %+v, want %+v", i, got[i], want[i])
		}
	}

	if n := h.svc.count(discovery.OpFinalReport); n != 1 {
		t.Errorf("final report generated %d times", n)
	}
	if len(h.svc.imageSeeds) != 1 || h.svc.imageSeeds[0] != "Octopuses have three hearts" {
		t.Errorf("image seeds = %v", h.svc.imageSeeds)
	}

	snap := h.persisted(t)
	if snap == nil || snap.Phase != discovery.PhaseReport || snap.Report == nil {
		t.Fatalf("persisted snapshot = %+v", snap)
	}
}

func TestNextQuestionSeesUpdatedAnswers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 3)

	h.ctrl.Start(ctx, "Tides")
	h.ctrl.SubmitAnswer(ctx, "The moon")

	if len(h.svc.nextAnswers) != 1 {
		t.Fatalf("NextQuestion called %d times", len(h.svc.nextAnswers))
	}
	sent := h.svc.nextAnswers[0]
	if len(sent) != 1 || sent[0].Question != "Q1" || sent[0].Answer != "The moon" {
		t.Errorf("NextQuestion received %+v", sent)
	}
}

func TestSkipEqualsSkippedAnswer(t *testing.T) {
	ctx := context.Background()
	a := newHarness(t, 2)
	b := newHarness(t, 2)

	a.ctrl.Start(ctx, "Bees")
	b.ctrl.Start(ctx, "Bees")
	a.ctrl.Skip(ctx)
	b.ctrl.SubmitAnswer(ctx, discovery.SkippedAnswer)

	sa, sb := a.ctrl.State(), b.ctrl.State()
	if len(sa.UserAnswers) != 1 || sa.UserAnswers[0] != sb.UserAnswers[0] {
		t.Errorf("skip %+v != submit %+v", sa.UserAnswers, sb.UserAnswers)
	}
}

func TestQuotaOnNextQuestionPreservesProgress(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 3)
	c := h.ctrl

	c.Start(ctx, "Volcanoes")
	c.SubmitAnswer(ctx, "Lava")
	h.svc.set(func(f *fakeService) { f.nextErr = quotaError(discovery.OpNextQuestion) })

	if err := c.SubmitAnswer(ctx, "Ash clouds"); err != nil {
		t.Fatal(err)
	}

	v := c.View()
	if v.Phase != discovery.PhaseKeyNeeded {
		t.Fatalf("phase = %s, want key_needed", v.Phase)
	}
	if v.KeyNeeded.LastError == nil || v.KeyNeeded.LastError.Kind != discovery.KindQuota || !v.KeyNeeded.LastError.Retryable {
		t.Errorf("lastError = %+v", v.KeyNeeded.LastError)
	}
	if v.KeyNeeded.Resumes != discovery.PhaseInquiry {
		t.Errorf("resumes = %s", v.KeyNeeded.Resumes)
	}
	st := c.State()
	if len(st.UserAnswers) != 1 || st.CurrentQuestionIndex != 2 {
		t.Errorf("failed answer must not be committed: %+v", st)
	}
	if snap := h.persisted(t); snap == nil || snap.Phase != discovery.PhaseKeyNeeded || len(snap.State.UserAnswers) != 1 {
		t.Errorf("persisted = %+v", snap)
	}

	h.svc.set(func(f *fakeService) { f.nextErr = nil })
	if err := c.CredentialResolved(ctx); err != nil {
		t.Fatal(err)
	}
	v = c.View()
	if v.Phase != discovery.PhaseInquiry || v.Inquiry.Question != "Q2" {
		t.Fatalf("resumed view = %+v", v)
	}
	if err := c.SubmitAnswer(ctx, "Ash clouds"); err != nil {
		t.Fatal(err)
	}
	if st := c.State(); len(st.UserAnswers) != 2 || st.CurrentQuestionIndex != 3 {
		t.Errorf("after retry: %+v", st)
	}
	checkIndex(t, c)
}

func TestQuotaDuringSynthesisResumesSynthesis(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 2)
	c := h.ctrl

	c.Start(ctx, "Black holes")
	c.SubmitAnswer(ctx, "Gravity")
	h.svc.set(func(f *fakeService) { f.repErr = quotaError(discovery.OpFinalReport) })
	c.SubmitAnswer(ctx, "Light bends")

	v := c.View()
	if v.Phase != discovery.PhaseKeyNeeded || v.KeyNeeded.Resumes != discovery.PhaseLoadingReport {
		t.Fatalf("view = %+v", v)
	}
	if st := c.State(); len(st.UserAnswers) != 2 {
		t.Errorf("final answer must be committed before synthesis, got %d answers", len(st.UserAnswers))
	}

	h.svc.set(func(f *fakeService) { f.repErr = nil })
	if err := c.CredentialResolved(ctx); err != nil {
		t.Fatal(err)
	}
	if c.Phase() != discovery.PhaseReport {
		t.Fatalf("phase = %s, want report", c.Phase())
	}
	if n := h.svc.count(discovery.OpFinalReport); n != 2 {
		t.Errorf("final report attempts = %d, want 2", n)
	}
}

func TestImageFailureOmitsImage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)
	h.svc.set(func(f *fakeService) { f.imageErr = errors.New("safety filter") })

	h.ctrl.Start(ctx, "Mushrooms")
	h.ctrl.SubmitAnswer(ctx, "Spores")

	v := h.ctrl.View()
	if v.Phase != discovery.PhaseReport {
		t.Fatalf("phase = %s, want report", v.Phase)
	}
	if v.Report.Report.ImageURL != "" {
		t.Errorf("imageUrl = %q, want empty", v.Report.Report.ImageURL)
	}
}

func TestStartFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fakeService)
	}{
		{"quota", func(f *fakeService) { f.introErr = quotaError(discovery.OpInitializeTopic) }},
		{"generic", func(f *fakeService) { f.introErr = errors.New("connection reset") }},
		{"zero questions", func(f *fakeService) { f.intro.TotalQuestions = 0 }},
		{"no first question", func(f *fakeService) { f.intro.FirstQuestion = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, 3)
			h.svc.set(tt.setup)

			if err := h.ctrl.Start(ctx, "Glaciers"); err != nil {
				t.Fatal(err)
			}
			v := h.ctrl.View()
			if v.Phase != discovery.PhaseKeyNeeded || v.KeyNeeded.LastError == nil {
				t.Fatalf("view = %+v", v)
			}
			if v.KeyNeeded.Resumes != discovery.PhaseLanding {
				t.Errorf("resumes = %s, want landing", v.KeyNeeded.Resumes)
			}

			if err := h.ctrl.CredentialResolved(ctx); err != nil {
				t.Fatal(err)
			}
			if h.ctrl.Phase() != discovery.PhaseLanding {
				t.Errorf("phase = %s, want landing", h.ctrl.Phase())
			}
			if h.persisted(t) != nil {
				t.Error("landing must not leave a snapshot")
			}
		})
	}
}

func TestGuards(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 2)
	c := h.ctrl

	if err := c.Start(ctx, "   "); !errors.Is(err, ErrEmptyTopic) {
		t.Errorf("blank topic: %v", err)
	}
	if err := c.SubmitAnswer(ctx, "x"); !errors.Is(err, ErrWrongPhase) {
		t.Errorf("answer on landing: %v", err)
	}
	if err := c.CredentialResolved(ctx); !errors.Is(err, ErrWrongPhase) {
		t.Errorf("resolve on landing: %v", err)
	}
	if err := c.Cancel(ctx); !errors.Is(err, ErrWrongPhase) {
		t.Errorf("cancel on landing: %v", err)
	}

	c.Start(ctx, "Rivers")
	if err := c.Start(ctx, "Lakes"); !errors.Is(err, ErrWrongPhase) {
		t.Errorf("second start: %v", err)
	}
	if err := c.RequestKey(ctx); !errors.Is(err, ErrWrongPhase) {
		t.Errorf("request key during inquiry: %v", err)
	}
	if len(h.svc.calls) != 1 {
		t.Errorf("rejected events must not call the service: %v", h.svc.calls)
	}
}

func TestBusyWhileThinking(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 2)
	c := h.ctrl
	gate := make(chan struct{})
	h.svc.set(func(f *fakeService) {
		f.gate = gate
		f.entered = make(chan string, 1)
	})

	done := make(chan error, 1)
	go func() { done <- c.Start(ctx, "Comets") }()
	<-h.svc.entered

	v := c.View()
	if v.Phase != discovery.PhaseInquiry || !v.Thinking || !v.Pending {
		t.Errorf("view while initializing = %+v", v)
	}
	snap := h.persisted(t)
	if snap == nil || snap.Phase != discovery.PhaseInquiry || snap.BusySince == nil {
		t.Errorf("optimistic inquiry should be persisted with its busy marker, got %+v", snap)
	}
	if err := c.SubmitAnswer(ctx, "ice"); !errors.Is(err, ErrBusy) {
		t.Errorf("answer while thinking: %v", err)
	}
	if err := c.Skip(ctx); !errors.Is(err, ErrBusy) {
		t.Errorf("skip while thinking: %v", err)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	v = c.View()
	if v.Thinking || v.Pending || v.Inquiry.Question != "Q1" {
		t.Errorf("view after init = %+v", v)
	}
	if snap := h.persisted(t); snap == nil || snap.BusySince != nil {
		t.Errorf("busy marker should be cleared once the call completes, got %+v", snap)
	}
	if h.svc.count(discovery.OpNextQuestion) != 0 {
		t.Error("busy events must not reach the service")
	}
}

func TestRestartDiscardsInFlightResult(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 2)
	c := h.ctrl
	c.Start(ctx, "Deserts")

	gate := make(chan struct{})
	h.svc.set(func(f *fakeService) {
		f.gate = gate
		f.entered = make(chan string, 1)
	})

	done := make(chan error, 1)
	go func() { done <- c.SubmitAnswer(ctx, "Sand") }()
	<-h.svc.entered

	c.Restart(ctx)
	if c.Phase() != discovery.PhaseLanding || c.Thinking() {
		t.Fatalf("restart should land immediately, phase=%s thinking=%v", c.Phase(), c.Thinking())
	}

	close(gate)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SubmitAnswer did not return")
	}

	if c.Phase() != discovery.PhaseLanding {
		t.Errorf("stale result changed phase to %s", c.Phase())
	}
	if st := c.State(); st.Topic != "" || len(st.UserAnswers) != 0 {
		t.Errorf("stale result leaked into state: %+v", st)
	}
	if h.persisted(t) != nil {
		t.Error("landing must not leave a snapshot")
	}
}

func TestRequestKeyAndCancel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 2)
	c := h.ctrl

	if err := c.RequestKey(ctx); err != nil {
		t.Fatal(err)
	}
	v := c.View()
	if v.Phase != discovery.PhaseKeyNeeded || v.KeyNeeded.LastError != nil {
		t.Fatalf("view = %+v", v)
	}
	if snap := h.persisted(t); snap == nil || snap.Phase != discovery.PhaseKeyNeeded {
		t.Errorf("persisted = %+v", snap)
	}

	if err := c.Cancel(ctx); err != nil {
		t.Fatal(err)
	}
	if c.Phase() != discovery.PhaseLanding {
		t.Errorf("phase = %s", c.Phase())
	}
	if h.persisted(t) != nil {
		t.Error("cancel must clear the snapshot")
	}
}

func TestCancelDuringRecoveryDropsProgress(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 3)
	c := h.ctrl

	c.Start(ctx, "Whales")
	h.svc.set(func(f *fakeService) { f.nextErr = errors.New("boom") })
	c.SubmitAnswer(ctx, "Songs")
	if c.Phase() != discovery.PhaseKeyNeeded {
		t.Fatalf("phase = %s", c.Phase())
	}

	c.Cancel(ctx)
	if st := c.State(); st.Topic != "" || st.TotalQuestions != 0 {
		t.Errorf("state not reset: %+v", st)
	}
}

func TestRestartFromReport(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)
	c := h.ctrl
	c.Start(ctx, "Coral")
	c.SubmitAnswer(ctx, "Reefs")
	if c.Phase() != discovery.PhaseReport {
		t.Fatalf("phase = %s", c.Phase())
	}

	c.Restart(ctx)
	v := c.View()
	if v.Phase != discovery.PhaseLanding || v.Report != nil || v.Inquiry != nil {
		t.Errorf("view = %+v", v)
	}
	if h.persisted(t) != nil {
		t.Error("restart must clear the snapshot")
	}
}

func TestRestoreResumesSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 3)
	h.ctrl.Start(ctx, "Jupiter")
	h.ctrl.SubmitAnswer(ctx, "Storms")

	resumed := New(ctx, h.svc, h.snapshots)
	v := resumed.View()
	if v.Phase != discovery.PhaseInquiry || v.Inquiry.Question != "Q2" || len(v.Inquiry.State.UserAnswers) != 1 {
		t.Fatalf("resumed view = %+v", v)
	}
	checkIndex(t, resumed)
}

func TestRestoreNormalizes(t *testing.T) {
	answered := []discovery.AnswerLog{{Question: "Q1", Answer: "a"}, {Question: "Q2", Answer: "b"}}
	tests := []struct {
		name      string
		snap      discovery.Snapshot
		wantPhase discovery.Phase
		wantSnap  bool
	}{
		{
			name: "interrupted topic start",
			snap: discovery.Snapshot{
				Phase: discovery.PhaseInquiry,
				State: discovery.NewSessionState(),
			},
			wantPhase: discovery.PhaseLanding,
		},
		{
			name: "interrupted synthesis",
			snap: discovery.Snapshot{
				Phase: discovery.PhaseLoadingReport,
				State: discovery.SessionState{Topic: "Moss", TotalQuestions: 2, CurrentQuestionIndex: 2, UserAnswers: answered},
			},
			wantPhase: discovery.PhaseKeyNeeded,
			wantSnap:  true,
		},
		{
			name: "report without report",
			snap: discovery.Snapshot{
				Phase: discovery.PhaseReport,
				State: discovery.SessionState{Topic: "Moss", TotalQuestions: 2, CurrentQuestionIndex: 2, UserAnswers: answered},
			},
			wantPhase: discovery.PhaseKeyNeeded,
			wantSnap:  true,
		},
		{
			name: "more answers than questions",
			snap: discovery.Snapshot{
				Phase: discovery.PhaseInquiry,
				State: discovery.SessionState{Topic: "Moss", TotalQuestions: 1, CurrentQuestionIndex: 1, UserAnswers: answered},
			},
			wantPhase: discovery.PhaseLanding,
		},
		{
			name: "topic without questions",
			snap: discovery.Snapshot{
				Phase: discovery.PhaseInquiry,
				State: discovery.SessionState{Topic: "Moss", TotalQuestions: 0, CurrentQuestionIndex: 1, UserAnswers: []discovery.AnswerLog{}},
			},
			wantPhase: discovery.PhaseLanding,
		},
		{
			name: "crash while busy, not shared",
			snap: discovery.Snapshot{
				Phase:     discovery.PhaseLoadingReport,
				State:     discovery.SessionState{Topic: "Moss", TotalQuestions: 2, CurrentQuestionIndex: 2, UserAnswers: answered},
				BusySince: ptrTime(time.Now()),
			},
			wantPhase: discovery.PhaseKeyNeeded,
			wantSnap:  true,
		},
		{
			name: "negative counters",
			snap: discovery.Snapshot{
				Phase: discovery.PhaseKeyNeeded,
				State: discovery.SessionState{Topic: "Moss", TotalQuestions: -1},
			},
			wantPhase: discovery.PhaseLanding,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			metrics.SetOutput(io.Discard)
			backend := store.NewMemoryBackend()
			snapshots := store.NewSnapshotStore(backend)
			snap := tt.snap
			snapshots.Save(ctx, &snap)

			c := New(ctx, newFakeService(2), snapshots)
			if c.Phase() != tt.wantPhase {
				t.Fatalf("phase = %s, want %s", c.Phase(), tt.wantPhase)
			}

			stored, ok := snapshots.Restore(ctx)
			if ok != tt.wantSnap {
				t.Fatalf("snapshot present = %v, want %v", ok, tt.wantSnap)
			}
			if ok && stored.Phase != tt.wantPhase {
				t.Errorf("stored phase = %s, want %s", stored.Phase, tt.wantPhase)
			}
		})
	}
}

func TestRestoredSynthesisResumesOnCredential(t *testing.T) {
	ctx := context.Background()
	metrics.SetOutput(io.Discard)
	snapshots := store.NewSnapshotStore(store.NewMemoryBackend())
	snapshots.Save(ctx, &discovery.Snapshot{
		Phase: discovery.PhaseLoadingReport,
		State: discovery.SessionState{
			Topic:                "Moss",
			TotalQuestions:       1,
			CurrentQuestionIndex: 1,
			UserAnswers:          []discovery.AnswerLog{{Question: "Q1", Answer: "Green"}},
		},
	})

	svc := newFakeService(1)
	c := New(ctx, svc, snapshots)
	if svc.count(discovery.OpFinalReport) != 0 {
		t.Fatal("restore must not call the service")
	}
	if err := c.CredentialResolved(ctx); err != nil {
		t.Fatal(err)
	}
	if c.Phase() != discovery.PhaseReport {
		t.Errorf("phase = %s, want report", c.Phase())
	}
}

func TestCallTimeoutRoutesToKeyNeeded(t *testing.T) {
	ctx := context.Background()
	metrics.SetOutput(io.Discard)
	svc := &slowService{fakeService: newFakeService(2)}
	c := New(ctx, svc, store.NewSnapshotStore(store.NewMemoryBackend()), WithCallTimeout(10*time.Millisecond))

	c.Start(ctx, "Tardigrades")
	v := c.View()
	if v.Phase != discovery.PhaseKeyNeeded || v.KeyNeeded.LastError == nil || v.KeyNeeded.LastError.Kind != discovery.KindTimeout {
		t.Errorf("view = %+v", v.KeyNeeded)
	}
}

// slowService waits for the call context to expire.
type slowService struct {
	*fakeService
}

func (s *slowService) InitializeTopic(ctx context.Context, _ string) (*discovery.TopicIntro, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestCallerCancellationDoesNotAbortCall(t *testing.T) {
	h := newHarness(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := h.ctrl.Start(ctx, "Auroras"); err != nil {
		t.Fatal(err)
	}
	if h.ctrl.Phase() != discovery.PhaseInquiry {
		t.Errorf("phase = %s, want inquiry", h.ctrl.Phase())
	}
	if h.persisted(t) == nil {
		t.Error("snapshot should be written despite the cancelled caller context")
	}
}

func ptrTime(t time.Time) *time.Time { return &t }

func TestRestoredTopicWithoutQuestionsNeverSynthesizes(t *testing.T) {
	ctx := context.Background()
	metrics.SetOutput(io.Discard)
	snapshots := store.NewSnapshotStore(store.NewMemoryBackend())
	snapshots.Save(ctx, &discovery.Snapshot{
		Phase:    discovery.PhaseInquiry,
		State:    discovery.SessionState{Topic: "Basalt", CurrentQuestionIndex: 1, UserAnswers: []discovery.AnswerLog{}},
		Question: "Q1",
	})

	svc := newFakeService(2)
	c := New(ctx, svc, snapshots)
	if err := c.SubmitAnswer(ctx, "x"); !errors.Is(err, ErrWrongPhase) {
		t.Errorf("answer after purge: %v", err)
	}
	if n := svc.count(discovery.OpFinalReport); n != 0 {
		t.Errorf("final report generated %d times", n)
	}
}

// perEvent builds a fresh controller over a shared store for each event, the
// way a stateless deployment serves requests.
type perEvent struct {
	svc       ContentService
	snapshots *store.SnapshotStore
}

func (p perEvent) controller() *Controller {
	return New(context.Background(), p.svc, p.snapshots, WithSharedSnapshot(time.Minute))
}

func TestSharedStoreKeepsOneHistory(t *testing.T) {
	ctx := context.Background()
	metrics.SetOutput(io.Discard)
	svc := newFakeService(4)
	p := perEvent{svc: svc, snapshots: store.NewSnapshotStore(store.NewMemoryBackend())}

	if err := p.controller().Start(ctx, "Volcanoes"); err != nil {
		t.Fatal(err)
	}
	for _, answer := range []string{"Lava", "Ash", "Other"} {
		if err := p.controller().SubmitAnswer(ctx, answer); err != nil {
			t.Fatalf("answer %q: %v", answer, err)
		}
	}

	snap, ok := p.snapshots.Restore(ctx)
	if !ok {
		t.Fatal("no snapshot")
	}
	var got []string
	for _, a := range snap.State.UserAnswers {
		got = append(got, a.Answer)
	}
	if len(got) != 3 || got[0] != "Lava" || got[1] != "Ash" || got[2] != "Other" {
		t.Errorf("answers = %v, want [Lava Ash Other]", got)
	}
	if snap.State.CurrentQuestionIndex != 4 || snap.Question != "Q4" {
		t.Errorf("index = %d question = %q", snap.State.CurrentQuestionIndex, snap.Question)
	}
	if snap.BusySince != nil {
		t.Error("no call is outstanding")
	}
}

func TestSharedStoreSeesCallInFlightElsewhere(t *testing.T) {
	ctx := context.Background()
	metrics.SetOutput(io.Discard)
	svc := newFakeService(1)
	p := perEvent{svc: svc, snapshots: store.NewSnapshotStore(store.NewMemoryBackend())}
	p.controller().Start(ctx, "Geysers")

	gate := make(chan struct{})
	svc.set(func(f *fakeService) {
		f.gate = gate
		f.entered = make(chan string, 2)
	})
	done := make(chan error, 1)
	go func() { done <- p.controller().SubmitAnswer(ctx, "Steam") }()
	<-svc.entered

	other := p.controller()
	v := other.View()
	if v.Phase != discovery.PhaseLoadingReport || !v.Thinking {
		t.Fatalf("second controller view = %+v", v)
	}
	if err := other.CredentialResolved(ctx); !errors.Is(err, ErrBusy) {
		t.Errorf("resolve while synthesizing elsewhere: %v", err)
	}
	if snap, _ := p.snapshots.Restore(ctx); snap == nil || snap.Phase != discovery.PhaseLoadingReport {
		t.Fatalf("in-flight synthesis was overwritten: %+v", snap)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if got := p.controller().Phase(); got != discovery.PhaseReport {
		t.Errorf("phase after synthesis = %s, want report", got)
	}
	if n := svc.count(discovery.OpFinalReport); n != 1 {
		t.Errorf("final report generated %d times", n)
	}
}

func TestSharedStoreRestartElsewhereDropsResult(t *testing.T) {
	ctx := context.Background()
	metrics.SetOutput(io.Discard)
	svc := newFakeService(3)
	p := perEvent{svc: svc, snapshots: store.NewSnapshotStore(store.NewMemoryBackend())}
	p.controller().Start(ctx, "Tundra")

	gate := make(chan struct{})
	svc.set(func(f *fakeService) {
		f.gate = gate
		f.entered = make(chan string, 1)
	})
	done := make(chan error, 1)
	go func() { done <- p.controller().SubmitAnswer(ctx, "Permafrost") }()
	<-svc.entered

	p.controller().Restart(ctx)
	close(gate)
	<-done

	if snap, ok := p.snapshots.Restore(ctx); ok {
		t.Errorf("stale result resurrected the session: %+v", snap)
	}
}

func TestSharedStoreExpiredCallIsRecovered(t *testing.T) {
	ctx := context.Background()
	metrics.SetOutput(io.Discard)
	snapshots := store.NewSnapshotStore(store.NewMemoryBackend())
	snapshots.Save(ctx, &discovery.Snapshot{
		Phase: discovery.PhaseLoadingReport,
		State: discovery.SessionState{
			Topic:                "Moss",
			TotalQuestions:       1,
			CurrentQuestionIndex: 1,
			UserAnswers:          []discovery.AnswerLog{{Question: "Q1", Answer: "Green"}},
		},
		BusySince: ptrTime(time.Now().Add(-time.Hour)),
	})

	c := New(ctx, newFakeService(1), snapshots, WithSharedSnapshot(time.Minute))
	if c.Phase() != discovery.PhaseKeyNeeded || c.Thinking() {
		t.Fatalf("phase = %s thinking = %v, want key_needed", c.Phase(), c.Thinking())
	}
	if snap, _ := snapshots.Restore(ctx); snap == nil || snap.BusySince != nil {
		t.Errorf("expired marker should be dropped: %+v", snap)
	}
}

// timedService delays the report and records the deadline of each call.
type timedService struct {
	*fakeService
	reportDelay time.Duration

	dmu       sync.Mutex
	deadlines map[string]time.Time
}

func (s *timedService) record(ctx context.Context, op string) {
	d, ok := ctx.Deadline()
	if !ok {
		return
	}
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if s.deadlines == nil {
		s.deadlines = map[string]time.Time{}
	}
	s.deadlines[op] = d
}

func (s *timedService) deadline(op string) (time.Time, bool) {
	s.dmu.Lock()
	defer s.dmu.Unlock()
	d, ok := s.deadlines[op]
	return d, ok
}

func (s *timedService) GenerateFinalReport(ctx context.Context, topic string, answers []discovery.AnswerLog) (*discovery.Report, error) {
	s.record(ctx, discovery.OpFinalReport)
	time.Sleep(s.reportDelay)
	return s.fakeService.GenerateFinalReport(ctx, topic, answers)
}

func (s *timedService) GenerateImage(ctx context.Context, topic, seed string) (string, error) {
	s.record(ctx, discovery.OpGenerateImage)
	return s.fakeService.GenerateImage(ctx, topic, seed)
}

func TestSynthesisSharesOneDeadline(t *testing.T) {
	ctx := context.Background()
	metrics.SetOutput(io.Discard)
	svc := &timedService{fakeService: newFakeService(1)}
	c := New(ctx, svc, store.NewSnapshotStore(store.NewMemoryBackend()),
		WithCallTimeout(10*time.Second), WithSynthesisBudget(300*time.Millisecond, 10*time.Millisecond))

	c.Start(ctx, "Fjords")
	start := time.Now()
	c.SubmitAnswer(ctx, "Glaciers")

	if c.Phase() != discovery.PhaseReport {
		t.Fatalf("phase = %s, want report", c.Phase())
	}
	reportDeadline, ok := svc.deadline(discovery.OpFinalReport)
	if !ok {
		t.Fatal("report call had no deadline")
	}
	imageDeadline, ok := svc.deadline(discovery.OpGenerateImage)
	if !ok {
		t.Fatal("image call had no deadline")
	}
	limit := start.Add(time.Second)
	if reportDeadline.After(limit) || imageDeadline.After(limit) {
		t.Errorf("deadlines %v / %v exceed the synthesis budget, per-call timeout leaked through",
			reportDeadline.Sub(start), imageDeadline.Sub(start))
	}
	if !imageDeadline.Equal(reportDeadline) {
		t.Errorf("image deadline %v differs from report deadline %v", imageDeadline, reportDeadline)
	}
}

func TestSynthesisSkipsImageWhenBudgetSpent(t *testing.T) {
	ctx := context.Background()
	metrics.SetOutput(io.Discard)
	svc := &timedService{fakeService: newFakeService(1), reportDelay: 80 * time.Millisecond}
	c := New(ctx, svc, store.NewSnapshotStore(store.NewMemoryBackend()),
		WithSynthesisBudget(100*time.Millisecond, 50*time.Millisecond))

	c.Start(ctx, "Fjords")
	c.SubmitAnswer(ctx, "Glaciers")

	v := c.View()
	if v.Phase != discovery.PhaseReport {
		t.Fatalf("phase = %s, want report", v.Phase)
	}
	if v.Report.Report.ImageURL != "" {
		t.Errorf("imageUrl = %q, want empty", v.Report.Report.ImageURL)
	}
	if n := svc.count(discovery.OpGenerateImage); n != 0 {
		t.Errorf("image generated %d times with no budget left", n)
	}
}
