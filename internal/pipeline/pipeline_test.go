package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/v0xg/bddscout/internal/ai"
	"github.com/v0xg/bddscout/internal/crawler"
	"github.com/v0xg/bddscout/internal/discovery"
	"github.com/v0xg/bddscout/internal/gherkin"
	"github.com/v0xg/bddscout/internal/probe"
	"github.com/v0xg/bddscout/internal/progress"
	"github.com/v0xg/bddscout/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeStore struct {
	mu       sync.Mutex
	nextID   int64
	created  int
	updates  []storage.StatusUpdate
	analyses []storage.Analysis
	features []string
	logs     []string
	fail     map[string]error
	failLog  func(message string) error
}

func newFakeStore() *fakeStore { return &fakeStore{nextID: 1, fail: map[string]error{}} }

func (s *fakeStore) CreateRun(_ context.Context, _, _, _ string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail["CreateRun"]; err != nil {
		return 0, err
	}
	s.created++
	id := s.nextID
	s.nextID++
	return id, nil
}

func (s *fakeStore) UpdateRunStatus(_ context.Context, _ int64, u storage.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail["UpdateRunStatus"]; err != nil {
		return err
	}
	s.updates = append(s.updates, u)
	return nil
}

func (s *fakeStore) SaveAnalysis(_ context.Context, _ int64, a storage.Analysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail["SaveAnalysis"]; err != nil {
		return err
	}
	s.analyses = append(s.analyses, a)
	return nil
}

func (s *fakeStore) SaveFeature(_ context.Context, _ int64, featureType, _, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail["SaveFeature"]; err != nil {
		return err
	}
	s.features = append(s.features, featureType)
	return nil
}

func (s *fakeStore) AddLog(_ context.Context, _ int64, level, message string, _ map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failLog != nil {
		if err := s.failLog(message); err != nil {
			return err
		}
	}
	s.logs = append(s.logs, level+" "+message)
	return nil
}

func (s *fakeStore) last() storage.StatusUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates[len(s.updates)-1]
}

var allPhases = []discovery.Phase{
	discovery.PhaseLaunch, discovery.PhaseLoad, discovery.PhaseStructure, discovery.PhaseHover, discovery.PhasePopup,
}

type fakeDiscoverer struct {
	res    *discovery.Result
	err    error
	phases []discovery.Phase
	panics bool
	hook   func(ctx context.Context, ph discovery.Phase)
}

func (d *fakeDiscoverer) Discover(ctx context.Context, _ string, onPhase func(discovery.Phase)) (*discovery.Result, error) {
	phases := d.phases
	if phases == nil {
		phases = allPhases
	}
	for _, ph := range phases {
		onPhase(ph)
		if d.hook != nil {
			d.hook(ctx, ph)
		}
	}
	if d.panics {
		panic("tab crashed")
	}
	if d.err != nil {
		return nil, d.err
	}
	return d.res, nil
}

type fakeGenerator struct {
	mu                 sync.Mutex
	hoverErr, popupErr error
	calls              int
}

func (g *fakeGenerator) HoverFeatures(_ context.Context, _ string, _ []probe.HoverElement, _ crawler.PageStructure) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.hoverErr != nil {
		return "", g.hoverErr
	}
	return "Feature: Hover", nil
}

func (g *fakeGenerator) PopupFeatures(_ context.Context, _ string, _ []probe.PopupTrigger, _ crawler.PageStructure) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.popupErr != nil {
		return "", g.popupErr
	}
	return "Feature: Popup", nil
}

type fakeWriter struct {
	mu      sync.Mutex
	written []string
}

func (w *fakeWriter) Write(category string, runID int64, _ string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	path := fmt.Sprintf("outputs/%s_%d.feature", category, runID)
	w.written = append(w.written, path)
	return path, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []progress.Event
	err    error
}

func (r *recordingSink) Send(_ context.Context, ev progress.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recordingSink) progress() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Progress)
	}
	return out
}

func (r *recordingSink) lastEvent() progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func sampleResult() *discovery.Result {
	return &discovery.Result{
		PageStructure: crawler.PageStructure{Title: "Shop"},
		HoverElements: []probe.HoverElement{{
			Candidate: probe.Candidate{Tag: "a", Text: "Store"},
			Revealed:  []probe.SnapshotElement{{Text: "Shop the Latest", Tag: "a"}},
		}},
		PopupTriggers: []probe.PopupTrigger{},
	}
}

type harness struct {
	store *fakeStore
	disc  *fakeDiscoverer
	gen   *fakeGenerator
	wr    *fakeWriter
	sink  *recordingSink
	p     *Pipeline
}

func newHarness() *harness {
	h := &harness{
		store: newFakeStore(),
		disc:  &fakeDiscoverer{res: sampleResult()},
		gen:   &fakeGenerator{},
		wr:    &fakeWriter{},
		sink:  &recordingSink{},
	}
	h.p = New(Deps{Store: h.store, Discoverer: h.disc, Generator: h.gen, Writer: h.wr, Sink: h.sink}, zap.NewNop())
	return h
}

func (h *harness) run(ctx context.Context) Run {
	return h.p.Execute(ctx, Request{URL: "https://shop.test", Provider: "groq", Model: "m"})
}

func TestSuccessfulRunProgress(t *testing.T) {
	h := newHarness()
	run := h.run(context.Background())

	assert.Equal(t, storage.StatusCompleted, run.Status)
	assert.Empty(t, run.Error)
	assert.Equal(t, int64(1), run.ID)
	assert.Equal(t, 100, run.Progress)
	require.NotNil(t, run.Analysis)
	require.NotNil(t, run.HoverFeature)
	require.NotNil(t, run.PopupFeature)
	assert.Equal(t, "outputs/hover_1.feature", run.HoverFeature.Path)

	assert.Equal(t, []int{0, 5, 10, 20, 30, 40, 60, 65, 70, 80, 85, 95, 100}, h.sink.progress())
	assert.IsNonDecreasing(t, h.sink.progress())

	last := h.sink.lastEvent()
	assert.Equal(t, progress.TypeComplete, last.Type)
	assert.Equal(t, storage.StatusCompleted, last.Status)

	assert.Equal(t, storage.StatusCompleted, h.store.last().Status)
	assert.Len(t, h.store.analyses, 1)
	assert.JSONEq(t, `{"title":"Shop","url":"","nav_elements":0,"buttons":0,"links":0,"forms":0,"has_navigation":false,"is_spa":false}`,
		string(h.store.analyses[0].PageStructure))
	assert.Equal(t, []string{"hover", "popup"}, h.store.features)
	assert.Contains(t, h.store.logs, "INFO Found 1 hover elements")
	assert.Contains(t, h.store.logs, "INFO Test generation completed successfully")
}

func TestNavigationFailureFailsRun(t *testing.T) {
	h := newHarness()
	h.disc.phases = []discovery.Phase{discovery.PhaseLaunch, discovery.PhaseLoad}
	h.disc.err = fmt.Errorf("%w: https://shop.test: timeout", crawler.ErrNavigation)

	run := h.run(context.Background())

	assert.True(t, run.Failed())
	assert.Contains(t, run.Error, "navigation failed")
	assert.Nil(t, run.Analysis)
	assert.Empty(t, h.store.analyses, "no partial discovery result")
	assert.Zero(t, h.gen.calls)

	last := h.sink.lastEvent()
	assert.Equal(t, progress.TypeError, last.Type)
	assert.Equal(t, run.Error, last.Error)
	assert.Equal(t, storage.StatusFailed, h.store.last().Status)
	assert.Equal(t, run.Error, h.store.last().Error)
	assert.Contains(t, h.store.logs, "ERROR "+run.Error)
}

func TestGenerationFailureKeepsEarlierArtifacts(t *testing.T) {
	h := newHarness()
	h.gen.popupErr = ai.ErrEmptyResponse

	run := h.run(context.Background())

	assert.True(t, run.Failed())
	assert.Contains(t, run.Error, "Popup feature generation failed")
	require.NotNil(t, run.HoverFeature)
	assert.Nil(t, run.PopupFeature)
	assert.Equal(t, []string{"hover"}, h.store.features)
	assert.Equal(t, []string{"outputs/hover_1.feature"}, h.wr.written)
	assert.Equal(t, 80, run.Progress, "progress of the last completed step")
}

func TestPersistenceFailureFailsStep(t *testing.T) {
	h := newHarness()
	h.store.fail["SaveAnalysis"] = errors.New("disk full")

	run := h.run(context.Background())

	assert.True(t, run.Failed())
	assert.Contains(t, run.Error, "disk full")
	assert.Zero(t, h.gen.calls)
}

func TestLoadLogFailureStopsDiscovery(t *testing.T) {
	h := newHarness()
	h.store.failLog = func(message string) error {
		if strings.HasPrefix(message, "Successfully loaded") {
			return errors.New("disk full")
		}
		return nil
	}
	var hoverErr error
	h.disc.hook = func(ctx context.Context, ph discovery.Phase) {
		if ph == discovery.PhaseHover {
			hoverErr = ctx.Err()
		}
	}

	run := h.run(context.Background())

	assert.True(t, run.Failed())
	assert.Contains(t, run.Error, "Browser analysis error: disk full")
	assert.ErrorIs(t, hoverErr, context.Canceled, "discovery context is cancelled once the load log fails")
	assert.Zero(t, h.gen.calls)
}

func TestCreateRunFailure(t *testing.T) {
	h := newHarness()
	h.store.fail["CreateRun"] = errors.New("locked")

	run := h.run(context.Background())

	assert.True(t, run.Failed())
	assert.Contains(t, run.Error, "Task creation failed")
	assert.Zero(t, run.ID)
	assert.Empty(t, h.sink.events, "nothing to report without a run id")
}

func TestPanicBecomesFailure(t *testing.T) {
	h := newHarness()
	h.disc.panics = true

	run := h.run(context.Background())

	assert.True(t, run.Failed())
	assert.Contains(t, run.Error, "browser_analysis panicked: tab crashed")
	assert.Equal(t, progress.TypeError, h.sink.lastEvent().Type)
}

func TestSinkFailuresAreIgnored(t *testing.T) {
	h := newHarness()
	h.sink.err = errors.New("client gone")

	run := h.run(context.Background())

	assert.Equal(t, storage.StatusCompleted, run.Status)
}

func TestPreassignedRunID(t *testing.T) {
	h := newHarness()
	run := h.p.Execute(context.Background(), Request{RunID: 77, URL: "https://shop.test"})

	assert.Equal(t, int64(77), run.ID)
	assert.Zero(t, h.store.created)
	assert.Equal(t, "outputs/hover_77.feature", run.HoverFeature.Path)
}

func TestCancelledBeforeStart(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run := h.run(ctx)

	assert.True(t, run.Failed())
	assert.Equal(t, "run cancelled", run.Error)
	assert.Zero(t, h.store.created)
}

func TestCancellationObservedAtStepBoundary(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var midStepErr error
	h.disc.hook = func(stepCtx context.Context, ph discovery.Phase) {
		if ph == discovery.PhaseHover {
			cancel()
			midStepErr = stepCtx.Err()
		}
	}

	run := h.run(ctx)

	assert.NoError(t, midStepErr, "the running step is not interrupted")
	assert.True(t, run.Failed())
	assert.Equal(t, "run cancelled", run.Error)
	assert.Len(t, h.store.analyses, 1, "browser_analysis finished before cancellation took effect")
	assert.Zero(t, h.gen.calls)
	assert.Equal(t, progress.TypeError, h.sink.lastEvent().Type)
}

type refusingLLM struct{}

func (refusingLLM) Name() string { return "refusing" }

func (refusingLLM) Generate(context.Context, ai.Prompt) (string, error) {
	return "", errors.New("must not be called")
}

func TestEmptyDiscoveryCompletesWithStore(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.Open(context.Background(), filepath.Join(dir, "runs.db"), zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	disc := &fakeDiscoverer{res: &discovery.Result{
		HoverElements: []probe.HoverElement{},
		PopupTriggers: []probe.PopupTrigger{},
	}}
	p := New(Deps{
		Store:      store,
		Discoverer: disc,
		Generator:  gherkin.NewGenerator(refusingLLM{}, zap.NewNop()),
		Writer:     gherkin.DirWriter{Dir: filepath.Join(dir, "outputs")},
		Sink:       progress.NewLogSink(zap.NewNop()),
	}, zap.NewNop())

	run := p.Execute(context.Background(), Request{URL: "https://empty.test", Provider: "groq", Model: "m"})
	require.Equal(t, storage.StatusCompleted, run.Status, run.Error)

	stored, err := store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, stored.Status)
	assert.Equal(t, 100, stored.Progress)
	assert.NotNil(t, stored.StartedAt)
	assert.NotNil(t, stored.CompletedAt)

	analysis, err := store.GetAnalysis(context.Background(), run.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(analysis.HoverElements))

	features, err := store.GetFeatures(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, features, 2)
	assert.Equal(t, gherkin.GenericHover("https://empty.test"), features[0].Content)

	b, err := os.ReadFile(features[1].FilePath)
	require.NoError(t, err)
	assert.Contains(t, string(b), "Feature: Validate pop-up functionality")
}

func TestFailedRunStoredProgressMatchesErrorEvent(t *testing.T) {
	store, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "runs.db"), zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	sink := &recordingSink{}
	p := New(Deps{
		Store:      store,
		Discoverer: &fakeDiscoverer{res: sampleResult()},
		Generator:  &fakeGenerator{popupErr: ai.ErrEmptyResponse},
		Writer:     gherkin.DirWriter{Dir: t.TempDir()},
		Sink:       sink,
	}, zap.NewNop())

	run := p.Execute(context.Background(), Request{URL: "https://shop.test", Provider: "groq", Model: "m"})
	require.True(t, run.Failed())

	ev := sink.lastEvent()
	assert.Equal(t, progress.TypeError, ev.Type)

	stored, err := store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, stored.Status)
	assert.Equal(t, 80, run.Progress)
	assert.Equal(t, run.Progress, ev.Progress)
	assert.Equal(t, run.Progress, stored.Progress)
	assert.Equal(t, run.CurrentStep, stored.CurrentStep)
	assert.Contains(t, stored.ErrorMessage, "Popup feature generation failed")
}

func TestConcurrentRunsAreIndependent(t *testing.T) {
	store := newFakeStore()
	sink := &recordingSink{}
	p := New(Deps{
		Store:      store,
		Discoverer: &fakeDiscoverer{res: sampleResult()},
		Generator:  &fakeGenerator{},
		Writer:     &fakeWriter{},
		Sink:       sink,
	}, zap.NewNop())

	var wg sync.WaitGroup
	runs := make([]Run, 4)
	for i := range runs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runs[i] = p.Execute(context.Background(), Request{RunID: int64(i + 1), URL: "https://shop.test"})
		}()
	}
	wg.Wait()

	perRun := map[int64][]int{}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	for _, ev := range sink.events {
		perRun[ev.RunID] = append(perRun[ev.RunID], ev.Progress)
	}
	for _, r := range runs {
		assert.Equal(t, storage.StatusCompleted, r.Status)
		assert.IsNonDecreasing(t, perRun[r.ID])
		assert.Equal(t, 100, perRun[r.ID][len(perRun[r.ID])-1])
	}
}
