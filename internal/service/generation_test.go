package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/marek/upcycle/internal/config"
	"github.com/marek/upcycle/internal/domain"
	"github.com/marek/upcycle/internal/repository"
	"github.com/marek/upcycle/internal/vector"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// fakeEmbedder returns a deterministic unit vector derived from the keyword
// set, so identical materials embed identically.
type fakeEmbedder struct {
	dim int
}

func (f *fakeEmbedder) Dimensions() int { return f.dim }

func (f *fakeEmbedder) EmbedMaterials(ctx context.Context, keywords []string) ([]float32, error) {
	if len(keywords) == 0 {
		return nil, ErrBadInput
	}
	vec := make([]float32, f.dim)
	h := 0
	for _, k := range keywords {
		for _, c := range k {
			h = (h*31 + int(c)) % f.dim
		}
	}
	vec[h] = 1
	return vec, nil
}

// fakeLLM scripts name and detail responses and records call counts.
type fakeLLM struct {
	mu           sync.Mutex
	names        []string
	nameCalls    int
	detailCalls  int
	detailErrs   []error // consumed per call before detailErr
	detailErr    error
	detailByName map[string]*ProjectPayload
}

func (f *fakeLLM) GenerateNames(ctx context.Context, userPrompt string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nameCalls++
	return f.names, nil
}

func (f *fakeLLM) GenerateDetails(ctx context.Context, projectName, userPrompt string) (*ProjectPayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detailCalls++
	if len(f.detailErrs) > 0 {
		err := f.detailErrs[0]
		f.detailErrs = f.detailErrs[1:]
		if err != nil {
			return nil, err
		}
	} else if f.detailErr != nil {
		return nil, f.detailErr
	}
	if p, ok := f.detailByName[projectName]; ok {
		return p, nil
	}
	return &ProjectPayload{
		ProjectName:    projectName,
		Description:    "A " + projectName + " made from spare materials.",
		ReferenceVideo: "https://www.youtube.com/results?search_query=DIY+" + projectName,
	}, nil
}

func (f *fakeLLM) StreamDetails(ctx context.Context, projectName, userPrompt string, onDelta func(string, int)) (*ProjectPayload, error) {
	if onDelta != nil {
		onDelta("{", 1)
	}
	return f.GenerateDetails(ctx, projectName, userPrompt)
}

func (f *fakeLLM) calls() (names, details int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nameCalls, f.detailCalls
}

type testEnv struct {
	svc      *GenerationService
	projects *repository.ProjectRepository
	cache    *repository.PromptCacheRepository
	index    vector.Index
	llm      *fakeLLM
	embedder *fakeEmbedder
	llmCfg   *config.LLMConfig
}

func newTestEnv(t *testing.T, llm *fakeLLM) *testEnv {
	t.Helper()

	dir := t.TempDir()
	// File-backed rather than in-memory: background workers open their own
	// pooled connections and must see the same database.
	db, err := gorm.Open(sqlite.Open(filepath.Join(dir, "test.db")+"?_busy_timeout=5000"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.AutoMigrate(&domain.Project{}, &domain.PromptCacheEntry{}, &domain.PromptHistoryEntry{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	idx := vector.NewFlatIndex(8, filepath.Join(dir, "vectors.bin"), filepath.Join(dir, "mapping.json"))
	if err := idx.Initialize(context.Background()); err != nil {
		t.Fatalf("failed to init index: %v", err)
	}

	genCfg := &config.GenerateConfig{
		SimilarityThreshold: 0.8,
		MinMatches:          3,
		SearchK:             10,
		MaxResults:          5,
		PollInterval:        10 * time.Millisecond,
	}
	llmCfg := &config.LLMConfig{
		Timeout:      time.Second,
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
	}

	projects := repository.NewProjectRepository(db)
	cache := repository.NewPromptCacheRepository(db)
	history := repository.NewPromptHistoryRepository(db)
	embedder := &fakeEmbedder{dim: 8}

	svc := NewGenerationService(genCfg, llmCfg, projects, cache, history, embedder, llm, idx)
	return &testEnv{svc: svc, projects: projects, cache: cache, index: idx, llm: llm, embedder: embedder, llmCfg: llmCfg}
}

// waitForStatus polls until every listed project reaches a terminal status.
func waitForStatus(t *testing.T, env *testEnv, ids []string, want domain.ProjectStatus) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		done := true
		for _, id := range ids {
			p, err := env.projects.GetByID(context.Background(), id)
			if err != nil {
				t.Fatalf("GetByID failed: %v", err)
			}
			if p.Status != want {
				done = false
				break
			}
		}
		if done {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("projects did not reach status %s in time", want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGenerateBadInput(t *testing.T) {
	env := newTestEnv(t, &fakeLLM{names: []string{"X"}})

	for _, prompt := range []string{"", "   ", "some old and the"} {
		_, err := env.svc.Generate(context.Background(), prompt, "")
		if !errors.Is(err, ErrBadInput) {
			t.Errorf("Generate(%q) error = %v, want ErrBadInput", prompt, err)
		}
	}
}

// TestGenerateEmptyIndex covers the cold-start path: nothing indexed, so
// the names-only pass creates placeholder records which a background worker
// then completes and indexes.
func TestGenerateEmptyIndex(t *testing.T) {
	llm := &fakeLLM{names: []string{"Jar Lantern", "Rope Shelf"}}
	env := newTestEnv(t, llm)
	ctx := context.Background()

	res, err := env.svc.Generate(ctx, "3 mason jars, some rope", "")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if res.Cached {
		t.Error("cold start reported cached result")
	}
	if len(res.Projects) != 2 {
		t.Fatalf("got %d projects, want 2", len(res.Projects))
	}
	ids := make([]string, len(res.Projects))
	for i, p := range res.Projects {
		ids[i] = p.ID
		if p.Status != domain.ProjectStatusGenerating {
			t.Errorf("project %s status = %s, want generating", p.ProjectName, p.Status)
		}
		if len(p.NormalizedMaterials) != 2 {
			t.Errorf("project %s normalized materials = %v, want 2 keywords", p.ProjectName, p.NormalizedMaterials)
		}
	}

	waitForStatus(t, env, ids, domain.ProjectStatusCompleted)

	count, err := env.index.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 2 {
		t.Errorf("index holds %d vectors after completion, want 2", count)
	}

	for _, id := range ids {
		p, _ := env.projects.GetByID(ctx, id)
		if p.GenerationLock {
			t.Errorf("project %s still holds generation lock after completion", id)
		}
		if p.Description == "" {
			t.Errorf("project %s has no description after completion", id)
		}
	}
}

// TestGenerateCacheHit verifies the second identical prompt is served from
// the exact-text cache without another LLM call.
func TestGenerateCacheHit(t *testing.T) {
	llm := &fakeLLM{names: []string{"Jar Lantern"}}
	env := newTestEnv(t, llm)
	ctx := context.Background()

	first, err := env.svc.Generate(ctx, "glass jars", "")
	if err != nil {
		t.Fatalf("first Generate failed: %v", err)
	}
	ids := []string{first.Projects[0].ID}
	waitForStatus(t, env, ids, domain.ProjectStatusCompleted)

	second, err := env.svc.Generate(ctx, "glass jars", "")
	if err != nil {
		t.Fatalf("second Generate failed: %v", err)
	}
	if !second.Cached {
		t.Error("second identical prompt not served from cache")
	}
	if len(second.Projects) != 1 || second.Projects[0].ID != ids[0] {
		t.Errorf("cached result mismatch: %+v", second.Projects)
	}

	names, _ := llm.calls()
	if names != 1 {
		t.Errorf("names pass called %d times, want 1", names)
	}
}

// TestGenerateServesSimilar verifies that enough confident vector matches
// bypass generation entirely.
func TestGenerateServesSimilar(t *testing.T) {
	llm := &fakeLLM{names: []string{"should not be called"}}
	env := newTestEnv(t, llm)
	ctx := context.Background()

	embedding, _ := env.embedder.EmbedMaterials(ctx, []string{"glass", "twine"})
	for i := 0; i < 3; i++ {
		p := domain.Project{
			ID:          uuid.NewString(),
			ProjectName: fmt.Sprintf("Existing %d", i),
			Status:      domain.ProjectStatusCompleted,
			Embedding:   embedding,
			UserRating:  float64(i),
		}
		if err := env.projects.Create(ctx, &p); err != nil {
			t.Fatalf("seed Create failed: %v", err)
		}
		if err := env.index.Add(ctx, p.ID, embedding); err != nil {
			t.Fatalf("seed index Add failed: %v", err)
		}
	}

	res, err := env.svc.Generate(ctx, "mason jars and rope", "")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if res.Cached {
		t.Error("vector-served result reported cached")
	}
	if len(res.Projects) != 3 {
		t.Fatalf("got %d projects, want 3", len(res.Projects))
	}
	// Equal similarity, so rating decides the order.
	if res.Projects[0].ProjectName != "Existing 2" {
		t.Errorf("top project = %s, want the highest rated", res.Projects[0].ProjectName)
	}

	names, details := llm.calls()
	if names != 0 || details != 0 {
		t.Errorf("LLM called (%d names, %d details) despite confident matches", names, details)
	}

	// The same prompt again is now served from the exact-text cache.
	again, err := env.svc.Generate(ctx, "mason jars and rope", "")
	if err != nil {
		t.Fatalf("repeat Generate failed: %v", err)
	}
	if !again.Cached {
		t.Error("repeat of a vector-served prompt not served from cache")
	}
}

// TestGenerateReusesFailedRecord verifies a prior failed record with the
// same name and prompt is reused and requeued instead of duplicated, and
// that the response never shows a terminal status for it.
func TestGenerateReusesFailedRecord(t *testing.T) {
	llm := &fakeLLM{names: []string{"Jar Lantern"}}
	env := newTestEnv(t, llm)
	ctx := context.Background()

	failed := domain.Project{
		ID:          uuid.NewString(),
		ProjectName: "Jar Lantern",
		InputPrompt: "glass jars",
		Status:      domain.ProjectStatusFailed,
		Description: "Generation failed: timeout",
	}
	if err := env.projects.Create(ctx, &failed); err != nil {
		t.Fatalf("seed Create failed: %v", err)
	}

	res, err := env.svc.Generate(ctx, "glass jars", "")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(res.Projects) != 1 || res.Projects[0].ID != failed.ID {
		t.Fatalf("got %d projects, want the existing record reused", len(res.Projects))
	}
	if res.Projects[0].Status != domain.ProjectStatusGenerating {
		t.Errorf("reused record status in response = %s, want generating", res.Projects[0].Status)
	}

	stored, err := env.projects.GetByID(ctx, failed.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if stored.Status == domain.ProjectStatusFailed {
		t.Error("reused record still failed in the store while regenerating")
	}

	waitForStatus(t, env, []string{failed.ID}, domain.ProjectStatusCompleted)
}

// TestGenerateRetriesTransient verifies transient failures are retried and
// eventually succeed.
func TestGenerateRetriesTransient(t *testing.T) {
	llm := &fakeLLM{
		names: []string{"Jar Lantern"},
		detailErrs: []error{
			&UpstreamError{Kind: UpstreamTransient, Msg: "connection reset"},
			nil,
		},
	}
	env := newTestEnv(t, llm)
	ctx := context.Background()

	res, err := env.svc.Generate(ctx, "glass jars", "")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	waitForStatus(t, env, []string{res.Projects[0].ID}, domain.ProjectStatusCompleted)

	_, details := llm.calls()
	if details != 2 {
		t.Errorf("detail pass called %d times, want 2 (one failure, one retry)", details)
	}
}

// TestGenerateMarksFailed verifies a persistently failing backend marks the
// record failed with a diagnostic and releases the lock.
func TestGenerateMarksFailed(t *testing.T) {
	llm := &fakeLLM{
		names:     []string{"Jar Lantern"},
		detailErr: &UpstreamError{Kind: UpstreamTransient, Msg: "model not responding"},
	}
	env := newTestEnv(t, llm)
	ctx := context.Background()

	res, err := env.svc.Generate(ctx, "glass jars", "")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	id := res.Projects[0].ID
	waitForStatus(t, env, []string{id}, domain.ProjectStatusFailed)

	p, _ := env.projects.GetByID(ctx, id)
	if p.GenerationLock {
		t.Error("generation lock still held after terminal failure")
	}
	if p.Description == "" {
		t.Error("failed record carries no diagnostic description")
	}

	_, details := llm.calls()
	if details != 3 {
		t.Errorf("detail pass called %d times, want 3 (initial + 2 retries)", details)
	}

	// Failed records stay out of the index.
	hits, err := env.index.Search(ctx, res.Projects[0].Embedding, 10)
	if err != nil {
		t.Fatalf("index search after failure: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("index holds %d hits after failure, want 0", len(hits))
	}
}

// TestGenerateRejectedNotRetried verifies a non-retryable rejection fails
// fast without burning retries.
func TestGenerateRejectedNotRetried(t *testing.T) {
	llm := &fakeLLM{
		names:     []string{"Jar Lantern"},
		detailErr: &UpstreamError{Kind: UpstreamRejected, Status: 400, Msg: "bad request"},
	}
	env := newTestEnv(t, llm)

	res, err := env.svc.Generate(context.Background(), "glass jars", "")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	waitForStatus(t, env, []string{res.Projects[0].ID}, domain.ProjectStatusFailed)

	_, details := llm.calls()
	if details != 1 {
		t.Errorf("detail pass called %d times for rejected request, want 1", details)
	}
}

// TestRetryCompletesFailedProject verifies the admin retry path.
func TestRetryCompletesFailedProject(t *testing.T) {
	llm := &fakeLLM{names: []string{"Jar Lantern"}}
	env := newTestEnv(t, llm)
	ctx := context.Background()

	project := domain.Project{
		ID:          uuid.NewString(),
		ProjectName: "Jar Lantern",
		InputPrompt: "glass jars",
		Status:      domain.ProjectStatusFailed,
		Description: "Generation failed: timeout",
	}
	if err := env.projects.Create(ctx, &project); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	updated, err := env.svc.Retry(ctx, project.ID, true)
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if updated.Status != domain.ProjectStatusCompleted {
		t.Errorf("status after retry = %s, want completed", updated.Status)
	}
	if len(updated.NormalizedMaterials) == 0 {
		t.Error("retry did not backfill normalized materials")
	}
	if len(updated.Embedding) == 0 {
		t.Error("retry did not backfill embedding")
	}
}

func TestRetryMissingProject(t *testing.T) {
	env := newTestEnv(t, &fakeLLM{})

	_, err := env.svc.Retry(context.Background(), uuid.NewString(), true)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Retry on missing project = %v, want ErrNotFound", err)
	}
}

// TestAttachStreamCompleted verifies an already-finished record is emitted
// immediately.
func TestAttachStreamCompleted(t *testing.T) {
	env := newTestEnv(t, &fakeLLM{})
	ctx := context.Background()

	project := domain.Project{
		ID:          uuid.NewString(),
		ProjectName: "Jar Lantern",
		Status:      domain.ProjectStatusCompleted,
		Description: "done",
	}
	if err := env.projects.Create(ctx, &project); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	var events []string
	env.svc.AttachStream(ctx, project.ID, func(event string, data interface{}) error {
		events = append(events, event)
		return nil
	})

	if len(events) != 1 || events[0] != EventComplete {
		t.Errorf("events = %v, want [complete]", events)
	}
}

// TestAttachStreamGeneratesWhenUnlocked verifies the stream path acquires
// the lock, emits progress, and finishes with a complete event.
func TestAttachStreamGeneratesWhenUnlocked(t *testing.T) {
	llm := &fakeLLM{}
	env := newTestEnv(t, llm)
	ctx := context.Background()

	project := domain.Project{
		ID:          uuid.NewString(),
		ProjectName: "Jar Lantern",
		InputPrompt: "glass jars",
		Status:      domain.ProjectStatusGenerating,
	}
	if err := env.projects.Create(ctx, &project); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	var events []string
	env.svc.AttachStream(ctx, project.ID, func(event string, data interface{}) error {
		events = append(events, event)
		return nil
	})

	if len(events) < 3 {
		t.Fatalf("events = %v, want status, progress and complete", events)
	}
	if events[0] != EventStatus {
		t.Errorf("first event = %s, want status", events[0])
	}
	if events[len(events)-1] != EventComplete {
		t.Errorf("last event = %s, want complete", events[len(events)-1])
	}

	p, _ := env.projects.GetByID(ctx, project.ID)
	if p.Status != domain.ProjectStatusCompleted {
		t.Errorf("status after stream = %s, want completed", p.Status)
	}
	if p.GenerationLock {
		t.Error("generation lock still held after stream")
	}
}

// TestAttachStreamPollsWhenLocked verifies the stream falls back to polling
// when another worker holds the lock, and completes once that worker does.
func TestAttachStreamPollsWhenLocked(t *testing.T) {
	env := newTestEnv(t, &fakeLLM{})
	ctx := context.Background()

	project := domain.Project{
		ID:          uuid.NewString(),
		ProjectName: "Jar Lantern",
		Status:      domain.ProjectStatusGenerating,
	}
	if err := env.projects.Create(ctx, &project); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if ok, err := env.projects.AcquireGenerationLock(ctx, project.ID, "background"); err != nil || !ok {
		t.Fatalf("seed lock failed: ok=%v err=%v", ok, err)
	}

	// Simulate the other worker finishing shortly after the stream attaches.
	go func() {
		time.Sleep(50 * time.Millisecond)
		project.Description = "done elsewhere"
		project.Status = domain.ProjectStatusCompleted
		if err := env.projects.SaveGenerated(context.Background(), &project); err != nil {
			t.Errorf("background SaveGenerated failed: %v", err)
		}
		if err := env.projects.ReleaseGenerationLock(context.Background(), project.ID); err != nil {
			t.Errorf("background release failed: %v", err)
		}
	}()

	var events []string
	env.svc.AttachStream(ctx, project.ID, func(event string, data interface{}) error {
		events = append(events, event)
		return nil
	})

	if len(events) == 0 || events[len(events)-1] != EventComplete {
		t.Errorf("events = %v, want trailing complete", events)
	}
}

// TestAttachStreamPollTimeout verifies polling gives up with an error event
// when the lock holder never finishes within the generation ceiling.
func TestAttachStreamPollTimeout(t *testing.T) {
	env := newTestEnv(t, &fakeLLM{})
	env.llmCfg.Timeout = 50 * time.Millisecond
	ctx := context.Background()

	project := domain.Project{
		ID:          uuid.NewString(),
		ProjectName: "Jar Lantern",
		Status:      domain.ProjectStatusGenerating,
	}
	if err := env.projects.Create(ctx, &project); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	// The lock holder never finishes.
	if ok, err := env.projects.AcquireGenerationLock(ctx, project.ID, "background"); err != nil || !ok {
		t.Fatalf("seed lock failed: ok=%v err=%v", ok, err)
	}

	var events []string
	var lastError ErrorEvent
	env.svc.AttachStream(ctx, project.ID, func(event string, data interface{}) error {
		events = append(events, event)
		if event == EventError {
			if e, ok := data.(ErrorEvent); ok {
				lastError = e
			}
		}
		return nil
	})

	if len(events) == 0 || events[len(events)-1] != EventError {
		t.Fatalf("events = %v, want trailing error", events)
	}
	if !strings.Contains(lastError.Message, "Timed out") {
		t.Errorf("error message = %q, want a timeout message", lastError.Message)
	}
}
