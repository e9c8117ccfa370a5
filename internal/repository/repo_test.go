package repository

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/marek/upcycle/internal/domain"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	// A file-backed database: every pooled connection must see the same
	// schema, which in-memory sqlite does not guarantee.
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.AutoMigrate(&domain.Project{}, &domain.PromptCacheEntry{}, &domain.PromptHistoryEntry{}); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

func TestGenerationLockExclusive(t *testing.T) {
	ctx := context.Background()
	repo := NewProjectRepository(newTestDB(t))

	project := &domain.Project{ID: "p1", ProjectName: "Bottle Planter", Status: domain.ProjectStatusGenerating}
	if err := repo.Create(ctx, project); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	acquired, err := repo.AcquireGenerationLock(ctx, "p1", "background")
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if !acquired {
		t.Fatal("first acquire returned false, want true")
	}

	acquired, err = repo.AcquireGenerationLock(ctx, "p1", "stream")
	if err != nil {
		t.Fatalf("second acquire failed: %v", err)
	}
	if acquired {
		t.Fatal("second acquire returned true while lock held")
	}

	if err := repo.ReleaseGenerationLock(ctx, "p1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	acquired, err = repo.AcquireGenerationLock(ctx, "p1", "stream")
	if err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}
	if !acquired {
		t.Fatal("acquire after release returned false, want true")
	}

	got, err := repo.GetByID(ctx, "p1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.GenerationBy != "stream" {
		t.Errorf("GenerationBy = %q, want stream", got.GenerationBy)
	}
	if got.GenerationStartedAt == nil {
		t.Error("GenerationStartedAt not set while lock held")
	}
}

func TestGenerationLockMissingRecord(t *testing.T) {
	ctx := context.Background()
	repo := NewProjectRepository(newTestDB(t))

	acquired, err := repo.AcquireGenerationLock(ctx, "ghost", "background")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if acquired {
		t.Fatal("acquired lock on missing record")
	}
}

func TestSubmitRankVote(t *testing.T) {
	ctx := context.Background()
	repo := NewProjectRepository(newTestDB(t))

	project := &domain.Project{ID: "p1", ProjectName: "Jar Lantern", Status: domain.ProjectStatusCompleted}
	if err := repo.Create(ctx, project); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := repo.SubmitRankVote(ctx, "p1", "u1", 4); err != nil {
		t.Fatalf("first vote failed: %v", err)
	}
	if _, err := repo.SubmitRankVote(ctx, "p1", "u2", 2); err != nil {
		t.Fatalf("second vote failed: %v", err)
	}

	got, err := repo.GetByID(ctx, "p1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if len(got.Ranks) != 2 {
		t.Fatalf("got %d votes, want 2", len(got.Ranks))
	}
	if got.RankScore != 3 {
		t.Errorf("RankScore = %f, want 3", got.RankScore)
	}

	// Re-vote by the same user replaces, not appends.
	if _, err := repo.SubmitRankVote(ctx, "p1", "u1", 5); err != nil {
		t.Fatalf("re-vote failed: %v", err)
	}
	got, err = repo.GetByID(ctx, "p1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if len(got.Ranks) != 2 {
		t.Fatalf("after re-vote got %d votes, want 2", len(got.Ranks))
	}
	if got.RankScore != 3.5 {
		t.Errorf("RankScore after re-vote = %f, want 3.5", got.RankScore)
	}
	// The rating that feeds search scoring follows the mean, not the most
	// recent vote.
	if got.UserRating != 3.5 {
		t.Errorf("UserRating after re-vote = %f, want the vote mean 3.5", got.UserRating)
	}
}

func TestPromptCacheRecency(t *testing.T) {
	ctx := context.Background()
	repo := NewPromptCacheRepository(newTestDB(t))

	entry := &domain.PromptCacheEntry{
		ID:               "c1",
		Prompt:           "old jeans and rope",
		ResultProjectIDs: []string{"p1", "p2"},
	}
	if err := repo.Put(ctx, entry); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	firstAccess := entry.LastAccessedAt

	time.Sleep(10 * time.Millisecond)
	got, err := repo.Get(ctx, "old jeans and rope")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(got.ResultProjectIDs) != 2 {
		t.Errorf("got %d result IDs, want 2", len(got.ResultProjectIDs))
	}
	if !got.LastAccessedAt.After(firstAccess) {
		t.Error("Get did not refresh LastAccessedAt")
	}

	if _, err := repo.Get(ctx, "never seen"); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Errorf("Get on missing prompt = %v, want ErrRecordNotFound", err)
	}
}

func TestPromptCacheUpsert(t *testing.T) {
	ctx := context.Background()
	repo := NewPromptCacheRepository(newTestDB(t))

	first := &domain.PromptCacheEntry{ID: "c1", Prompt: "glass jars", ResultProjectIDs: []string{"p1"}}
	if err := repo.Put(ctx, first); err != nil {
		t.Fatalf("first Put failed: %v", err)
	}

	second := &domain.PromptCacheEntry{ID: "c2", Prompt: "glass jars", ResultProjectIDs: []string{"p2", "p3"}}
	if err := repo.Put(ctx, second); err != nil {
		t.Fatalf("second Put failed: %v", err)
	}

	got, err := repo.Get(ctx, "glass jars")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ID != "c1" {
		t.Errorf("upsert replaced the row instead of updating: ID = %s", got.ID)
	}
	if len(got.ResultProjectIDs) != 2 || got.ResultProjectIDs[0] != "p2" {
		t.Errorf("result IDs not updated: %v", got.ResultProjectIDs)
	}
}

func TestPromptHistoryRecency(t *testing.T) {
	ctx := context.Background()
	repo := NewPromptHistoryRepository(newTestDB(t))

	for i := 0; i < 7; i++ {
		entry := &domain.PromptHistoryEntry{
			ID:     fmt.Sprintf("h%d", i),
			UserID: "u1",
			Prompt: fmt.Sprintf("prompt %d", i),
		}
		if err := repo.Record(ctx, entry); err != nil {
			t.Fatalf("Record %d failed: %v", i, err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	entries, err := repo.ListRecent(ctx, "u1", 5)
	if err != nil {
		t.Fatalf("ListRecent failed: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("got %d entries, want 5", len(entries))
	}
	if entries[0].Prompt != "prompt 6" {
		t.Errorf("newest entry = %q, want prompt 6", entries[0].Prompt)
	}

	// Repeating an old prompt bumps it to the top without duplicating.
	time.Sleep(5 * time.Millisecond)
	if err := repo.Record(ctx, &domain.PromptHistoryEntry{ID: "h-dup", UserID: "u1", Prompt: "prompt 2"}); err != nil {
		t.Fatalf("repeat Record failed: %v", err)
	}
	entries, err = repo.ListRecent(ctx, "u1", 5)
	if err != nil {
		t.Fatalf("ListRecent failed: %v", err)
	}
	if entries[0].Prompt != "prompt 2" {
		t.Errorf("repeated prompt not bumped to top: got %q", entries[0].Prompt)
	}
	seen := map[string]int{}
	for _, e := range entries {
		seen[e.Prompt]++
	}
	if seen["prompt 2"] != 1 {
		t.Errorf("prompt 2 appears %d times, want 1", seen["prompt 2"])
	}
}

func TestPromptHistoryDeleteOwnership(t *testing.T) {
	ctx := context.Background()
	repo := NewPromptHistoryRepository(newTestDB(t))

	if err := repo.Record(ctx, &domain.PromptHistoryEntry{ID: "h1", UserID: "u1", Prompt: "jars"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	if err := repo.Delete(ctx, "u2", "h1"); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Errorf("Delete by non-owner = %v, want ErrRecordNotFound", err)
	}
	if err := repo.Delete(ctx, "u1", "h1"); err != nil {
		t.Errorf("Delete by owner failed: %v", err)
	}
}
