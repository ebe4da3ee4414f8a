package job

import (
	"context"
	"testing"
	"time"
)

func TestMemoryRepository_Save(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	job := New()

	err := repo.Save(ctx, job)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Verify it was saved
	saved, err := repo.FindByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if saved.ID != job.ID {
		t.Errorf("expected ID %s, got %s", job.ID, saved.ID)
	}
}

func TestMemoryRepository_Save_Update(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	job := New()

	// Save initial
	_ = repo.Save(ctx, job)

	// Update job
	_ = job.TransitionTo(StatusValidated)
	job.SetInputs("image-00000000000000000000000001.png", "audio-00000000000000000000000002.mp3")
	_ = repo.Save(ctx, job)

	// Verify update
	saved, _ := repo.FindByID(ctx, job.ID)
	if saved.Status != StatusValidated {
		t.Errorf("expected status %s, got %s", StatusValidated, saved.Status)
	}
	if saved.ImageHandle != "image-00000000000000000000000001.png" {
		t.Errorf("expected image handle to be saved, got %q", saved.ImageHandle)
	}
}

func TestMemoryRepository_FindByID_NotFound(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	_, err := repo.FindByID(ctx, "nonexistent")
	if err != ErrJobNotFound {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestMemoryRepository_FindByID_ReturnsClone(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	job := New()
	_ = repo.Save(ctx, job)

	// Get job
	found, _ := repo.FindByID(ctx, job.ID)

	// Modify returned job
	found.MarkOutputReleased()
	_ = found.TransitionTo(StatusValidated)

	// Original in repo should be unchanged
	original, _ := repo.FindByID(ctx, job.ID)
	if original.OutputReleased {
		t.Error("modifying returned job should not affect repository")
	}
	if original.Status != StatusReceived {
		t.Error("modifying returned job status should not affect repository")
	}
}

func TestMemoryRepository_List(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	// Empty list
	jobs, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("expected 0 jobs, got %d", len(jobs))
	}

	// Add jobs
	job1 := New()
	job2 := New()
	_ = repo.Save(ctx, job1)
	_ = repo.Save(ctx, job2)

	jobs, err = repo.List(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("expected 2 jobs, got %d", len(jobs))
	}
}

func TestMemoryRepository_List_ReturnsClones(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	job := New()
	_ = repo.Save(ctx, job)

	// Get list
	jobs, _ := repo.List(ctx)

	// Modify returned job
	jobs[0].Error = "changed"

	// Original in repo should be unchanged
	original, _ := repo.FindByID(ctx, job.ID)
	if original.Error != "" {
		t.Error("modifying listed job should not affect repository")
	}
}

func TestMemoryRepository_Delete(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	job := New()
	_ = repo.Save(ctx, job)

	err := repo.Delete(ctx, job.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Verify deleted
	_, err = repo.FindByID(ctx, job.ID)
	if err != ErrJobNotFound {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestMemoryRepository_Delete_NotFound(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	err := repo.Delete(ctx, "nonexistent")
	if err != ErrJobNotFound {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestMemoryRepository_ConcurrentAccess(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	done := make(chan bool)

	// Concurrent writes
	go func() {
		for i := 0; i < 100; i++ {
			job := New()
			_ = repo.Save(ctx, job)
		}
		done <- true
	}()

	// Concurrent reads
	go func() {
		for i := 0; i < 100; i++ {
			_, _ = repo.List(ctx)
		}
		done <- true
	}()

	<-done
	<-done
	// If no race conditions, test passes
}

func TestMemoryRepository_PruneCompletedBefore(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	old := time.Now().Add(-2 * time.Hour)

	failed := NewWithID("failed-old")
	_ = failed.Fail(KindTimeout, "timed out")
	failed.CompletedAt = old

	released := NewWithID("released-old")
	released.Status = StatusRunning
	_ = released.Succeed("output-00000000000000000000000001.mp4", 1)
	released.MarkOutputReleased()
	released.CompletedAt = old

	unreleased := NewWithID("unreleased-old")
	unreleased.Status = StatusRunning
	_ = unreleased.Succeed("output-00000000000000000000000002.mp4", 1)
	unreleased.CompletedAt = old

	recent := NewWithID("failed-recent")
	_ = recent.Fail(KindNonZeroExit, "exit 1")

	running := NewWithID("running")
	running.Status = StatusRunning

	for _, j := range []*Job{failed, released, unreleased, recent, running} {
		_ = repo.Save(ctx, j)
	}

	removed, err := repo.PruneCompletedBefore(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 jobs pruned, got %d", removed)
	}

	for _, id := range []string{"unreleased-old", "failed-recent", "running"} {
		if _, err := repo.FindByID(ctx, id); err != nil {
			t.Errorf("expected %s to survive, got %v", id, err)
		}
	}
	for _, id := range []string{"failed-old", "released-old"} {
		if _, err := repo.FindByID(ctx, id); err != ErrJobNotFound {
			t.Errorf("expected %s to be pruned, got %v", id, err)
		}
	}
}
