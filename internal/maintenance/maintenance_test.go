package maintenance

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/haasonsaas/relay/pkg/models"
)

type fakeJanitor struct {
	mu         sync.Mutex
	cleanups   int
	vacuums    int
	cleanupErr error
	vacuumErr  error
}

func (j *fakeJanitor) CleanupExpired(ctx context.Context) (*models.CleanupResult, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cleanups++
	if j.cleanupErr != nil {
		return nil, j.cleanupErr
	}
	return &models.CleanupResult{Deleted: 2}, nil
}

func (j *fakeJanitor) Vacuum(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.vacuums++
	return j.vacuumErr
}

func TestSchedulerRegistersJobs(t *testing.T) {
	s := New(&fakeJanitor{}, slog.Default(), Options{})
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()
	if s.Entries() != 2 {
		t.Errorf("scheduled %d jobs", s.Entries())
	}
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	s := New(&fakeJanitor{}, slog.Default(), Options{CleanupSpec: "not a cron spec"})
	if err := s.Start(); err == nil {
		t.Fatal("invalid spec accepted")
	}
}

func TestRunCleanupSurvivesErrors(t *testing.T) {
	j := &fakeJanitor{cleanupErr: errors.New("locked")}
	s := New(j, slog.Default(), Options{})

	s.RunCleanup()
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cleanups != 1 {
		t.Errorf("cleanup ran %d times", j.cleanups)
	}
}

func TestRunVacuum(t *testing.T) {
	j := &fakeJanitor{}
	s := New(j, slog.Default(), Options{})
	s.RunVacuum()
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.vacuums != 1 {
		t.Errorf("vacuum ran %d times", j.vacuums)
	}
}
