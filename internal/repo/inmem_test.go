package repo

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/tinoosan/sharetask/internal/data"
)

func TestInMemoryTaskRepo_Add(t *testing.T) {
	repo := NewInMemoryTaskRepo()
	ctx := context.Background()

	t1, err := repo.Add(ctx, &data.Task{Kind: data.KindRead, Path: "/a", Status: data.StatusPending})
	if err != nil {
		t.Fatalf("Add returned error: %v", err)
	}
	if t1.ID == "" {
		t.Fatalf("expected generated ID")
	}
	if t1.CreatedAt.IsZero() || t1.UpdatedAt.IsZero() {
		t.Fatalf("expected timestamps to be set: %+v", t1)
	}

	t2, err := repo.Add(ctx, &data.Task{ID: "fixed", Kind: data.KindRead, Path: "/b"})
	if err != nil {
		t.Fatalf("Add returned error: %v", err)
	}
	if t2.ID != "fixed" {
		t.Fatalf("expected caller ID to be kept, got %q", t2.ID)
	}
}

func TestInMemoryTaskRepo_List(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryTaskRepo()

	list, _ := repo.List(ctx)
	if got := len(list); got != 0 {
		t.Fatalf("expected empty list, got %d", got)
	}

	t1, _ := repo.Add(ctx, &data.Task{Path: "/a"})
	_, _ = repo.Add(ctx, &data.Task{Path: "/b"})

	list1, _ := repo.List(ctx)
	if len(list1) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(list1))
	}

	// modify returned slice
	list1[0].Path = "/mutated"
	list1 = append(list1, &data.Task{ID: "x"})

	list2, _ := repo.List(ctx)
	if len(list2) != 2 {
		t.Fatalf("expected 2 tasks after modification, got %d", len(list2))
	}
	if list2[0].ID != t1.ID || list2[0].Path != "/a" {
		t.Fatalf("stored record changed through returned copy: %+v", list2[0])
	}
}

func TestInMemoryTaskRepo_Get(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryTaskRepo()
	want, _ := repo.Add(ctx, &data.Task{Path: "/a"})

	tests := []struct {
		name    string
		repo    *InMemoryTaskRepo
		id      string
		want    *data.Task
		wantErr error
	}{
		{"exists", repo, want.ID, want, nil},
		{"not found", repo, "missing", nil, data.ErrNotFound},
		{"empty repo", NewInMemoryTaskRepo(), want.ID, nil, data.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.repo.Get(ctx, tt.id)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected error %v got %v", tt.wantErr, err)
			}
			if tt.wantErr == nil && !reflect.DeepEqual(*got, *tt.want) {
				t.Fatalf("mismatch:\n got:  %#v\n want: %#v", got, tt.want)
			}
		})
	}
}

func TestInMemoryTaskRepo_Update(t *testing.T) {
	ctx := context.Background()

	t.Run("valid", func(t *testing.T) {
		repo := NewInMemoryTaskRepo()
		tk, _ := repo.Add(ctx, &data.Task{Path: "/a", Status: data.StatusPending})
		updated, err := repo.Update(ctx, tk.ID, func(t *data.Task) error {
			t.DesiredStatus = data.StatusSuspended
			t.ID = "ignored"
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if updated.DesiredStatus != data.StatusSuspended {
			t.Fatalf("expected desired status %s got %s", data.StatusSuspended, updated.DesiredStatus)
		}
		if updated.ID != tk.ID {
			t.Fatalf("ID must be immutable, got %q", updated.ID)
		}
	})

	t.Run("mutate error aborts", func(t *testing.T) {
		repo := NewInMemoryTaskRepo()
		tk, _ := repo.Add(ctx, &data.Task{Path: "/a", Status: data.StatusPending})
		boom := errors.New("boom")
		_, err := repo.Update(ctx, tk.ID, func(t *data.Task) error {
			t.Status = data.StatusFailed
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom got %v", err)
		}
		got, _ := repo.Get(ctx, tk.ID)
		if got.Status != data.StatusPending {
			t.Fatalf("record changed despite error: %s", got.Status)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		repo := NewInMemoryTaskRepo()
		if _, err := repo.Update(ctx, "nope", nil); !errors.Is(err, data.ErrNotFound) {
			t.Fatalf("expected ErrNotFound got %v", err)
		}
	})
}

func TestInMemoryTaskRepo_Fingerprint(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryTaskRepo()

	first, err := repo.Add(ctx, &data.Task{Path: "/a", Status: data.StatusPending, Fingerprint: "fp"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := repo.Add(ctx, &data.Task{Path: "/a", Status: data.StatusPending, Fingerprint: "fp"}); !errors.Is(err, data.ErrConflict) {
		t.Fatalf("expected ErrConflict got %v", err)
	}
	got, err := repo.GetActiveByFingerprint(ctx, "fp")
	if err != nil || got.ID != first.ID {
		t.Fatalf("GetActiveByFingerprint = %v, %v", got, err)
	}

	// A terminal record frees the fingerprint.
	if _, err := repo.Update(ctx, first.ID, func(t *data.Task) error {
		t.Status = data.StatusCompleted
		return nil
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := repo.GetActiveByFingerprint(ctx, "fp"); !errors.Is(err, data.ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
	if _, err := repo.Add(ctx, &data.Task{Path: "/a", Status: data.StatusPending, Fingerprint: "fp"}); err != nil {
		t.Fatalf("Add after completion: %v", err)
	}
}

func TestInMemoryTaskRepo_Delete(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryTaskRepo()
	tk, _ := repo.Add(ctx, &data.Task{Path: "/a"})
	if err := repo.Delete(ctx, tk.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := repo.Delete(ctx, tk.ID); !errors.Is(err, data.ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
}

func TestInMemoryTaskRepo_Concurrency(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryTaskRepo()
	const n = 50
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			repo.List(ctx)
			repo.Get(ctx, fmt.Sprint(i))
		}
	}()

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := repo.Add(ctx, &data.Task{Path: fmt.Sprintf("/f%d", i)}); err != nil {
				t.Errorf("Add error: %v", err)
			}
		}(i)
	}

	wg.Wait()

	list, _ := repo.List(ctx)
	if got := len(list); got != n {
		t.Fatalf("expected %d tasks, got %d", n, got)
	}
}
