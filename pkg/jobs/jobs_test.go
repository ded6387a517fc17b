package jobs

import (
	"context"
	"database/sql"
	stderrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jllopis/fabula/pkg/errors"
)

func testStores(t *testing.T) map[string]Store {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+t.Name()+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	sqliteStore, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqliteStore,
	}
}

func TestStores(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job, err := store.Create(ctx, "story")
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if job.ID == "" || job.Status != StatusQueued {
				t.Fatalf("unexpected job %+v", job)
			}

			job.Status = StatusFailed
			job.Error = "boom"
			job.Artifacts = map[string]any{"intake": "brief"}
			if err := store.Update(ctx, job); err != nil {
				t.Fatalf("update: %v", err)
			}

			got, err := store.Get(ctx, job.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Status != StatusFailed || got.Error != "boom" || got.Artifacts["intake"] != "brief" {
				t.Errorf("unexpected stored job %+v", got)
			}
			if got.Pipeline != "story" {
				t.Errorf("pipeline must not change, got %q", got.Pipeline)
			}

			if _, err := store.Create(ctx, "other"); err != nil {
				t.Fatalf("create: %v", err)
			}
			failed, err := store.List(ctx, Filter{Status: StatusFailed})
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(failed) != 1 || failed[0].ID != job.ID {
				t.Errorf("unexpected failed jobs %+v", failed)
			}
			all, _ := store.List(ctx, Filter{})
			if len(all) != 2 {
				t.Errorf("expected 2 jobs, got %d", len(all))
			}
			limited, _ := store.List(ctx, Filter{Limit: 1})
			if len(limited) != 1 {
				t.Errorf("expected limit to apply, got %d", len(limited))
			}

			if _, err := store.Get(ctx, "missing"); !errors.IsCode(err, errors.CodeNotFound) {
				t.Errorf("expected NOT_FOUND, got %v", err)
			}
			if err := store.Update(ctx, &Job{ID: "missing"}); !errors.IsCode(err, errors.CodeNotFound) {
				t.Errorf("expected NOT_FOUND on update, got %v", err)
			}
		})
	}
}

func TestRunnerCompletesJob(t *testing.T) {
	r := NewRunner(nil)
	defer r.Close()

	job, err := r.Submit(context.Background(), "story", func(context.Context) (map[string]any, error) {
		return map[string]any{"intake": "brief", "creative": "concepts"}, nil
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.Status != StatusQueued {
		t.Errorf("expected queued on submit, got %s", job.Status)
	}

	done, err := r.Wait(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != StatusCompleted || done.Artifacts["creative"] != "concepts" {
		t.Errorf("unexpected job %+v", done)
	}
	if !done.Status.Terminal() {
		t.Errorf("expected terminal status")
	}
}

func TestRunnerKeepsPartialArtifactsOnFailure(t *testing.T) {
	r := NewRunner(NewMemoryStore())
	defer r.Close()

	job, _ := r.Submit(context.Background(), "story", func(context.Context) (map[string]any, error) {
		return map[string]any{"intake": "brief"}, errors.Newf(errors.CodeProviderError, "creative failed")
	})
	done, err := r.Wait(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != StatusFailed || done.Error == "" {
		t.Errorf("expected failed job with error, got %+v", done)
	}
	if done.Artifacts["intake"] != "brief" {
		t.Errorf("expected partial artifacts, got %v", done.Artifacts)
	}
}

func TestRunnerRecoversPanics(t *testing.T) {
	r := NewRunner(nil)
	defer r.Close()

	job, _ := r.Submit(context.Background(), "story", func(context.Context) (map[string]any, error) {
		panic("bad node")
	})
	done, _ := r.Wait(context.Background(), job.ID)
	if done.Status != StatusFailed {
		t.Errorf("expected failed job, got %s", done.Status)
	}
}

func TestRunnerBoundsConcurrency(t *testing.T) {
	r := NewRunner(nil, WithConcurrency(2))
	var running, peak int32
	release := make(chan struct{})

	var ids []string
	for i := 0; i < 5; i++ {
		job, err := r.Submit(context.Background(), "story", func(context.Context) (map[string]any, error) {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			<-release
			atomic.AddInt32(&running, -1)
			return nil, nil
		})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		ids = append(ids, job.ID)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	for _, id := range ids {
		if _, err := r.Wait(context.Background(), id); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}
	if peak > 2 {
		t.Errorf("expected at most 2 concurrent jobs, saw %d", peak)
	}
	r.Close()
}

func TestRunnerSubmitOutlivesRequestContext(t *testing.T) {
	r := NewRunner(nil)
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	job, _ := r.Submit(ctx, "story", func(ctx context.Context) (map[string]any, error) {
		time.Sleep(10 * time.Millisecond)
		return nil, ctx.Err()
	})
	cancel()
	done, _ := r.Wait(context.Background(), job.ID)
	if done.Status != StatusCompleted {
		t.Errorf("expected the job to ignore request cancellation, got %s %s", done.Status, done.Error)
	}
}

func TestRunnerWaitHonorsContext(t *testing.T) {
	r := NewRunner(nil)
	release := make(chan struct{})
	job, _ := r.Submit(context.Background(), "story", func(context.Context) (map[string]any, error) {
		<-release
		return nil, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := r.Wait(ctx, job.ID); !errors.IsCode(err, errors.CodeContextLost) {
		t.Errorf("expected CONTEXT_LOST, got %v", err)
	}
	close(release)
	r.Close()
}

func TestRunnerClose(t *testing.T) {
	r := NewRunner(nil)
	var finished atomic.Bool
	job, _ := r.Submit(context.Background(), "story", func(context.Context) (map[string]any, error) {
		time.Sleep(10 * time.Millisecond)
		finished.Store(true)
		return nil, nil
	})
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !finished.Load() {
		t.Errorf("close must wait for in-flight jobs")
	}
	if got, _ := r.Get(context.Background(), job.ID); got.Status != StatusCompleted {
		t.Errorf("expected completed job after close, got %s", got.Status)
	}
	_, err := r.Submit(context.Background(), "story", func(context.Context) (map[string]any, error) { return nil, nil })
	if !errors.IsCode(err, errors.CodeInvalidInput) {
		t.Errorf("expected submit after close to fail, got %v", err)
	}
	if _, err := r.Submit(context.Background(), "story", nil); err == nil || stderrors.Is(err, errors.ErrNotFound) {
		t.Errorf("expected an input error for a nil run function")
	}
}
