package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	harvesterrors "github.com/PentesterFlow/ParamHarvest/internal/errors"
)

// =============================================================================
// Push/Pop Tests
// =============================================================================

func TestBounded_FIFO(t *testing.T) {
	q := New[Job](4)
	for _, origin := range []string{"a", "b", "c"} {
		if err := q.TryPush(Job{Origin: origin}); err != nil {
			t.Fatalf("TryPush(%s): %v", origin, err)
		}
	}
	if q.Len() != 3 {
		t.Errorf("Len = %d, want 3", q.Len())
	}

	for _, want := range []string{"a", "b", "c"} {
		job, err := q.Pop(context.Background(), time.Second)
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		if job.Origin != want {
			t.Errorf("Pop = %s, want %s", job.Origin, want)
		}
	}
}

func TestBounded_DropsWhenFull(t *testing.T) {
	q := New[Job](2)
	q.TryPush(Job{Origin: "1"})
	q.TryPush(Job{Origin: "2"})

	start := time.Now()
	err := q.TryPush(Job{Origin: "3"})
	if !errors.Is(err, harvesterrors.ErrQueueFull) {
		t.Errorf("err = %v, want ErrQueueFull", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("TryPush blocked on a full queue")
	}

	stats := q.Stats()
	if stats.Pushed != 2 || stats.Dropped != 1 || stats.Depth != 2 || stats.Capacity != 2 {
		t.Errorf("Stats = %+v", stats)
	}
}

func TestBounded_MinimumCapacity(t *testing.T) {
	q := New[int](0)
	if q.Cap() != 1 {
		t.Errorf("Cap = %d, want 1", q.Cap())
	}
}

func TestBounded_PopTimeout(t *testing.T) {
	q := New[Job](1)

	start := time.Now()
	_, err := q.Pop(context.Background(), 20*time.Millisecond)
	if !errors.Is(err, harvesterrors.ErrQueueEmpty) {
		t.Errorf("err = %v, want ErrQueueEmpty", err)
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Error("Pop returned before the timeout")
	}

	if _, err := q.Pop(context.Background(), 0); !errors.Is(err, harvesterrors.ErrQueueEmpty) {
		t.Errorf("non-blocking Pop err = %v", err)
	}
}

func TestBounded_PopContext(t *testing.T) {
	q := New[Job](1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := q.Pop(ctx, 5*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestBounded_PopWakesOnPush(t *testing.T) {
	q := New[Job](1)
	got := make(chan Job, 1)
	go func() {
		job, err := q.Pop(context.Background(), 5*time.Second)
		if err == nil {
			got <- job
		}
	}()

	time.Sleep(10 * time.Millisecond)
	q.TryPush(Job{Origin: "late"})

	select {
	case job := <-got:
		if job.Origin != "late" {
			t.Errorf("Origin = %s", job.Origin)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pop did not wake up")
	}
}

// =============================================================================
// Close Tests
// =============================================================================

func TestBounded_Close(t *testing.T) {
	q := New[Job](4)
	q.TryPush(Job{Origin: "queued"})
	q.Close()
	q.Close()

	if err := q.TryPush(Job{Origin: "after"}); !errors.Is(err, harvesterrors.ErrQueueClosed) {
		t.Errorf("TryPush after Close = %v", err)
	}

	job, err := q.Pop(context.Background(), time.Second)
	if err != nil || job.Origin != "queued" {
		t.Errorf("drain = %+v, %v", job, err)
	}

	if _, err := q.Pop(context.Background(), time.Second); !errors.Is(err, harvesterrors.ErrQueueClosed) {
		t.Errorf("Pop on drained closed queue = %v", err)
	}
}

// =============================================================================
// Concurrency Tests
// =============================================================================

func TestBounded_ConcurrentProducersConsumers(t *testing.T) {
	q := New[int](64)
	const producers = 8
	const perProducer = 500

	var accepted, consumed atomic.Int64
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var consumers sync.WaitGroup
	for c := 0; c < 4; c++ {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			for {
				_, err := q.Pop(ctx, 50*time.Millisecond)
				switch {
				case err == nil:
					consumed.Add(1)
				case errors.Is(err, harvesterrors.ErrQueueClosed):
					return
				}
			}
		}()
	}

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if q.TryPush(p*perProducer+i) == nil {
					accepted.Add(1)
				}
			}
		}(p)
	}
	wg.Wait()
	q.Close()
	consumers.Wait()

	stats := q.Stats()
	if accepted.Load() != consumed.Load() {
		t.Errorf("accepted %d, consumed %d", accepted.Load(), consumed.Load())
	}
	if int64(stats.Pushed)+int64(stats.Dropped) != producers*perProducer {
		t.Errorf("pushed+dropped = %d, want %d", stats.Pushed+stats.Dropped, producers*perProducer)
	}
}

func TestBounded_PushDuringClose(t *testing.T) {
	for i := 0; i < 50; i++ {
		q := New[int](8)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = q.TryPush(j)
			}
		}()
		go func() {
			defer wg.Done()
			q.Close()
		}()
		wg.Wait()
	}
}
