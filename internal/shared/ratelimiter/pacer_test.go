package ratelimiter

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

// TestPacer_Submitはキュー上限超過時に最も古いリクエストが破棄されることを検証します。
func TestPacer_Submit_DropsOldestWhenFull(t *testing.T) {
	t.Parallel()

	var drops int32
	p := NewPacer(60, 3, func() { atomic.AddInt32(&drops, 1) })

	results := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		i := i
		ok := p.Submit(func() { results = append(results, i) })
		if i < 3 && !ok {
			t.Fatalf("Submit(%d) reported drop before queue was full", i)
		}
		if i == 3 && ok {
			t.Fatal("Submit(3) should report a drop on a full queue")
		}
	}

	if got := atomic.LoadInt32(&drops); got != 1 {
		t.Fatalf("drops = %d, want 1", got)
	}
	if p.Pending() != 3 {
		t.Fatalf("Pending = %d, want 3", p.Pending())
	}

	// Drain synchronously: the oldest entry (0) must have been evicted.
	for {
		fn := p.next()
		if fn == nil {
			break
		}
		fn()
	}
	want := []int{1, 2, 3}
	if len(results) != len(want) {
		t.Fatalf("executed %v, want %v", results, want)
	}
	for i := range want {
		if results[i] != want[i] {
			t.Fatalf("executed %v, want %v", results, want)
		}
	}
}

// TestPacer_RunはRunループがキュー内のリクエストを実行することを検証します。
func TestPacer_Run_ExecutesQueued(t *testing.T) {
	t.Parallel()

	p := NewPacer(6000, 8, nil) // high ceiling so the test is not paced
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	var ran int32
	for i := 0; i < 3; i++ {
		last := i == 2
		p.Submit(func() {
			atomic.AddInt32(&ran, 1)
			if last {
				close(done)
			}
		})
	}

	go p.Run(ctx)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("queued requests were not executed")
	}
	if got := atomic.LoadInt32(&ran); got != 3 {
		t.Fatalf("ran = %d, want 3", got)
	}
}

// TestPacer_Run_StopsOnCancel はコンテキストキャンセルでRunが停止することを検証します。
func TestPacer_Run_StopsOnCancel(t *testing.T) {
	t.Parallel()

	p := NewPacer(60, 8, nil)
	ctx, cancel := context.WithCancel(context.Background())

	stopped := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(stopped)
	}()

	cancel()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}
