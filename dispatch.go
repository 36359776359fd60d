package loom

import (
	"context"
	"sync"
	"time"
)

// actionFunc executes one tool call. A non-nil error is a run-level fault.
type actionFunc func(ctx context.Context, call ToolCall) (ToolResult, error)

// actionOutcome is the result of one dispatched call.
type actionOutcome struct {
	result   ToolResult
	err      error
	duration time.Duration
}

type indexedOutcome struct {
	idx     int
	outcome actionOutcome
}

// dispatchActions runs calls through a pool of at most workers goroutines and
// returns outcomes in call order. If ctx is cancelled before every call
// reports, dispatchActions returns early with ok=false; workers still running
// drain into a buffered channel and exit on their own.
func dispatchActions(ctx context.Context, calls []ToolCall, workers int, exec actionFunc) (outcomes []actionOutcome, ok bool) {
	if len(calls) == 0 {
		return nil, true
	}
	// Fast path: single call, no goroutine needed.
	if len(calls) == 1 {
		start := time.Now()
		res, err := exec(ctx, calls[0])
		if ctx.Err() != nil {
			return nil, false
		}
		return []actionOutcome{{result: res, err: err, duration: time.Since(start)}}, true
	}

	resultCh := make(chan indexedOutcome, len(calls))

	type workItem struct {
		idx  int
		call ToolCall
	}
	workCh := make(chan workItem, len(calls))
	for i, c := range calls {
		workCh <- workItem{idx: i, call: c}
	}
	close(workCh)

	numWorkers := min(len(calls), max(workers, 1))
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for range numWorkers {
		go func() {
			defer wg.Done()
			for w := range workCh {
				if ctx.Err() != nil {
					return
				}
				start := time.Now()
				res, err := exec(ctx, w.call)
				resultCh <- indexedOutcome{w.idx, actionOutcome{result: res, err: err, duration: time.Since(start)}}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	outcomes = make([]actionOutcome, len(calls))
	seen := 0
	for seen < len(calls) {
		select {
		case r, open := <-resultCh:
			if !open {
				// Workers quit early, which only happens on cancellation.
				return nil, false
			}
			outcomes[r.idx] = r.outcome
			seen++
		case <-ctx.Done():
			return nil, false
		}
	}
	return outcomes, true
}
