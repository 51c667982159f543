// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"sync"
	"time"
)

// periodicExecutor runs a task at a fixed interval on a single background
// goroutine. It can be stopped and restarted; stop is idempotent and blocks
// until the goroutine has exited.
type periodicExecutor struct {
	interval time.Duration
	task     func(context.Context)

	mu      sync.Mutex
	done    chan struct{}
	wg      sync.WaitGroup
	running bool
}

func newPeriodicExecutor(interval time.Duration, task func(context.Context)) *periodicExecutor {
	if interval <= 0 {
		panic("periodic executor interval must be greater than 0")
	}
	return &periodicExecutor{
		interval: interval,
		task:     task,
	}
}

// run starts the scheduler goroutine. Calling run on an executor that is
// already running is a no-op; calling it after stop starts a fresh goroutine.
func (e *periodicExecutor) run() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}

	e.done = make(chan struct{})
	e.running = true
	e.wg.Add(1)
	go e.loop(e.done)
}

// stop terminates the scheduler goroutine and waits for it to exit. A stopped
// or never-started executor tolerates stop without effect.
func (e *periodicExecutor) stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	close(e.done)
	e.running = false
	e.mu.Unlock()

	e.wg.Wait()
}

func (e *periodicExecutor) loop(done <-chan struct{}) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		// Each run is bounded by the interval so a stuck task cannot pile up
		// overlapping work.
		ctx, cancel := context.WithTimeout(context.Background(), e.interval)
		e.task(ctx)
		cancel()
	}
}
