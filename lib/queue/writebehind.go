/*
Copyright 2025 LightQ Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package queue

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// writeBehind is a bounded task pool for background durable writes.
// A fixed set of resident workers drains a buffered channel; when the
// channel backs up, extra workers are spawned up to maxWorkers and
// stay for the life of the pool.
type writeBehind struct {
	tasks      chan func()
	wg         sync.WaitGroup
	log        *slog.Logger
	workers    atomic.Int64
	maxWorkers int64

	mu     sync.Mutex
	closed bool
}

func newWriteBehind(workers, maxWorkers, queue int, log *slog.Logger) *writeBehind {
	w := &writeBehind{
		tasks:      make(chan func(), queue),
		log:        log,
		maxWorkers: int64(maxWorkers),
	}
	for i := 0; i < workers; i++ {
		w.spawn()
	}
	return w
}

func (w *writeBehind) spawn() {
	w.workers.Add(1)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for task := range w.tasks {
			task()
		}
	}()
}

// submit queues a task, growing the pool once if the queue is full.
// Returns false when the task could not be queued.
func (w *writeBehind) submit(task func()) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	select {
	case w.tasks <- task:
		return true
	default:
	}
	if w.workers.Load() < w.maxWorkers {
		w.spawn()
		select {
		case w.tasks <- task:
			return true
		default:
		}
	}
	return false
}

// close stops accepting tasks and waits for queued work to finish.
func (w *writeBehind) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.tasks)
	w.mu.Unlock()
	w.wg.Wait()
}
