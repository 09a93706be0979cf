package core

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// Common errors for task spawning
var (
	ErrSpawnerShutdown = errors.New("task spawner is shut down")
	ErrShutdownTimeout = errors.New("shutdown timeout")
)

// SpawnerStats contains task spawner statistics.
type SpawnerStats struct {
	Name     string `json:"name"`
	Active   int64  `json:"active"`
	Spawned  int64  `json:"spawned"`
	Finished int64  `json:"finished"`
	Panicked int64  `json:"panicked"`
}

// TaskSpawner runs named long-lived tasks in their own goroutines. A panic in
// one task is recovered and logged so it cannot take the process down.
type TaskSpawner struct {
	name string
	wg   sync.WaitGroup
	log  log.Logger

	// Atomic counters for thread-safe statistics
	active   int64
	spawned  int64
	finished int64
	panicked int64

	// Control
	running bool
	mu      sync.RWMutex
}

// NewTaskSpawner creates a spawner; name is used in logs and statistics.
func NewTaskSpawner(name string) *TaskSpawner {
	return &TaskSpawner{
		name:    name,
		log:     log.New("target", "task-spawner", "spawner", name),
		running: true,
	}
}

// Spawn starts fn in a new goroutine.
func (s *TaskSpawner) Spawn(task string, fn func()) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.running {
		return ErrSpawnerShutdown
	}

	atomic.AddInt64(&s.spawned, 1)
	atomic.AddInt64(&s.active, 1)
	s.wg.Add(1)
	go s.run(task, fn)
	return nil
}

// run executes a single task and keeps the counters in sync.
func (s *TaskSpawner) run(task string, fn func()) {
	defer s.wg.Done()
	defer atomic.AddInt64(&s.active, -1)

	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&s.panicked, 1)
			s.log.Error("Task panicked", "task", task, "err", panicToString(r))
			return
		}
		atomic.AddInt64(&s.finished, 1)
	}()

	fn()
}

// panicToString converts a recovered panic value to a string.
func panicToString(r interface{}) string {
	switch v := r.(type) {
	case string:
		return v
	case error:
		return v.Error()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// GetStats returns current spawner statistics.
func (s *TaskSpawner) GetStats() SpawnerStats {
	return SpawnerStats{
		Name:     s.name,
		Active:   atomic.LoadInt64(&s.active),
		Spawned:  atomic.LoadInt64(&s.spawned),
		Finished: atomic.LoadInt64(&s.finished),
		Panicked: atomic.LoadInt64(&s.panicked),
	}
}

// Shutdown stops accepting tasks and waits up to timeout for running ones.
// Tasks are not interrupted; their owners are expected to signal them to exit.
func (s *TaskSpawner) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%w: %d tasks still active", ErrShutdownTimeout, atomic.LoadInt64(&s.active))
	}
}

// IsRunning returns true if the spawner still accepts tasks.
func (s *TaskSpawner) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
