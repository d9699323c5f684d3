package scheduler

// ============================================================================
// Sequencer - 批次步驟排程
// 職責：一次排好多個延遲步驟，並能整批取消
// ============================================================================

import (
	"sync"
	"time"
)

// Sequencer 可整批取消的延遲步驟
//
// 每個步驟記住排程時的世代；CancelAll 讓世代 +1，
// 即使計時器已經觸發、回呼尚未執行，舊世代的步驟也不會執行。
type Sequencer struct {
	sched Scheduler

	mu         sync.Mutex
	generation uint64
	timers     map[uint64]Timer
	nextID     uint64
}

// NewSequencer 建立 Sequencer
func NewSequencer(sched Scheduler) *Sequencer {
	return &Sequencer{sched: sched, timers: make(map[uint64]Timer)}
}

// Schedule 在 delay 之後執行 fn
func (s *Sequencer) Schedule(delay time.Duration, fn func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	gen := s.generation
	s.mu.Unlock()

	timer := s.sched.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, id)
		current := s.generation == gen
		s.mu.Unlock()
		if current {
			fn()
		}
	})

	s.mu.Lock()
	if gen == s.generation {
		s.timers[id] = timer
	} else {
		timer.Stop()
	}
	s.mu.Unlock()
}

// CancelAll 取消所有尚未執行的步驟，回傳被取消的數量
func (s *Sequencer) CancelAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	n := 0
	for id, t := range s.timers {
		if t.Stop() {
			n++
		}
		delete(s.timers, id)
	}
	return n
}

// Pending 尚未執行的步驟數
func (s *Sequencer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
