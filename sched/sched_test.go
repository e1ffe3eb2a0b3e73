package sched_test

import (
	"sync"
	"testing"
	"time"

	"github.com/aoxd/aoxd/sched"
	"github.com/stretchr/testify/require"
)

type countingHandler struct {
	mu       sync.Mutex
	resumes  int
	target   int
	running  bool
	reentrant bool
}

func (h *countingHandler) Resume() {
	h.mu.Lock()
	if h.running {
		h.reentrant = true
	}
	h.running = true
	h.mu.Unlock()

	h.mu.Lock()
	h.resumes++
	h.running = false
	h.mu.Unlock()
}

func (h *countingHandler) Done() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resumes >= h.target
}

func TestScheduler_NeverReentersAHandler(t *testing.T) {
	s := sched.New()
	go s.Run()
	defer s.Close()

	h := &countingHandler{target: 50}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Notify(h)
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.resumes > 0
	}, time.Second, time.Millisecond)

	require.False(t, h.reentrant)
}
