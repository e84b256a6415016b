package runs

import (
	"sync"

	"github.com/jagc-sh/jagc/internal/runner"
)

// progressHub fans run progress out to per-run subscribers. Slow
// subscribers drop events rather than stall the publisher.
type progressHub struct {
	mu   sync.Mutex
	subs map[string]map[int]chan runner.Progress
	next int
}

func newProgressHub() *progressHub {
	return &progressHub{subs: make(map[string]map[int]chan runner.Progress)}
}

func (h *progressHub) publish(p runner.Progress) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[p.RunID] {
		select {
		case ch <- p:
		default:
		}
	}
}

// subscribe returns a progress channel for one run and its cancel func.
// The channel is closed on cancel.
func (h *progressHub) subscribe(runID string) (<-chan runner.Progress, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	ch := make(chan runner.Progress, 32)
	if h.subs[runID] == nil {
		h.subs[runID] = make(map[int]chan runner.Progress)
	}
	h.subs[runID][id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if m, ok := h.subs[runID]; ok {
			if c, ok := m[id]; ok {
				delete(m, id)
				close(c)
			}
			if len(m) == 0 {
				delete(h.subs, runID)
			}
		}
	}
	return ch, cancel
}
