package http

import (
	"log/slog"
	"sync"
)

// StreamManager handles active SSE connections.
type StreamManager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan<- string]struct{} // RunID -> Set of Channels
	logger      *slog.Logger
}

// NewStreamManager creates an empty manager.
func NewStreamManager(logger *slog.Logger) *StreamManager {
	return &StreamManager{
		subscribers: make(map[string]map[chan<- string]struct{}),
		logger:      logger,
	}
}

// Subscribe registers a buffered channel for runID. The returned function
// unsubscribes and closes the channel.
func (sm *StreamManager) Subscribe(runID string) (chan string, func()) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	ch := make(chan string, 10)
	if _, ok := sm.subscribers[runID]; !ok {
		sm.subscribers[runID] = make(map[chan<- string]struct{})
	}
	sm.subscribers[runID][ch] = struct{}{}

	return ch, func() {
		sm.mu.Lock()
		defer sm.mu.Unlock()
		if subs, ok := sm.subscribers[runID]; ok {
			delete(subs, ch)
			close(ch)
			if len(subs) == 0 {
				delete(sm.subscribers, runID)
			}
		}
	}
}

// Broadcast delivers msg to every subscriber of runID without blocking.
func (sm *StreamManager) Broadcast(runID string, msg string) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	for ch := range sm.subscribers[runID] {
		select {
		case ch <- msg:
		default:
			// Drop message if channel is full (slow client)
			sm.logger.Warn("SSE: Client buffer full, dropping message", "run_id", runID)
		}
	}
}

// Subscribers returns how many clients follow runID.
func (sm *StreamManager) Subscribers(runID string) int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.subscribers[runID])
}
