package stream

import (
	"strings"
	"sync"
	"time"
)

// OutputChunk is a piece of step output
type OutputChunk struct {
	TaskID    string    `json:"task_id"`
	StepID    string    `json:"step_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	IsError   bool      `json:"is_error,omitempty"`
}

// CompletionEvent signals that a step run has finished
type CompletionEvent struct {
	TaskID string `json:"task_id"`
	StepID string `json:"step_id"`
	Status string `json:"status"` // step status reported by the executor
	Error  string `json:"error,omitempty"`
}

// Client represents a connected SSE client
type Client struct {
	ID       string
	Chunks   chan OutputChunk
	Complete chan CompletionEvent
	Done     chan struct{}
}

// taskStream fans out the output of the step currently running for a task
type taskStream struct {
	stepID      string
	clients     map[string]*Client
	buffer      []OutputChunk
	completed   bool
	completion  *CompletionEvent
	lastActive  time.Time
	mu          sync.RWMutex
	bufferLimit int
}

// Manager manages the output streams of running tasks, keyed by task id
type Manager struct {
	streams map[string]*taskStream
	mu      sync.RWMutex
	now     func() time.Time
}

// NewManager creates a new stream manager
func NewManager() *Manager {
	return &Manager{
		streams: make(map[string]*taskStream),
		now:     time.Now,
	}
}

func (m *Manager) getOrCreateStream(taskID string) *taskStream {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.streams[taskID]; ok {
		return s
	}

	s := &taskStream{
		clients:     make(map[string]*Client),
		buffer:      make([]OutputChunk, 0, 100),
		bufferLimit: 100,
		lastActive:  m.now(),
	}
	m.streams[taskID] = s
	return s
}

func (m *Manager) lookup(taskID string) (*taskStream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[taskID]
	return s, ok
}

// Begin starts a new step run on the task's stream, discarding the output
// and completion of the previous step. Subscribers stay connected.
func (m *Manager) Begin(taskID, stepID string) {
	s := m.getOrCreateStream(taskID)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stepID = stepID
	s.buffer = s.buffer[:0]
	s.completed = false
	s.completion = nil
	s.lastActive = m.now()
}

// Subscribe registers a client for updates on a task. Buffered output of the
// current step is replayed, as is its completion if it already finished.
func (m *Manager) Subscribe(taskID, clientID string) *Client {
	s := m.getOrCreateStream(taskID)

	client := &Client{
		ID:       clientID,
		Chunks:   make(chan OutputChunk, 100),
		Complete: make(chan CompletionEvent, 1),
		Done:     make(chan struct{}),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, chunk := range s.buffer {
		select {
		case client.Chunks <- chunk:
		default:
			// Client channel full, skip
		}
	}

	if s.completed && s.completion != nil {
		select {
		case client.Complete <- *s.completion:
		default:
		}
	}

	s.clients[clientID] = client
	return client
}

// Unsubscribe removes a client from a task's updates
func (m *Manager) Unsubscribe(taskID, clientID string) {
	s, ok := m.lookup(taskID)
	if !ok {
		return
	}

	s.mu.Lock()
	if client, ok := s.clients[clientID]; ok {
		close(client.Done)
		delete(s.clients, clientID)
	}
	s.mu.Unlock()

	m.cleanupStream(taskID)
}

// Publish sends an output chunk to all subscribed clients
func (m *Manager) Publish(chunk OutputChunk) {
	s := m.getOrCreateStream(chunk.TaskID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if chunk.StepID == "" {
		chunk.StepID = s.stepID
	}
	if len(s.buffer) >= s.bufferLimit {
		s.buffer = s.buffer[1:]
	}
	s.buffer = append(s.buffer, chunk)
	s.lastActive = chunk.Timestamp

	for _, client := range s.clients {
		select {
		case client.Chunks <- chunk:
		default:
			// Client channel full, skip
		}
	}
}

// PublishText publishes a text chunk for the task's current step
func (m *Manager) PublishText(taskID, text string) {
	m.Publish(OutputChunk{
		TaskID:    taskID,
		Text:      text,
		Timestamp: m.now(),
	})
}

// PublishError publishes an error chunk
func (m *Manager) PublishError(taskID, text string) {
	m.Publish(OutputChunk{
		TaskID:    taskID,
		Text:      text,
		Timestamp: m.now(),
		IsError:   true,
	})
}

// Complete signals that the task's current step has finished
func (m *Manager) Complete(taskID, status, errorMsg string) {
	s, ok := m.lookup(taskID)
	if !ok {
		return
	}

	s.mu.Lock()
	completion := CompletionEvent{
		TaskID: taskID,
		StepID: s.stepID,
		Status: status,
		Error:  errorMsg,
	}
	s.completed = true
	s.completion = &completion
	s.lastActive = m.now()

	for _, client := range s.clients {
		select {
		case client.Complete <- completion:
		default:
		}
	}
	s.mu.Unlock()
}

// AccumulatedOutput returns the buffered output of the task's current step
func (m *Manager) AccumulatedOutput(taskID string) string {
	s, ok := m.lookup(taskID)
	if !ok {
		return ""
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var b strings.Builder
	for _, chunk := range s.buffer {
		b.WriteString(chunk.Text)
	}
	return b.String()
}

// IsStreaming returns true while a step of the task is producing output
func (m *Manager) IsStreaming(taskID string) bool {
	s, ok := m.lookup(taskID)
	if !ok {
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.stepID != "" && !s.completed
}

// SubscriberCount returns the number of clients watching a task
func (m *Manager) SubscriberCount(taskID string) int {
	s, ok := m.lookup(taskID)
	if !ok {
		return 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// cleanupStream removes a stream if it has no clients and is completed
func (m *Manager) cleanupStream(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[taskID]
	if !ok {
		return
	}

	s.mu.RLock()
	idle := len(s.clients) == 0 && s.completed
	s.mu.RUnlock()

	if idle {
		delete(m.streams, taskID)
	}
}

// CleanupOldStreams removes completed, unwatched streams idle for maxAge
func (m *Manager) CleanupOldStreams(maxAge time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-maxAge)

	for taskID, s := range m.streams {
		s.mu.RLock()
		stale := len(s.clients) == 0 && s.completed && s.lastActive.Before(cutoff)
		s.mu.RUnlock()

		if stale {
			delete(m.streams, taskID)
		}
	}
}
