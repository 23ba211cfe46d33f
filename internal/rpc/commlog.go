package rpc

import (
	"sync"
	"time"
)

// EntryType classifies a communication log entry.
type EntryType string

const (
	EntryRequest      EntryType = "request"
	EntryResponse     EntryType = "response"
	EntryNotification EntryType = "notification"
)

// MaxCommunicationLog bounds the communication log.
const MaxCommunicationLog = 100

// CommunicationLogEntry records one message exchanged with the server.
type CommunicationLogEntry struct {
	Type      EntryType `json:"type"`
	Method    string    `json:"method,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
	RequestID int64     `json:"requestId,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// CommunicationLog is a ring of the most recent entries.
type CommunicationLog struct {
	mu      sync.Mutex
	entries []CommunicationLogEntry
	max     int
}

// NewCommunicationLog creates a log retaining up to max entries.
func NewCommunicationLog(max int) *CommunicationLog {
	if max <= 0 {
		max = MaxCommunicationLog
	}
	return &CommunicationLog{max: max}
}

// Add appends an entry, evicting the oldest one when full.
func (l *CommunicationLog) Add(entry CommunicationLogEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, entry)
	if over := len(l.entries) - l.max; over > 0 {
		l.entries = append(l.entries[:0:0], l.entries[over:]...)
	}
}

// Recent returns up to n of the newest entries, oldest first.
func (l *CommunicationLog) Recent(n int) []CommunicationLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := 0
	if n >= 0 && len(l.entries) > n {
		start = len(l.entries) - n
	}
	out := make([]CommunicationLogEntry, len(l.entries)-start)
	copy(out, l.entries[start:])
	return out
}

// Len returns the number of retained entries.
func (l *CommunicationLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
