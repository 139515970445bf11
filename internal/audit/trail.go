// Package audit writes an append-only JSONL trail of conflict lifecycle
// activity, separate from the conflict store so operators can answer "what
// did the engine do and when" without touching the live database.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"fitsync/internal/logging"
)

// EventType represents the type of audit event
type EventType string

const (
	EventTypeConflictDetected  EventType = "conflict_detected"
	EventTypeConflictRefreshed EventType = "conflict_refreshed"
	EventTypeAutoResolved      EventType = "auto_resolved"
	EventTypeAttemptFailed     EventType = "attempt_failed"
	EventTypeManualResolved    EventType = "manual_resolved"
	EventTypeEscalated         EventType = "escalated"
	EventTypeRecommendation    EventType = "recommendation_attached"
	EventTypeUserNotified      EventType = "user_notified"
	EventTypeSystemStart       EventType = "system_start"
	EventTypeSystemShutdown    EventType = "system_shutdown"
	EventTypeError             EventType = "error"
)

// Event is a single audit trail entry.
type Event struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	EventType     EventType      `json:"event_type"`
	UserID        string         `json:"user_id,omitempty"`
	ConflictID    string         `json:"conflict_id,omitempty"`
	DataType      string         `json:"data_type,omitempty"`
	EntityID      string         `json:"entity_id,omitempty"`
	Severity      string         `json:"severity,omitempty"`
	SyncSessionID string         `json:"sync_session_id,omitempty"`
	DeviceID      string         `json:"device_id,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	Success       bool           `json:"success"`
	Error         string         `json:"error,omitempty"`
}

// Trail handles persistent audit logging. A nil *Trail is a valid no-op
// receiver so callers never have to branch on whether auditing is enabled.
type Trail struct {
	baseDir     string
	currentFile *os.File
	mu          sync.Mutex
	buffer      []Event
	flushTicker *time.Ticker
	maxFileSize int64
	retention   time.Duration

	eventCount map[EventType]int64
	errorCount int64
	lastFlush  time.Time
}

const flushThreshold = 100

// NewTrail creates an audit trail writing JSONL files under baseDir.
func NewTrail(baseDir string) (*Trail, error) {
	if err := os.MkdirAll(baseDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	t := &Trail{
		baseDir:     baseDir,
		buffer:      make([]Event, 0, flushThreshold),
		flushTicker: time.NewTicker(30 * time.Second),
		maxFileSize: 100 * 1024 * 1024,
		retention:   90 * 24 * time.Hour,
		eventCount:  make(map[EventType]int64),
		lastFlush:   time.Now(),
	}

	if err := t.rotateFile(); err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}

	go t.flushLoop()
	go t.cleanupLoop()

	t.Record(context.Background(), Event{EventType: EventTypeSystemStart, Success: true})

	return t, nil
}

// Record appends an event to the trail. ID and timestamp are filled in
// here; callers only describe what happened.
func (t *Trail) Record(_ context.Context, event Event) {
	if t == nil {
		return
	}
	event.ID = generateEventID()
	event.Timestamp = time.Now().UTC()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.buffer = append(t.buffer, event)
	t.eventCount[event.EventType]++
	if event.Error != "" {
		t.errorCount++
	}

	if len(t.buffer) >= flushThreshold {
		t.flush()
	}
}

// RecordError appends a failed-operation event.
func (t *Trail) RecordError(ctx context.Context, eventType EventType, conflictID string, err error) {
	t.Record(ctx, Event{
		EventType:  eventType,
		ConflictID: conflictID,
		Success:    false,
		Error:      err.Error(),
	})
}

// flush writes buffered events to disk. Caller holds the mutex.
func (t *Trail) flush() {
	if len(t.buffer) == 0 {
		return
	}

	if t.currentFile != nil {
		if info, err := t.currentFile.Stat(); err == nil && info.Size() > t.maxFileSize {
			_ = t.rotateFile()
		}
	}

	encoder := json.NewEncoder(t.currentFile)
	for _, event := range t.buffer {
		if err := encoder.Encode(event); err != nil {
			logging.Error("Failed to write audit event", "error", err, "event_id", event.ID)
		}
	}

	t.buffer = t.buffer[:0]
	t.lastFlush = time.Now()
}

func (t *Trail) flushLoop() {
	for range t.flushTicker.C {
		t.mu.Lock()
		t.flush()
		t.mu.Unlock()
	}
}

// rotateFile opens a fresh timestamped log file and repoints the
// current.jsonl symlink at it.
func (t *Trail) rotateFile() error {
	if t.currentFile != nil {
		_ = t.currentFile.Close()
	}

	filename := fmt.Sprintf("audit_%s.jsonl", time.Now().Format("20060102_150405"))
	fullPath := filepath.Join(t.baseDir, filename)

	file, err := os.OpenFile(fullPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600) // #nosec G304 -- path built from baseDir and timestamp
	if err != nil {
		return fmt.Errorf("failed to open audit file: %w", err)
	}
	t.currentFile = file

	currentLink := filepath.Join(t.baseDir, "current.jsonl")
	_ = os.Remove(currentLink)
	_ = os.Symlink(filename, currentLink)

	return nil
}

func (t *Trail) cleanupLoop() {
	ticker := time.NewTicker(1 * time.Hour)
	for range ticker.C {
		t.cleanup()
	}
}

// cleanup removes audit files older than the retention period.
func (t *Trail) cleanup() {
	cutoff := time.Now().Add(-t.retention)

	files, err := os.ReadDir(t.baseDir)
	if err != nil {
		logging.Error("Failed to read audit directory", "error", err)
		return
	}

	for _, file := range files {
		if file.IsDir() || !isAuditFile(file.Name()) {
			continue
		}
		fullPath := filepath.Join(t.baseDir, file.Name())
		info, err := os.Stat(fullPath)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(fullPath); err != nil {
				logging.Error("Failed to remove old audit file", "file", fullPath, "error", err)
			}
		}
	}
}

// Statistics returns event counts and buffer state.
func (t *Trail) Statistics() map[string]any {
	if t == nil {
		return map[string]any{"enabled": false}
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	byType := make(map[EventType]int64, len(t.eventCount))
	var total int64
	for et, n := range t.eventCount {
		byType[et] = n
		total += n
	}
	return map[string]any{
		"enabled":        true,
		"total_events":   total,
		"error_count":    t.errorCount,
		"events_by_type": byType,
		"buffer_size":    len(t.buffer),
		"last_flush":     t.lastFlush,
	}
}

// SearchCriteria defines search parameters for audit logs
type SearchCriteria struct {
	StartTime  time.Time
	EndTime    time.Time
	EventTypes []EventType
	UserID     string
	ConflictID string
	Success    *bool
	Limit      int
}

// Matches checks if an event matches the criteria
func (sc SearchCriteria) Matches(event Event) bool {
	if !sc.StartTime.IsZero() && event.Timestamp.Before(sc.StartTime) {
		return false
	}
	if !sc.EndTime.IsZero() && event.Timestamp.After(sc.EndTime) {
		return false
	}
	if len(sc.EventTypes) > 0 {
		found := false
		for _, et := range sc.EventTypes {
			if event.EventType == et {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if sc.UserID != "" && event.UserID != sc.UserID {
		return false
	}
	if sc.ConflictID != "" && event.ConflictID != sc.ConflictID {
		return false
	}
	if sc.Success != nil && event.Success != *sc.Success {
		return false
	}
	return true
}

// Search scans the on-disk trail for events matching the criteria. Buffered
// events are flushed first so the result is current.
func (t *Trail) Search(_ context.Context, criteria SearchCriteria) ([]Event, error) {
	if t == nil {
		return nil, nil
	}

	t.mu.Lock()
	t.flush()
	t.mu.Unlock()

	files, err := os.ReadDir(t.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit directory: %w", err)
	}

	events := []Event{}
	for _, file := range files {
		if file.IsDir() || !isAuditFile(file.Name()) {
			continue
		}
		fileEvents, err := t.searchFile(file.Name(), criteria)
		if err != nil {
			logging.Error("Failed to search audit file", "file", file.Name(), "error", err)
			continue
		}
		events = append(events, fileEvents...)
	}

	if criteria.Limit > 0 && len(events) > criteria.Limit {
		events = events[:criteria.Limit]
	}
	return events, nil
}

func (t *Trail) searchFile(filename string, criteria SearchCriteria) ([]Event, error) {
	cleanPath := filepath.Clean(filepath.Join(t.baseDir, filename))
	if !strings.HasPrefix(cleanPath, filepath.Clean(t.baseDir)) {
		return nil, fmt.Errorf("invalid filename")
	}

	file, err := os.Open(cleanPath) // #nosec G304 -- path is cleaned and validated
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	events := []Event{}
	decoder := json.NewDecoder(file)
	for decoder.More() {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			continue
		}
		if criteria.Matches(event) {
			events = append(events, event)
		}
	}
	return events, nil
}

// Stop flushes remaining events and closes the current file.
func (t *Trail) Stop() {
	if t == nil {
		return
	}
	t.flushTicker.Stop()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.buffer = append(t.buffer, Event{
		ID:        generateEventID(),
		Timestamp: time.Now().UTC(),
		EventType: EventTypeSystemShutdown,
		Success:   true,
	})
	t.flush()

	if t.currentFile != nil {
		_ = t.currentFile.Close()
	}
}

func generateEventID() string {
	return fmt.Sprintf("evt_%d_%d", time.Now().UnixNano(), os.Getpid())
}

func isAuditFile(filename string) bool {
	return strings.HasPrefix(filename, "audit_") && filepath.Ext(filename) == ".jsonl"
}
