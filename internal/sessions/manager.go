// Package sessions maintains per-chat conversation history with atomic JSONL
// persistence.
//
// Each session lives in one file at <data_dir>/sessions/<safe(key)>.jsonl.
// The first line is a metadata record; every following line is one message.
// Writes go through a temp-file + fsync + rename path so a concurrent reader
// never observes a truncated file.
package sessions

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cyph3rasi/kyber/pkg/models"
)

// metadataType tags the first line of every session file.
const metadataType = "metadata"

type metadataRecord struct {
	Type      string         `json:"_type"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type messageRecord struct {
	Role       models.Role `json:"role"`
	Content    string      `json:"content"`
	Timestamp  time.Time   `json:"timestamp"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	ToolName   string      `json:"tool_name,omitempty"`
}

// Manager owns the on-disk session files and an in-memory cache. In-memory
// sessions are shared read-only between the agent's turn and the save path;
// all mutation goes through the agent's per-session lock.
type Manager struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]*models.Session

	// issued and persisted order background saves per session: every Save
	// takes a sequence number synchronously, and a write whose snapshot is
	// older than the last one on disk is skipped. Without this, two saves
	// scheduled in order could rename in reverse order and the stale
	// snapshot would win.
	issued    map[string]uint64
	persisted map[string]uint64

	// writeLocks serializes saves per session; saves for different sessions
	// proceed in parallel.
	writeLocks *KeyedLocker

	// pending tracks in-flight background saves so shutdown can wait for
	// them. Saves are shielded from cancellation: a started write completes.
	pending sync.WaitGroup
}

// NewManager creates a session manager rooted at dataDir/sessions.
func NewManager(dataDir string, logger *slog.Logger) (*Manager, error) {
	dir := filepath.Join(dataDir, "sessions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dir:        dir,
		logger:     logger.With("component", "sessions"),
		cache:      make(map[string]*models.Session),
		issued:     make(map[string]uint64),
		persisted:  make(map[string]uint64),
		writeLocks: NewKeyedLocker(),
	}, nil
}

// GetOrCreate returns the cached session for key, loading it from disk on a
// cache miss and creating a fresh one when no file exists.
func (m *Manager) GetOrCreate(key string) *models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if session, ok := m.cache[key]; ok {
		return session
	}

	session, err := m.load(key)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Warn("failed to load session, starting fresh", "key", key, "error", err)
		}
		session = models.NewSession(key)
	}
	m.cache[key] = session
	return session
}

// Save schedules an atomic write of the session snapshot. The snapshot and
// its sequence number are taken synchronously, so two Saves issued in order
// cannot leave the older snapshot on disk; the write itself happens on a
// background goroutine under the per-session write lock.
func (m *Manager) Save(session *models.Session) {
	snapshot := session.Clone()

	m.mu.Lock()
	m.issued[snapshot.Key]++
	seq := m.issued[snapshot.Key]
	m.mu.Unlock()

	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		release := m.writeLocks.Lock(snapshot.Key)
		defer release()

		m.mu.Lock()
		stale := seq <= m.persisted[snapshot.Key]
		m.mu.Unlock()
		if stale {
			return
		}

		if err := m.writeAtomic(snapshot); err != nil {
			// In-memory state stays authoritative for this process lifetime.
			m.logger.Error("session save failed", "key", snapshot.Key, "error", err)
			return
		}

		m.mu.Lock()
		if seq > m.persisted[snapshot.Key] {
			m.persisted[snapshot.Key] = seq
		}
		m.mu.Unlock()
	}()
}

// Delete evicts the cache entry and removes the session file.
func (m *Manager) Delete(key string) error {
	m.mu.Lock()
	delete(m.cache, key)
	m.mu.Unlock()

	release := m.writeLocks.Lock(key)
	defer release()
	err := os.Remove(m.path(key))
	m.writeLocks.Drop(key)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete session file: %w", err)
	}
	return nil
}

// Flush waits for all scheduled saves to hit disk. Called on shutdown.
func (m *Manager) Flush() {
	m.pending.Wait()
}

func (m *Manager) path(key string) string {
	return filepath.Join(m.dir, safeKey(key)+".jsonl")
}

// safeKey maps a session key to a filesystem-safe name.
func safeKey(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "default"
	}
	return b.String()
}

func (m *Manager) load(key string) (*models.Session, error) {
	f, err := os.Open(m.path(key))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	session := models.NewSession(key)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if lineNo == 1 {
			var meta metadataRecord
			if err := json.Unmarshal([]byte(line), &meta); err == nil && meta.Type == metadataType {
				session.CreatedAt = meta.CreatedAt
				session.UpdatedAt = meta.UpdatedAt
				session.Metadata = meta.Metadata
				continue
			}
			// Fall through: a file without a metadata line still loads.
		}

		var rec messageRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			m.logger.Warn("skipping malformed session line", "key", key, "line", lineNo, "error", err)
			continue
		}
		session.Messages = append(session.Messages, models.Message{
			Role:       rec.Role,
			Content:    rec.Content,
			Timestamp:  rec.Timestamp,
			ToolCallID: rec.ToolCallID,
			ToolName:   rec.ToolName,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan session file: %w", err)
	}
	return session, nil
}

// writeAtomic writes the whole session to a temp file in the same directory,
// fsyncs, then renames over the target. Rename is atomic on POSIX
// filesystems, so readers see either the old file or the new one.
func (m *Manager) writeAtomic(session *models.Session) error {
	target := m.path(session.Key)

	tmp, err := os.CreateTemp(m.dir, safeKey(session.Key)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// Best effort cleanup on the error paths; harmless after rename.
		_ = os.Remove(tmpName)
	}()

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)

	meta := metadataRecord{
		Type:      metadataType,
		CreatedAt: session.CreatedAt,
		UpdatedAt: session.UpdatedAt,
		Metadata:  session.Metadata,
	}
	if err := enc.Encode(meta); err != nil {
		tmp.Close()
		return fmt.Errorf("encode metadata: %w", err)
	}
	for _, msg := range session.Messages {
		rec := messageRecord{
			Role:       msg.Role,
			Content:    msg.Content,
			Timestamp:  msg.Timestamp,
			ToolCallID: msg.ToolCallID,
			ToolName:   msg.ToolName,
		}
		if err := enc.Encode(rec); err != nil {
			tmp.Close()
			return fmt.Errorf("encode message: %w", err)
		}
	}

	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
