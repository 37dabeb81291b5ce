package steward

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/talgya/starmacro/internal/clock"
	"github.com/talgya/starmacro/internal/ledger"
)

const maxRecords = 10

// CycleRecord captures what happened in a single cycle.
type CycleRecord struct {
	Time        clock.Time   `json:"time"`
	Action      string       `json:"action"`
	CrisisLevel string       `json:"crisis_level"`
	Spread      ledger.Money `json:"spread"`
	Mid         ledger.Money `json:"mid"`
	Placed      int          `json:"placed,omitempty"`
	Rationale   string       `json:"rationale,omitempty"`
}

// CycleMemory manages a ring of recent cycle records, optionally persisted
// to a JSON file so escalation survives restarts.
type CycleMemory struct {
	Records []CycleRecord `json:"records"`
	path    string
}

// LoadMemory reads the memory file. A missing or empty path gives empty memory.
func LoadMemory(path string) *CycleMemory {
	mem := &CycleMemory{path: path}
	if path == "" {
		return mem
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("steward memory unreadable, starting fresh", "error", err)
		}
		return mem
	}
	if err := json.Unmarshal(data, mem); err != nil {
		slog.Warn("steward memory corrupted, starting fresh", "error", err)
		return &CycleMemory{path: path}
	}
	return mem
}

// Save writes the memory to its file, if it has one.
func (m *CycleMemory) Save() error {
	if m.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal steward memory: %w", err)
	}
	if err := os.WriteFile(m.path, data, 0o644); err != nil {
		return fmt.Errorf("write steward memory: %w", err)
	}
	return nil
}

// Record adds a cycle record, trimming to maxRecords.
func (m *CycleMemory) Record(r CycleRecord) {
	m.Records = append(m.Records, r)
	if len(m.Records) > maxRecords {
		m.Records = m.Records[len(m.Records)-maxRecords:]
	}
}

// Streak counts the most recent consecutive records at level.
func (m *CycleMemory) Streak(level string) int {
	n := 0
	for i := len(m.Records) - 1; i >= 0 && m.Records[i].CrisisLevel == level; i-- {
		n++
	}
	return n
}
