// Package checkpoint persists and restores the full mid-run state of a
// simulation as a versioned JSON document. A restored run continues
// bit-identically to one that never stopped, so everything that feeds the
// event loop is captured here, including the generator state.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"barsim/internal/domain"
	"barsim/internal/ledger"
	"barsim/internal/orders"
	"barsim/internal/risk"
)

// SchemaVersion is the current checkpoint document version. Documents with a
// higher version are refused rather than partially interpreted.
const SchemaVersion = 1

var (
	// ErrCorrupt marks a document that failed to parse or is missing
	// required state.
	ErrCorrupt = errors.New("checkpoint: corrupt document")
	// ErrSchema marks a document written by a newer schema.
	ErrSchema = errors.New("checkpoint: unsupported schema version")
	// ErrConfigMismatch marks a document written under a different
	// provider or simulator configuration.
	ErrConfigMismatch = errors.New("checkpoint: config hash mismatch")
)

// State is the complete serializable state of a simulation between bars.
type State struct {
	SchemaVersion int       `json:"schema_version"`
	BacktestID    string    `json:"backtest_id"`
	ConfigHash    string    `json:"config_hash"`
	CreatedAt     time.Time `json:"created_at"`

	BarIndex         int                  `json:"bar_index"`
	FillSeq          uint64               `json:"fill_seq"`
	PeakEquity       float64              `json:"peak_equity"`
	DailyStartEquity float64              `json:"daily_start_equity"`
	LastTickAt       time.Time            `json:"last_tick_at"`
	LastBarTimes     map[string]time.Time `json:"last_bar_times,omitempty"`
	Marks            map[string]float64   `json:"marks,omitempty"`

	// RNG is the generator's binary state; encoding/json base64-encodes it.
	RNG []byte `json:"rng"`

	Ledger     *ledger.Ledger         `json:"ledger"`
	Book       *orders.Book           `json:"book"`
	KillSwitch risk.KillSwitch        `json:"kill_switch"`
	Pending    []domain.OrderRequest  `json:"pending,omitempty"`
	Fills      []domain.Fill          `json:"fills"`
	Rejected   []domain.RejectedOrder `json:"rejected"`
}

// Manager writes and reads checkpoint documents in one directory.
type Manager struct {
	dir    string
	logger *slog.Logger
}

// NewManager creates the checkpoint directory if needed.
func NewManager(dir string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating checkpoint dir: %w", err)
	}
	return &Manager{dir: dir, logger: logger}, nil
}

// Save writes the state atomically and returns the document path. The write
// goes to a temp file in the same directory and is renamed into place, so a
// crash mid-write never leaves a truncated checkpoint behind.
func (m *Manager) Save(st *State) (string, error) {
	st.SchemaVersion = SchemaVersion
	st.CreatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding checkpoint: %w", err)
	}

	path := filepath.Join(m.dir, fmt.Sprintf("%s-%08d.json", st.BacktestID, st.BarIndex))
	tmp, err := os.CreateTemp(m.dir, ".ckpt-*")
	if err != nil {
		return "", fmt.Errorf("creating checkpoint temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("writing checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("closing checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("publishing checkpoint: %w", err)
	}

	m.logger.Info("checkpoint saved", "path", path, "bar_index", st.BarIndex)
	return path, nil
}

// Load reads and validates a checkpoint document. wantConfigHash, when
// non-empty, must match the hash recorded at save time; resuming a run under
// a different configuration is refused. The file is never modified.
func (m *Manager) Load(path, wantConfigHash string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}

	st := &State{}
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if st.SchemaVersion > SchemaVersion {
		return nil, fmt.Errorf("%w: document version %d, supported %d", ErrSchema, st.SchemaVersion, SchemaVersion)
	}
	if st.Ledger == nil || st.Book == nil || len(st.RNG) == 0 {
		return nil, fmt.Errorf("%w: missing ledger, book, or rng state", ErrCorrupt)
	}
	if err := st.Ledger.CheckInvariants(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if wantConfigHash != "" && st.ConfigHash != wantConfigHash {
		return nil, fmt.Errorf("%w: checkpoint written under %.12s, current config %.12s",
			ErrConfigMismatch, st.ConfigHash, wantConfigHash)
	}

	m.logger.Info("checkpoint loaded", "path", path, "bar_index", st.BarIndex, "backtest_id", st.BacktestID)
	return st, nil
}
