package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// StateVersion is the current version of the state file format.
const StateVersion = 1

// State contains the runtime state for the wearlink daemon.
type State struct {
	// Version is the state file format version.
	Version int `json:"version"`

	// SavedAt is when the state was last saved.
	SavedAt time.Time `json:"saved_at"`

	// Companions holds detector decisions keyed by Bluetooth address.
	Companions map[string]CompanionRecord `json:"companions,omitempty"`
}

// CompanionRecord is what the config detector remembers about one phone.
type CompanionRecord struct {
	// Protocol is the sysproxy protocol (1 or 2) that last worked, or the
	// one fallen back to.
	Protocol uint8 `json:"protocol"`

	// Version is the v1 wire version.
	Version int `json:"version,omitempty"`

	// Failures counts consecutive connect failures with Protocol.
	Failures int `json:"failures,omitempty"`

	// PSM and ChannelChangeID are the last iOS L2CAP parameters.
	PSM             int `json:"psm,omitempty"`
	ChannelChangeID int `json:"channel_change_id,omitempty"`

	// UpdatedAt is when the record last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// Companion returns the record for addr.
func (s *State) Companion(addr string) (CompanionRecord, bool) {
	if s == nil || s.Companions == nil {
		return CompanionRecord{}, false
	}
	rec, ok := s.Companions[addr]
	return rec, ok
}

// SetCompanion stores rec under addr.
func (s *State) SetCompanion(addr string, rec CompanionRecord) {
	if s.Companions == nil {
		s.Companions = make(map[string]CompanionRecord)
	}
	s.Companions[addr] = rec
}

// StateStore manages persistence of State to a JSON file.
type StateStore struct {
	mu   sync.Mutex
	path string
}

// NewStateStore creates a new state store.
func NewStateStore(path string) *StateStore {
	return &StateStore{path: path}
}

// Path returns the state file path.
func (s *StateStore) Path() string {
	return s.path
}

// Save persists the state to disk. The file is written to a temporary
// sibling and renamed into place.
func (s *StateStore) Save(state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	state.Version = StateVersion
	state.SavedAt = time.Now()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Load reads the state from disk.
// A missing file loads as an empty state.
func (s *StateStore) Load() (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &State{Version: StateVersion}, nil
	}
	if err != nil {
		return nil, err
	}

	state := &State{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, err
	}

	return state, nil
}

// Clear removes the state file.
func (s *StateStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
