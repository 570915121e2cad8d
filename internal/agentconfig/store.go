package agentconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sentinel errors surfaced to the HTTP boundary.
var (
	ErrNotFound      = errors.New("agent not found")
	ErrAlreadyExists = errors.New("agent id already exists")
	ErrInvalidID     = errors.New("invalid agent id")
	ErrBuiltIn       = errors.New("cannot delete built-in agent")
)

// legacyFileName is the pre-registry single-document config file. It is
// migrated into the per-agent layout once at startup and then removed.
const legacyFileName = "agent_config.json"

// Store is the agent config registry. It is the sole writer of the agents
// directory; a single mutex serializes every operation so callers observe a
// strict total order.
type Store struct {
	mu             sync.Mutex
	dir            string
	maxAccessLevel int
	agents         map[string]*Agent
	logger         *zap.Logger
}

// NewStore creates a Store rooted at dir. maxAccessLevel caps the access
// level of every agent (0..5).
func NewStore(dir string, maxAccessLevel int, logger *zap.Logger) *Store {
	if maxAccessLevel < LevelOff || maxAccessLevel > LevelFull {
		maxAccessLevel = LevelFull
	}
	return &Store{
		dir:            dir,
		maxAccessLevel: maxAccessLevel,
		agents:         make(map[string]*Agent),
		logger:         logger,
	}
}

// Bootstrap prepares the registry: ensures the storage directory, migrates
// the legacy single-document file, loads every agent document (warning on
// corrupt ones), guarantees the built-in agent exists, and upgrades stale
// built-in persona defaults the user never customized.
func (s *Store) Bootstrap() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create agents dir: %w", err)
	}

	s.migrateLegacyFile()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read agents dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		a, err := readAgentFile(path)
		if err != nil {
			s.logger.Warn("skipping unreadable agent document", zap.String("path", path), zap.Error(err))
			continue
		}
		s.agents[a.ID] = a
	}

	builtin, ok := s.agents[BuiltInAgentID]
	if !ok {
		builtin = DefaultAgent()
		if builtin.AccessLevel > s.maxAccessLevel {
			builtin.AccessLevel = s.maxAccessLevel
		}
		s.agents[BuiltInAgentID] = builtin
		if err := s.writeAgent(builtin); err != nil {
			return fmt.Errorf("write built-in agent: %w", err)
		}
		s.logger.Info("installed default built-in agent", zap.String("id", BuiltInAgentID))
		return nil
	}

	builtin.IsBuiltIn = true
	if upgradeStalePersona(builtin) {
		if err := s.writeAgent(builtin); err != nil {
			s.logger.Error("persisting upgraded built-in persona failed", zap.Error(err))
		} else {
			s.logger.Info("upgraded built-in persona to current defaults")
		}
	}
	return nil
}

// migrateLegacyFile moves the single-document legacy config into the
// per-agent layout. Best-effort: a broken legacy file is logged and left in
// place so the user can inspect it.
func (s *Store) migrateLegacyFile() {
	legacyPath := filepath.Join(s.dir, legacyFileName)
	data, err := os.ReadFile(legacyPath)
	if err != nil {
		return
	}
	targetPath := filepath.Join(s.dir, BuiltInAgentID+".json")
	if _, err := os.Stat(targetPath); err == nil {
		// Target already exists; the legacy file is obsolete.
		return
	}

	var legacy Agent
	if err := json.Unmarshal(data, &legacy); err != nil {
		s.logger.Warn("legacy agent config unreadable, leaving in place", zap.Error(err))
		return
	}

	migrated := DefaultAgent()
	if legacy.Name != "" {
		migrated.Name = legacy.Name
	}
	if legacy.Pronouns != "" {
		migrated.Pronouns = legacy.Pronouns
	}
	if legacy.Role != "" {
		migrated.Role = legacy.Role
	}
	if legacy.VoiceTone != "" {
		migrated.VoiceTone = legacy.VoiceTone
	}
	if legacy.CoreValues != "" {
		migrated.CoreValues = legacy.CoreValues
	}
	if legacy.TopicsToAvoid != "" {
		migrated.TopicsToAvoid = legacy.TopicsToAvoid
	}
	if legacy.CustomInstructions != "" {
		migrated.CustomInstructions = legacy.CustomInstructions
	}
	if legacy.BackgroundKnowledge != "" {
		migrated.BackgroundKnowledge = legacy.BackgroundKnowledge
	}
	if legacy.AccessLevel > 0 {
		migrated.AccessLevel = legacy.AccessLevel
	}
	if len(legacy.DirectoryScopes) > 0 {
		migrated.DirectoryScopes = legacy.DirectoryScopes
	}
	if migrated.AccessLevel > s.maxAccessLevel {
		migrated.AccessLevel = s.maxAccessLevel
	}

	if err := s.writeAgent(migrated); err != nil {
		s.logger.Error("legacy config migration write failed", zap.Error(err))
		return
	}
	if err := os.Remove(legacyPath); err != nil {
		s.logger.Warn("could not remove migrated legacy config", zap.Error(err))
	}
	s.logger.Info("migrated legacy agent config", zap.String("from", legacyFileName))
}

// List returns all agents, built-in first, then case-insensitive
// alphabetical by display name.
func (s *Store) List() []*Agent {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, cloneAgent(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsBuiltIn != out[j].IsBuiltIn {
			return out[i].IsBuiltIn
		}
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out
}

// Get returns the agent with the given id.
func (s *Store) Get(id string) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAgent(a), nil
}

// Create inserts a new agent. The id must be a valid slug and unused; the
// built-in flag is forced off and the access level clamped to the cap.
func (s *Store) Create(a *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !ValidID(a.ID) {
		return ErrInvalidID
	}
	if _, exists := s.agents[a.ID]; exists {
		return ErrAlreadyExists
	}
	stored := cloneAgent(a)
	stored.IsBuiltIn = false
	stored.CreatedAt = time.Now().UTC()
	if stored.AccessLevel > s.maxAccessLevel {
		stored.AccessLevel = s.maxAccessLevel
	}
	if stored.AccessLevel < LevelOff {
		stored.AccessLevel = LevelOff
	}
	if err := s.writeAgent(stored); err != nil {
		return err
	}
	s.agents[stored.ID] = stored
	return nil
}

// Update replaces a stored agent's fields. The built-in flag and creation
// time are preserved from the stored record regardless of the input.
func (s *Store) Update(a *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.agents[a.ID]
	if !ok {
		return ErrNotFound
	}
	next := cloneAgent(a)
	next.IsBuiltIn = stored.IsBuiltIn
	next.CreatedAt = stored.CreatedAt
	if next.AccessLevel > s.maxAccessLevel {
		next.AccessLevel = s.maxAccessLevel
	}
	if next.AccessLevel < LevelOff {
		next.AccessLevel = LevelOff
	}
	if err := s.writeAgent(next); err != nil {
		return err
	}
	s.agents[next.ID] = next
	return nil
}

// Delete removes a non-built-in agent and its document.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return ErrNotFound
	}
	if a.IsBuiltIn {
		return ErrBuiltIn
	}
	if err := os.Remove(s.agentPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove agent document: %w", err)
	}
	delete(s.agents, id)
	return nil
}

// Reset restores an agent's persona fields to the defaults while keeping
// id, built-in flag, creation time, access level, scopes, skills, and
// capability toggles.
func (s *Store) Reset(id string) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := cloneAgent(stored)
	applyPersonaDefaults(next)
	if err := s.writeAgent(next); err != nil {
		return nil, err
	}
	s.agents[id] = next
	return cloneAgent(next), nil
}

// Export returns the pretty-printed JSON document for an agent.
func (s *Store) Export(id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return encodeAgent(a)
}

// Import decodes an agent document and stores it. Unknown JSON fields are
// tolerated on read and dropped on the rewrite. Importing over an existing
// id fails unless overwrite is set; the built-in agent's flag survives an
// overwrite.
func (s *Store) Import(data []byte, overwrite bool) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var a Agent
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode agent document: %w", err)
	}
	if !ValidID(a.ID) {
		return nil, ErrInvalidID
	}
	if existing, ok := s.agents[a.ID]; ok {
		if !overwrite {
			return nil, ErrAlreadyExists
		}
		a.IsBuiltIn = existing.IsBuiltIn
		a.CreatedAt = existing.CreatedAt
	} else {
		a.IsBuiltIn = false
		if a.CreatedAt.IsZero() {
			a.CreatedAt = time.Now().UTC()
		}
	}
	if a.AccessLevel > s.maxAccessLevel {
		a.AccessLevel = s.maxAccessLevel
	}
	stored := cloneAgent(&a)
	if err := s.writeAgent(stored); err != nil {
		return nil, err
	}
	s.agents[stored.ID] = stored
	return cloneAgent(stored), nil
}

func (s *Store) agentPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// writeAgent stages the document to a temp file and renames it into place so
// no reader ever observes a half-written file.
func (s *Store) writeAgent(a *Agent) error {
	data, err := encodeAgent(a)
	if err != nil {
		return err
	}
	path := s.agentPath(a.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("stage agent document: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return fmt.Errorf("commit agent document: %w", err)
	}
	return nil
}

// encodeAgent renders the document with sorted keys and ISO-8601 dates so
// diffs between writes are stable.
func encodeAgent(a *Agent) ([]byte, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal agent: %w", err)
	}
	// Round-trip through a map: encoding/json emits map keys sorted.
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("reorder agent keys: %w", err)
	}
	out, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode agent: %w", err)
	}
	return append(out, '\n'), nil
}

func readAgentFile(path string) (*Agent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var a Agent
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	if a.ID == "" {
		return nil, fmt.Errorf("document missing id")
	}
	if a.DirectoryScopes == nil {
		a.DirectoryScopes = []string{}
	}
	if a.EnabledSkillIDs == nil {
		a.EnabledSkillIDs = []string{}
	}
	return &a, nil
}

func cloneAgent(a *Agent) *Agent {
	c := *a
	c.DirectoryScopes = append([]string(nil), a.DirectoryScopes...)
	c.EnabledSkillIDs = append([]string(nil), a.EnabledSkillIDs...)
	if a.EnabledCapabilities != nil {
		c.EnabledCapabilities = make(map[string]bool, len(a.EnabledCapabilities))
		for k, v := range a.EnabledCapabilities {
			c.EnabledCapabilities[k] = v
		}
	}
	return &c
}
