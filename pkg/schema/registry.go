package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"
)

// SchemaVersion represents a version of a repository schema
type SchemaVersion struct {
	Version       int               `json:"version"`
	Schema        *Schema           `json:"schema"`
	CreatedAt     time.Time         `json:"created_at"`
	Fingerprint   string            `json:"fingerprint"`
	Compatibility CompatibilityMode `json:"compatibility"`
}

// CompatibilityMode defines how schema changes are validated
type CompatibilityMode string

const (
	// CompatibilityNone allows any schema change
	CompatibilityNone CompatibilityMode = "NONE"
	// CompatibilityBackward requires every previous column to keep its
	// feature. Columns may only be added.
	CompatibilityBackward CompatibilityMode = "BACKWARD"
)

// Registry keeps the schema history of each repository
type Registry struct {
	schemas       map[string][]*SchemaVersion // repo -> versions
	compatibility map[string]CompatibilityMode
	mu            sync.RWMutex
	logger        *zap.Logger

	onSchemaChange []func(subject string, old, new *SchemaVersion)
}

// NewRegistry creates a new schema registry
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		schemas:       make(map[string][]*SchemaVersion),
		compatibility: make(map[string]CompatibilityMode),
		logger:        logger,
	}
}

// RegisterSchema records s for subject. Registering a schema equal to an
// existing version returns that version.
func (r *Registry) RegisterSchema(subject string, s *Schema) (*SchemaVersion, error) {
	fingerprint, err := Fingerprint(s)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	versions := r.schemas[subject]
	for _, v := range versions {
		if v.Fingerprint == fingerprint {
			r.mu.Unlock()
			return v, nil
		}
	}

	mode := r.getCompatibilityMode(subject)
	var previous *SchemaVersion
	if len(versions) > 0 {
		previous = versions[len(versions)-1]
		if err := CheckCompatibility(previous.Schema, s, mode); err != nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("schema incompatible with mode %s: %w", mode, err)
		}
	}

	version := &SchemaVersion{
		Version:       len(versions) + 1,
		Schema:        s.Clone(),
		CreatedAt:     time.Now(),
		Fingerprint:   fingerprint,
		Compatibility: mode,
	}
	r.schemas[subject] = append(versions, version)
	hooks := append([]func(string, *SchemaVersion, *SchemaVersion){}, r.onSchemaChange...)
	r.mu.Unlock()

	r.logger.Info("schema registered",
		zap.String("subject", subject),
		zap.Int("version", version.Version),
		zap.Int("columns", s.Len()),
		zap.String("fingerprint", fingerprint))

	if previous != nil {
		for _, hook := range hooks {
			hook(subject, previous, version)
		}
	}
	return version, nil
}

// GetSchema retrieves a specific schema version
func (r *Registry) GetSchema(subject string, version int) (*SchemaVersion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, exists := r.schemas[subject]
	if !exists || len(versions) == 0 {
		return nil, fmt.Errorf("subject %s not found", subject)
	}
	if version <= 0 || version > len(versions) {
		return nil, fmt.Errorf("version %d not found for subject %s", version, subject)
	}
	return versions[version-1], nil
}

// GetLatestSchema retrieves the latest schema version
func (r *Registry) GetLatestSchema(subject string) (*SchemaVersion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.schemas[subject]
	if len(versions) == 0 {
		return nil, fmt.Errorf("subject %s not found", subject)
	}
	return versions[len(versions)-1], nil
}

// GetSchemaHistory returns all versions of a schema
func (r *Registry) GetSchemaHistory(subject string) ([]*SchemaVersion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, exists := r.schemas[subject]
	if !exists {
		return nil, fmt.Errorf("subject %s not found", subject)
	}
	history := make([]*SchemaVersion, len(versions))
	copy(history, versions)
	return history, nil
}

// SetCompatibilityMode sets the compatibility mode for a subject
func (r *Registry) SetCompatibilityMode(subject string, mode CompatibilityMode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.compatibility[subject] = mode
}

// OnSchemaChange registers a callback run after a new version is added
func (r *Registry) OnSchemaChange(callback func(subject string, old, new *SchemaVersion)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSchemaChange = append(r.onSchemaChange, callback)
}

type registryState struct {
	Schemas       map[string][]*SchemaVersion  `json:"schemas"`
	Compatibility map[string]CompatibilityMode `json:"compatibility"`
}

// Export exports the registry state
func (r *Registry) Export() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return gojson.MarshalIndent(registryState{Schemas: r.schemas, Compatibility: r.compatibility}, "", "  ")
}

// Import replaces the registry state
func (r *Registry) Import(data []byte) error {
	var state registryState
	if err := gojson.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to unmarshal registry state: %w", err)
	}
	if state.Schemas == nil {
		state.Schemas = make(map[string][]*SchemaVersion)
	}
	if state.Compatibility == nil {
		state.Compatibility = make(map[string]CompatibilityMode)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas = state.Schemas
	r.compatibility = state.Compatibility
	return nil
}

func (r *Registry) getCompatibilityMode(subject string) CompatibilityMode {
	if mode, exists := r.compatibility[subject]; exists {
		return mode
	}
	return CompatibilityBackward
}

// CheckCompatibility validates next against prev under mode
func CheckCompatibility(prev, next *Schema, mode CompatibilityMode) error {
	if mode == CompatibilityNone {
		return nil
	}
	for _, name := range prev.Keys() {
		was, _ := prev.Get(name)
		now, ok := next.Get(name)
		if !ok {
			return fmt.Errorf("column %q was removed", name)
		}
		if was != now {
			return fmt.Errorf("column %q changed from %s to %s", name, was, now)
		}
	}
	return nil
}

// Fingerprint is the hex SHA-256 of the ordered JSON encoding
func Fingerprint(s *Schema) (string, error) {
	b, err := s.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("failed to encode schema: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
