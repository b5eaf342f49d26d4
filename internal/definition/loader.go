// Package definition loads the workflow step configuration from YAML,
// validates it, and provides a fast-lookup registry with atomic pointer swap.
package definition

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/hazen/model"
)

// Loader reads and writes the workflow definition file. Save always bumps
// the version, so definition persistence is a lossless, versioned
// round-trip.
type Loader struct {
	path string
}

// NewLoader creates a Loader for the given definition file path.
func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

// Load reads and parses the workflow definition file.
func (l *Loader) Load() (model.WorkflowDefinition, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("reading %s: %w", l.path, err)
	}

	var def model.WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("parsing %s: %w", l.path, err)
	}
	if def.Version == 0 {
		def.Version = 1
	}
	return def, nil
}

// Save persists the definition with a bumped version and fresh update
// metadata, returning the stored copy. The new version is derived from the
// version already on disk, not from the submitted payload, so a stale
// client counter can never move the active version backwards. The write
// goes through a temp file and rename so a crash never leaves a
// half-written definition.
func (l *Loader) Save(def model.WorkflowDefinition, updatedBy string) (model.WorkflowDefinition, error) {
	base := def.Version
	if current, err := l.Load(); err == nil && current.Version > base {
		base = current.Version
	}
	def.Version = base + 1
	def.UpdatedAt = time.Now().UTC()
	def.UpdatedBy = updatedBy

	data, err := yaml.Marshal(def)
	if err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("marshal definition: %w", err)
	}

	tmp := l.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("create definition directory: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("replacing %s: %w", l.path, err)
	}
	return def, nil
}

// Checksum returns the SHA-256 of the serialized definition.
func Checksum(def model.WorkflowDefinition) string {
	data, err := yaml.Marshal(def)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%x", sha256.Sum256(data))
}
