package definition

import (
	"sync/atomic"

	"github.com/pitabwire/hazen/model"
)

// snapshot is an immutable view of the active definition plus every version
// seen since startup. Retained versions let in-flight cases validate against
// the definition they were last transitioned under.
type snapshot struct {
	current   *model.WorkflowDefinition
	byVersion map[int]*model.WorkflowDefinition
	checksum  string
}

// Registry is a read-optimized, thread-safe holder of the workflow
// definition. It uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry holding the given definition.
func NewRegistry(def model.WorkflowDefinition) *Registry {
	r := &Registry{}
	r.snap.Store(&snapshot{
		current:   &def,
		byVersion: map[int]*model.WorkflowDefinition{def.Version: &def},
		checksum:  Checksum(def),
	})
	return r
}

// Replace atomically swaps in a new active definition. Previously retained
// versions stay resolvable via Get.
func (r *Registry) Replace(def model.WorkflowDefinition) {
	old := r.snap.Load()
	byVersion := make(map[int]*model.WorkflowDefinition, len(old.byVersion)+1)
	for v, d := range old.byVersion {
		byVersion[v] = d
	}
	byVersion[def.Version] = &def

	r.snap.Store(&snapshot{
		current:   &def,
		byVersion: byVersion,
		checksum:  Checksum(def),
	})
}

// Current returns the active definition.
func (r *Registry) Current() *model.WorkflowDefinition {
	return r.snap.Load().current
}

// Get returns the definition with the given version, if retained.
func (r *Registry) Get(version int) (*model.WorkflowDefinition, bool) {
	def, ok := r.snap.Load().byVersion[version]
	return def, ok
}

// Checksum returns the checksum of the active definition.
func (r *Registry) Checksum() string {
	return r.snap.Load().checksum
}
