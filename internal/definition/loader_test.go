package definition

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/hazen/model"
)

const sampleYAML = `version: 3
updated_by: admin-1
steps:
  - id: report
    name: Report
    handler:
      type: fixed
  - id: confirm
    name: Confirm
    handler:
      type: fixed
      users:
        - id: user-c
          name: Carol
    cc_rules:
      - id: cc-1
        type: reporter
  - id: rectify
    name: Rectify
    handler:
      type: fixed
  - id: verify
    name: Verify
    handler:
      type: role
      role: safety_officer
`

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))
	return path
}

func TestLoader_Load(t *testing.T) {
	l := NewLoader(writeSample(t))
	def, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, 3, def.Version)
	assert.Equal(t, "admin-1", def.UpdatedBy)
	require.Len(t, def.Steps, 4)

	assert.Equal(t, "fixed", def.Steps[1].Handler.Type)
	require.Len(t, def.Steps[1].Handler.Users, 1)
	assert.Equal(t, "safety_officer", def.Steps[3].Handler.Role)
	require.Len(t, def.Steps[1].CCRules, 1)
	assert.Equal(t, "reporter", def.Steps[1].CCRules[0].Type)
}

func TestLoader_Load_not_found(t *testing.T) {
	l := NewLoader(filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := l.Load()
	require.Error(t, err)
}

func TestLoader_Load_invalid_yaml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("steps: [unclosed"), 0o644))

	_, err := NewLoader(path).Load()
	require.Error(t, err)
}

func TestLoader_Load_defaultsVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflow.yaml")
	require.NoError(t, os.WriteFile(path,
		[]byte("steps:\n  - id: report\n    name: Report\n    handler:\n      type: fixed\n"), 0o644))

	def, err := NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 1, def.Version)
}

func TestLoader_Save_bumpsVersionAndRoundTrips(t *testing.T) {
	l := NewLoader(writeSample(t))
	def, err := l.Load()
	require.NoError(t, err)

	def.Steps = append(def.Steps, model.Step{
		ID:      "review",
		Name:    "Review",
		Handler: model.HandlerStrategy{Type: model.StrategyPreviousAssignee},
	})
	saved, err := l.Save(def, "admin-2")
	require.NoError(t, err)
	assert.Equal(t, 4, saved.Version)
	assert.Equal(t, "admin-2", saved.UpdatedBy)

	reloaded, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, 4, reloaded.Version)
	require.Len(t, reloaded.Steps, 5)
	assert.Equal(t, "review", reloaded.Steps[4].ID)
	assert.Equal(t, model.StrategyPreviousAssignee, reloaded.Steps[4].Handler.Type)
}

func TestLoader_Save_ignoresStaleSubmittedVersion(t *testing.T) {
	l := NewLoader(writeSample(t))

	// A client editing an old copy submits version 1 while the file holds
	// version 3. The bump must come from the persisted version.
	stale, err := l.Load()
	require.NoError(t, err)
	stale.Version = 1

	saved, err := l.Save(stale, "admin-2")
	require.NoError(t, err)
	assert.Equal(t, 4, saved.Version)

	reloaded, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, 4, reloaded.Version)
}

func TestChecksum_stable(t *testing.T) {
	l := NewLoader(writeSample(t))
	def, err := l.Load()
	require.NoError(t, err)

	assert.NotEmpty(t, Checksum(def))
	assert.Equal(t, Checksum(def), Checksum(def), "checksum must be deterministic")
}
