package alternatives

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/replan/pkg/adaptation"
	"github.com/harun/replan/pkg/planner"
)

const registryYAML = `
roles:
  fetch:
    alternatives:
      - name: fetch-mirror
        params:
          host: mirror.example.com
      - name: fetch-cache
    recovery:
      - id: flush-dns
        action:
          name: flush-dns
        estimated_time: 2s
  render:
    decomposition:
      - action:
          name: render-top
      - action:
          name: render-bottom
        timeout: 30s
`

func writeRegistry(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "alternatives.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

var _ adaptation.AlternativesSource = (*Registry)(nil)

func TestLoadFile(t *testing.T) {
	path := writeRegistry(t, registryYAML)
	r, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"fetch", "render"}, r.Roles())
	assert.Equal(t, path, r.Path())
	assert.True(t, r.Has("fetch"))
	assert.False(t, r.Has("upload"))

	alts := r.Alternatives("fetch")
	require.Len(t, alts, 2)
	assert.Equal(t, "fetch-mirror", alts[0].Name)
	assert.Equal(t, "mirror.example.com", alts[0].Params["host"])

	recovery := r.Recovery("fetch")
	require.Len(t, recovery, 1)
	assert.Equal(t, 2*time.Second, recovery[0].EstimatedTime)

	parts := r.Decomposition("render")
	require.Len(t, parts, 2)
	assert.Equal(t, 30*time.Second, parts[1].Timeout)

	assert.Empty(t, r.Alternatives("render"))
	assert.Empty(t, r.Decomposition("unknown"))
}

func TestRegistry_ReturnsCopies(t *testing.T) {
	r, err := LoadFile(writeRegistry(t, registryYAML))
	require.NoError(t, err)

	alts := r.Alternatives("fetch")
	alts[0].Params["host"] = "tampered"
	recovery := r.Recovery("fetch")
	recovery[0].ID = "tampered"

	assert.Equal(t, "mirror.example.com", r.Alternatives("fetch")[0].Params["host"])
	assert.Equal(t, "flush-dns", r.Recovery("fetch")[0].ID)
}

func TestParse_Invalid(t *testing.T) {
	tests := map[string]string{
		"malformed yaml":        "roles: [",
		"alternative no name":   "roles:\n  fetch:\n    alternatives:\n      - params: {a: b}\n",
		"recovery with deps":    "roles:\n  fetch:\n    recovery:\n      - action: {name: x}\n        dependencies: [a]\n",
		"single decomposition":  "roles:\n  render:\n    decomposition:\n      - action: {name: x}\n",
		"decomposition no name": "roles:\n  render:\n    decomposition:\n      - action: {name: x}\n      - id: y\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(content))
			assert.Error(t, err)
		})
	}

	roles, err := Parse([]byte("{}"))
	require.NoError(t, err)
	assert.Empty(t, roles)
}

func TestRegistry_ReloadKeepsContentOnError(t *testing.T) {
	path := writeRegistry(t, registryYAML)
	r, err := LoadFile(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("roles: ["), 0o644))
	assert.Error(t, r.Reload(path))
	assert.Len(t, r.Alternatives("fetch"), 2)

	assert.Error(t, r.Reload(filepath.Join(t.TempDir(), "missing.yaml")))
}

func TestRegistry_Set(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Set("upload", Entry{Alternatives: []planner.Action{{Name: "upload-s3"}}}))
	assert.Equal(t, "upload-s3", r.Alternatives("upload")[0].Name)

	assert.Error(t, r.Set("", Entry{}))
	assert.Error(t, r.Set("upload", Entry{Alternatives: []planner.Action{{}}}))
}

func TestRegistry_FeedsGenerator(t *testing.T) {
	r, err := LoadFile(writeRegistry(t, registryYAML))
	require.NoError(t, err)

	plan, err := planner.NewPlan("sync", []planner.Step{
		{ID: "B", Role: "fetch", Action: planner.Action{Name: "fetch-primary"}},
	})
	require.NoError(t, err)
	opp := adaptation.Opportunity{Kind: adaptation.OpportunityStepFailure, PlanID: plan.ID, StepIDs: []string{"B"}, Severity: 0.5}

	actions, err := adaptation.NewGenerator(adaptation.DefaultConfig(), r).Generate(plan, opp)
	require.NoError(t, err)

	var inserted bool
	for _, a := range actions {
		if a.Strategy == adaptation.StrategyInsertion {
			inserted = true
			assert.Equal(t, "flush-dns-B", a.Mutation.NewStep.ID)
		}
	}
	assert.True(t, inserted)
}
