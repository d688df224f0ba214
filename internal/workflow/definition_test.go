package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/shopwatch/internal/domain"
)

func writeDefinition(t *testing.T, dir, id, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".json"), []byte(content), 0o644))
}

const validDef = `{
  "workflow_id": "wf",
  "start_node": "a",
  "nodes": {
    "a": {"type": "probe", "name": "A", "next_nodes": ["b"]},
    "b": {"type": "notify", "name": "B", "next_nodes": []}
  }
}`

func TestLoaderLoadAndCache(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeDefinition(t, dir, "wf", validDef)
	l := NewLoader(dir)

	def, err := l.Load("wf")
	require.NoError(t, err)
	assert.Equal(t, "wf", def.WorkflowID)
	assert.Len(t, def.Nodes, 2)

	// Cached: rewriting the file does not change the loaded definition.
	writeDefinition(t, dir, "wf", `{"workflow_id":"wf","start_node":"a","nodes":{"a":{"type":"probe","name":"A2"}}}`)
	again, err := l.Load("wf")
	require.NoError(t, err)
	assert.Same(t, def, again)

	// Reload picks the new file up.
	fresh, err := l.Reload("wf")
	require.NoError(t, err)
	assert.Len(t, fresh.Nodes, 1)
}

func TestLoaderMissing(t *testing.T) {
	t.Parallel()
	l := NewLoader(t.TempDir())
	_, err := l.Load("nope")
	assert.ErrorIs(t, err, domain.ErrDefinitionNotFound)
}

func TestLoaderInvalidJSON(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeDefinition(t, dir, "bad", "{not json")
	_, err := NewLoader(dir).Load("bad")
	assert.ErrorIs(t, err, domain.ErrDefinitionInvalid)
}

func TestLoaderSchemaViolations(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeDefinition(t, dir, "nostart", `{"workflow_id":"x","nodes":{"a":{"type":"t","name":"n"}}}`)
	writeDefinition(t, dir, "nonodes", `{"workflow_id":"x","start_node":"a","nodes":{}}`)
	writeDefinition(t, dir, "noname", `{"workflow_id":"x","start_node":"a","nodes":{"a":{"type":"t"}}}`)
	l := NewLoader(dir)
	for _, id := range []string{"nostart", "nonodes", "noname"} {
		_, err := l.Load(id)
		assert.ErrorIs(t, err, domain.ErrDefinitionInvalid, "id %s", id)
	}
}

func TestLoaderStructureViolations(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeDefinition(t, dir, "badstart",
		`{"workflow_id":"x","start_node":"zz","nodes":{"a":{"type":"t","name":"n"}}}`)
	writeDefinition(t, dir, "badref",
		`{"workflow_id":"x","start_node":"a","nodes":{"a":{"type":"t","name":"n","next_nodes":["ghost"]}}}`)
	writeDefinition(t, dir, "orphan",
		`{"workflow_id":"x","start_node":"a","nodes":{"a":{"type":"t","name":"n"},"island":{"type":"t","name":"i"}}}`)
	l := NewLoader(dir)
	for _, id := range []string{"badstart", "badref", "orphan"} {
		_, err := l.Load(id)
		assert.ErrorIs(t, err, domain.ErrDefinitionInvalid, "id %s", id)
	}
}

func TestLoaderAllowsCycles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeDefinition(t, dir, "loop", `{
	  "workflow_id": "loop",
	  "start_node": "a",
	  "nodes": {
	    "a": {"type": "t", "name": "A", "next_nodes": ["b"]},
	    "b": {"type": "t", "name": "B", "next_nodes": ["a"]}
	  }
	}`)
	def, err := NewLoader(dir).Load("loop")
	require.NoError(t, err)
	assert.Len(t, def.Nodes, 2)
}

func TestLoaderList(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeDefinition(t, dir, "zeta", validDef)
	writeDefinition(t, dir, "alpha", validDef)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	ids, err := NewLoader(dir).List()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "zeta"}, ids)
}
