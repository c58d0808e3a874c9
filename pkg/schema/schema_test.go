package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefault(t *testing.T) {
	reg := LoadDefault()

	project, ok := reg.LookupEntity("project")
	require.True(t, ok)
	assert.Equal(t, CategoryNode, project.Category)
	assert.Equal(t, []string{"url"}, project.PrimaryKeys())

	edges := reg.LookupEdgesByLabel("has_version")
	require.Len(t, edges, 1)
	assert.Equal(t, "project", edges[0].FromEntity)
	assert.Equal(t, "version", edges[0].ToEntity)
}

func TestParseRejectsUnknownEdgeEndpoint(t *testing.T) {
	_, err := parse([]byte(`
nodes:
  - entity_type: project
    table_name: project
    fields:
      - {name: url, type: string, primary_key: true}
edges:
  - {edge_type: has_version, from_entity: project, to_entity: ghost}
`))
	require.Error(t, err)
}

func TestParseRejectsNonCanonicalEntityType(t *testing.T) {
	_, err := parse([]byte(`
nodes:
  - entity_type: Project
    table_name: project
    fields:
      - {name: url, type: string, primary_key: true}
`))
	require.Error(t, err)
}

func TestParseRejectsMissingPrimaryKey(t *testing.T) {
	_, err := parse([]byte(`
nodes:
  - entity_type: project
    table_name: project
    fields:
      - {name: url, type: string}
`))
	require.Error(t, err)
}
