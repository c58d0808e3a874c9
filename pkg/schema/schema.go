// Package schema parses the declarative node/edge/vector schema definition
// and exposes typed metadata records to the rest of the engine: field
// lists, primary keys, table paths, and vector-edge derivation rules.
//
// Schemas are loaded once at startup (see Load) and never mutated at
// runtime; the Registry returned is safe for concurrent read access from
// every other component.
package schema

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/orneryd/kgraph/pkg/kgerrors"
)

// Category distinguishes the three shapes a schema entry can take.
type Category string

const (
	CategoryNode   Category = "node"
	CategoryEdge   Category = "edge"
	CategoryVector Category = "vector"
)

// FieldType enumerates the primitive field types the lake and graph engine
// both understand.
type FieldType string

const (
	FieldString   FieldType = "string"
	FieldBool     FieldType = "bool"
	FieldInt      FieldType = "int"
	FieldUint     FieldType = "uint"
	FieldFloat32  FieldType = "f32"
	FieldFloat64  FieldType = "f64"
	FieldDateTime FieldType = "datetime"
	FieldUUID     FieldType = "uuid"
	FieldArray    FieldType = "array"
	FieldJSON     FieldType = "json"
)

// Field is one declared column of a node, edge, or vector schema.
type Field struct {
	Name      string    `yaml:"name"`
	Type      FieldType `yaml:"type"`
	PrimaryKey bool     `yaml:"primary_key"`
}

// VectorKeyMapping binds one vector-row column to a parent node's
// primary-key field, used when the source node id must be joined from
// primary-key tuples rather than read from a single column.
type VectorKeyMapping struct {
	VectorColumn string `yaml:"vector_column"`
	PrimaryKey   string `yaml:"primary_key"`
}

// SourceKind distinguishes the two ways a vector-edge rule resolves the
// parent node's identity.
type SourceKind string

const (
	SourcePrimaryKey   SourceKind = "primary_key"
	SourceDirectColumn SourceKind = "direct_column"
)

// SourceTypeKind distinguishes the two ways a rule resolves the parent's
// declared entity type.
type SourceTypeKind string

const (
	SourceTypeLiteral        SourceTypeKind = "literal"
	SourceTypeFromKeyPattern SourceTypeKind = "from_key_pattern"
)

// VectorEdgeRule describes how to derive, for each row of a vector entity,
// the parent node's UUID, type, and the edge to create between them.
type VectorEdgeRule struct {
	EdgeType string `yaml:"edge_type"`

	SourceKind     SourceKind `yaml:"source_kind"`
	SourceEntity   string     `yaml:"source_entity"`   // used when SourceKind == SourcePrimaryKey
	SourceMappings []VectorKeyMapping `yaml:"source_mappings"`
	SourceColumn   string     `yaml:"source_column"`   // used when SourceKind == SourceDirectColumn

	SourceNodeTypeKind  SourceTypeKind `yaml:"source_node_type_kind"`
	SourceNodeTypeValue string         `yaml:"source_node_type_value"`

	TargetNodeType string `yaml:"target_node_type"`
}

// EntityMetadata is the static record the registry exposes for every
// declared node or vector type.
type EntityMetadata struct {
	EntityType      string           `yaml:"entity_type"`
	Category        Category         `yaml:"category"`
	TableName       string           `yaml:"table_name"`
	Fields          []Field          `yaml:"fields"`
	VectorEdgeRules []VectorEdgeRule `yaml:"vector_edge_rules"`
}

// PrimaryKeys returns the ordered subset of Fields marked primary-key.
func (m EntityMetadata) PrimaryKeys() []string {
	var keys []string
	for _, f := range m.Fields {
		if f.PrimaryKey {
			keys = append(keys, f.Name)
		}
	}
	return keys
}

// EdgeMetadata is the static record for a declared edge label. A label may
// be declared more than once, for different (from,to) type pairs.
type EdgeMetadata struct {
	EdgeType   string `yaml:"edge_type"`
	FromEntity string `yaml:"from_entity"`
	ToEntity   string `yaml:"to_entity"`
}

type document struct {
	Nodes   []EntityMetadata `yaml:"nodes"`
	Vectors []EntityMetadata `yaml:"vectors"`
	Edges   []EdgeMetadata   `yaml:"edges"`
}

// Registry is the immutable, concurrency-safe result of parsing a schema
// document.
type Registry struct {
	entities map[string]EntityMetadata
	edges    map[string][]EdgeMetadata
}

var entityTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Load parses the YAML schema document at path and validates it.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, kgerrors.Wrap(kgerrors.Io, "schema.Load", err)
	}
	return parse(data)
}

// LoadDefault returns a minimal built-in registry (project/version/commit/
// function nodes and the has_version/is_commit/calls edges)
// usable for tests that don't want to depend on a schema file on disk.
func LoadDefault() *Registry {
	reg, err := parse([]byte(defaultSchemaYAML))
	if err != nil {
		panic(fmt.Sprintf("schema: built-in default schema is invalid: %v", err))
	}
	return reg
}

func parse(data []byte) (*Registry, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, kgerrors.Wrap(kgerrors.Schema, "schema.parse", err)
	}

	reg := &Registry{
		entities: make(map[string]EntityMetadata),
		edges:    make(map[string][]EdgeMetadata),
	}

	for _, n := range doc.Nodes {
		n.Category = CategoryNode
		if err := validateEntity(n); err != nil {
			return nil, err
		}
		reg.entities[n.EntityType] = n
	}
	for _, v := range doc.Vectors {
		v.Category = CategoryVector
		if err := validateEntity(v); err != nil {
			return nil, err
		}
		reg.entities[v.EntityType] = v
	}
	for _, e := range doc.Edges {
		if e.EdgeType == "" {
			return nil, kgerrors.New(kgerrors.Schema, "schema.parse", "edge declaration missing edge_type")
		}
		reg.edges[e.EdgeType] = append(reg.edges[e.EdgeType], e)
	}

	// Type closure: every edge's from/to entity must be a declared node or
	// vector type.
	for label, decls := range reg.edges {
		for _, e := range decls {
			if _, ok := reg.entities[e.FromEntity]; !ok {
				return nil, kgerrors.New(kgerrors.Schema, "schema.parse",
					fmt.Sprintf("edge %q references undeclared from_entity %q", label, e.FromEntity))
			}
			if _, ok := reg.entities[e.ToEntity]; !ok {
				return nil, kgerrors.New(kgerrors.Schema, "schema.parse",
					fmt.Sprintf("edge %q references undeclared to_entity %q", label, e.ToEntity))
			}
		}
	}

	return reg, nil
}

func validateEntity(m EntityMetadata) error {
	if !entityTypePattern.MatchString(m.EntityType) {
		return kgerrors.New(kgerrors.InvalidArg, "schema.validateEntity",
			fmt.Sprintf("entity type %q is not canonical lower_snake_case", m.EntityType))
	}
	if m.Category != CategoryVector && len(m.PrimaryKeys()) == 0 {
		return kgerrors.New(kgerrors.Schema, "schema.validateEntity",
			fmt.Sprintf("entity %q declares no primary-key field", m.EntityType))
	}
	if m.TableName == "" {
		return kgerrors.New(kgerrors.Schema, "schema.validateEntity",
			fmt.Sprintf("entity %q missing table_name", m.EntityType))
	}
	return nil
}

// LookupEntity returns the metadata for a declared node or vector type.
func (r *Registry) LookupEntity(entityType string) (EntityMetadata, bool) {
	m, ok := r.entities[entityType]
	return m, ok
}

// ListEntities returns every declared entity in registration order is not
// guaranteed; callers that need determinism should sort by EntityType.
func (r *Registry) ListEntities() []EntityMetadata {
	out := make([]EntityMetadata, 0, len(r.entities))
	for _, m := range r.entities {
		out = append(out, m)
	}
	return out
}

// LookupEdgesByLabel returns every (from,to) declaration for an edge label.
func (r *Registry) LookupEdgesByLabel(label string) []EdgeMetadata {
	return r.edges[label]
}

// VectorRules returns the vector-edge derivation rules declared for a
// vector entity type, or nil if it has none.
func (r *Registry) VectorRules(entityType string) []VectorEdgeRule {
	m, ok := r.entities[entityType]
	if !ok {
		return nil
	}
	return m.VectorEdgeRules
}

const defaultSchemaYAML = `
nodes:
  - entity_type: project
    table_name: project
    fields:
      - {name: url, type: string, primary_key: true}
      - {name: name, type: string}
      - {name: stars, type: int}
      - {name: forks, type: int}
  - entity_type: version
    table_name: version
    fields:
      - {name: sha1, type: string, primary_key: true}
      - {name: label, type: string}
  - entity_type: commit
    table_name: commit
    fields:
      - {name: sha1, type: string, primary_key: true}
      - {name: message, type: string}
  - entity_type: function
    table_name: function
    fields:
      - {name: sha1, type: string, primary_key: true}
      - {name: path, type: string, primary_key: true}
      - {name: name, type: string, primary_key: true}
edges:
  - {edge_type: has_version, from_entity: project, to_entity: version}
  - {edge_type: is_commit, from_entity: version, to_entity: commit}
  - {edge_type: calls, from_entity: function, to_entity: function}
`
