package fetcher

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/kgraph/pkg/embedding"
	"github.com/orneryd/kgraph/pkg/kgerrors"
)

type stubFetcher struct {
	name string
	cap  Capability
}

func (s stubFetcher) Name() string           { return s.name }
func (s stubFetcher) Capability() Capability { return s.cap }

func (s stubFetcher) Probe(_ context.Context, _ json.RawMessage) (ProbeReport, error) {
	fresh := true
	return ProbeReport{Fresh: &fresh}, nil
}

func (s stubFetcher) Fetch(_ context.Context, _ json.RawMessage, _ embedding.Provider) (FetchResponse, error) {
	return FetchResponse{Kind: ResponseGraphData, GraphData: &GraphData{}}, nil
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	reg := NewRegistry()
	f := stubFetcher{name: "widgets", cap: Capability{Name: "widgets", Description: "fetches widgets"}}
	reg.Register(f)

	got, err := reg.Lookup("widgets")
	require.NoError(t, err)
	assert.Equal(t, "widgets", got.Name())
}

func TestRegistry_LookupUnknown(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Lookup("missing")
	require.Error(t, err)
	assert.Equal(t, kgerrors.NotFound, kgerrors.KindOf(err))
}

func TestRegistry_RegisterReplacesSameName(t *testing.T) {
	reg := NewRegistry()
	reg.Register(stubFetcher{name: "widgets", cap: Capability{Name: "widgets", Description: "v1"}})
	reg.Register(stubFetcher{name: "widgets", cap: Capability{Name: "widgets", Description: "v2"}})

	got, err := reg.Lookup("widgets")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Capability().Description)
}

func TestRegistry_ListCapabilities(t *testing.T) {
	reg := NewRegistry()
	reg.Register(stubFetcher{name: "a", cap: Capability{Name: "a"}})
	reg.Register(stubFetcher{name: "b", cap: Capability{Name: "b"}})

	caps := reg.ListCapabilities()
	assert.Len(t, caps, 2)
}

func TestStubFetcher_ProbeAndFetch(t *testing.T) {
	f := stubFetcher{name: "widgets", cap: Capability{Name: "widgets"}}

	report, err := f.Probe(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, report.Fresh)
	assert.True(t, *report.Fresh)

	resp, err := f.Fetch(context.Background(), nil, embedding.NullProvider{})
	require.NoError(t, err)
	assert.Equal(t, ResponseGraphData, resp.Kind)
	require.NotNil(t, resp.GraphData)
}
