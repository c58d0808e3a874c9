package embedding

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNullProvider_Embed(t *testing.T) {
	var p Provider = NullProvider{}

	out, err := p.Embed(context.Background(), []string{"alpha", "beta", "gamma"})
	require.NoError(t, err)
	require.Len(t, out, 3)
	for _, vec := range out {
		assert.Empty(t, vec)
	}
}

func TestNullProvider_EmbedEmptyInput(t *testing.T) {
	out, err := (NullProvider{}).Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}
