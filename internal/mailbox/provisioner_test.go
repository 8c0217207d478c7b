package mailbox

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvisioner(t *testing.T) {
	_, err := NewProvisioner([]string{" ", ""})
	require.ErrorIs(t, err, ErrNoDomains)

	p, err := NewProvisioner([]string{"@A.example.com", "b.example.com"})
	require.NoError(t, err)

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		addr, err := p.NewAddress(context.Background())
		require.NoError(t, err)
		local, domain, ok := strings.Cut(addr, "@")
		require.True(t, ok)
		assert.Len(t, local, localPartLength)
		assert.Contains(t, []string{"a.example.com", "b.example.com"}, domain)
		assert.False(t, seen[addr], "addresses must not repeat")
		seen[addr] = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.NewAddress(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
