package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceKeyVerifier(t *testing.T) {
	hash, err := HashServiceKey("game-server-key")
	require.NoError(t, err)

	v := NewServiceKeyVerifier(hash)
	assert.True(t, v.Enabled())

	assert.NoError(t, v.Verify("game-server-key"))
	assert.Error(t, v.Verify("wrong-key"))
	assert.Error(t, v.Verify(""))
}

func TestServiceKeyVerifier_DisabledWithoutHash(t *testing.T) {
	v := NewServiceKeyVerifier("")

	assert.False(t, v.Enabled())
	assert.Error(t, v.Verify("anything"))
}
