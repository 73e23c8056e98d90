package platform

import (
	"testing"

	"github.com/envforge-io/envforge/internal/orch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckSecretHygiene(t *testing.T) {
	assert.NoError(t, CheckSecretHygiene("db-password", "s3cr3t"))
	assert.NoError(t, CheckSecretHygiene("db-password", "has spaces inside"))

	// A trailing newline pasted at store time is the classic failure that
	// only surfaces as an authentication error mid-rebuild.
	err := CheckSecretHygiene("db-password", "s3cr3t\n")
	require.Error(t, err)
	assert.Equal(t, orch.ClassPreconditionUnmet, orch.ClassOf(err))
	require.NotEmpty(t, orch.GuidanceOf(err))

	assert.Error(t, CheckSecretHygiene("db-password", "s3cr3t\r"))
	assert.Error(t, CheckSecretHygiene("db-password", "s3cr3t\t"))
	assert.Error(t, CheckSecretHygiene("db-password", ""))
}
