package embed

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationsAreOrdered(t *testing.T) {
	migrations, err := Migrations()
	require.NoError(t, err)
	require.Len(t, migrations, 2)

	assert.Equal(t, "001_keys.sql", migrations[0].Name)
	assert.Equal(t, "002_gift_codes.sql", migrations[1].Name)
	assert.True(t, strings.Contains(migrations[0].SQL, "api_keys_active_slot"))
}
