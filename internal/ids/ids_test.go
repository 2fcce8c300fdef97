package ids

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsSortable(t *testing.T) {
	a := New()
	b := New()
	assert.Len(t, a, 26)
	assert.Less(t, a, b)

	ts, err := Time(a)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), ts, 5*time.Second)
}

func TestSecret(t *testing.T) {
	s, err := Secret(32)
	require.NoError(t, err)
	assert.Len(t, s, 43)

	other, err := Secret(32)
	require.NoError(t, err)
	assert.NotEqual(t, s, other)

	_, err = Secret(0)
	assert.Error(t, err)
}
