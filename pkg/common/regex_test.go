package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegexp_Set(t *testing.T) {
	var instance Regexp

	require.NoError(t, instance.Set(`^spotify\.exe$`))
	assert.True(t, instance.HasContent())
	assert.True(t, instance.MatchString("spotify.exe"))
	assert.False(t, instance.MatchString("chrome.exe"))

	require.NoError(t, instance.Set(""))
	assert.True(t, instance.IsZero())
}

func TestRegexp_Set_Illegal(t *testing.T) {
	var instance Regexp

	assert.Error(t, instance.Set(`[`))
}

func TestRegexp_ZeroMatchesOnlyEmpty(t *testing.T) {
	var instance Regexp

	assert.True(t, instance.MatchString(""))
	assert.False(t, instance.MatchString("anything"))
}

func TestRegexp_TextMarshalling(t *testing.T) {
	instance := MustNewRegexp(`^.*\.exe$`)

	text, err := instance.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, `^.*\.exe$`, string(text))

	var restored Regexp
	require.NoError(t, restored.UnmarshalText(text))
	assert.Equal(t, instance.String(), restored.String())
}
