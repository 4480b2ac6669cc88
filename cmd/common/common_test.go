package common

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestStringToLevel(t *testing.T) {
	t.Parallel()
	assert.Equal(t, zerolog.DebugLevel, StringToLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, StringToLevel("warn"))
	assert.Equal(t, zerolog.InfoLevel, StringToLevel("not-a-level"))
}

func TestVersion(t *testing.T) {
	t.Parallel()
	assert.Contains(t, Version(), version)
}

func TestUnescapeHome(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "/absolute", UnescapeHome("/absolute"))
	assert.NotContains(t, UnescapeHome("~/cache"), "~")
}
