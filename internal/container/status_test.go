package container

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapDockerState(t *testing.T) {
	tests := []struct {
		state string
		want  Status
	}{
		{"created", StatusCreating},
		{"running", StatusRunning},
		{"paused", StatusRunning},
		{"restarting", StatusRunning},
		{"exited", StatusStopped},
		{"removing", StatusStopped},
		{"dead", StatusFailed},
		{"", StatusFailed},
		{"bogus", StatusFailed},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, mapDockerState(tt.state), "state %q", tt.state)
	}
}

func TestParseMemory(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"512", 512},
		{"1k", 1024},
		{"2m", 2 * 1024 * 1024},
		{"2g", 2 * 1024 * 1024 * 1024},
		{"1.5g", 1610612736},
		{"2G", 2 * 1024 * 1024 * 1024},
		{" 2g ", 2 * 1024 * 1024 * 1024},
	}

	for _, tt := range tests {
		got, err := ParseMemory(tt.in)
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}
}

func TestParseMemoryInvalid(t *testing.T) {
	for _, in := range []string{"", "abc", "12x3g"} {
		_, err := ParseMemory(in)
		assert.Error(t, err, "input %q", in)
	}
}
