package match

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidation(t *testing.T) {
	t.Run("no includes", func(t *testing.T) {
		_, err := New(Config{})
		assert.ErrorIs(t, err, ErrNoIncludes)
	})

	t.Run("invalid include pattern", func(t *testing.T) {
		_, err := New(Config{Includes: []string{"sessions/[bad"}})
		var perr *PatternError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, "sessions/[bad", perr.Pattern)
		assert.ErrorIs(t, err, ErrInvalidPattern)
	})

	t.Run("invalid exclude pattern", func(t *testing.T) {
		_, err := New(Config{Includes: []string{"**/*.wav"}, Excludes: []string{"[bad"}})
		assert.ErrorIs(t, err, ErrInvalidPattern)
	})
}

func TestMatch(t *testing.T) {
	m, err := New(Config{
		Includes: []string{"sessions/**/*.wav", "**/*.flac"},
		Excludes: []string{"**/scratch/**"},
	})
	require.NoError(t, err)

	tests := []struct {
		rel  string
		want bool
	}{
		{"sessions/2026/interview.wav", true},
		{"sessions/deep/nested/take.wav", true},
		{"archive/old.flac", true},
		{"sessions/2026/notes.txt", false},
		{"other/interview.wav", false},
		{"sessions/scratch/test.wav", false},
		{"sessions/.backups/take.wav", false},
	}

	for _, tt := range tests {
		t.Run(tt.rel, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Match(tt.rel))
		})
	}
}

func TestMatchIncludeHidden(t *testing.T) {
	m, err := New(Config{Includes: []string{"**/*.wav"}, IncludeHidden: true})
	require.NoError(t, err)

	assert.True(t, m.Match(".archive/take.wav"))
}

func TestFindFiles(t *testing.T) {
	fsys := fstest.MapFS{
		"sessions/2026/interview.wav":   {},
		"sessions/2026/interview.txt":   {},
		"sessions/scratch/loopback.wav": {},
		"sessions/b-roll/ambient.wav":   {},
		".trash/old.wav":                {},
		"readme.md":                     {},
	}

	m, err := New(Config{
		Includes: []string{"sessions/**/*.wav"},
		Excludes: []string{"**/scratch/**"},
	})
	require.NoError(t, err)

	files, err := m.FindFiles(fsys)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"sessions/2026/interview.wav",
		"sessions/b-roll/ambient.wav",
	}, files)
}

func TestNormalizePattern(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"unchanged", "sessions/2026/**", "sessions/2026/**"},
		{"backslashes converted", `sessions\2026\**`, "sessions/2026/**"},
		{"escape preserved", `sessions/file\*.wav`, `sessions/file\*.wav`},
		{"trailing backslash", `sessions\`, "sessions/"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizePattern(tt.in))
		})
	}
}

func TestIsHidden(t *testing.T) {
	assert.False(t, IsHidden("sessions/take.wav"))
	assert.True(t, IsHidden(".sessions/take.wav"))
	assert.True(t, IsHidden("sessions/.archive/take.wav"))
	assert.True(t, IsHidden("sessions/.take.wav"))
	assert.False(t, IsHidden(""))
}
