package enginepool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoTierConfig() Config {
	return Config{
		Variants: []VariantConfig{
			{
				Name: "large-v3",
				Credentials: []CredentialConfig{
					{Name: "cred-a", Key: "ka"},
					{Name: "cred-b", Key: "kb"},
				},
			},
			{
				Name: "base",
				Credentials: []CredentialConfig{
					{Name: "cred-c", Key: "kc"},
				},
			},
		},
	}
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no variants", Config{}},
		{"unnamed variant", Config{Variants: []VariantConfig{{Credentials: []CredentialConfig{{Name: "c"}}}}}},
		{"variant without credentials", Config{Variants: []VariantConfig{{Name: "v"}}}},
		{"unnamed credential", Config{Variants: []VariantConfig{{Name: "v", Credentials: []CredentialConfig{{Key: "k"}}}}}},
		{"duplicate variant", Config{Variants: []VariantConfig{
			{Name: "v", Credentials: []CredentialConfig{{Name: "c"}}},
			{Name: "v", Credentials: []CredentialConfig{{Name: "c2"}}},
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestLeaseRoundRobin(t *testing.T) {
	pool, err := New(twoTierConfig())
	require.NoError(t, err)

	var got []string
	for i := 0; i < 4; i++ {
		lease, err := pool.Lease()
		require.NoError(t, err)
		assert.Equal(t, "large-v3", lease.Variant)
		got = append(got, lease.Credential)
	}
	assert.Equal(t, []string{"cred-a", "cred-b", "cred-a", "cred-b"}, got)
}

func TestLeaseFallsBackAcrossVariants(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	now := base
	pool, err := New(twoTierConfig())
	require.NoError(t, err)
	pool.WithNow(func() time.Time { return now })

	// Both preferred-variant credentials hit their quota.
	require.NoError(t, pool.MarkCooling("large-v3", "cred-a", base.Add(time.Hour)))
	require.NoError(t, pool.MarkCooling("large-v3", "cred-b", base.Add(time.Hour)))

	lease, err := pool.Lease()
	require.NoError(t, err)
	assert.Equal(t, "base", lease.Variant)
	assert.Equal(t, "cred-c", lease.Credential)

	// The last credential cools too: nothing is usable.
	require.NoError(t, pool.MarkCooling("base", "cred-c", base.Add(time.Hour)))
	_, err = pool.Lease()
	assert.ErrorIs(t, err, ErrExhausted)

	// Cooldowns lapse with time, no reset call needed.
	now = base.Add(61 * time.Minute)
	lease, err = pool.Lease()
	require.NoError(t, err)
	assert.Equal(t, "large-v3", lease.Variant)
}

func TestLeaseSkipsCoolingWithinVariant(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	pool, err := New(twoTierConfig())
	require.NoError(t, err)
	pool.WithNow(func() time.Time { return base })

	require.NoError(t, pool.MarkCooling("large-v3", "cred-a", base.Add(time.Hour)))

	for i := 0; i < 3; i++ {
		lease, err := pool.Lease()
		require.NoError(t, err)
		assert.Equal(t, "large-v3", lease.Variant)
		assert.Equal(t, "cred-b", lease.Credential)
	}
}

func TestMarkCoolingUnknown(t *testing.T) {
	pool, err := New(twoTierConfig())
	require.NoError(t, err)

	err = pool.MarkCooling("large-v3", "nope", time.Now())
	assert.ErrorIs(t, err, ErrUnknownCredential)

	err = pool.MarkCooling("nope", "cred-a", time.Now())
	assert.ErrorIs(t, err, ErrUnknownCredential)
}

func TestSnapshot(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	pool, err := New(twoTierConfig())
	require.NoError(t, err)
	pool.WithNow(func() time.Time { return base })

	until := base.Add(30 * time.Minute)
	require.NoError(t, pool.MarkCooling("large-v3", "cred-b", until))

	snap := pool.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "cred-a", snap[0].Credential)
	assert.False(t, snap[0].Cooling)
	assert.Equal(t, "cred-b", snap[1].Credential)
	assert.True(t, snap[1].Cooling)
	assert.Equal(t, until, snap[1].CoolingUntil)
	assert.Equal(t, "base", snap[2].Variant)
}
