package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLeasePolicy(t *testing.T) {
	t.Parallel()

	policy, err := NewLeasePolicy(60 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, policy.Default())

	for _, invalid := range []time.Duration{0, -time.Second} {
		policy, err = NewLeasePolicy(invalid)
		require.ErrorIs(t, err, ErrInvalidDefaultLease)
		assert.Nil(t, policy)
	}
}

func TestLeasePolicyResolve(t *testing.T) {
	t.Parallel()

	policy, err := NewLeasePolicy(60 * time.Second)
	require.NoError(t, err)

	tests := []struct {
		name        string
		request     time.Duration
		wantSeconds int
		wantSource  LeaseSource
	}{
		{"explicit duration", 45 * time.Second, 45, LeaseSourceExplicit},
		{"zero uses default", 0, 60, LeaseSourceDefault},
		{"sub-second clamps to one second", 500 * time.Millisecond, 1, LeaseSourceClamped},
		{"negative clamps to one second", -5 * time.Second, 1, LeaseSourceClamped},
		{"fractional truncates to whole seconds", 90*time.Second + 300*time.Millisecond, 90, LeaseSourceExplicit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			decision := policy.Resolve(tt.request)
			assert.Equal(t, tt.wantSeconds, decision.Seconds)
			assert.Equal(t, tt.wantSource, decision.Source)
			assert.Equal(t, tt.request, decision.Requested)
			assert.Equal(t, tt.wantSource == LeaseSourceDefault, decision.UsedDefault())
			assert.Equal(t, tt.wantSource == LeaseSourceClamped, decision.Clamped())
		})
	}
}

func TestLeasePolicyResolveNilPolicy(t *testing.T) {
	t.Parallel()

	var policy *LeasePolicy
	assert.Equal(t, time.Duration(0), policy.Default())

	decision := policy.Resolve(30 * time.Second)
	assert.Equal(t, 0, decision.Seconds)
	assert.Equal(t, LeaseSourceDefault, decision.Source)
}

func TestHeartbeatInterval(t *testing.T) {
	t.Parallel()

	policy, err := NewLeasePolicy(60 * time.Second)
	require.NoError(t, err)

	// Cadence is a third of the lease.
	assert.Equal(t, 20*time.Second, policy.Resolve(0).HeartbeatInterval())
	assert.Equal(t, 10*time.Second, policy.Resolve(30*time.Second).HeartbeatInterval())

	// Short leases never heartbeat faster than once a second.
	assert.Equal(t, time.Second, policy.Resolve(2*time.Second).HeartbeatInterval())
	assert.Equal(t, time.Second, policy.Resolve(time.Second).HeartbeatInterval())
}
