package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClaimClassBCDevicesQuery(t *testing.T) {
	assert := require.New(t)

	// The scheduler claim must skip devices with nothing to send: an
	// idle Class-B/C device would otherwise be re-leased every pass.
	assert.Contains(claimClassBCDevicesQuery, "EXISTS (")
	assert.Contains(claimClassBCDevicesQuery, "dq.dev_eui = devices.dev_eui")
	assert.Contains(claimClassBCDevicesQuery, "dq.is_pending = false")

	// The lease window uses SKIP LOCKED so concurrent instances never
	// block on each other's batch.
	assert.Contains(claimClassBCDevicesQuery, "FOR UPDATE SKIP LOCKED")
	assert.Contains(claimClassBCDevicesQuery, "enabled_class IN ('B', 'C')")
}
