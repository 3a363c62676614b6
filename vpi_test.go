package atmnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVpiPoolAdmission(t *testing.T) {
	vp := createVpiPool(10.0, 0.5)
	require.Equal(t, 20, vp.maxSlots())

	vpi, err := vp.tryReserve(32, 4.0)
	require.NoError(t, err)
	assert.Equal(t, 1, vpi)

	vpi, err = vp.tryReserve(33, 6.0)
	require.NoError(t, err)
	assert.Equal(t, 2, vpi)
	assert.InDelta(t, 0.0, vp.uncommitted(), 1e-9)

	_, err = vp.tryReserve(34, 0.5)
	assert.ErrorIs(t, err, ErrBandwidth)
	assert.Equal(t, 2, vp.busy())

	assert.Equal(t, 32, vp.owner(1))
	assert.Equal(t, 33, vp.owner(2))
	assert.Equal(t, -1, vp.owner(3))
}

func TestVpiPoolReuse(t *testing.T) {
	vp := createVpiPool(10.0, 1.0)
	for vci := 32; vci < 35; vci++ {
		_, err := vp.tryReserve(vci, 1.0)
		require.NoError(t, err)
	}

	vp.release(2)
	assert.Equal(t, 2, vp.busy())
	assert.InDelta(t, 2.0, vp.committed, 1e-9)
	assert.Equal(t, -1, vp.owner(2))

	// the idle slot is taken before the pool grows
	vpi, err := vp.tryReserve(40, 1.0)
	require.NoError(t, err)
	assert.Equal(t, 2, vpi)
	assert.Equal(t, 40, vp.owner(2))
	assert.Len(t, vp.slots, 3)
}

func TestVpiPoolExhausted(t *testing.T) {
	vp := createVpiPool(10.0, 5.0)
	require.Equal(t, 2, vp.maxSlots())

	_, err := vp.tryReserve(32, 1.0)
	require.NoError(t, err)
	_, err = vp.tryReserve(33, 1.0)
	require.NoError(t, err)

	// bandwidth remains, slots do not
	_, err = vp.tryReserve(34, 1.0)
	assert.ErrorIs(t, err, ErrVPIExhausted)
	assert.InDelta(t, 8.0, vp.uncommitted(), 1e-9)
}

func TestVpiPoolRestored(t *testing.T) {
	vp := createVpiPool(155.52, 0.064)
	vpis := []int{}
	for vci := 32; vci < 132; vci++ {
		vpi, err := vp.tryReserve(vci, 1.5)
		require.NoError(t, err)
		vpis = append(vpis, vpi)
	}
	_, err := vp.tryReserve(200, 10.0)
	assert.ErrorIs(t, err, ErrBandwidth)

	for _, vpi := range vpis {
		vp.release(vpi)
	}
	assert.Zero(t, vp.busy())
	assert.Zero(t, vp.committed)
	assert.InDelta(t, 155.52, vp.uncommitted(), 1e-9)
}

func TestVpiPoolSlotCap(t *testing.T) {
	assert.Equal(t, MaxVPI, createVpiPool(155.52, 0.0).maxSlots())
	assert.Equal(t, MaxVPI, createVpiPool(155.52, 0.064).maxSlots())
	assert.Equal(t, 3, createVpiPool(3.0, 1.0).maxSlots())
}

func TestVpiPoolReleaseIdlePanics(t *testing.T) {
	vp := createVpiPool(10.0, 1.0)
	assert.Panics(t, func() { vp.release(1) })

	vpi, err := vp.tryReserve(32, 1.0)
	require.NoError(t, err)
	vp.release(vpi)
	assert.Panics(t, func() { vp.release(vpi) })
}
