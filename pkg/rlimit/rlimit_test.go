package rlimit

import (
	"testing"

	portoerrors "github.com/cuemby/portod/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromMapUnpacksSoftHard(t *testing.T) {
	limits, err := FromMap(map[string]uint64{"nofile": (uint64(2048) << 32) | 1024})
	require.NoError(t, err)
	require.Len(t, limits, 1)
	assert.Equal(t, uint64(1024), limits[0].Soft)
	assert.Equal(t, uint64(2048), limits[0].Hard)
}

func TestFromMapDefaultsHardToSoft(t *testing.T) {
	limits, err := FromMap(map[string]uint64{"nproc": 64})
	require.NoError(t, err)
	require.Len(t, limits, 1)
	assert.Equal(t, uint64(64), limits[0].Soft)
	assert.Equal(t, uint64(64), limits[0].Hard)
}

func TestFromMapRejectsUnknownResource(t *testing.T) {
	_, err := FromMap(map[string]uint64{"bogus": 1})
	require.Error(t, err)
	assert.Equal(t, portoerrors.InvalidValue, portoerrors.KindOf(err))
}

func TestToSpecProducesOCIRlimits(t *testing.T) {
	specLimits := ToSpec([]Limit{{Name: "nofile", Soft: 1024, Hard: 2048}})
	require.Len(t, specLimits, 1)
	assert.Equal(t, "RLIMIT_NOFILE", specLimits[0].Type)
	assert.Equal(t, uint64(1024), specLimits[0].Soft)
}
