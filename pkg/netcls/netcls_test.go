package netcls

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAssignIsStablePerName(t *testing.T) {
	m := New(1)
	a := m.Assign("x")
	b := m.Assign("x")
	assert.Equal(t, a, b)
}

func TestAssignGivesDistinctMinors(t *testing.T) {
	m := New(1)
	a := m.Assign("x")
	b := m.Assign("y")
	assert.NotEqual(t, a, b)
}

func TestClassIDEncodesMajorMinor(t *testing.T) {
	m := New(5)
	c := m.Assign("x")
	assert.Equal(t, ClassID(uint32(1)<<16|5), c)
}

func TestProgramAllReportsUnknownInterfaceWithoutAborting(t *testing.T) {
	m := New(1)
	err := m.ProgramAll("box", map[string]uint64{"no-such-iface-0": 1000}, map[string]uint64{"no-such-iface-1": 2000}, 3)
	assert.Error(t, err)
}
