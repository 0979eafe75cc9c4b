package composer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	portoerrors "github.com/cuemby/portod/pkg/errors"
)

func TestStartRejectsUnknownUlimitBeforeForking(t *testing.T) {
	c := New("/bin/true", nil)
	_, err := c.Start(&Plan{
		Name:    "badlimits",
		Command: []string{"/bin/true"},
		Ulimits: map[string]uint64{"not-a-real-limit": 1},
	})
	assert.Error(t, err)
	assert.Equal(t, portoerrors.InvalidValue, portoerrors.KindOf(err))
}
