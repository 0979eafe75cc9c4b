package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	err := New(ContainerDoesNotExist, "no such container %q", "a/b")
	assert.Equal(t, ContainerDoesNotExist, KindOf(err))
	assert.Equal(t, Unknown, KindOf(fmt.Errorf("plain")))
}

func TestWrapUnwrap(t *testing.T) {
	cause := fmt.Errorf("ENOENT")
	err := Wrap(InvalidPath, cause, "bad root")
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, InvalidPath, KindOf(err))
	assert.Contains(t, err.Error(), "bad root")
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "Permission", Permission.String())
	assert.Equal(t, "Unknown", Kind(999).String())
}
