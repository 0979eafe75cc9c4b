package reaper

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExitEventRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := ExitEvent{PID: 4242, Status: 9, OOM: true}
	require.NoError(t, WriteExitEvent(&buf, want))

	got, err := ReadExitEvent(&buf)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestExitEventReadEOF(t *testing.T) {
	_, err := ReadExitEvent(bytes.NewReader(nil))
	assert.ErrorIs(t, err, io.EOF)
}

func TestAckRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteAck(&buf, 123))

	pid, err := ReadAck(&buf)
	require.NoError(t, err)
	assert.Equal(t, int32(123), pid)
}

func TestMultipleExitEventsInSequence(t *testing.T) {
	var buf bytes.Buffer
	events := []ExitEvent{{PID: 1, Status: 0}, {PID: 2, Status: 9, OOM: true}, {PID: 3, Status: 1}}
	for _, ev := range events {
		require.NoError(t, WriteExitEvent(&buf, ev))
	}
	for _, want := range events {
		got, err := ReadExitEvent(&buf)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}
