package supervisor

import (
	"bytes"
	"io"
	"sync"
	"testing"

	"github.com/cuemby/portod/pkg/reaper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackPIDAndNameForPID(t *testing.T) {
	s := New(nil, nil, nil)
	s.Track("box", 42)

	pid, ok := s.PID("box")
	require.True(t, ok)
	assert.Equal(t, int32(42), pid)

	name, ok := s.NameForPID(42)
	require.True(t, ok)
	assert.Equal(t, "box", name)
}

func TestUntrackRemovesBothDirections(t *testing.T) {
	s := New(nil, nil, nil)
	s.Track("box", 42)
	s.Untrack("box")

	_, ok := s.PID("box")
	assert.False(t, ok)
	_, ok = s.NameForPID(42)
	assert.False(t, ok)
}

func TestRunDeliversTrackedExitAndAcks(t *testing.T) {
	eventR, eventW := io.Pipe()
	var ackBuf bytes.Buffer
	var ackMu sync.Mutex

	var delivered reaper.ExitEvent
	var deliveredName string
	done := make(chan struct{})

	s := New(eventR, &lockedWriter{w: &ackBuf, mu: &ackMu}, func(name string, ev reaper.ExitEvent) {
		deliveredName = name
		delivered = ev
		close(done)
	})
	s.Track("box", 7)

	go s.Run()

	require.NoError(t, reaper.WriteExitEvent(eventW, reaper.ExitEvent{PID: 7, Status: 9, OOM: true}))
	<-done

	assert.Equal(t, "box", deliveredName)
	assert.Equal(t, int32(7), delivered.PID)
	assert.Equal(t, int32(9), delivered.Status)

	eventW.Close()
}

type lockedWriter struct {
	w  io.Writer
	mu *sync.Mutex
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
