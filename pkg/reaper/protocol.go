package reaper

import (
	"encoding/binary"
	"io"

	"github.com/cuemby/portod/pkg/errors"
)

// ExitEvent is one (pid, status) tuple the Reaper forwards to the Slave over
// the event fd (spec §4.4). It is a fixed-size binary record, not JSON —
// the Reaper/Slave channel is an internal pipe, not the RPC wire.
type ExitEvent struct {
	PID    int32
	Status int32
	OOM    bool
}

const exitEventSize = 4 + 4 + 1

// WriteExitEvent writes one ExitEvent to w (the event fd).
func WriteExitEvent(w io.Writer, ev ExitEvent) error {
	var buf [exitEventSize]byte
	binary.BigEndian.PutUint32(buf[0:4], uint32(ev.PID))
	binary.BigEndian.PutUint32(buf[4:8], uint32(ev.Status))
	if ev.OOM {
		buf[8] = 1
	}
	_, err := w.Write(buf[:])
	if err != nil {
		return errors.Wrap(errors.Unknown, err, "write exit event")
	}
	return nil
}

// ReadExitEvent reads one ExitEvent from r (the event fd), or io.EOF if the
// writer closed its end.
func ReadExitEvent(r io.Reader) (ExitEvent, error) {
	var buf [exitEventSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return ExitEvent{}, err
	}
	return ExitEvent{
		PID:    int32(binary.BigEndian.Uint32(buf[0:4])),
		Status: int32(binary.BigEndian.Uint32(buf[4:8])),
		OOM:    buf[8] != 0,
	}, nil
}

// WriteAck writes pid to the ack fd, telling the Reaper this exit has been
// handled and can be dropped from its replay buffer (spec §4.4).
func WriteAck(w io.Writer, pid int32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(pid))
	_, err := w.Write(buf[:])
	if err != nil {
		return errors.Wrap(errors.Unknown, err, "write ack for pid %d", pid)
	}
	return nil
}

// ReadAck reads one acknowledged pid from r (the ack fd).
func ReadAck(r io.Reader) (int32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(buf[:])), nil
}
