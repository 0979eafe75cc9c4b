// Package kvstore implements the tmpfs-backed key/value persistence layer
// described in spec §4.5/§6.3: one flat file per container name under a
// tmpfs root, written as a sequence of length-delimited records. Load merges
// every record in the file in order, last write wins per key, so Append
// never needs to read-modify-write the whole record.
package kvstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cuemby/portod/pkg/errors"
	"github.com/cuemby/portod/pkg/log"
	"github.com/cuemby/portod/pkg/metrics"
)

// compactionThreshold is the on-disk size above which Append triggers a
// compacting Save instead of appending another record, bounding the cost of
// the recovery-time merge (grounded on the original's kvalue size-triggered
// compaction).
const compactionThreshold = 64 * 1024

// Node is one container's persisted key/value set.
type Node map[string]string

// Store is the append-merge KvStore rooted at a tmpfs mount point.
type Store struct {
	root string

	mu   sync.Mutex
	size map[string]int64 // cached on-disk size per container name, for the compaction check
}

// Open returns a Store rooted at root. It does not mount tmpfs itself —
// that is main's job at startup (§6.2) — it only requires root to exist.
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, errors.Wrap(errors.Unknown, err, "create kvstore root %s", root)
	}
	return &Store{root: root, size: make(map[string]int64)}, nil
}

// path maps a container name to its on-disk file, replacing '/' with '.' so
// nested container names ("a/b") don't require subdirectories.
func (s *Store) path(name string) string {
	return filepath.Join(s.root, strings.ReplaceAll(name, "/", "."))
}

// nameFromFile reverses path for List.
func nameFromFile(file string) string {
	return strings.ReplaceAll(file, ".", "/")
}

// Append adds a single record to name's file without reading the existing
// content. If the file has grown past compactionThreshold, it compacts first
// (equivalent to a Save of the merged node followed by the new record).
func (s *Store) Append(name string, node Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.size[name] > compactionThreshold {
		merged, err := s.loadLocked(name)
		if err != nil {
			return err
		}
		for k, v := range node {
			merged[k] = v
		}
		if err := s.saveLocked(name, merged); err != nil {
			return err
		}
		metrics.KvStoreCompactionsTotal.Inc()
		return nil
	}

	f, err := os.OpenFile(s.path(name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return errors.Wrap(errors.Unknown, err, "open kv file for %s", name)
	}
	defer f.Close()

	n, err := writeRecord(f, node)
	if err != nil {
		return errors.Wrap(errors.Unknown, err, "append kv record for %s", name)
	}
	s.size[name] += int64(n)
	metrics.KvStoreAppendsTotal.Inc()
	return nil
}

// Save writes node as the sole record in name's file, truncating any
// previous history. Used both for an explicit full rewrite and by Append's
// compaction path.
func (s *Store) Save(name string, node Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(name, node)
}

func (s *Store) saveLocked(name string, node Node) error {
	f, err := os.OpenFile(s.path(name), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrap(errors.Unknown, err, "save kv file for %s", name)
	}
	defer f.Close()

	n, err := writeRecord(f, node)
	if err != nil {
		return errors.Wrap(errors.Unknown, err, "write kv record for %s", name)
	}
	s.size[name] = int64(n)
	return nil
}

// Load reads name's file and merges every record in order, last write wins
// per key. A missing file is not an error; it returns an empty Node.
func (s *Store) Load(name string) (Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(name)
}

func (s *Store) loadLocked(name string) (Node, error) {
	f, err := os.Open(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return Node{}, nil
		}
		return nil, errors.Wrap(errors.Unknown, err, "open kv file for %s", name)
	}
	defer f.Close()

	merged := Node{}
	var size int64
	for {
		rec, n, err := readRecord(f)
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Logger.Warn().Err(err).Str("container", name).Msg("kvstore: truncated record, stopping merge")
			break
		}
		size += int64(n)
		for k, v := range rec {
			merged[k] = v
		}
	}
	s.size[name] = size
	return merged, nil
}

// Remove deletes name's file. A missing file is not an error.
func (s *Store) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.size, name)
	if err := os.Remove(s.path(name)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(errors.Unknown, err, "remove kv file for %s", name)
	}
	return nil
}

// List returns the container names with a persisted kv file, for use by
// recovery (§4.6) to find what to reconstruct.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, errors.Wrap(errors.Unknown, err, "list kvstore root %s", s.root)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, nameFromFile(e.Name()))
	}
	return names, nil
}

// writeRecord writes a 4-byte big-endian length prefix followed by node's
// JSON encoding, and returns the total bytes written.
func writeRecord(w io.Writer, node Node) (int, error) {
	data, err := json.Marshal(node)
	if err != nil {
		return 0, fmt.Errorf("marshal kv record: %w", err)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return 0, err
	}
	if _, err := w.Write(data); err != nil {
		return 0, err
	}
	return len(hdr) + len(data), nil
}

// readRecord reads one length-prefixed record, returning io.EOF only when
// nothing at all could be read (a clean end of file between records).
func readRecord(r io.Reader) (Node, int, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, 0, fmt.Errorf("truncated record length prefix: %w", err)
		}
		return nil, 0, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, 0, fmt.Errorf("truncated record body: %w", err)
	}
	var node Node
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, 0, fmt.Errorf("unmarshal kv record: %w", err)
	}
	return node, len(hdr) + len(data), nil
}
