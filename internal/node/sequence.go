// internal/node/sequence.go
package node

import (
	"encoding/binary"
	"os"
	"sync"
)

// SequenceRestartMargin is added to the last-persisted sequence value on
// load so that a crash between "advance counter" and "gossip it" can never
// cause a later restart to reuse a sequence number a peer has already
// accepted.
var SequenceRestartMargin uint64 = 1000

// SequenceCounter is the originator's monotonic counter, persisted to a
// single 8-byte little-endian file and fsynced on every advance.
type SequenceCounter struct {
	mu    sync.Mutex
	path  string
	value uint64
}

func loadSequenceCounter(path string) (*SequenceCounter, error) {
	var value uint64
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(data) == 8 {
			value = binary.LittleEndian.Uint64(data)
		}
	case os.IsNotExist(err):
		value = 0
	default:
		return nil, err
	}
	sc := &SequenceCounter{path: path, value: value + SequenceRestartMargin}
	if err := sc.persistLocked(); err != nil {
		return nil, err
	}
	return sc, nil
}

// Next advances and returns the next sequence number, persisting the new
// value before returning it so a concurrent crash never loses ground.
func (sc *SequenceCounter) Next() (uint64, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.value++
	if err := sc.persistLocked(); err != nil {
		sc.value--
		return 0, err
	}
	return sc.value, nil
}

func (sc *SequenceCounter) persistLocked() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], sc.value)
	tmp := sc.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf[:]); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, sc.path)
}
