package chain

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"

	"go.etcd.io/bbolt"

	"github.com/NICTA/stateline/errs"
)

// store is the durable key-value backing for a ChainArray, per spec.md §6:
// ordered-key iteration within a chain-id prefix, durable put, no
// cross-chain atomicity required. Backed by go.etcd.io/bbolt, whose
// top-level buckets give us the chain-id prefixing and whose per-bucket
// keys are already iterated in byte order, satisfying "ordered-key
// iteration" for free.
type store struct {
	db *bbolt.DB
}

var rootBucket = []byte("chains")

func openStore(path string, cacheSizeMB int) (*store, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, &errs.PersistenceError{Op: "open", Err: err}
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rootBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, &errs.PersistenceError{Op: "init", Err: err}
	}
	return &store{db: db}, nil
}

func (s *store) Close() error {
	return s.db.Close()
}

func chainBucketName(i int) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(i))
	return b[:]
}

func seqKey(seq int) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(seq))
	return b[:]
}

// put durably writes the state at (chain, seq).
func (s *store) put(chain, seq int, st State) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(st); err != nil {
		return &errs.PersistenceError{Op: "encode", Err: err}
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(rootBucket)
		cb, err := root.CreateBucketIfNotExists(chainBucketName(chain))
		if err != nil {
			return err
		}
		return cb.Put(seqKey(seq), buf.Bytes())
	})
	if err != nil {
		return &errs.PersistenceError{Op: "put", Err: err}
	}
	return nil
}

// putBatch durably writes a contiguous run of states starting at firstSeq,
// in one transaction.
func (s *store) putBatch(chain, firstSeq int, states []State) error {
	if len(states) == 0 {
		return nil
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(rootBucket)
		cb, err := root.CreateBucketIfNotExists(chainBucketName(chain))
		if err != nil {
			return err
		}
		for i, st := range states {
			var buf bytes.Buffer
			if err := gob.NewEncoder(&buf).Encode(st); err != nil {
				return err
			}
			if err := cb.Put(seqKey(firstSeq+i), buf.Bytes()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return &errs.PersistenceError{Op: "put_batch", Err: err}
	}
	return nil
}

// rangeScan returns states [from, to) for the given chain, in sequence order.
func (s *store) rangeScan(chain, from, to int) ([]State, error) {
	if to <= from {
		return nil, nil
	}
	var out []State
	err := s.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket(rootBucket)
		cb := root.Bucket(chainBucketName(chain))
		if cb == nil {
			return nil
		}
		c := cb.Cursor()
		for k, v := c.Seek(seqKey(from)); k != nil; k, v = c.Next() {
			seq := int(binary.BigEndian.Uint64(k))
			if seq >= to {
				break
			}
			var st State
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&st); err != nil {
				return err
			}
			out = append(out, st)
		}
		return nil
	})
	if err != nil {
		return nil, &errs.PersistenceError{Op: "range_scan", Err: err}
	}
	return out, nil
}

// maxSeq returns the highest stored sequence number for chain, or -1 if the
// chain has no persisted states. Used during recovery.
func (s *store) maxSeq(chain int) (int, error) {
	max := -1
	err := s.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket(rootBucket)
		cb := root.Bucket(chainBucketName(chain))
		if cb == nil {
			return nil
		}
		k, _ := cb.Cursor().Last()
		if k != nil {
			max = int(binary.BigEndian.Uint64(k))
		}
		return nil
	})
	if err != nil {
		return 0, &errs.PersistenceError{Op: "max_seq", Err: err}
	}
	return max, nil
}

func init() {
	gob.Register(State{})
}
