package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/franksops/gridconveyor/grid"
)

var (
	// ErrDescriptorNotFound is returned when a descriptor is not in the store.
	ErrDescriptorNotFound = errors.New("descriptor not found")

	// ErrNoEnqueued is returned when no descriptor is waiting in the queue.
	ErrNoEnqueued = errors.New("no enqueued descriptor")

	// ErrFlowNotFound is returned when a flow record is not in the store.
	ErrFlowNotFound = errors.New("flow not found")

	// ErrSyncNotFound is returned when a sync relationship is not in the store.
	ErrSyncNotFound = errors.New("sync relationship not found")
)

var (
	descriptorsBucket = []byte("descriptors")
	pendingBucket     = []byte("pending")
	accountsBucket    = []byte("accounts")
	flowsBucket       = []byte("flows")
	syncsBucket       = []byte("syncs")
)

// DescriptorStore persists transfer descriptors and their FIFO order.
type DescriptorStore interface {
	// SaveDescriptor upserts d. ENQUEUED descriptors are indexed by Seq;
	// a zero Seq is replaced with the next sequence number.
	SaveDescriptor(d *Descriptor) error
	GetDescriptor(id string) (*Descriptor, error)
	ListDescriptors() ([]*Descriptor, error)
	// OldestEnqueued returns the ENQUEUED descriptor with the lowest Seq.
	OldestEnqueued() (*Descriptor, error)
}

// FlowStore persists flow registrations in registration order.
type FlowStore interface {
	SaveFlow(r *FlowRecord) error
	ListFlows() ([]*FlowRecord, error)
	DeleteFlow(name string) error
}

// SyncStore persists synchronization relationships.
type SyncStore interface {
	SaveSync(r SyncRelationship) error
	ListSyncs() ([]SyncRelationship, error)
	DeleteSync(name string) error
}

// Store is the durable store used by the conveyor.
type Store interface {
	DescriptorStore
	grid.AccountStore
	FlowStore
	SyncStore
	Close() error
}

// BoltStore is a Store implementation backed by bbolt.
type BoltStore struct {
	db *bbolt.DB
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore creates a new BoltStore at the given path. Opening fails
// after a second if another process holds the database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{descriptorsBucket, pendingBucket, accountsBucket, flowsBucket, syncsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

// SaveDescriptor saves a descriptor and maintains the pending index.
func (s *BoltStore) SaveDescriptor(d *Descriptor) error {
	rec := d.Clone()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(descriptorsBucket)
		p := tx.Bucket(pendingBucket)

		if prev := b.Get([]byte(rec.ID)); prev != nil {
			var old Descriptor
			if err := json.Unmarshal(prev, &old); err != nil {
				return fmt.Errorf("failed to unmarshal descriptor: %w", err)
			}
			if old.State == StateEnqueued && (old.Seq != rec.Seq || rec.State != StateEnqueued) {
				if err := p.Delete(seqKey(old.Seq)); err != nil {
					return fmt.Errorf("failed to drop pending entry: %w", err)
				}
			}
		}

		if rec.State == StateEnqueued {
			if rec.Seq == 0 {
				seq, err := p.NextSequence()
				if err != nil {
					return fmt.Errorf("failed to allocate sequence: %w", err)
				}
				rec.Seq = seq
			}
			if err := p.Put(seqKey(rec.Seq), []byte(rec.ID)); err != nil {
				return fmt.Errorf("failed to index descriptor: %w", err)
			}
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal descriptor: %w", err)
		}
		if err := b.Put([]byte(rec.ID), data); err != nil {
			return fmt.Errorf("failed to put descriptor: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	d.Seq = rec.Seq
	return nil
}

// GetDescriptor retrieves a descriptor from the store.
func (s *BoltStore) GetDescriptor(id string) (*Descriptor, error) {
	var d Descriptor
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(descriptorsBucket).Get([]byte(id))
		if data == nil {
			return ErrDescriptorNotFound
		}
		if err := json.Unmarshal(data, &d); err != nil {
			return fmt.Errorf("failed to unmarshal descriptor: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDescriptors returns every descriptor ordered by creation time.
func (s *BoltStore) ListDescriptors() ([]*Descriptor, error) {
	var out []*Descriptor
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(descriptorsBucket).ForEach(func(_, v []byte) error {
			var d Descriptor
			if err := json.Unmarshal(v, &d); err != nil {
				return fmt.Errorf("failed to unmarshal descriptor: %w", err)
			}
			out = append(out, &d)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// OldestEnqueued walks the pending index in sequence order.
func (s *BoltStore) OldestEnqueued() (*Descriptor, error) {
	var found *Descriptor
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(descriptorsBucket)
		c := tx.Bucket(pendingBucket).Cursor()
		for k, id := c.First(); k != nil; k, id = c.Next() {
			data := b.Get(id)
			if data == nil {
				continue
			}
			var d Descriptor
			if err := json.Unmarshal(data, &d); err != nil {
				return fmt.Errorf("failed to unmarshal descriptor: %w", err)
			}
			if d.State != StateEnqueued {
				continue
			}
			found = &d
			return nil
		}
		return ErrNoEnqueued
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// SaveAccount saves a grid account keyed by its signature.
func (s *BoltStore) SaveAccount(a grid.Account) error {
	return s.put(accountsBucket, a.Signature(), a)
}

// ListAccounts returns all stored accounts.
func (s *BoltStore) ListAccounts() ([]grid.Account, error) {
	var out []grid.Account
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(accountsBucket).ForEach(func(_, v []byte) error {
			var a grid.Account
			if err := json.Unmarshal(v, &a); err != nil {
				return fmt.Errorf("failed to unmarshal account: %w", err)
			}
			out = append(out, a)
			return nil
		})
	})
	return out, err
}

// DeleteAccount removes the account stored under signature.
func (s *BoltStore) DeleteAccount(signature string) error {
	return s.delete(accountsBucket, signature, grid.ErrAccountNotFound)
}

// SaveFlow saves a flow record. New records get the next registration
// sequence; updates keep their position.
func (s *BoltStore) SaveFlow(r *FlowRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(flowsBucket)
		rec := *r
		if prev := b.Get([]byte(rec.Name)); prev != nil {
			var old FlowRecord
			if err := json.Unmarshal(prev, &old); err != nil {
				return fmt.Errorf("failed to unmarshal flow: %w", err)
			}
			rec.Seq = old.Seq
		} else {
			seq, err := b.NextSequence()
			if err != nil {
				return fmt.Errorf("failed to allocate sequence: %w", err)
			}
			rec.Seq = seq
		}
		data, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("failed to marshal flow: %w", err)
		}
		if err := b.Put([]byte(rec.Name), data); err != nil {
			return fmt.Errorf("failed to put flow: %w", err)
		}
		r.Seq = rec.Seq
		return nil
	})
}

// ListFlows returns flow records in registration order.
func (s *BoltStore) ListFlows() ([]*FlowRecord, error) {
	var out []*FlowRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(flowsBucket).ForEach(func(_, v []byte) error {
			var r FlowRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("failed to unmarshal flow: %w", err)
			}
			out = append(out, &r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// DeleteFlow removes a flow record.
func (s *BoltStore) DeleteFlow(name string) error {
	return s.delete(flowsBucket, name, ErrFlowNotFound)
}

// SaveSync saves a synchronization relationship keyed by name.
func (s *BoltStore) SaveSync(r SyncRelationship) error {
	return s.put(syncsBucket, r.Name, r)
}

// ListSyncs returns all synchronization relationships sorted by name.
func (s *BoltStore) ListSyncs() ([]SyncRelationship, error) {
	var out []SyncRelationship
	err := s.db.View(func(tx *bbolt.Tx) error {
		// bbolt iterates keys in byte order, so names come out sorted.
		return tx.Bucket(syncsBucket).ForEach(func(_, v []byte) error {
			var r SyncRelationship
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("failed to unmarshal sync relationship: %w", err)
			}
			out = append(out, r)
			return nil
		})
	})
	return out, err
}

// DeleteSync removes a synchronization relationship.
func (s *BoltStore) DeleteSync(name string) error {
	return s.delete(syncsBucket, name, ErrSyncNotFound)
}

func (s *BoltStore) put(bucket []byte, key string, v any) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal %s record: %w", bucket, err)
		}
		if err := tx.Bucket(bucket).Put([]byte(key), data); err != nil {
			return fmt.Errorf("failed to put %s record: %w", bucket, err)
		}
		return nil
	})
}

func (s *BoltStore) delete(bucket []byte, key string, notFound error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		if b.Get([]byte(key)) == nil {
			return notFound
		}
		return b.Delete([]byte(key))
	})
}

// Close closes the underlying store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
