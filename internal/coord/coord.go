// Package coord keeps the coordination records of a processor group in the
// partition store: partition leases and executor membership.
//
// Every mutation is a single pebblestore script, so "set if absent or
// expired" and owner-checked renewals are compare-and-set operations.
package coord

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/rzbill/runnel/internal/errs"
	"github.com/rzbill/runnel/internal/jsoncodec"
	pebblestore "github.com/rzbill/runnel/internal/storage/pebble"
)

// Lease is a time-bounded exclusive claim on one partition.
type Lease struct {
	Processor    string `json:"processor"`
	Partition    int    `json:"partition"`
	Owner        string `json:"owner"`
	ExpiresAtMs  int64  `json:"expiresAtMs"`
	AcquiredAtMs int64  `json:"acquiredAtMs"`
	Epoch        uint64 `json:"epoch"`
}

// Live reports whether the lease is unexpired at nowMs.
func (l Lease) Live(nowMs int64) bool { return l.ExpiresAtMs > nowMs }

// Member is an executor's presence record.
type Member struct {
	ID            string            `json:"id"`
	RegisteredMs  int64             `json:"registeredMs"`
	LastHeartbeat int64             `json:"lastHeartbeat"`
	ExpiresAtMs   int64             `json:"expiresAtMs"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Store reads and writes the coordination records of one processor.
type Store struct {
	db        *pebblestore.DB
	processor string

	// Now returns the current time in ms. Replaced in tests.
	Now func() int64
}

// New creates a Store for processor.
func New(db *pebblestore.DB, processor string) *Store {
	return &Store{
		db:        db,
		processor: processor,
		Now:       func() int64 { return time.Now().UnixMilli() },
	}
}

func (s *Store) Processor() string { return s.processor }

// Acquire sets a lease on partition for owner if none exists or the existing
// one expired. An unexpired lease held by owner is extended. won is false
// when another executor holds a live lease.
func (s *Store) Acquire(ctx context.Context, partition int, owner string, ttl time.Duration) (lease Lease, won bool, err error) {
	err = s.db.Script(ctx, "lease.acquire", func(tx *pebblestore.Txn) error {
		now := s.Now()
		cur, ok, err := s.leaseTx(tx, partition)
		if err != nil {
			return err
		}
		if ok && cur.Live(now) && cur.Owner != owner {
			lease = cur
			return nil
		}
		next := Lease{
			Processor:    s.processor,
			Partition:    partition,
			Owner:        owner,
			ExpiresAtMs:  now + ttl.Milliseconds(),
			AcquiredAtMs: now,
		}
		if ok && cur.Live(now) && cur.Owner == owner {
			next.AcquiredAtMs = cur.AcquiredAtMs
			next.Epoch = cur.Epoch
		} else {
			epoch, err := s.bumpEpochTx(tx, partition)
			if err != nil {
				return err
			}
			next.Epoch = epoch
		}
		if ok {
			if err := tx.Delete(leaseIndexKey(s.processor, cur.ExpiresAtMs, partition)); err != nil {
				return err
			}
		}
		if err := s.putLeaseTx(tx, next); err != nil {
			return err
		}
		lease, won = next, true
		return nil
	})
	return lease, won, err
}

// Renew extends a live lease held by owner. Anything else is ErrLeaseLost.
func (s *Store) Renew(ctx context.Context, partition int, owner string, ttl time.Duration) (Lease, error) {
	var out Lease
	err := s.db.Script(ctx, "lease.renew", func(tx *pebblestore.Txn) error {
		now := s.Now()
		cur, err := s.checkTx(tx, partition, owner, now)
		if err != nil {
			return err
		}
		if err := tx.Delete(leaseIndexKey(s.processor, cur.ExpiresAtMs, partition)); err != nil {
			return err
		}
		cur.ExpiresAtMs = now + ttl.Milliseconds()
		out = cur
		return s.putLeaseTx(tx, cur)
	})
	return out, err
}

// Release deletes the lease if owner still holds it, expired or not.
func (s *Store) Release(ctx context.Context, partition int, owner string) error {
	return s.db.Script(ctx, "lease.release", func(tx *pebblestore.Txn) error {
		cur, ok, err := s.leaseTx(tx, partition)
		if err != nil || !ok || cur.Owner != owner {
			return err
		}
		if err := tx.Delete(leaseIndexKey(s.processor, cur.ExpiresAtMs, partition)); err != nil {
			return err
		}
		return tx.Delete(leaseKey(s.processor, partition))
	})
}

// CheckTx fences a script: it fails with ErrLeaseLost unless owner holds a
// live lease on partition.
func (s *Store) CheckTx(tx *pebblestore.Txn, partition int, owner string) (Lease, error) {
	return s.checkTx(tx, partition, owner, s.Now())
}

func (s *Store) checkTx(tx *pebblestore.Txn, partition int, owner string, now int64) (Lease, error) {
	cur, ok, err := s.leaseTx(tx, partition)
	if err != nil {
		return Lease{}, err
	}
	if !ok || cur.Owner != owner || !cur.Live(now) {
		holder := ""
		if ok && cur.Live(now) {
			holder = cur.Owner
		}
		return Lease{}, errs.LeaseLost(s.processor, partition, holder)
	}
	return cur, nil
}

// Get loads the lease on partition, live or expired.
func (s *Store) Get(partition int) (Lease, bool, error) {
	b, err := s.db.Get(leaseKey(s.processor, partition))
	if errors.Is(err, pebble.ErrNotFound) {
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, err
	}
	var l Lease
	if err := jsoncodec.Unmarshal(b, &l); err != nil {
		return Lease{}, false, fmt.Errorf("coord: decode lease: %w", err)
	}
	return l, true, nil
}

// Leases returns every stored lease ordered by partition.
func (s *Store) Leases() ([]Lease, error) {
	start, end := keyRange(groupPrefix(s.processor) + prefixLease)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: start, UpperBound: end})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var out []Lease
	for ok := it.First(); ok; ok = it.Next() {
		var l Lease
		if err := jsoncodec.Unmarshal(it.Value(), &l); err != nil {
			continue
		}
		out = append(out, l)
	}
	return out, errs.Store("lease.list", it.Error())
}

// ExpiredLeases walks the expiry index and returns leases whose expiry is at
// or before nowMs, oldest first.
func (s *Store) ExpiredLeases(limit int) ([]Lease, error) {
	now := s.Now()
	prefix := groupPrefix(s.processor) + prefixLeaseIdx
	start, end := keyRange(prefix)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: start, UpperBound: end})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var out []Lease
	for ok := it.First(); ok && (limit <= 0 || len(out) < limit); ok = it.Next() {
		key := it.Key()
		if len(key) < len(prefix)+12 {
			continue
		}
		expiryMs := int64(binary.BigEndian.Uint64(key[len(prefix):]))
		if expiryMs > now {
			// sorted by expiry
			break
		}
		part := int(binary.BigEndian.Uint32(key[len(prefix)+8:]))
		if l, found, err := s.Get(part); err == nil && found {
			out = append(out, l)
		}
	}
	return out, errs.Store("lease.expired", it.Error())
}

func (s *Store) leaseTx(tx *pebblestore.Txn, partition int) (Lease, bool, error) {
	b, err := tx.Get(leaseKey(s.processor, partition))
	if errors.Is(err, pebble.ErrNotFound) {
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, err
	}
	var l Lease
	if err := jsoncodec.Unmarshal(b, &l); err != nil {
		// unreadable leases are treated as absent and overwritten
		return Lease{}, false, nil
	}
	return l, true, nil
}

func (s *Store) putLeaseTx(tx *pebblestore.Txn, l Lease) error {
	b, err := jsoncodec.Marshal(l)
	if err != nil {
		return fmt.Errorf("coord: encode lease: %w", err)
	}
	if err := tx.Set(leaseKey(s.processor, l.Partition), b); err != nil {
		return err
	}
	return tx.Set(leaseIndexKey(s.processor, l.ExpiresAtMs, l.Partition), []byte(l.Owner))
}

func (s *Store) bumpEpochTx(tx *pebblestore.Txn, partition int) (uint64, error) {
	key := epochKey(s.processor, partition)
	var epoch uint64
	b, err := tx.Get(key)
	switch {
	case err == nil && len(b) == 8:
		epoch = binary.BigEndian.Uint64(b)
	case err != nil && !errors.Is(err, pebble.ErrNotFound):
		return 0, err
	}
	epoch++
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], epoch)
	return epoch, tx.Set(key, v[:])
}

// Join registers executor with a membership TTL, keeping the original
// registration time when it is already present.
func (s *Store) Join(ctx context.Context, executor string, ttl time.Duration, metadata map[string]string) (Member, error) {
	var out Member
	err := s.db.Script(ctx, "member.join", func(tx *pebblestore.Txn) error {
		now := s.Now()
		m := Member{ID: executor, RegisteredMs: now, LastHeartbeat: now, ExpiresAtMs: now + ttl.Milliseconds(), Metadata: metadata}
		if cur, ok, err := s.memberTx(tx, executor); err != nil {
			return err
		} else if ok {
			m.RegisteredMs = cur.RegisteredMs
			if err := tx.Delete(memberIndexKey(s.processor, cur.ExpiresAtMs, executor)); err != nil {
				return err
			}
		}
		out = m
		return s.putMemberTx(tx, m)
	})
	return out, err
}

// Heartbeat extends executor's membership. A membership that was swept is
// re-created so a slow executor rejoins instead of failing.
func (s *Store) Heartbeat(ctx context.Context, executor string, ttl time.Duration) (Member, error) {
	var out Member
	err := s.db.Script(ctx, "member.heartbeat", func(tx *pebblestore.Txn) error {
		now := s.Now()
		m, ok, err := s.memberTx(tx, executor)
		if err != nil {
			return err
		}
		if ok {
			if err := tx.Delete(memberIndexKey(s.processor, m.ExpiresAtMs, executor)); err != nil {
				return err
			}
		} else {
			m = Member{ID: executor, RegisteredMs: now}
		}
		m.LastHeartbeat = now
		m.ExpiresAtMs = now + ttl.Milliseconds()
		out = m
		return s.putMemberTx(tx, m)
	})
	return out, err
}

// Leave removes executor's membership.
func (s *Store) Leave(ctx context.Context, executor string) error {
	return s.db.Script(ctx, "member.leave", func(tx *pebblestore.Txn) error {
		m, ok, err := s.memberTx(tx, executor)
		if err != nil || !ok {
			return err
		}
		if err := tx.Delete(memberIndexKey(s.processor, m.ExpiresAtMs, executor)); err != nil {
			return err
		}
		return tx.Delete(memberKey(s.processor, executor))
	})
}

// Members returns every membership record, live or not, ordered by id.
func (s *Store) Members() ([]Member, error) {
	start, end := keyRange(groupPrefix(s.processor) + prefixMember)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: start, UpperBound: end})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var out []Member
	for ok := it.First(); ok; ok = it.Next() {
		var m Member
		if err := jsoncodec.Unmarshal(it.Value(), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, errs.Store("member.list", it.Error())
}

// LiveMembers returns the ids of unexpired members ordered by id.
func (s *Store) LiveMembers() ([]string, error) {
	all, err := s.Members()
	if err != nil {
		return nil, err
	}
	now := s.Now()
	ids := make([]string, 0, len(all))
	for _, m := range all {
		if m.ExpiresAtMs > now {
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}

// SweepMembers deletes up to limit expired memberships and returns how many
// were removed.
func (s *Store) SweepMembers(ctx context.Context, limit int) (int, error) {
	prefix := groupPrefix(s.processor) + prefixMemIdx
	start, end := keyRange(prefix)
	n := 0
	err := s.db.Script(ctx, "member.sweep", func(tx *pebblestore.Txn) error {
		now := s.Now()
		it, err := tx.NewIter(&pebble.IterOptions{LowerBound: start, UpperBound: end})
		if err != nil {
			return err
		}
		var stale [][]byte
		for ok := it.First(); ok && (limit <= 0 || n < limit); ok = it.Next() {
			key := it.Key()
			if len(key) < len(prefix)+8 {
				continue
			}
			if int64(binary.BigEndian.Uint64(key[len(prefix):])) > now {
				break
			}
			stale = append(stale, append([]byte(nil), key...))
			n++
		}
		if err := it.Close(); err != nil {
			return errs.Store("member.sweep", err)
		}
		for _, k := range stale {
			id := string(k[len(prefix)+8:])
			if err := tx.Delete(k); err != nil {
				return err
			}
			if err := tx.Delete(memberKey(s.processor, id)); err != nil {
				return err
			}
		}
		return nil
	})
	return n, err
}

func (s *Store) memberTx(tx *pebblestore.Txn, executor string) (Member, bool, error) {
	b, err := tx.Get(memberKey(s.processor, executor))
	if errors.Is(err, pebble.ErrNotFound) {
		return Member{}, false, nil
	}
	if err != nil {
		return Member{}, false, err
	}
	var m Member
	if err := jsoncodec.Unmarshal(b, &m); err != nil {
		return Member{}, false, nil
	}
	return m, true, nil
}

func (s *Store) putMemberTx(tx *pebblestore.Txn, m Member) error {
	b, err := jsoncodec.Marshal(m)
	if err != nil {
		return fmt.Errorf("coord: encode member: %w", err)
	}
	if err := tx.Set(memberKey(s.processor, m.ID), b); err != nil {
		return err
	}
	return tx.Set(memberIndexKey(s.processor, m.ExpiresAtMs, m.ID), []byte(m.ID))
}
