package eventlog

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"lukechampine.com/blake3"

	"nftmarket/core/events"
	"nftmarket/core/types"
)

var (
	bucketEntries = []byte("entries")
	bucketMeta    = []byte("meta")
	keyHead       = []byte("head")

	// ErrCorrupt is returned by Verify when an entry does not chain onto its
	// predecessor.
	ErrCorrupt = errors.New("eventlog: digest chain broken")
)

// Entry is one journaled event. Digest chains every entry onto the previous
// one so truncation or edits are detectable.
type Entry struct {
	Seq        uint64            `json:"seq"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	Timestamp  int64             `json:"timestamp"`
	Prev       string            `json:"prev"`
	Digest     string            `json:"digest"`
}

type head struct {
	Seq    uint64 `json:"seq"`
	Digest string `json:"digest"`
}

// Journal is an append-only, bbolt backed event log. It implements
// events.Emitter so it can sit directly behind the ledger.
type Journal struct {
	db     *bolt.DB
	logger *slog.Logger
	nowFn  func() time.Time

	mu   sync.Mutex
	subs map[chan Entry]struct{}
}

// Open opens (or creates) the journal at path.
func Open(path string, options *bolt.Options) (*Journal, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketEntries, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Journal{
		db:     db,
		logger: slog.Default(),
		nowFn:  time.Now,
		subs:   make(map[chan Entry]struct{}),
	}, nil
}

// SetLogger overrides the logger used to report append failures from Emit.
func (j *Journal) SetLogger(logger *slog.Logger) {
	if logger != nil {
		j.logger = logger
	}
}

// SetNowFunc overrides the clock. Intended for tests.
func (j *Journal) SetNowFunc(now func() time.Time) {
	if now != nil {
		j.nowFn = now
	}
}

// Close releases the underlying Bolt database handle.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	j.mu.Lock()
	for ch := range j.subs {
		close(ch)
		delete(j.subs, ch)
	}
	j.mu.Unlock()
	return j.db.Close()
}

func seqKey(seq uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return buf[:]
}

func digest(prev string, seq uint64, evt *types.Event, ts int64) (string, error) {
	attrs := make([]string, 0, len(evt.Attributes))
	for k := range evt.Attributes {
		attrs = append(attrs, k)
	}
	sort.Strings(attrs)
	pairs := make([][2]string, 0, len(attrs))
	for _, k := range attrs {
		pairs = append(pairs, [2]string{k, evt.Attributes[k]})
	}
	body, err := json.Marshal(struct {
		Prev  string      `json:"prev"`
		Seq   uint64      `json:"seq"`
		Type  string      `json:"type"`
		Attrs [][2]string `json:"attrs"`
		Time  int64       `json:"time"`
	}{prev, seq, evt.Type, pairs, ts})
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}

// Append journals evt and returns the stored entry.
func (j *Journal) Append(evt *types.Event) (Entry, error) {
	if evt == nil || evt.Type == "" {
		return Entry{}, fmt.Errorf("eventlog: event type required")
	}
	evt = evt.Clone()
	var entry Entry
	err := j.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		var h head
		if raw := meta.Get(keyHead); raw != nil {
			if err := json.Unmarshal(raw, &h); err != nil {
				return err
			}
		}
		ts := j.nowFn().Unix()
		seq := h.Seq + 1
		sum, err := digest(h.Digest, seq, evt, ts)
		if err != nil {
			return err
		}
		entry = Entry{
			Seq:        seq,
			Type:       evt.Type,
			Attributes: evt.Attributes,
			Timestamp:  ts,
			Prev:       h.Digest,
			Digest:     sum,
		}
		encoded, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketEntries).Put(seqKey(seq), encoded); err != nil {
			return err
		}
		next, err := json.Marshal(head{Seq: seq, Digest: sum})
		if err != nil {
			return err
		}
		return meta.Put(keyHead, next)
	})
	if err != nil {
		return Entry{}, err
	}
	j.publish(entry)
	return entry, nil
}

// Emit implements events.Emitter. Events without a payload are skipped.
func (j *Journal) Emit(evt events.Event) {
	payload, ok := events.PayloadOf(evt)
	if !ok {
		return
	}
	if _, err := j.Append(payload); err != nil {
		j.logger.Error("eventlog append failed",
			slog.String("type", payload.Type),
			slog.String("error", err.Error()))
	}
}

// Head returns the sequence number and digest of the newest entry.
func (j *Journal) Head() (uint64, string, error) {
	var h head
	err := j.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get(keyHead)
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &h)
	})
	return h.Seq, h.Digest, err
}

// Since returns up to limit entries with a sequence greater than after. A
// non-positive limit returns everything.
func (j *Journal) Since(after uint64, limit int) ([]Entry, error) {
	var out []Entry
	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		for k, v := c.Seek(seqKey(after + 1)); k != nil; k, v = c.Next() {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			out = append(out, entry)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// Verify recomputes the digest chain from the first entry.
func (j *Journal) Verify() error {
	return j.db.View(func(tx *bolt.Tx) error {
		prev := ""
		var expected uint64 = 1
		return tx.Bucket(bucketEntries).ForEach(func(_, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if entry.Seq != expected || entry.Prev != prev {
				return fmt.Errorf("%w at seq %d", ErrCorrupt, entry.Seq)
			}
			sum, err := digest(prev, entry.Seq, &types.Event{Type: entry.Type, Attributes: entry.Attributes}, entry.Timestamp)
			if err != nil {
				return err
			}
			if sum != entry.Digest {
				return fmt.Errorf("%w at seq %d", ErrCorrupt, entry.Seq)
			}
			prev = entry.Digest
			expected++
			return nil
		})
	})
}

// Subscribe returns a channel receiving every entry appended after the call.
// Slow subscribers miss entries rather than blocking the ledger; they can
// catch up with Since. The returned cancel func closes the channel.
func (j *Journal) Subscribe(buffer int) (<-chan Entry, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Entry, buffer)
	j.mu.Lock()
	j.subs[ch] = struct{}{}
	j.mu.Unlock()
	return ch, func() {
		j.mu.Lock()
		defer j.mu.Unlock()
		if _, ok := j.subs[ch]; ok {
			delete(j.subs, ch)
			close(ch)
		}
	}
}

func (j *Journal) publish(entry Entry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for ch := range j.subs {
		select {
		case ch <- entry:
		default:
		}
	}
}
