// Package journal keeps every received push in an append-only Pebble log,
// so consumers that need the full history are not limited by the
// last-write-wins wait gate.
package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/maxpert/pushwatch/encoding"
	"github.com/maxpert/pushwatch/epcis"
	"github.com/maxpert/pushwatch/gate"
	"github.com/maxpert/pushwatch/notify"
	"github.com/maxpert/pushwatch/telemetry"
	"github.com/rs/zerolog/log"
)

// Key prefixes for Pebble storage
const (
	prefixEntry  = "/push/"   // /push/{16-hex-digit-seq}
	prefixCursor = "/cursor/" // /cursor/{consumer}
	keyNextSeq   = "/seq"     // /seq -> uint64 (last assigned sequence)
)

const (
	memTableSize     = 16 << 20
	defaultReadLimit = 100
	cleanupMask      = 0x3F // Cleanup every 64 sequences
	journalDirName   = "push_journal"
)

var (
	ErrClosed   = errors.New("push journal is closed")
	ErrNotFound = errors.New("journal entry not found")
)

// Entry is one journaled push
type Entry struct {
	Seq            uint64 // Journal sequence, monotonic across restarts
	PushSeq        uint64 // Listener arrival sequence
	SubscriptionID string // Empty when the document names none
	Remote         string
	ReceivedAt     time.Time
	Digest         uint64 // xxhash64 of Payload
	Payload        []byte
}

// stored form; Payload is zstd compressed
type record struct {
	Seq            uint64 `msgpack:"seq"`
	PushSeq        uint64 `msgpack:"push_seq"`
	SubscriptionID string `msgpack:"sub,omitempty"`
	Remote         string `msgpack:"remote,omitempty"`
	ReceivedAt     int64  `msgpack:"received_at"`
	Digest         uint64 `msgpack:"digest"`
	Payload        []byte `msgpack:"payload"`
}

// Option customizes a Journal
type Option func(*Journal)

// WithNotifier signals hub after every append
func WithNotifier(hub *notify.Hub) Option {
	return func(j *Journal) { j.hub = hub }
}

// Journal is a Pebble-backed push log with per-consumer cursors
type Journal struct {
	db   *pebble.DB
	path string // Empty when in memory
	hub  *notify.Hub

	appendMu sync.Mutex
	lastSeq  atomic.Uint64

	cursors   map[string]uint64
	cursorsMu sync.RWMutex

	cleanupMu      sync.Mutex
	cleanupRunning atomic.Bool
	cleanupWg      sync.WaitGroup

	closed atomic.Bool
}

// Open creates or opens a journal under dataDir. An empty dataDir keeps
// the journal in memory.
func Open(dataDir string, opts ...Option) (*Journal, error) {
	pebbleOpts := &pebble.Options{
		MemTableSize: memTableSize,
	}

	path := ""
	if dataDir == "" {
		pebbleOpts.FS = vfs.NewMem()
	} else {
		path = filepath.Join(dataDir, journalDirName)
	}

	db, err := pebble.Open(path, pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open push journal at %q: %w", path, err)
	}

	j := &Journal{
		db:      db,
		path:    path,
		cursors: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(j)
	}

	if err := j.loadLastSeq(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load sequence number: %w", err)
	}
	if err := j.loadCursors(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load cursors: %w", err)
	}

	return j, nil
}

// InMemory reports whether the journal is not backed by disk
func (j *Journal) InMemory() bool {
	return j.path == ""
}

func (j *Journal) loadLastSeq() error {
	val, closer, err := j.db.Get([]byte(keyNextSeq))
	if err == pebble.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	defer closer.Close()

	if len(val) != 8 {
		return fmt.Errorf("invalid sequence value length: %d", len(val))
	}
	j.lastSeq.Store(binary.LittleEndian.Uint64(val))
	return nil
}

func (j *Journal) loadCursors() error {
	prefix := []byte(prefixCursor)
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		name := string(iter.Key()[len(prefixCursor):])
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		if len(val) != 8 {
			return fmt.Errorf("corrupted cursor for %s: invalid length %d", name, len(val))
		}
		j.cursors[name] = binary.LittleEndian.Uint64(val)
	}
	if err := iter.Error(); err != nil {
		return err
	}

	if len(j.cursors) > 0 {
		log.Info().Int("cursors", len(j.cursors)).Msg("Loaded push journal cursors")
	}
	return nil
}

// Record implements listener.Recorder
func (j *Journal) Record(p gate.Push) error {
	_, err := j.Append(p)
	return err
}

// Append journals p and returns the stored entry
func (j *Journal) Append(p gate.Push) (Entry, error) {
	if j.closed.Load() {
		return Entry{}, ErrClosed
	}

	subID, _ := epcis.SniffSubscriptionID(p.Payload)
	e := Entry{
		PushSeq:        p.Seq,
		SubscriptionID: subID,
		Remote:         p.Remote,
		ReceivedAt:     p.ReceivedAt,
		Digest:         xxhash.Sum64(p.Payload),
		Payload:        p.Payload,
	}

	j.appendMu.Lock()
	defer j.appendMu.Unlock()
	if j.closed.Load() {
		return Entry{}, ErrClosed
	}

	e.Seq = j.lastSeq.Load() + 1
	val, err := encoding.Marshal(&record{
		Seq:            e.Seq,
		PushSeq:        e.PushSeq,
		SubscriptionID: e.SubscriptionID,
		Remote:         e.Remote,
		ReceivedAt:     e.ReceivedAt.UnixNano(),
		Digest:         e.Digest,
		Payload:        encoding.Compress(e.Payload),
	})
	if err != nil {
		return Entry{}, fmt.Errorf("failed to marshal entry: %w", err)
	}

	batch := j.db.NewBatch()
	defer batch.Close()

	if err := batch.Set([]byte(entryKey(e.Seq)), val, nil); err != nil {
		return Entry{}, fmt.Errorf("failed to write entry: %w", err)
	}
	seqBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(seqBuf, e.Seq)
	if err := batch.Set([]byte(keyNextSeq), seqBuf, nil); err != nil {
		return Entry{}, fmt.Errorf("failed to update sequence: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return Entry{}, fmt.Errorf("failed to commit entry: %w", err)
	}

	// Only publish the sequence after a successful commit
	j.lastSeq.Store(e.Seq)
	telemetry.JournalAppendsTotal.Inc()

	log.Debug().
		Uint64("seq", e.Seq).
		Uint64("push_seq", e.PushSeq).
		Str("subscription", e.SubscriptionID).
		Msg("Journaled push")

	if j.hub != nil {
		j.hub.Signal(e.SubscriptionID, e.Seq)
	}
	return e, nil
}

// LastSeq returns the last assigned sequence, 0 when empty
func (j *Journal) LastSeq() uint64 {
	return j.lastSeq.Load()
}

// ReadFrom returns up to limit entries after cursor, in order
func (j *Journal) ReadFrom(cursor uint64, limit int) ([]Entry, error) {
	if j.closed.Load() {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = defaultReadLimit
	}

	startKey := []byte(entryKey(cursor + 1))
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: startKey,
		UpperBound: prefixUpperBound([]byte(prefixEntry)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	entries := make([]Entry, 0, limit)
	for iter.SeekGE(startKey); iter.Valid() && len(entries) < limit; iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}

		e, err := decodeEntry(val)
		if err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Skipping unreadable journal entry")
			continue
		}
		entries = append(entries, e)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Get returns the entry with sequence seq
func (j *Journal) Get(seq uint64) (Entry, error) {
	if j.closed.Load() {
		return Entry{}, ErrClosed
	}

	val, closer, err := j.db.Get([]byte(entryKey(seq)))
	if err == pebble.ErrNotFound {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	defer closer.Close()

	return decodeEntry(val)
}

func decodeEntry(val []byte) (Entry, error) {
	var r record
	if err := encoding.Unmarshal(val, &r); err != nil {
		return Entry{}, fmt.Errorf("failed to unmarshal entry: %w", err)
	}

	payload, err := encoding.Decompress(r.Payload)
	if err != nil {
		return Entry{}, fmt.Errorf("entry %d: %w", r.Seq, err)
	}
	if xxhash.Sum64(payload) != r.Digest {
		return Entry{}, fmt.Errorf("entry %d: digest mismatch", r.Seq)
	}

	return Entry{
		Seq:            r.Seq,
		PushSeq:        r.PushSeq,
		SubscriptionID: r.SubscriptionID,
		Remote:         r.Remote,
		ReceivedAt:     time.Unix(0, r.ReceivedAt),
		Digest:         r.Digest,
		Payload:        payload,
	}, nil
}

// GetCursor returns the last sequence consumer has processed
func (j *Journal) GetCursor(consumer string) (uint64, error) {
	if j.closed.Load() {
		return 0, ErrClosed
	}

	j.cursorsMu.RLock()
	defer j.cursorsMu.RUnlock()
	return j.cursors[consumer], nil
}

// AdvanceCursor records that consumer has processed everything up to seq
// and periodically drops entries every consumer has passed
func (j *Journal) AdvanceCursor(consumer string, seq uint64) error {
	if j.closed.Load() {
		return ErrClosed
	}

	j.cursorsMu.Lock()
	j.cursors[consumer] = seq
	j.cursorsMu.Unlock()

	val := make([]byte, 8)
	binary.LittleEndian.PutUint64(val, seq)
	if err := j.db.Set([]byte(prefixCursor+consumer), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}

	if seq&cleanupMask == 0 && j.cleanupRunning.CompareAndSwap(false, true) {
		j.cleanupWg.Add(1)
		go j.cleanupAsync()
	}
	return nil
}

// cleanup deletes entries below the minimum cursor
func (j *Journal) cleanup() {
	j.cleanupMu.Lock()
	defer j.cleanupMu.Unlock()

	if j.closed.Load() {
		return
	}

	j.cursorsMu.RLock()
	if len(j.cursors) == 0 {
		j.cursorsMu.RUnlock()
		return
	}
	minCursor := ^uint64(0)
	for _, c := range j.cursors {
		minCursor = min(minCursor, c)
	}
	j.cursorsMu.RUnlock()

	if minCursor == 0 {
		return
	}

	if err := j.db.DeleteRange([]byte(prefixEntry), []byte(entryKey(minCursor)), pebble.Sync); err != nil {
		log.Warn().Err(err).Uint64("min_cursor", minCursor).Msg("Failed to clean up push journal")
		return
	}
	log.Debug().Uint64("min_cursor", minCursor).Msg("Cleaned up push journal")
}

func (j *Journal) cleanupAsync() {
	defer j.cleanupWg.Done()
	defer j.cleanupRunning.Store(false)
	j.cleanup()
}

// Close waits for cleanup and closes the store
func (j *Journal) Close() error {
	if !j.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	// Wait out an in-flight append
	j.appendMu.Lock()
	defer j.appendMu.Unlock()

	j.cleanupWg.Wait()
	return j.db.Close()
}

func entryKey(seq uint64) string {
	return fmt.Sprintf("%s%016x", prefixEntry, seq)
}

func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil
}
