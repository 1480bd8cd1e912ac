package offgate

import (
	"bytes"
	"encoding/gob"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout inside the single LevelDB database. The entry key segment is the
// full request URI, query string included.
//
//	e:<generation>:<uri>  gob CacheEntry
//	m:<generation>:<uri>  gob entryMeta
//	s:<name>              raw state value
const (
	entryPrefix = "e:"
	metaPrefix  = "m:"
	statePrefix = "s:"
)

// Persisted state key names. Values are plain bytes with no schema versioning.
const (
	stateCurrentGeneration = "currentGeneration"
	stateLastUpdateShown   = "lastUpdateShown"
	statePushSubscription  = "pushSubscription"
	stateSettings          = "settings"
)

type entryMeta struct {
	Size       int64
	StoredAt   int64 // unix seconds, mirrors CacheEntry.StoredAt
	LastAccess int64
}

type storeOp struct {
	putGen string
	putKey string
	putEnt *CacheEntry
	delGen string
	delKey string
}

// genStore holds every cache generation plus the small persisted state keys.
// The current-generation pointer only moves via SetCurrent, so readers either
// see the whole old generation or the whole new one.
type genStore struct {
	maxBytes int64
	db       *leveldb.DB

	writeFailLog *rateLimitedLogger

	mu        sync.Mutex
	index     map[string]entryMeta // "<gen>:<path>"
	totalSize int64
	current   string

	ops  chan storeOp
	done chan struct{}
}

func newGenStore(path string, maxBytes int64, writeFailLog *rateLimitedLogger) (*genStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	d := &genStore{
		maxBytes:     maxBytes,
		db:           db,
		writeFailLog: writeFailLog,
		index:        map[string]entryMeta{},
		ops:          make(chan storeOp, 1024),
		done:         make(chan struct{}),
	}
	if err := d.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	go d.writerLoop()
	return d, nil
}

func (d *genStore) close() {
	close(d.ops)
	<-d.done
	_ = d.db.Close()
}

func (d *genStore) loadIndex() error {
	it := d.db.NewIterator(util.BytesPrefix([]byte(metaPrefix)), nil)
	defer it.Release()

	var total int64
	idx := map[string]entryMeta{}
	for it.Next() {
		key := string(bytes.TrimPrefix(it.Key(), []byte(metaPrefix)))
		var meta entryMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		idx[key] = meta
		total += meta.Size
	}
	if err := it.Error(); err != nil {
		return err
	}

	current := ""
	if b, err := d.db.Get([]byte(statePrefix+stateCurrentGeneration), nil); err == nil {
		current = string(b)
	}

	d.mu.Lock()
	d.index = idx
	d.totalSize = total
	d.current = current
	d.mu.Unlock()
	return nil
}

// Current returns the generation entries are served from; empty until the
// first successful install.
func (d *genStore) Current() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// SetCurrent persists and flips the current-generation pointer. The flip is
// the commit point of an install.
func (d *genStore) SetCurrent(gen string) error {
	if err := d.SetState(stateCurrentGeneration, []byte(gen)); err != nil {
		return err
	}
	d.mu.Lock()
	d.current = gen
	d.mu.Unlock()
	return nil
}

func (d *genStore) GetState(name string) ([]byte, bool) {
	b, err := d.db.Get([]byte(statePrefix+name), nil)
	if err != nil {
		return nil, false
	}
	return b, true
}

func (d *genStore) SetState(name string, val []byte) error {
	return d.db.Put([]byte(statePrefix+name), val, nil)
}

func (d *genStore) TotalSize() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalSize
}

func (d *genStore) KeyCount(gen string) int {
	prefix := gen + ":"
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for k := range d.index {
		if strings.HasPrefix(k, prefix) {
			n++
		}
	}
	return n
}

func (d *genStore) Keys(gen string) []string {
	prefix := gen + ":"
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.index))
	for k := range d.index {
		if strings.HasPrefix(k, prefix) {
			out = append(out, strings.TrimPrefix(k, prefix))
		}
	}
	sort.Strings(out)
	return out
}

// Generations lists every generation that still owns at least one entry.
func (d *genStore) Generations() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	seen := map[string]struct{}{}
	for k := range d.index {
		if i := strings.Index(k, ":"); i > 0 {
			seen[k[:i]] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for g := range seen {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// EntriesOlderThan returns the paths in gen whose entries were stored before
// cutoff (unix seconds).
func (d *genStore) EntriesOlderThan(gen string, cutoff int64) []string {
	prefix := gen + ":"
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for k, m := range d.index {
		if strings.HasPrefix(k, prefix) && m.StoredAt < cutoff {
			out = append(out, strings.TrimPrefix(k, prefix))
		}
	}
	sort.Strings(out)
	return out
}

func (d *genStore) Peek(gen, key string) (CacheEntry, bool) {
	b, err := d.db.Get([]byte(entryPrefix+gen+":"+key), nil)
	if err != nil {
		return CacheEntry{}, false
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return CacheEntry{}, false
	}
	return ent, true
}

func (d *genStore) Get(gen, key string) (CacheEntry, bool) {
	ent, ok := d.Peek(gen, key)
	if !ok {
		return CacheEntry{}, false
	}
	d.mu.Lock()
	_, exists := d.index[gen+":"+key]
	d.mu.Unlock()
	if exists {
		d.ops <- storeOp{putGen: gen, putKey: key} // meta touch
	}
	return ent, true
}

// Put writes an entry synchronously. Install uses this so write failures
// abort the install instead of being swallowed.
func (d *genStore) Put(gen, key string, ent CacheEntry) error {
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	meta := entryMeta{Size: int64(len(b)), StoredAt: ent.StoredAt, LastAccess: time.Now().Unix()}
	mb, err := encodeGob(meta)
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	batch.Put([]byte(entryPrefix+gen+":"+key), b)
	batch.Put([]byte(metaPrefix+gen+":"+key), mb)
	if err := d.db.Write(batch, nil); err != nil {
		return err
	}

	d.mu.Lock()
	if old, ok := d.index[gen+":"+key]; ok {
		d.totalSize -= old.Size
	}
	d.index[gen+":"+key] = meta
	d.totalSize += meta.Size
	total := d.totalSize
	d.mu.Unlock()

	if d.maxBytes > 0 && total > d.maxBytes {
		d.evictSome()
	}
	return nil
}

// PutAsync queues a best-effort write-through. Failures are logged
// (rate-limited) and never reach the caller.
func (d *genStore) PutAsync(gen, key string, ent CacheEntry) {
	clone := ent
	d.ops <- storeOp{putGen: gen, putKey: key, putEnt: &clone}
}

func (d *genStore) Delete(gen, key string) {
	d.ops <- storeOp{delGen: gen, delKey: key}
}

// DeleteGeneration removes every entry belonging to gen. Used by activation
// to reclaim storage from prior deployments.
func (d *genStore) DeleteGeneration(gen string) (int, error) {
	prefix := gen + ":"
	d.mu.Lock()
	keys := make([]string, 0, 16)
	for k := range d.index {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	d.mu.Unlock()

	batch := new(leveldb.Batch)
	for _, k := range keys {
		batch.Delete([]byte(entryPrefix + k))
		batch.Delete([]byte(metaPrefix + k))
	}
	if err := d.db.Write(batch, nil); err != nil {
		return 0, err
	}

	d.mu.Lock()
	for _, k := range keys {
		if m, ok := d.index[k]; ok {
			d.totalSize -= m.Size
			delete(d.index, k)
		}
	}
	d.mu.Unlock()
	return len(keys), nil
}

func (d *genStore) writerLoop() {
	defer close(d.done)
	for op := range d.ops {
		if op.delKey != "" {
			d.applyDelete(op.delGen, op.delKey)
			continue
		}
		if op.putKey != "" {
			d.applyPutOrTouch(op.putGen, op.putKey, op.putEnt)
		}
	}
}

func (d *genStore) applyPutOrTouch(gen, key string, ent *CacheEntry) {
	if ent != nil {
		if err := d.Put(gen, key, *ent); err != nil && d.writeFailLog != nil {
			d.writeFailLog.Printf("cache write failed for %s: %v", key, err)
		}
		return
	}

	// touch only
	now := time.Now().Unix()
	d.mu.Lock()
	meta, ok := d.index[gen+":"+key]
	if !ok {
		d.mu.Unlock()
		return
	}
	meta.LastAccess = now
	d.index[gen+":"+key] = meta
	d.mu.Unlock()

	mb, err := encodeGob(meta)
	if err != nil {
		return
	}
	_ = d.db.Put([]byte(metaPrefix+gen+":"+key), mb, nil)
}

func (d *genStore) applyDelete(gen, key string) {
	batch := new(leveldb.Batch)
	batch.Delete([]byte(entryPrefix + gen + ":" + key))
	batch.Delete([]byte(metaPrefix + gen + ":" + key))
	_ = d.db.Write(batch, nil)

	d.mu.Lock()
	if meta, ok := d.index[gen+":"+key]; ok {
		d.totalSize -= meta.Size
		delete(d.index, gen+":"+key)
	}
	d.mu.Unlock()
}

func (d *genStore) evictSome() {
	d.mu.Lock()
	items := make([]struct {
		key string
		m   entryMeta
	}, 0, len(d.index))
	for k, m := range d.index {
		items = append(items, struct {
			key string
			m   entryMeta
		}{k, m})
	}
	d.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		return items[i].m.LastAccess < items[j].m.LastAccess
	})

	n := len(items) / 10
	if n < 1 {
		n = 1
	}

	for i := 0; i < n && i < len(items); i++ {
		gen, key, ok := strings.Cut(items[i].key, ":")
		if !ok {
			continue
		}
		d.applyDelete(gen, key)
	}
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
