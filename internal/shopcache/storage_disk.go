package shopcache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// ErrStorageFull is returned by Put when the disk budget would be exceeded.
var ErrStorageFull = errors.New("cache storage full")

const (
	markerPrefix = "n:"
	entryPrefix  = "e:"
)

func markerKey(ns string) []byte { return []byte(markerPrefix + ns) }

func entryKeyPrefix(ns string) []byte { return []byte(entryPrefix + ns + "\x00") }

func entryKey(ns, key string) []byte { return []byte(entryPrefix + ns + "\x00" + key) }

// diskStorage keeps namespaces in leveldb with a byte-budgeted RAM tier in
// front of it. Writes go through to disk first, so dropping an item from RAM
// never loses it.
type diskStorage struct {
	maxBytes int64

	db  *leveldb.DB
	ram *ramCache

	mu        sync.Mutex
	sizes     map[string]int64 // leveldb entry key -> encoded size
	totalSize int64
}

func newDiskStorage(path string, ramMax, diskMax int64) (*diskStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	d := &diskStorage{
		maxBytes: diskMax,
		db:       db,
		ram:      newRAMCache(ramMax),
		sizes:    map[string]int64{},
	}
	if err := d.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

func (d *diskStorage) Close() error { return d.db.Close() }

func (d *diskStorage) loadIndex() error {
	it := d.db.NewIterator(util.BytesPrefix([]byte(entryPrefix)), nil)
	defer it.Release()

	var total int64
	sizes := map[string]int64{}
	for it.Next() {
		n := int64(len(it.Value()))
		sizes[string(it.Key())] = n
		total += n
	}
	if err := it.Error(); err != nil {
		return err
	}
	d.mu.Lock()
	d.sizes = sizes
	d.totalSize = total
	d.mu.Unlock()
	return nil
}

func (d *diskStorage) TotalSize() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalSize
}

func (d *diskStorage) EntryCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sizes)
}

func (d *diskStorage) Open(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ok, err := d.db.Has(markerKey(name), nil)
	if err != nil || ok {
		return err
	}
	return d.db.Put(markerKey(name), []byte{}, nil)
}

func (d *diskStorage) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	it := d.db.NewIterator(util.BytesPrefix([]byte(markerPrefix)), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte(markerPrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (d *diskStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	existed, err := d.db.Has(markerKey(name), nil)
	if err != nil {
		return false, err
	}

	batch := new(leveldb.Batch)
	batch.Delete(markerKey(name))
	var removed []string
	it := d.db.NewIterator(util.BytesPrefix(entryKeyPrefix(name)), nil)
	for it.Next() {
		k := string(it.Key())
		batch.Delete([]byte(k))
		removed = append(removed, k)
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	if err := d.db.Write(batch, nil); err != nil {
		return false, err
	}

	d.mu.Lock()
	for _, k := range removed {
		d.totalSize -= d.sizes[k]
		delete(d.sizes, k)
	}
	d.mu.Unlock()
	d.ram.DeletePrefix(string(entryKeyPrefix(name)))

	return existed || len(removed) > 0, nil
}

func (d *diskStorage) Match(ctx context.Context, name, key string) (CacheEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return CacheEntry{}, false, err
	}
	k := string(entryKey(name, key))
	if ent, ok := d.ram.Get(k); ok {
		return ent, true, nil
	}
	b, err := d.db.Get([]byte(k), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, err
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return CacheEntry{}, false, fmt.Errorf("decode %q: %w", key, err)
	}
	d.ram.Put(k, ent, int64(len(b)))
	return ent, true, nil
}

func (d *diskStorage) Put(ctx context.Context, name, key string, ent CacheEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	k := string(entryKey(name, key))
	size := int64(len(b))

	// Reserve the space before writing so concurrent puts cannot overshoot
	// maxBytes between the check and the write.
	d.mu.Lock()
	old, existed := d.sizes[k]
	if d.maxBytes > 0 && d.totalSize-old+size > d.maxBytes {
		d.mu.Unlock()
		return fmt.Errorf("put %q in %s: %w", key, name, ErrStorageFull)
	}
	d.totalSize += size - old
	d.sizes[k] = size
	d.mu.Unlock()

	batch := new(leveldb.Batch)
	batch.Put(markerKey(name), []byte{})
	batch.Put([]byte(k), b)
	if err := d.db.Write(batch, nil); err != nil {
		d.release(k, old, existed, size)
		return err
	}
	d.ram.Put(k, ent, size)
	return nil
}

// release undoes a reservation made by Put, unless another put of the same
// key has replaced it in the meantime.
func (d *diskStorage) release(k string, old int64, existed bool, size int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.sizes[k]; !ok || cur != size {
		return
	}
	d.totalSize -= size - old
	if existed {
		d.sizes[k] = old
	} else {
		delete(d.sizes, k)
	}
}

// ---- ram tier ----

type ramItem struct {
	key  string
	ent  CacheEntry
	size int64
	prev *ramItem
	next *ramItem
}

// ramCache is an LRU bounded by encoded entry size. A zero budget disables it.
type ramCache struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64
}

func newRAMCache(maxBytes int64) *ramCache {
	return &ramCache{maxBytes: maxBytes, items: map[string]*ramItem{}}
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Get(key string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return CacheEntry{}, false
	}
	c.moveToFront(it)
	return it.ent, true
}

func (c *ramCache) DeletePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, it := range c.items {
		if strings.HasPrefix(k, prefix) {
			c.remove(it)
			delete(c.items, k)
			c.total -= it.size
		}
	}
}

func (c *ramCache) Put(key string, ent CacheEntry, size int64) {
	if c.maxBytes <= 0 || size > c.maxBytes {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[key]; ok {
		c.total += size - it.size
		it.ent = ent
		it.size = size
		c.moveToFront(it)
	} else {
		it := &ramItem{key: key, ent: ent, size: size}
		c.items[key] = it
		c.addToFront(it)
		c.total += size
	}

	for c.total > c.maxBytes && c.tail != nil {
		it := c.tail
		c.remove(it)
		delete(c.items, it.key)
		c.total -= it.size
	}
}

func (c *ramCache) addToFront(it *ramItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *ramCache) remove(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *ramCache) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.remove(it)
	c.addToFront(it)
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
