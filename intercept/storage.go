package intercept

import (
	"errors"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/dgraph-io/ristretto/v2"
)

const debugStorage = false

// keySeparator joins a session prefix and a segment key.
const keySeparator = ";"

// Storage persists recorded segments by key.
type Storage interface {
	Save(key string, blob []byte) error
	Load(key string) ([]byte, bool, error)
	Delete(key string) error
	// ListPrefix returns the keys beginning with prefix in ascending order.
	ListPrefix(prefix string) ([]string, error)
	Close()
}

// SessionStorage scopes s to one recording session; listed keys are returned without the session prefix.
func SessionStorage(s Storage, session string) Storage {
	if session == "" {
		return s
	}
	return &sessionStorage{store: s, prefix: session + keySeparator}
}

type sessionStorage struct {
	store  Storage
	prefix string
}

func (p *sessionStorage) Save(key string, blob []byte) error {
	return p.store.Save(p.prefix+key, blob)
}

func (p *sessionStorage) Load(key string) ([]byte, bool, error) {
	return p.store.Load(p.prefix + key)
}

func (p *sessionStorage) Delete(key string) error {
	return p.store.Delete(p.prefix + key)
}

func (p *sessionStorage) ListPrefix(prefix string) ([]string, error) {
	keys, err := p.store.ListPrefix(p.prefix + prefix)
	if err != nil {
		return nil, err
	}
	for i, k := range keys {
		keys[i] = strings.TrimPrefix(k, p.prefix)
	}
	return keys, nil
}

func (p *sessionStorage) Close() {
	p.store.Close()
}

// ListSessions returns the distinct session prefixes present in s.
func ListSessions(s Storage) ([]string, error) {
	keys, err := s.ListPrefix("")
	if err != nil {
		return nil, err
	}
	var sessions []string
	for _, k := range keys {
		if session, _, ok := strings.Cut(k, keySeparator); ok && !slices.Contains(sessions, session) {
			sessions = append(sessions, session)
		}
	}
	slices.Sort(sessions)
	return sessions, nil
}

type memStorage struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemStorage returns a Storage held in process memory.
func NewMemStorage() Storage {
	return &memStorage{data: make(map[string][]byte)}
}

func (m *memStorage) Save(key string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = slices.Clone(blob)
	return nil
}

func (m *memStorage) Load(key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	blob, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(blob), true, nil
}

func (m *memStorage) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

func (m *memStorage) ListPrefix(prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

func (m *memStorage) Close() {}

// cacheMetricsInterval is how often a debug store logs its cache metrics.
var cacheMetricsInterval = 60 * time.Second

type badgerStorage struct {
	db    *badger.DB
	debug bool
	stop  chan struct{}
}

// NewBadgerStorage opens or creates a recording store in the directory at path. Segments arrive compressed, so
// the store does not compress again. With debug set, cache metrics are logged periodically and on Close.
func NewBadgerStorage(path string, maxMemMB int, debug bool) (Storage, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("create storage dir failed: %w", err)
	}

	clamp := func(val, lo, high int64) int64 {
		return min(max(val, lo), high)
	}
	memTableSize := clamp(int64(maxMemMB/4), 8, 64) << 20
	opts := badger.DefaultOptions(path).
		WithInMemory(false).
		WithCompression(options.None).
		WithNumMemtables(2).
		WithMemTableSize(memTableSize).
		WithBaseTableSize(memTableSize).
		WithIndexCacheSize(clamp(int64(maxMemMB/4), 16, 128) << 20).
		WithValueLogFileSize(64 << 20)
	if !debugStorage {
		opts = opts.
			WithLoggingLevel(badger.ERROR).
			WithMetricsEnabled(false)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open storage db failed: %w", err)
	}
	b := &badgerStorage{db: db, debug: debug || debugStorage, stop: make(chan struct{})}
	if b.debug {
		go func() {
			ticker := time.NewTicker(cacheMetricsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-b.stop:
					return
				case <-ticker.C:
					b.logCacheMetrics()
				}
			}
		}()
	}
	return b, nil
}

// cacheMetrics reports and resets the metrics of each cache that saw traffic since the last call.
func (b *badgerStorage) cacheMetrics() []string {
	var lines []string
	report := func(name string, metrics *ristretto.Metrics) {
		if metrics.Hits() != 0 || metrics.Misses() != 0 {
			lines = append(lines, name+": "+metrics.String())
		}
		metrics.Clear()
	}
	report("block", b.db.BlockCacheMetrics())
	report("index", b.db.IndexCacheMetrics())
	return lines
}

func (b *badgerStorage) logCacheMetrics() {
	if b.db.IsClosed() {
		return
	}
	for _, line := range b.cacheMetrics() {
		log.Println(line)
	}
}

func (b *badgerStorage) Save(key string, blob []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), blob)
	})
}

func (b *badgerStorage) Load(key string) ([]byte, bool, error) {
	var blob []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		blob, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return blob, true, nil
}

func (b *badgerStorage) Delete(key string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (b *badgerStorage) ListPrefix(prefix string) ([]string, error) {
	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		itOpts := badger.DefaultIteratorOptions
		itOpts.PrefetchValues = false
		it := txn.NewIterator(itOpts)
		defer it.Close()
		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			keys = append(keys, string(it.Item().Key()))
		}
		return nil
	})
	return keys, err
}

func (b *badgerStorage) Close() {
	if b.debug {
		close(b.stop)
		b.logCacheMetrics()
	}
	if err := b.db.Close(); err != nil {
		log.Printf("%sclose storage: %v", ErrorLogPrefix, err)
	}
}
