// Package cache stores extracted chapter content between runs of the same
// source, so a repeated check does not refetch bodies that were already
// pulled and parsed.
package cache

import "sync"

// ChapterCache is the minimal contract the content stage needs: look up a
// chapter body by its URL, and store one after extraction.
//
// Concurrency:
//   - Implementations must be safe for concurrent use; stages may check and
//     fill from multiple goroutines.
type ChapterCache interface {
	// Get returns the cached content and true when url is present.
	Get(url string) (string, bool)

	// Put stores content under url, replacing any previous entry.
	//
	// Edge cases:
	//   - Empty content is stored as-is; a cached empty body means "fetched
	//     and extracted nothing", which is still worth remembering.
	Put(url string, content string)
}

// Memory is an in-process ChapterCache backed by a map. It never evicts;
// a check run touches at most a few hundred chapters.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]string
}

// NewMemory returns an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]string)}
}

// Get implements ChapterCache.
func (m *Memory) Get(url string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	content, ok := m.entries[url]
	return content, ok
}

// Put implements ChapterCache.
func (m *Memory) Put(url, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[url] = content
}

// Len reports the number of cached chapters.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Nop is a ChapterCache that remembers nothing. It is the default when a
// caller does not care about refetch cost.
type Nop struct{}

// Get implements ChapterCache; it always misses.
func (Nop) Get(string) (string, bool) { return "", false }

// Put implements ChapterCache; it discards the entry.
func (Nop) Put(string, string) {}

var (
	_ ChapterCache = (*Memory)(nil)
	_ ChapterCache = Nop{}
)
