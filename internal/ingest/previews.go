package ingest

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

const previewScheme = "blob:carspot/"

type preview struct {
	data        []byte
	contentType string
}

// Previews hands out revocable local locators for image bytes. Every Allocate
// must be paired with a Release, otherwise the bytes stay resident.
type Previews struct {
	mu    sync.RWMutex
	items map[string]preview
}

func NewPreviews() *Previews {
	return &Previews{items: make(map[string]preview)}
}

func (p *Previews) Allocate(data []byte, contentType string) string {
	url := previewScheme + uuid.NewString()
	p.mu.Lock()
	p.items[url] = preview{data: data, contentType: contentType}
	p.mu.Unlock()
	return url
}

// Open returns the bytes behind a live locator.
func (p *Previews) Open(url string) ([]byte, string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	item, ok := p.items[url]
	return item.data, item.contentType, ok
}

// Release revokes url. Releasing an unknown or already released locator is a no-op.
func (p *Previews) Release(url string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.items[url]; !ok {
		return false
	}
	delete(p.items, url)
	return true
}

// ReleaseAll revokes every outstanding locator and returns how many there were.
func (p *Previews) ReleaseAll() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.items)
	p.items = make(map[string]preview)
	return n
}

func (p *Previews) Outstanding() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.items)
}

// Locator rebuilds a preview locator from the id part a client echoes back.
func Locator(id string) string {
	return previewScheme + id
}

// LocatorID is the inverse of Locator.
func LocatorID(url string) string {
	return strings.TrimPrefix(url, previewScheme)
}
