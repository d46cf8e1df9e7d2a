package logfile

import (
	"container/list"
	"sync"
)

// Pool caches open *File handles with LRU eviction, adapted from the
// teacher's FilePool (caddy-plugin/store/filepool.go) — one handle per live
// stream incarnation, evicted when the pool is full or the stream is
// deleted/resurrected (spec §4.2, §5 "Log files are opened once per (live)
// stream and cached").
type Pool struct {
	mu      sync.Mutex
	maxSize int
	files   map[string]*entry
	lru     *list.List
}

type entry struct {
	key     string
	file    *File
	element *list.Element
}

// NewPool creates a pool that keeps at most maxSize handles open.
func NewPool(maxSize int) *Pool {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &Pool{maxSize: maxSize, files: make(map[string]*entry), lru: list.New()}
}

// Get returns the open handle for key, opening it via open() if not already
// cached.
func (p *Pool) Get(key string, open func() (*File, error)) (*File, error) {
	p.mu.Lock()
	if e, ok := p.files[key]; ok {
		p.lru.MoveToFront(e.element)
		p.mu.Unlock()
		return e.file, nil
	}
	p.mu.Unlock()

	f, err := open()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.files[key]; ok {
		// Lost the race to another opener; keep theirs, close ours.
		f.Close()
		p.lru.MoveToFront(e.element)
		return e.file, nil
	}
	p.evictLocked()
	e := &entry{key: key, file: f}
	e.element = p.lru.PushFront(e)
	p.files[key] = e
	return f, nil
}

// Remove closes and evicts key's handle, if open.
func (p *Pool) Remove(key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.files[key]
	if !ok {
		return nil
	}
	p.lru.Remove(e.element)
	delete(p.files, key)
	return e.file.Close()
}

// Close closes every cached handle.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var lastErr error
	for key, e := range p.files {
		if err := e.file.Close(); err != nil {
			lastErr = err
		}
		delete(p.files, key)
	}
	p.lru.Init()
	return lastErr
}

func (p *Pool) evictLocked() {
	if len(p.files) < p.maxSize {
		return
	}
	elem := p.lru.Back()
	if elem == nil {
		return
	}
	e := elem.Value.(*entry)
	p.lru.Remove(elem)
	delete(p.files, e.key)
	e.file.Close()
}
