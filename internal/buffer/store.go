// Package buffer hosts the editable text buffers files are opened into. An
// editor front-end edits buffers through the store; saves and closes are
// forwarded to a Listener.
package buffer

import (
	"bytes"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned for handles that are not open.
var ErrNotFound = errors.New("buffer not found")

// Listener receives buffer lifecycle signals. It is called without the store
// lock held and may read from the store.
type Listener interface {
	HandleSave(handle string, content []byte) error
	HandleClose(handle string) error
}

// Buffer is one open buffer.
type Buffer struct {
	Handle string `json:"handle"`
	Path   string `json:"path"`
	// Content is the current content, including unsaved edits.
	Content []byte `json:"-"`
	// Saved is the content at bind time or the last save.
	Saved     []byte `json:"-"`
	Version   int64  `json:"version"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Modified reports whether the buffer holds edits that were not saved.
func (b *Buffer) Modified() bool {
	return !bytes.Equal(b.Content, b.Saved)
}

type Store struct {
	mu       sync.RWMutex
	buffers  map[string]*Buffer
	listener Listener
}

func NewStore() *Store {
	return &Store{
		buffers: make(map[string]*Buffer),
	}
}

// SetListener replaces the listener; nil stops forwarding.
func (s *Store) SetListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
}

// Bind opens a new buffer holding content and returns its handle.
func (s *Store) Bind(path string, content []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := uuid.NewString()
	s.buffers[h] = &Buffer{
		Handle:    h,
		Path:      path,
		Content:   bytes.Clone(content),
		Saved:     bytes.Clone(content),
		Version:   1,
		UpdatedAt: time.Now().UnixMilli(),
	}
	return h, nil
}

// Contents returns a copy of the buffer's current content.
func (s *Store) Contents(handle string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buffers[handle]
	if !ok {
		return nil, false
	}
	return bytes.Clone(b.Content), true
}

// Get returns a snapshot of the buffer.
func (s *Store) Get(handle string) (Buffer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buffers[handle]
	if !ok {
		return Buffer{}, false
	}
	out := *b
	out.Content = bytes.Clone(b.Content)
	out.Saved = bytes.Clone(b.Saved)
	return out, true
}

// List returns snapshots of every open buffer sorted by path.
func (s *Store) List() []Buffer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Buffer, 0, len(s.buffers))
	for _, b := range s.buffers {
		out = append(out, Buffer{Handle: b.Handle, Path: b.Path, Version: b.Version, UpdatedAt: b.UpdatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Edit replaces the buffer content without saving it.
func (s *Store) Edit(handle string, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buffers[handle]
	if !ok {
		return ErrNotFound
	}
	b.Content = bytes.Clone(content)
	b.Version++
	b.UpdatedAt = time.Now().UnixMilli()
	return nil
}

// Save saves the buffer, first replacing its content when content is non-nil,
// and forwards the saved content to the listener.
func (s *Store) Save(handle string, content []byte) error {
	s.mu.Lock()
	b, ok := s.buffers[handle]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if content != nil {
		b.Content = bytes.Clone(content)
		b.Version++
	}
	b.Saved = bytes.Clone(b.Content)
	b.UpdatedAt = time.Now().UnixMilli()
	saved := bytes.Clone(b.Content)
	l := s.listener
	s.mu.Unlock()

	if l == nil {
		return nil
	}
	return l.HandleSave(handle, saved)
}

// Close tells the listener the buffer is going away, then drops it. The buffer
// is still readable while the listener runs.
func (s *Store) Close(handle string) error {
	s.mu.RLock()
	_, ok := s.buffers[handle]
	l := s.listener
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	var err error
	if l != nil {
		err = l.HandleClose(handle)
	}

	s.mu.Lock()
	delete(s.buffers, handle)
	s.mu.Unlock()
	return err
}

// CloseAll drops every buffer without notifying the listener.
func (s *Store) CloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffers = make(map[string]*Buffer)
}
