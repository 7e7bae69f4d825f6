package sluice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrInvalidPath indicates a path that would escape the storage root.
var ErrInvalidPath = errors.New("invalid path: escapes storage root")

// ErrChunkTooLarge indicates a commit above the destination's append limit.
var ErrChunkTooLarge = errors.New("chunk exceeds append limit")

// ErrOffsetMismatch indicates a commit that does not continue the object.
var ErrOffsetMismatch = errors.New("chunk offset does not match object length")

// -----------------------------------------------------------------------------
// Filesystem Destination
// -----------------------------------------------------------------------------

// fsDestination implements Destination using the local filesystem.
type fsDestination struct {
	root string
}

// NewFSDestination creates a filesystem-backed Destination rooted at the
// given directory. The directory must exist.
//
// Objects are opened with O_APPEND and become visible as they are written;
// an export that fails leaves its partial file in place.
func NewFSDestination(root string) (Destination, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, os.ErrNotExist
	}
	return &fsDestination{root: root}, nil
}

func (f *fsDestination) CreateAppend(_ context.Context, info ObjectInfo) (AppendHandle, error) {
	fullPath, err := f.safePathForFile(info.Name)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(fullPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_APPEND, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrPathExists
		}
		return nil, err
	}
	return &fsAppendHandle{file: file, path: fullPath}, nil
}

func (f *fsDestination) safePathForFile(path string) (string, error) {
	cleaned := filepath.Clean(path)
	if cleaned == "." || path == "" {
		return "", ErrInvalidPath
	}
	if filepath.IsAbs(cleaned) {
		return "", ErrInvalidPath
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", ErrInvalidPath
	}

	fullPath := filepath.Join(f.root, cleaned)

	absRoot, err := filepath.Abs(f.root)
	if err != nil {
		return "", err
	}
	absPath, err := filepath.Abs(fullPath)
	if err != nil {
		return "", err
	}

	if !strings.HasPrefix(absPath, absRoot+string(filepath.Separator)) {
		return "", ErrInvalidPath
	}

	return absPath, nil
}

// fsAppendHandle appends to an open file.
type fsAppendHandle struct {
	file   *os.File
	path   string
	offset int64
	closed bool
}

func (h *fsAppendHandle) Commit(_ context.Context, chunk UploadChunk) error {
	if chunk.Offset != h.offset {
		return fmt.Errorf("%w: got %d, want %d", ErrOffsetMismatch, chunk.Offset, h.offset)
	}
	n, err := h.file.Write(chunk.Data)
	h.offset += int64(n)
	return err
}

func (h *fsAppendHandle) Finalize(_ context.Context) (string, error) {
	if err := h.file.Sync(); err != nil {
		_ = h.Close()
		return "", err
	}
	if err := h.Close(); err != nil {
		return "", err
	}
	return "file://" + filepath.ToSlash(h.path), nil
}

// Abort closes the file and removes the partial object.
func (h *fsAppendHandle) Abort(_ context.Context) error {
	_ = h.Close()
	err := os.Remove(h.path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// Close releases the file descriptor and keeps the partial object.
// It is safe to call more than once.
func (h *fsAppendHandle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	return h.file.Close()
}

// -----------------------------------------------------------------------------
// Memory Destination
// -----------------------------------------------------------------------------

// memoryObject is one object held by MemoryDestination.
type memoryObject struct {
	info      ObjectInfo
	data      []byte
	finalized bool
}

// MemoryDestination implements Destination using an in-memory map.
//
// MemoryDestination is safe for concurrent use across objects. It is
// intended for tests and dry runs.
type MemoryDestination struct {
	mu       sync.RWMutex
	objects  map[string]*memoryObject
	maxChunk int
}

// NewMemoryDestination creates an in-memory Destination. A positive
// maxChunk makes Commit reject larger chunks with ErrChunkTooLarge.
func NewMemoryDestination(maxChunk int) *MemoryDestination {
	return &MemoryDestination{
		objects:  make(map[string]*memoryObject),
		maxChunk: maxChunk,
	}
}

// CreateAppend implements Destination.
func (m *MemoryDestination) CreateAppend(_ context.Context, info ObjectInfo) (AppendHandle, error) {
	normalized, valid := normalizePathForFile(info.Name)
	if !valid {
		return nil, ErrInvalidPath
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.objects[normalized]; exists {
		return nil, ErrPathExists
	}
	info.Name = normalized
	obj := &memoryObject{info: info}
	m.objects[normalized] = obj
	return &memoryAppendHandle{dest: m, obj: obj}, nil
}

// Get returns the content and info of a finalized object.
// Incomplete objects are reported as ErrNotFound.
func (m *MemoryDestination) Get(name string) ([]byte, ObjectInfo, error) {
	normalized, valid := normalizePathForFile(name)
	if !valid {
		return nil, ObjectInfo{}, ErrInvalidPath
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, exists := m.objects[normalized]
	if !exists || !obj.finalized {
		return nil, ObjectInfo{}, ErrNotFound
	}
	return append([]byte(nil), obj.data...), obj.info, nil
}

// Open returns a reader over a finalized object.
func (m *MemoryDestination) Open(name string) (io.ReadCloser, error) {
	data, _, err := m.Get(name)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(strings.NewReader(string(data))), nil
}

// Names lists every object, finalized or not.
func (m *MemoryDestination) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.objects))
	for name := range m.objects {
		names = append(names, name)
	}
	return names
}

// Partial returns the bytes committed so far to an object regardless of
// whether it was finalized.
func (m *MemoryDestination) Partial(name string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, exists := m.objects[name]
	if !exists {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}

// memoryAppendHandle appends to a memoryObject.
type memoryAppendHandle struct {
	dest *MemoryDestination
	obj  *memoryObject
}

func (h *memoryAppendHandle) Commit(_ context.Context, chunk UploadChunk) error {
	if h.dest.maxChunk > 0 && len(chunk.Data) > h.dest.maxChunk {
		return fmt.Errorf("%w: %d > %d", ErrChunkTooLarge, len(chunk.Data), h.dest.maxChunk)
	}

	h.dest.mu.Lock()
	defer h.dest.mu.Unlock()

	if h.obj.finalized {
		return ErrSinkFinalized
	}
	if chunk.Offset != int64(len(h.obj.data)) {
		return fmt.Errorf("%w: got %d, want %d", ErrOffsetMismatch, chunk.Offset, len(h.obj.data))
	}
	h.obj.data = append(h.obj.data, chunk.Data...)
	return nil
}

func (h *memoryAppendHandle) Finalize(_ context.Context) (string, error) {
	h.dest.mu.Lock()
	defer h.dest.mu.Unlock()

	h.obj.finalized = true
	return "mem://" + h.obj.info.Name, nil
}

// Abort removes the object from the destination.
func (h *memoryAppendHandle) Abort(_ context.Context) error {
	h.dest.mu.Lock()
	defer h.dest.mu.Unlock()

	if h.obj.finalized {
		return ErrSinkFinalized
	}
	delete(h.dest.objects, h.obj.info.Name)
	return nil
}

func normalizePathForFile(path string) (string, bool) {
	if path == "" {
		return "", false
	}

	cleaned := filepath.Clean(path)
	cleaned = filepath.ToSlash(cleaned)
	cleaned = strings.TrimPrefix(cleaned, "/")

	if cleaned == ".." || strings.HasPrefix(cleaned, "../") || cleaned == "." {
		return "", false
	}

	return cleaned, true
}

// Ensure destinations implement Destination
var (
	_ Destination = (*fsDestination)(nil)
	_ Destination = (*MemoryDestination)(nil)
	_ Aborter     = (*fsAppendHandle)(nil)
	_ io.Closer   = (*fsAppendHandle)(nil)
	_ Aborter     = (*memoryAppendHandle)(nil)
)
