// Package imgreg implements the image deduplication table and
// per-process mapping lists (spec §4.3): every sampled binary, shared
// library, the kernel itself, and every loaded module is represented
// once, and each process's view of which image backs which address
// range is tracked without relying on munmap notifications.
package imgreg

import "sync"

// Cookie is the kernel-provided dentry cookie used to dedup images when
// available. A Cookie of 0 means "no cookie" and path-based dedup
// applies instead.
type Cookie uint64

// Image is one deduplicated backing file: an executable, a shared
// library, the kernel, or a kernel module.
type Image struct {
	ID       int
	Cookie   Cookie
	Path     string
	AppOwner string // owning application's path, for JIT/legacy dedup
	IsKernel bool   // vmlinux or a kernel module, set by the kernel registry
}

type pathKey struct {
	path     string
	appOwner string
}

// Registry deduplicates images by cookie when one is present, else by
// (path, app-owner). It never evicts entries during a session: once an
// image is known it stays known, since offsets computed against it may
// still be referenced by samples arriving later (spec §4.3).
type Registry struct {
	mu       sync.Mutex
	byCookie map[Cookie]*Image
	byPath   map[pathKey]*Image
	images   []*Image
}

// New creates an empty registry sized for the common case of roughly
// 2000 distinct images in one session.
func New() *Registry {
	return &Registry{
		byCookie: make(map[Cookie]*Image, 2000),
		byPath:   make(map[pathKey]*Image, 2000),
	}
}

// ImageByCookie returns the image for cookie, creating it with the
// given path if this is the first time cookie has been seen. cookie
// must be non-zero; callers without a cookie should use ImageByPath.
func (r *Registry) ImageByCookie(cookie Cookie, path string) *Image {
	r.mu.Lock()
	defer r.mu.Unlock()
	if img, ok := r.byCookie[cookie]; ok {
		return img
	}
	img := r.newImageLocked(cookie, path, "")
	r.byCookie[cookie] = img
	return img
}

// ImageByPath returns the image for (path, appOwner), creating it if
// this is the first time the pair has been seen. Used when the kernel
// did not supply a cookie (legacy path, or JIT-produced objects).
func (r *Registry) ImageByPath(path, appOwner string) *Image {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := pathKey{path, appOwner}
	if img, ok := r.byPath[key]; ok {
		return img
	}
	img := r.newImageLocked(0, path, appOwner)
	r.byPath[key] = img
	return img
}

func (r *Registry) newImageLocked(cookie Cookie, path, appOwner string) *Image {
	img := &Image{ID: len(r.images), Cookie: cookie, Path: path, AppOwner: appOwner}
	r.images = append(r.images, img)
	return img
}

// Count returns the number of distinct images registered.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.images)
}

// ByID returns the image with the given ID, or nil if out of range.
func (r *Registry) ByID(id int) *Image {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id < 0 || id >= len(r.images) {
		return nil
	}
	return r.images[id]
}
