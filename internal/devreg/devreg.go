// Package devreg is the name-indexed device registry DEVOPEN resolves
// against. Grounded on defs/device.go's major/minor device-identifier
// concept, adapted to a string name since DEVOPEN takes a device name
// argument rather than a numeric major, mapped to a per-instance opener
// function instead of a fixed D_CONSOLE/D_RAWDISK/... const block, since
// this kernel's device set (virtio block instances) is configured at
// boot rather than fixed at compile time.
package devreg

import (
	"sync"

	"sv39kern/internal/errno"
	"sv39kern/internal/stream"
)

// Opener constructs a fresh stream.Stream for one instance of a named
// device; instno selects which of the device's instances (e.g. which of
// the virtio MMIO slots) to open.
type Opener func(instno int) (stream.Stream, errno.Err)

// Registry is the set of device names the kernel knows how to open.
type Registry struct {
	mu      sync.Mutex
	openers map[string]Opener
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{openers: make(map[string]Opener)}
}

// Register binds name to open, replacing any previous binding.
func (r *Registry) Register(name string, open Opener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openers[name] = open
}

// Open resolves name and opens instance instno, failing with ENODEV if
// name is not registered.
func (r *Registry) Open(name string, instno int) (stream.Stream, errno.Err) {
	r.mu.Lock()
	open, ok := r.openers[name]
	r.mu.Unlock()
	if !ok {
		return nil, errno.ENODEV
	}
	return open(instno)
}
