// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package hook keeps track of out-of-box hooks: callbacks that fire when guest
// execution reaches a virtual address, either inside one process (keyed by its
// CR3) or anywhere in kernel space (universal hooks, CR3 = 0).
//
// Hooks are indexed in two levels, CR3 -> address -> callbacks, so that the
// translation engine can ask "is this block hooked?" on every translated
// block. Every callback also gets a small integer Descriptor for O(1)
// enable/disable/delete.
//
// A Registry is not safe for concurrent use. Wrap it in Locked when more than
// one goroutine touches it.
package hook

import (
	"go.uber.org/zap"
)

const (
	// MaxHooks is the default number of descriptor slots.
	MaxHooks = 1024

	// MaxLabelLength is the default label capacity. Labels must be strictly
	// shorter than this, leaving room for a terminator on the C side of the
	// engine.
	MaxLabelLength = 64

	// UniversalCR3 is the scope key reserved for universal hooks.
	UniversalCR3 uint64 = 0

	kernelMask uint64 = 0xFFFF000000000000
)

// Func is a hook callback. The argument is supplied by whoever fires the hook;
// List passes nil.
type Func func(arg any) any

// IsKernelAddr reports whether addr lies in the kernel half of a 64-bit
// address space (top 16 bits set).
func IsKernelAddr(addr uint64) bool {
	return addr&kernelMask == kernelMask
}

// siteKey identifies a site. Callbacks refer back to their site through it.
type siteKey struct {
	cr3  uint64
	addr uint64
}

type callback struct {
	site      siteKey
	desc      Descriptor
	enabled   bool
	universal bool
	label     string
	fn        Func
}

// site holds the callbacks registered at one (cr3, addr), in registration order.
type site struct {
	key       siteKey
	callbacks []*callback
}

// scope holds the sites of one CR3.
type scope struct {
	cr3   uint64
	sites map[uint64]*site
}

// Observer is notified of lifecycle events. Nil fields are skipped. The
// functions run synchronously inside the registry operation and must not call
// back into it.
type Observer struct {
	OnAdd    func(rec Record)
	OnDelete func(rec Record)
	OnReject func(err error)
}

// Registry owns every hook. The zero value is not usable; call New.
type Registry struct {
	scopes map[uint64]*scope
	table  *descriptorTable
	nodes  int

	pending bool

	maxLabel    int
	nodeLimit   int
	pruneScopes bool
	observer    Observer
	logger      *zap.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithCapacity sets the number of descriptor slots.
func WithCapacity(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.table = newDescriptorTable(n)
		}
	}
}

// WithMaxLabelLength sets the label capacity.
func WithMaxLabelLength(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxLabel = n
		}
	}
}

// WithNodeLimit caps the number of scope and site nodes. Zero means no limit.
func WithNodeLimit(n int) Option {
	return func(r *Registry) {
		if n >= 0 {
			r.nodeLimit = n
		}
	}
}

// WithScopePruning controls whether a CR3 scope is dropped once its last site
// is removed. Enabled by default.
func WithScopePruning(prune bool) Option {
	return func(r *Registry) {
		r.pruneScopes = prune
	}
}

// WithObserver installs lifecycle callbacks.
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		r.observer = o
	}
}

// WithLogger sets the logger used for lifecycle events.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		scopes:      make(map[uint64]*scope),
		table:       newDescriptorTable(MaxHooks),
		maxLabel:    MaxLabelLength,
		pruneScopes: true,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// findOrCreateScope returns the scope for cr3. created reports whether a new
// node was made, so a failed Add can undo it.
func (r *Registry) findOrCreateScope(cr3 uint64) (sc *scope, created bool, err error) {
	if sc, ok := r.scopes[cr3]; ok {
		return sc, false, nil
	}
	if err := r.reserveNode(); err != nil {
		return nil, false, err
	}
	sc = &scope{cr3: cr3, sites: make(map[uint64]*site)}
	r.scopes[cr3] = sc
	return sc, true, nil
}

func (r *Registry) findOrCreateSite(sc *scope, addr uint64) (*site, error) {
	if s, ok := sc.sites[addr]; ok {
		return s, nil
	}
	if err := r.reserveNode(); err != nil {
		return nil, err
	}
	s := &site{key: siteKey{cr3: sc.cr3, addr: addr}}
	sc.sites[addr] = s
	return s, nil
}

func (r *Registry) reserveNode() error {
	if r.nodeLimit > 0 && r.nodes >= r.nodeLimit {
		return ErrResourceExhausted
	}
	r.nodes++
	return nil
}

// removeSiteIfEmpty drops s once its last callback is gone, and then its
// scope if that was the scope's last site and pruning is on.
func (r *Registry) removeSiteIfEmpty(s *site) {
	if len(s.callbacks) > 0 {
		return
	}
	sc, ok := r.scopes[s.key.cr3]
	if !ok {
		return
	}
	delete(sc.sites, s.key.addr)
	r.nodes--
	if r.pruneScopes {
		r.removeScopeIfEmpty(sc)
	}
}

func (r *Registry) removeScopeIfEmpty(sc *scope) {
	if len(sc.sites) > 0 {
		return
	}
	delete(r.scopes, sc.cr3)
	r.nodes--
}

func (r *Registry) lookupSite(key siteKey) *site {
	sc, ok := r.scopes[key.cr3]
	if !ok {
		return nil
	}
	return sc.sites[key.addr]
}

// Len returns the number of live callbacks.
func (r *Registry) Len() int {
	return r.table.used
}

// Capacity returns the number of descriptor slots.
func (r *Registry) Capacity() int {
	return r.table.capacity()
}

// Sites returns the number of (cr3, addr) sites with at least one callback.
func (r *Registry) Sites() int {
	n := 0
	for _, sc := range r.scopes {
		n += len(sc.sites)
	}
	return n
}

// Scopes returns the number of CR3 scope nodes, including empty ones kept
// when pruning is disabled.
func (r *Registry) Scopes() int {
	return len(r.scopes)
}
