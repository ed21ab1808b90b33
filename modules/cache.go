package modules

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tetratelabs/wazero"
)

// DefaultCapacity bounds the compiled-module cache when no explicit
// capacity is configured.
const DefaultCapacity = 64

// Compiler turns raw module bytes into a compiled artifact. Implemented
// by *sandbox.Sandbox.
type Compiler interface {
	Compile(ctx context.Context, binary []byte) (wazero.CompiledModule, error)
}

// Cache memoizes compiled modules by reference. It holds compiled code
// only, never live instances: instances carry mutable memory that would
// leak state between unrelated tasks if reused. Entries are kept in a
// bounded LRU; evicted and purged modules are closed.
type Cache struct {
	source   Source
	compiler Compiler
	lru      *lru.Cache[string, wazero.CompiledModule]
}

// NewCache builds a Cache over the given source and compiler. A
// non-positive capacity selects DefaultCapacity.
func NewCache(source Source, compiler Compiler, capacity int) (*Cache, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l, err := lru.NewWithEvict(capacity, func(ref string, cm wazero.CompiledModule) {
		cm.Close(context.Background())
	})
	if err != nil {
		return nil, err
	}
	return &Cache{source: source, compiler: compiler, lru: l}, nil
}

// Resolve returns the compiled module for ref. The first resolution
// fetches and compiles; subsequent resolutions return the cached
// artifact without re-invoking the byte source. Failures surface as
// *FetchError or *CompileError.
//
// Concurrent first resolutions of the same reference may both compile;
// compiled artifacts for the same bytes are behaviorally equivalent, so
// the loser closes its redundant copy and returns the winner. No lock
// guards the fast path.
func (c *Cache) Resolve(ctx context.Context, ref string) (wazero.CompiledModule, error) {
	if cm, ok := c.lru.Get(ref); ok {
		return cm, nil
	}

	data, err := c.source.Fetch(ctx, ref)
	if err != nil {
		return nil, err
	}

	cm, err := c.compiler.Compile(ctx, data)
	if err != nil {
		return nil, &CompileError{Ref: ref, Err: err}
	}

	if prev, ok, _ := c.lru.PeekOrAdd(ref, cm); ok {
		cm.Close(ctx)
		return prev, nil
	}
	return cm, nil
}

// Len reports the number of cached compiled modules.
func (c *Cache) Len() int { return c.lru.Len() }

// Purge evicts and closes every cached module.
func (c *Cache) Purge() { c.lru.Purge() }
