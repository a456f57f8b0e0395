// Package condition evaluates gating expressions for condition nodes and
// arrow guards. Expressions are sandboxed: the evaluation environment
// contains data values only, so no function calls or arbitrary code can
// run, and every expression must produce a boolean.
package condition

import (
	"container/list"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Cache is a thread-safe LRU cache for compiled expression programs.
type Cache struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List
	mu       sync.Mutex
}

type cacheEntry struct {
	key     string
	program *vm.Program
}

// NewCache creates a compiled-expression cache with the given capacity.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 100
	}

	return &Cache{
		capacity: capacity,
		cache:    make(map[string]*list.Element),
		lruList:  list.New(),
	}
}

// Get retrieves a compiled program from the cache.
func (c *Cache) Get(key string) (*vm.Program, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if element, found := c.cache[key]; found {
		c.lruList.MoveToFront(element)
		return element.Value.(*cacheEntry).program, true
	}

	return nil, false
}

// Put stores a compiled program, evicting the least recently used entry
// when the cache is full.
func (c *Cache) Put(key string, program *vm.Program) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if element, found := c.cache[key]; found {
		c.lruList.MoveToFront(element)
		element.Value.(*cacheEntry).program = program
		return
	}

	element := c.lruList.PushFront(&cacheEntry{key: key, program: program})
	c.cache[key] = element

	if c.lruList.Len() > c.capacity {
		oldest := c.lruList.Back()
		if oldest != nil {
			c.lruList.Remove(oldest)
			delete(c.cache, oldest.Value.(*cacheEntry).key)
		}
	}
}

// Len returns the current number of cached programs.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

// Clear removes all cached programs.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]*list.Element)
	c.lruList = list.New()
}

// compileAndCache compiles an expression as a boolean program, consulting
// the cache first. Programs are compiled with undefined variables allowed
// so one compiled program serves every evaluation context, and with all
// builtin functions disabled so identifiers such as count or len always
// name context values.
func (c *Cache) compileAndCache(expression string) (*vm.Program, error) {
	if program, found := c.Get(expression); found {
		return program, nil
	}

	program, err := expr.Compile(expression, expr.AllowUndefinedVariables(), expr.DisableAllBuiltins(), expr.AsBool())
	if err != nil {
		return nil, err
	}

	c.Put(expression, program)
	return program, nil
}
