package teng

import (
	"crypto/md5"
	"encoding/hex"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

// cacheEntry is §3's "Cache entry": data plus the two serials used to
// detect staleness relative to a dependency and to a prior lookup.
type cacheEntry[T any] struct {
	data         T
	refs         *int // shared across all copies pointing at the same underlying value
	serial       int
	dependSerial int
}

// sourceKey joins key components with NUL bytes into the single string
// a cache entry is stored under (§4.9). It does not normalize or hash
// the components itself.
func sourceKey(parts ...string) string {
	return strings.Join(parts, "\x00")
}

func normalizedFileKey(root, filename string) string {
	return "f:" + normalizeFilename(filepath.Join(root, filename))
}

func inlineStringKey(src string) string {
	sum := md5.Sum([]byte(src))
	return "s:" + hex.EncodeToString(sum[:])
}

// typedCache wraps one hashicorp/golang-lru instance with the
// serial/dependSerial bookkeeping §4.9 describes. golang-lru gives
// strict LRU promotion on Get and bounded capacity with eviction on
// Add. Eviction is plain LRU: the least recently used entry goes
// whether or not its data is still referenced elsewhere (the refs
// field is not consulted).
type typedCache[T any] struct {
	lru *lru.Cache[string, *cacheEntry[T]]
}

func newTypedCache[T any](capacity int) (*typedCache[T], error) {
	l, err := lru.New[string, *cacheEntry[T]](capacity)
	if err != nil {
		return nil, errors.Wrap(err, "creating LRU cache")
	}
	return &typedCache[T]{lru: l}, nil
}

// find returns the cached value plus its serial and dependSerial, or
// ok=false on miss. A hit promotes the entry to most-recently-used
// (the library's Get already does this).
func (c *typedCache[T]) find(key string) (data T, dependSerial, serial int, ok bool) {
	e, found := c.lru.Get(key)
	if !found {
		return data, 0, 0, false
	}
	return e.data, e.dependSerial, e.serial, true
}

// add inserts or refreshes key. If an entry already exists, its
// serial is bumped unless equal reports the new data equal to the
// stored data (a nil equal bumps every time).
func (c *typedCache[T]) add(key string, data T, dependSerial int, equal func(a, b T) bool) {
	if existing, found := c.lru.Get(key); found {
		if equal != nil && equal(existing.data, data) {
			return
		}
		existing.data = data
		existing.dependSerial = dependSerial
		existing.serial++
		return
	}
	one := 1
	c.lru.Add(key, &cacheEntry[T]{data: data, refs: &one, dependSerial: dependSerial, serial: 0})
}

func (c *typedCache[T]) len() int { return c.lru.Len() }

// TemplateCache is component K: three LRUs (programs, dictionaries,
// configurations) with dependency-serial invalidation.
type TemplateCache struct {
	programs *typedCache[*Program]
	dicts    *typedCache[*Dictionary]
	configs  *typedCache[*Configuration]
}

func NewTemplateCache(capacity int) (*TemplateCache, error) {
	programs, err := newTypedCache[*Program](capacity)
	if err != nil {
		return nil, err
	}
	dicts, err := newTypedCache[*Dictionary](capacity)
	if err != nil {
		return nil, err
	}
	configs, err := newTypedCache[*Configuration](capacity)
	if err != nil {
		return nil, err
	}
	return &TemplateCache{programs: programs, dicts: dicts, configs: configs}, nil
}

// FindConfig/FindDict/FindProgram and their Add counterparts expose
// the §4.9 keying scheme: a config's key is [config-src]; a
// dictionary's key is [config-src, dict-src]; a program's key is
// [template-src, dict-src, config-src].

func (c *TemplateCache) FindConfig(configKey string) (*Configuration, int, int, bool) {
	return c.configs.find(sourceKey(configKey))
}

func (c *TemplateCache) AddConfig(configKey string, cfg *Configuration, dependSerial int) {
	c.configs.add(sourceKey(configKey), cfg, dependSerial, nil)
}

func (c *TemplateCache) FindDict(configKey, dictKey string) (*Dictionary, int, int, bool) {
	return c.dicts.find(sourceKey(configKey, dictKey))
}

func (c *TemplateCache) AddDict(configKey, dictKey string, dict *Dictionary, dependSerial int) {
	c.dicts.add(sourceKey(configKey, dictKey), dict, dependSerial, nil)
}

func (c *TemplateCache) FindProgram(templateKey, dictKey, configKey string) (*Program, int, int, bool) {
	return c.programs.find(sourceKey(templateKey, dictKey, configKey))
}

func (c *TemplateCache) AddProgram(templateKey, dictKey, configKey string, p *Program, dependSerial int) {
	c.programs.add(sourceKey(templateKey, dictKey, configKey), p, dependSerial, nil)
}

// NeedsRebuild implements the §4.9 invalidation check: the caller
// recomputes the dependency's current serial; if it differs from
// dependSerial at lookup time, or watchFiles is on and the cached
// program's sources changed on disk, it must be rebuilt.
func NeedsRebuild(dependSerial, currentDependSerial int, watchFiles bool, changed func() bool) bool {
	if dependSerial != currentDependSerial {
		return true
	}
	if watchFiles && changed != nil && changed() {
		return true
	}
	return false
}
