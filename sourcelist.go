package teng

import (
	"path/filepath"
)

// fileStat is the freshness fingerprint for one loaded source: size
// and modification time, as reported by the Filesystem collaborator
// (§6.1) rather than a direct os.Stat call, so callers can back this
// with any byte source, not just the local disk.
type fileStat struct {
	size  int64
	mtime int64
	ok    bool // false if the stat lookup failed when the entry was pushed
}

func (a fileStat) equal(b fileStat) bool {
	return a.ok == b.ok && a.size == b.size && a.mtime == b.mtime
}

// StatFunc stats a path, returning the freshness fingerprint a later
// isChanged() call compares against.
type StatFunc func(path string) (size int64, mtime int64, err error)

type sourceEntry struct {
	filename string
	stat     fileStat
}

// SourceList is §6.6's "deduplicated list of loaded sources with
// freshness hashes" (component D): every compiled Program carries one,
// built up as the compiler pulls in files via include/extends, and
// later consulted to decide whether a cached program is stale.
// Dictionaries and configurations do not carry one.
type SourceList struct {
	sources []*sourceEntry
	index   map[string]int
	stat    StatFunc
}

func NewSourceList(stat StatFunc) *SourceList {
	return &SourceList{index: make(map[string]int), stat: stat}
}

// normalizeFilename cleans a path the way the original implementation
// collapses "./" and repeated separators before using it as a
// deduplication key.
func normalizeFilename(name string) string {
	if name == "" {
		return name
	}
	return filepath.Clean(name)
}

// Push records filename as a dependency of the source being parsed,
// returning its stable index within this list. Pushing the same
// (normalized) filename twice returns the existing index instead of
// creating a duplicate entry.
func (l *SourceList) Push(filename string) int {
	filename = normalizeFilename(filename)
	if i, ok := l.index[filename]; ok {
		return i
	}

	entry := &sourceEntry{filename: filename}
	if l.stat != nil {
		if size, mtime, err := l.stat(filename); err == nil {
			entry.stat = fileStat{size: size, mtime: mtime, ok: true}
		}
	}

	i := len(l.sources)
	l.sources = append(l.sources, entry)
	l.index[filename] = i
	return i
}

// At returns the filename at index i, or "" if out of range.
func (l *SourceList) At(i int) string {
	if i < 0 || i >= len(l.sources) {
		return ""
	}
	return l.sources[i].filename
}

func (l *SourceList) Len() int { return len(l.sources) }

// IsChanged re-stats every source and reports true the moment one no
// longer matches its recorded fingerprint — including a source that
// used to stat successfully and now fails, or vice versa. A stat
// error on a source that already failed at Push time is not itself a
// change (the file was already known-missing).
func (l *SourceList) IsChanged() bool {
	if l.stat == nil {
		return false
	}
	for _, entry := range l.sources {
		var cur fileStat
		if size, mtime, err := l.stat(entry.filename); err == nil {
			cur = fileStat{size: size, mtime: mtime, ok: true}
		}
		if !cur.equal(entry.stat) {
			return true
		}
	}
	return false
}
