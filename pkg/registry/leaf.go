package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"kbnet/pkg/tunnel"
	"kbnet/pkg/types"
)

// DefaultMaxFilesPerLeaf bounds the content index kept for one leaf.
const DefaultMaxFilesPerLeaf = 100000

var (
	ErrTooManyFiles    = errors.New("too many files announced")
	ErrInvalidFileInfo = errors.New("invalid file info")
)

// Leaf is a connected leaf node and the files it has announced.
type Leaf struct {
	conn     Conn
	tunnel   *tunnel.Client
	maxFiles int

	indexMutex sync.RWMutex
	byPath     map[string]types.PRV
	byChecksum map[string]map[string]struct{}
}

func NewLeaf(conn Conn, client *tunnel.Client, maxFiles int) *Leaf {
	if maxFiles <= 0 {
		maxFiles = DefaultMaxFilesPerLeaf
	}
	return &Leaf{
		conn:       conn,
		tunnel:     client,
		maxFiles:   maxFiles,
		byPath:     make(map[string]types.PRV),
		byChecksum: make(map[string]map[string]struct{}),
	}
}

func (l *Leaf) NodeID() types.NodeID { return l.conn.NodeID() }

func (l *Leaf) Info() types.RegistrationInfo { return l.conn.Info() }

func (l *Leaf) Conn() Conn { return l.conn }

func (l *Leaf) Tunnel() *tunnel.Client { return l.tunnel }

func (l *Leaf) OnClose(fn func()) { l.conn.OnClose(fn) }

// SetFileInfo records the provenance of path, or forgets path when prv is
// nil.
func (l *Leaf) SetFileInfo(path string, prv *types.PRV) error {
	if path == "" || !types.SafePath(path) {
		return fmt.Errorf("%w: bad path %q", ErrInvalidFileInfo, path)
	}

	l.indexMutex.Lock()
	defer l.indexMutex.Unlock()

	if old, ok := l.byPath[path]; ok {
		l.unindexLocked(old.OriginalChecksum, path)
		delete(l.byPath, path)
	}
	if prv == nil {
		return nil
	}
	if len(l.byPath) >= l.maxFiles {
		return fmt.Errorf("%w: limit is %d", ErrTooManyFiles, l.maxFiles)
	}

	l.byPath[path] = *prv
	paths, ok := l.byChecksum[prv.OriginalChecksum]
	if !ok {
		paths = make(map[string]struct{})
		l.byChecksum[prv.OriginalChecksum] = paths
	}
	paths[path] = struct{}{}
	return nil
}

func (l *Leaf) unindexLocked(checksum, path string) {
	paths := l.byChecksum[checksum]
	delete(paths, path)
	if len(paths) == 0 {
		delete(l.byChecksum, checksum)
	}
}

// Lookup returns one announced path holding checksum. When several do, the
// lexically first is chosen.
func (l *Leaf) Lookup(checksum string) (string, types.PRV, bool) {
	l.indexMutex.RLock()
	defer l.indexMutex.RUnlock()

	paths := l.byChecksum[checksum]
	if len(paths) == 0 {
		return "", types.PRV{}, false
	}
	names := make([]string, 0, len(paths))
	for p := range paths {
		names = append(names, p)
	}
	sort.Strings(names)
	return names[0], l.byPath[names[0]], true
}

func (l *Leaf) FileCount() int {
	l.indexMutex.RLock()
	defer l.indexMutex.RUnlock()
	return len(l.byPath)
}

// LeafRegistry holds the leaves connected to a hub.
type LeafRegistry struct {
	*Registry[*Leaf]
}

func NewLeafRegistry(capacity int) *LeafRegistry {
	if capacity <= 0 {
		capacity = DefaultMaxLeaves
	}
	return &LeafRegistry{Registry: New[*Leaf]("leaf", capacity)}
}

// Find returns one match per leaf that announced checksum, in registration
// order.
func (r *LeafRegistry) Find(checksum string) []types.InternalFind {
	var finds []types.InternalFind
	r.Each(func(l *Leaf) {
		if path, prv, ok := l.Lookup(checksum); ok {
			finds = append(finds, types.InternalFind{
				LeafID: l.NodeID(),
				Path:   path,
				Size:   prv.OriginalSize,
			})
		}
	})
	return finds
}
