// Package leaf serves a shared directory and announces its files to the
// parent hub.
package leaf

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"kbnet/pkg/protocol"
	"kbnet/pkg/types"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Announcer delivers set_file_info messages to the parent hub.
type Announcer interface {
	Send(msg *protocol.Message) error
}

type indexEntry struct {
	prv     types.PRV
	size    int64
	modTime time.Time
}

// Share is one leaf's shared directory and the content index built from it.
type Share struct {
	nodeID types.NodeID
	dir    string
	logger *zap.Logger

	mu        sync.RWMutex
	index     map[string]indexEntry
	announcer Announcer
	scanMutex sync.Mutex
}

func NewShare(nodeID types.NodeID, dir string, logger *zap.Logger) (*Share, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve share directory: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to open share directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("share directory %s is not a directory", abs)
	}
	return &Share{
		nodeID: nodeID,
		dir:    abs,
		logger: logger,
		index:  make(map[string]indexEntry),
	}, nil
}

func (s *Share) Dir() string {
	return s.dir
}

// excludedDir reports directory names that are never shared or indexed.
func excludedDir(name string) bool {
	switch name {
	case "node_modules", ".git", ".kbucket":
		return true
	}
	return false
}

// SetAnnouncer sets where file announcements go. A nil announcer stops
// announcing.
func (s *Share) SetAnnouncer(a Announcer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.announcer = a
}

func (s *Share) announce(rel string, prv *types.PRV) {
	s.mu.RLock()
	a := s.announcer
	s.mu.RUnlock()
	if a == nil {
		return
	}
	if err := a.Send(&protocol.Message{Command: protocol.CmdSetFileInfo, Path: rel, PRV: prv}); err != nil {
		s.logger.Debug("Failed to announce file", zap.String("path", rel), zap.Error(err))
	}
}

// Replay announces every indexed file in path order. Called after each
// registration with a parent hub.
func (s *Share) Replay() int {
	s.mu.RLock()
	paths := make([]string, 0, len(s.index))
	for p := range s.index {
		paths = append(paths, p)
	}
	s.mu.RUnlock()
	sort.Strings(paths)

	for _, p := range paths {
		if prv, ok := s.PRV(p); ok {
			s.announce(p, &prv)
		}
	}
	return len(paths)
}

// PRV returns the indexed provenance record for rel.
func (s *Share) PRV(rel string) (types.PRV, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.index[rel]
	return e.prv, ok
}

func (s *Share) FileCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

// Scan walks the share, hashes new or modified files and announces every
// change, including files that disappeared.
func (s *Share) Scan(ctx context.Context) error {
	s.scanMutex.Lock()
	defer s.scanMutex.Unlock()

	seen := make(map[string]bool)
	changed := 0
	err := filepath.WalkDir(s.dir, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			s.logger.Warn("Skipping unreadable path", zap.String("path", full), zap.Error(err))
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if full != s.dir && excludedDir(d.Name()) {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(s.dir, full)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		seen[rel] = true

		info, err := d.Info()
		if err != nil {
			return nil
		}
		s.mu.RLock()
		old, known := s.index[rel]
		s.mu.RUnlock()
		if known && old.size == info.Size() && old.modTime.Equal(info.ModTime()) {
			return nil
		}

		prv, err := ComputePRV(s.dir, rel)
		if err != nil {
			s.logger.Warn("Failed to compute prv", zap.String("path", rel), zap.Error(err))
			return nil
		}
		s.mu.Lock()
		s.index[rel] = indexEntry{prv: prv, size: info.Size(), modTime: info.ModTime()}
		s.mu.Unlock()
		changed++
		s.announce(rel, &prv)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan share directory: %w", err)
	}

	s.mu.Lock()
	var removed []string
	for rel := range s.index {
		if !seen[rel] {
			removed = append(removed, rel)
			delete(s.index, rel)
		}
	}
	s.mu.Unlock()
	sort.Strings(removed)
	for _, rel := range removed {
		s.announce(rel, nil)
	}

	if changed > 0 || len(removed) > 0 {
		s.logger.Info("Share directory indexed",
			zap.Int("files", s.FileCount()),
			zap.Int("changed", changed),
			zap.Int("removed", len(removed)))
	}
	return nil
}

// Run rescans the share every interval until ctx is done.
func (s *Share) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Scan(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("Share scan failed", zap.Error(err))
			}
		}
	}
}

// RegisterRoutes attaches the leaf endpoints to r.
func (s *Share) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/find/{checksum}", s.HandleFind).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/find/{checksum}/{hint:.*}", s.HandleFind).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/{id}/api/readdir/{subdirectory:.*}", s.HandleReaddir).Methods(http.MethodGet)
	r.HandleFunc("/{id}/download/{filename:.*}", s.HandleDownload).Methods(http.MethodGet, http.MethodHead)
}

func (s *Share) HandleFind(w http.ResponseWriter, r *http.Request) {
	protocol.WriteError(w, http.StatusInternalServerError, "Cannot find. This is not a hub.")
}

// checkRequest validates the id and path of a share request and resolves
// the path on disk.
func (s *Share) checkRequest(w http.ResponseWriter, id, rel string) (string, bool) {
	if !types.SafePath(rel) {
		protocol.WriteError(w, http.StatusInternalServerError, "Unsafe path: "+rel)
		return "", false
	}
	if types.NodeID(id) != s.nodeID {
		protocol.WriteError(w, http.StatusInternalServerError, "Incorrect share id: "+id)
		return "", false
	}
	return filepath.Join(s.dir, filepath.FromSlash(path.Clean("/" + rel))), true
}

func (s *Share) HandleReaddir(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sub := strings.TrimSuffix(vars["subdirectory"], "/")
	full, ok := s.checkRequest(w, vars["id"], sub)
	if !ok {
		return
	}

	entries, err := os.ReadDir(full)
	if err != nil {
		protocol.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := types.ReaddirResponse{Success: true, Files: []types.FileEntry{}, Dirs: []types.DirEntry{}}
	for _, e := range entries {
		name := e.Name()
		if name == ".kbucket" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			protocol.WriteError(w, http.StatusInternalServerError, fmt.Sprintf("Error in stat of file %s: %v", name, err))
			return
		}
		switch {
		case info.Mode().IsRegular():
			file := types.FileEntry{Name: name, Size: info.Size()}
			if prv, ok := s.PRV(path.Join(sub, name)); ok {
				file.PRV = &prv
			}
			resp.Files = append(resp.Files, file)
		case info.IsDir():
			if !excludedDir(name) {
				resp.Dirs = append(resp.Dirs, types.DirEntry{Name: name})
			}
		}
	}
	protocol.WriteJSON(w, http.StatusOK, resp)
}

func (s *Share) HandleDownload(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	filename := vars["filename"]
	full, ok := s.checkRequest(w, vars["id"], filename)
	if !ok {
		return
	}

	f, err := os.Open(full)
	if errors.Is(err, fs.ErrNotExist) {
		http.Error(w, "404: File Not Found", http.StatusNotFound)
		return
	}
	if err != nil {
		protocol.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		protocol.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !info.Mode().IsRegular() {
		protocol.WriteError(w, http.StatusInternalServerError, "Not a file: "+filename)
		return
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}
