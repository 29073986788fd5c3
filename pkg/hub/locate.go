package hub

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"kbnet/pkg/metrics"
	"kbnet/pkg/registry"
	"kbnet/pkg/types"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// FindByChecksum locates a file by SHA-1 across the leaves of this hub and,
// through them, every child hub. hint is only appended to urls. Child hubs
// that fail to answer are left out of the result.
func (h *Hub) FindByChecksum(ctx context.Context, checksum, hint string) (*types.FindResult, error) {
	start := time.Now()
	defer func() {
		h.metrics.FindLatency.Observe(time.Since(start).Seconds())
	}()

	if !types.ValidChecksum(checksum) {
		h.metrics.FindRequests.WithLabelValues(metrics.FindInvalid).Inc()
		return nil, fmt.Errorf("%w: %q", ErrInvalidChecksum, checksum)
	}

	finds := h.leaves.Find(checksum)
	childFinds, childURLs := h.findInChildHubs(ctx, checksum, hint, h.opts.MaxInternalFinds-len(finds))
	finds = append(finds, childFinds...)
	if len(finds) > h.opts.MaxInternalFinds {
		finds = finds[:h.opts.MaxInternalFinds]
	}

	result := &types.FindResult{
		Checksum:      checksum,
		Found:         len(finds) > 0,
		URLs:          []string{},
		InternalFinds: finds,
	}
	if !result.Found {
		h.metrics.FindRequests.WithLabelValues(metrics.FindNotFound).Inc()
		return result, nil
	}

	result.Size = finds[0].Size
	result.URLs = h.findURLs(finds, childURLs)
	if self := strings.TrimSuffix(h.info.ListenURL, "/"); self != "" {
		result.URLs = appendUnique(result.URLs, self+"/"+proxyDownloadPath(h.self.NodeID, checksum, hint))
	}
	h.metrics.FindRequests.WithLabelValues(metrics.FindFound).Inc()
	return result, nil
}

// childFind is what one child hub reported for a checksum.
type childFind struct {
	finds []types.InternalFind
	urls  []string
}

// findInChildHubs asks child hubs for checksum until want finds have been
// collected. It returns the finds and, per child hub, the urls it reported.
func (h *Hub) findInChildHubs(ctx context.Context, checksum, hint string, want int) ([]types.InternalFind, map[types.NodeID][]string) {
	children := h.hubs.Snapshot()
	if len(children) == 0 || want <= 0 {
		return nil, nil
	}

	path := "find/" + checksum
	if hint != "" {
		path += "/" + EscapePath(hint)
	}

	var (
		mu        sync.Mutex
		collected int
	)
	enough := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return collected >= want
	}

	perChild := make([]childFind, len(children))
	var g errgroup.Group
	g.SetLimit(h.opts.MaxParallelFinds)
	for i, child := range children {
		if enough() {
			break
		}
		g.Go(func() error {
			if enough() {
				return nil
			}
			found := h.findInChildHub(ctx, child, path)
			perChild[i] = found
			mu.Lock()
			collected += len(found.finds)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	var out []types.InternalFind
	urls := map[types.NodeID][]string{}
	for i, found := range perChild {
		out = append(out, found.finds...)
		if len(found.urls) > 0 {
			urls[children[i].NodeID()] = found.urls
		}
	}
	return out, urls
}

func (h *Hub) findInChildHub(ctx context.Context, child *registry.ChildHub, path string) childFind {
	ctx, cancel := context.WithTimeout(ctx, h.opts.FindTimeout)
	defer cancel()

	var resp types.FindResponse
	if err := child.Tunnel().GetJSON(ctx, path, &resp); err != nil {
		h.metrics.ChildFindFailures.Inc()
		h.logger.Warn("Find in child hub failed",
			zap.String("child_hub_id", string(child.NodeID())),
			zap.Error(err))
		return childFind{}
	}
	if !resp.Found {
		return childFind{}
	}

	finds := make([]types.InternalFind, 0, len(resp.Results))
	for _, f := range resp.Results {
		f.ChildHubID = child.NodeID()
		finds = append(finds, f)
	}
	return childFind{finds: finds, urls: resp.URLs}
}

// findURLs lists direct download urls for each match: the leaf's own, then
// each ancestor hub's up to this one. Direct urls a child hub reported for
// the match come first, so leaves missing from the cached descendant map
// still get their own url.
func (h *Hub) findURLs(finds []types.InternalFind, childURLs map[types.NodeID][]string) []string {
	nodes := h.DescendantMap()
	urls := []string{}
	for _, f := range finds {
		suffix := "/" + downloadPath(f.LeafID, f.Path)

		if f.ChildHubID != "" {
			for _, u := range childURLs[f.ChildHubID] {
				if strings.HasSuffix(u, suffix) {
					urls = appendUnique(urls, u)
				}
			}
		}

		if leaf, ok := nodes[f.LeafID]; ok {
			if u := strings.TrimSuffix(leaf.ListenURL, "/"); u != "" {
				urls = appendUnique(urls, u+suffix)
			}
			for _, u := range ancestorURLs(nodes, leaf.ParentNodeID, h.self.NodeID) {
				urls = appendUnique(urls, u+suffix)
			}
		}
		if self := strings.TrimSuffix(h.info.ListenURL, "/"); self != "" {
			urls = appendUnique(urls, self+suffix)
		}
	}
	return urls
}

// ancestorURLs walks parent links from id until it reaches stop, leaves the
// map, or revisits a node.
func ancestorURLs(nodes types.DescendantMap, id, stop types.NodeID) []string {
	var urls []string
	visited := map[types.NodeID]bool{}
	for id != "" && id != stop && !visited[id] {
		visited[id] = true
		n, ok := nodes[id]
		if !ok {
			break
		}
		if u := strings.TrimSuffix(n.ListenURL, "/"); u != "" {
			urls = append(urls, u)
		}
		id = n.ParentNodeID
	}
	return urls
}

func appendUnique(list []string, s string) []string {
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	return append(list, s)
}
