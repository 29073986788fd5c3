package hub

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"kbnet/pkg/metrics"
	"kbnet/pkg/protocol"
	"kbnet/pkg/registry"
	"kbnet/pkg/tunnel"
	"kbnet/pkg/types"

	"go.uber.org/zap"
)

// Resolve picks the connection a request for target should be tunneled
// through: the leaf itself, the child hub itself, or the child hub whose
// subtree holds target. The most recently registered child wins.
func (h *Hub) Resolve(target types.NodeID) (*tunnel.Client, string, error) {
	if leaf, ok := h.leaves.Get(target); ok {
		return leaf.Tunnel(), metrics.PeerLeaf, nil
	}
	if child, ok := h.hubs.Get(target); ok {
		return child.Tunnel(), metrics.PeerHub, nil
	}
	children := h.hubs.Snapshot()
	for i := len(children) - 1; i >= 0; i-- {
		if _, ok := children[i].Descendants()[target]; ok {
			return children[i].Tunnel(), metrics.PeerHub, nil
		}
	}
	return nil, "", fmt.Errorf("%w: %s", ErrNodeNotFound, target)
}

// RouteHTTPRequest forwards r to path on the node with id target.
func (h *Hub) RouteHTTPRequest(target types.NodeID, path string, w http.ResponseWriter, r *http.Request) {
	client, peer, err := h.Resolve(target)
	if err != nil {
		h.metrics.RouteMisses.Inc()
		protocol.WriteError(w, http.StatusInternalServerError, "Unable to locate node with id: "+string(target))
		return
	}

	h.logger.Debug("Routing request",
		zap.String("target", string(target)),
		zap.String("path", path),
		zap.String("method", r.Method))
	h.metrics.TunnelRequests.WithLabelValues(peer).Inc()
	client.Forward(path, w, r)
}

func (h *Hub) forwardToLeaf(leaf *registry.Leaf, path string, w http.ResponseWriter, r *http.Request) {
	h.metrics.TunnelRequests.WithLabelValues(metrics.PeerLeaf).Inc()
	leaf.Tunnel().Forward(path, w, r)
}

func (h *Hub) forwardToChildHub(child *registry.ChildHub, path string, w http.ResponseWriter, r *http.Request) {
	h.metrics.TunnelRequests.WithLabelValues(metrics.PeerHub).Inc()
	child.Tunnel().Forward(path, w, r)
}

// EscapePath escapes each segment of a slash separated path.
func EscapePath(p string) string {
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

func downloadPath(leafID types.NodeID, path string) string {
	return string(leafID) + "/download/" + EscapePath(path)
}

func proxyDownloadPath(nodeID types.NodeID, checksum, hint string) string {
	p := string(nodeID) + "/proxy-download/" + checksum
	if hint != "" {
		p += "/" + EscapePath(hint)
	}
	return p
}
