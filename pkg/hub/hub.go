// Package hub accepts child connections and routes HTTP requests and
// checksum lookups through the subtree below this node.
package hub

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"kbnet/pkg/channel"
	"kbnet/pkg/connection"
	"kbnet/pkg/identity"
	"kbnet/pkg/metrics"
	"kbnet/pkg/protocol"
	"kbnet/pkg/registry"
	"kbnet/pkg/tunnel"
	"kbnet/pkg/types"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	DefaultMaxInternalFinds = 10
	DefaultMaxParallelFinds = 4
	DefaultFindTimeout      = 10 * time.Second
)

var (
	ErrNodeNotFound    = errors.New("node not found")
	ErrInvalidChecksum = errors.New("invalid checksum")
)

// Options bounds what a hub accepts and how far it fans out.
type Options struct {
	MaxLeaves        int
	MaxChildHubs     int
	MaxFilesPerLeaf  int
	MaxInternalFinds int
	MaxParallelFinds int
	FindTimeout      time.Duration
	RedirectPrefix   string
}

func (o *Options) applyDefaults() {
	if o.MaxInternalFinds <= 0 {
		o.MaxInternalFinds = DefaultMaxInternalFinds
	}
	if o.MaxParallelFinds <= 0 {
		o.MaxParallelFinds = DefaultMaxParallelFinds
	}
	if o.FindTimeout <= 0 {
		o.FindTimeout = DefaultFindTimeout
	}
	if o.RedirectPrefix == "" {
		o.RedirectPrefix = tunnel.DefaultRedirectPrefix
	}
}

// Hub is the parent side of the tree: it owns the leaf and child hub
// registries and everything routed through them.
type Hub struct {
	self    *identity.Identity
	info    types.RegistrationInfo
	opts    Options
	leaves  *registry.LeafRegistry
	hubs    *registry.HubRegistry
	metrics *metrics.Metrics
	logger  *zap.Logger

	upgrader websocket.Upgrader

	connMutex sync.Mutex
	conns     map[*connection.Child]struct{}
	closed    bool
}

// New creates a hub that introduces itself to children with info. A nil m
// registers collectors on a private registry.
func New(self *identity.Identity, info types.RegistrationInfo, opts Options, m *metrics.Metrics, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(prometheus.NewRegistry())
	}
	opts.applyDefaults()
	info.NodeType = types.NodeTypeHub

	logger = logger.With(zap.String("hub_id", string(self.NodeID)))
	return &Hub{
		self:    self,
		info:    info,
		opts:    opts,
		leaves:  registry.NewLeafRegistry(opts.MaxLeaves),
		hubs:    registry.NewHubRegistry(opts.MaxChildHubs, logger),
		metrics: m,
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*connection.Child]struct{}),
	}
}

func (h *Hub) NodeID() types.NodeID {
	return h.self.NodeID
}

func (h *Hub) ListenURL() string {
	return h.info.ListenURL
}

func (h *Hub) Leaves() *registry.LeafRegistry {
	return h.leaves
}

func (h *Hub) ChildHubs() *registry.HubRegistry {
	return h.hubs
}

func (h *Hub) TopHubURL() string {
	return h.hubs.TopHubURL()
}

// SetTopHubURL records the root's url and pushes it to every child hub.
func (h *Hub) SetTopHubURL(url string) {
	h.hubs.SetTopHubURL(url)
}

// IsTop reports whether this hub is the root of its tree as far as it knows.
func (h *Hub) IsTop() bool {
	top := h.hubs.TopHubURL()
	return top == "" || top == h.info.ListenURL
}

// ServeWebSocket upgrades a child's request and starts its connection.
func (h *Hub) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade child connection",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
		return
	}
	h.Accept(channel.NewWebSocketTransport(conn))
}

// Accept runs the registration handshake on t.
func (h *Hub) Accept(t channel.Transport) *connection.Child {
	c := connection.NewChild(t, h.self, h.logger)

	h.connMutex.Lock()
	if h.closed {
		h.connMutex.Unlock()
		c.Reject("Hub is shutting down")
		return c
	}
	h.conns[c] = struct{}{}
	h.connMutex.Unlock()

	c.OnRegistered(h.register)
	c.Start()

	go func() {
		<-c.Done()
		h.connMutex.Lock()
		delete(h.conns, c)
		h.connMutex.Unlock()
	}()
	return c
}

// Close drops every child connection and waits for them to finish.
func (h *Hub) Close() {
	h.connMutex.Lock()
	h.closed = true
	conns := make([]*connection.Child, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.connMutex.Unlock()

	for _, c := range conns {
		c.Close()
	}
	for _, c := range conns {
		<-c.Done()
	}
}

func (h *Hub) register(c *connection.Child) error {
	nodeType := c.Info().NodeType
	peer := metrics.PeerLeaf
	if nodeType == types.NodeTypeHub {
		peer = metrics.PeerHub
	}

	client := tunnel.NewClient(c, h.logger.With(zap.String("node_id", string(c.NodeID()))))
	client.SetRedirectPrefix(h.opts.RedirectPrefix)
	client.OnBytes(h.metrics.ByteCounter(peer))

	switch nodeType {
	case types.NodeTypeLeaf:
		leaf := registry.NewLeaf(c, client, h.opts.MaxFilesPerLeaf)
		if err := h.leaves.Add(leaf); err != nil {
			h.metrics.RegistrationRejections.WithLabelValues(rejectionReason(err)).Inc()
			return fmt.Errorf("failed to add leaf: %w", err)
		}
		c.OnMessage(h.leafHandler(leaf))
	case types.NodeTypeHub:
		child := registry.NewChildHub(c, client)
		if err := h.hubs.Add(child); err != nil {
			h.metrics.RegistrationRejections.WithLabelValues(rejectionReason(err)).Inc()
			return fmt.Errorf("failed to add child hub: %w", err)
		}
		c.OnMessage(h.childHubHandler(child))
	default:
		return fmt.Errorf("unexpected child node type: %s", nodeType)
	}

	c.OnClose(func() {
		client.Close(connection.ErrClosed)
		h.logger.Info("Child node disconnected",
			zap.String("node_id", string(c.NodeID())),
			zap.String("node_type", string(nodeType)))
	})

	if err := c.Confirm(h.info); err != nil {
		return fmt.Errorf("failed to confirm registration: %w", err)
	}
	if nodeType == types.NodeTypeHub {
		if child, ok := h.hubs.Get(c.NodeID()); ok {
			if err := h.hubs.SendTopHubURL(child); err != nil {
				h.logger.Warn("Failed to send top hub url", zap.Error(err))
			}
		}
	}

	h.metrics.RegistrationsAccepted.WithLabelValues(string(nodeType)).Inc()
	return nil
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, registry.ErrCapacity):
		return "capacity"
	case errors.Is(err, registry.ErrDuplicate):
		return "duplicate"
	default:
		return "other"
	}
}

func (h *Hub) leafHandler(leaf *registry.Leaf) func(*protocol.Message) (*protocol.Message, error) {
	return func(msg *protocol.Message) (*protocol.Message, error) {
		switch msg.Kind() {
		case protocol.KindFileInfo:
			err := leaf.SetFileInfo(msg.Path, msg.PRV)
			if errors.Is(err, registry.ErrTooManyFiles) {
				return nil, err
			}
			if err != nil {
				h.logger.Warn("Ignoring file info from leaf",
					zap.String("node_id", string(leaf.NodeID())),
					zap.Error(err))
			}
		case protocol.KindTunnelResponse:
			h.handleTunnelResponse(leaf.Tunnel(), leaf.NodeID(), msg)
		case protocol.KindAck, protocol.KindError, protocol.KindRegister, protocol.KindConfirmRegistration,
			protocol.KindTopHubURL, protocol.KindNodeData, protocol.KindTunnelRequest, protocol.KindUnknown:
			h.logger.Warn("Unexpected message from leaf",
				zap.String("node_id", string(leaf.NodeID())),
				zap.String("command", string(msg.Command)))
		}
		return nil, nil
	}
}

func (h *Hub) childHubHandler(child *registry.ChildHub) func(*protocol.Message) (*protocol.Message, error) {
	return func(msg *protocol.Message) (*protocol.Message, error) {
		switch msg.Kind() {
		case protocol.KindNodeData:
			if err := child.SetDescendants(msg.Data); err != nil {
				h.logger.Warn("Ignoring node data from child hub",
					zap.String("node_id", string(child.NodeID())),
					zap.Error(err))
			}
		case protocol.KindTunnelResponse:
			h.handleTunnelResponse(child.Tunnel(), child.NodeID(), msg)
		case protocol.KindAck, protocol.KindError, protocol.KindRegister, protocol.KindConfirmRegistration,
			protocol.KindTopHubURL, protocol.KindFileInfo, protocol.KindTunnelRequest, protocol.KindUnknown:
			h.logger.Warn("Unexpected message from child hub",
				zap.String("node_id", string(child.NodeID())),
				zap.String("command", string(msg.Command)))
		}
		return nil, nil
	}
}

func (h *Hub) handleTunnelResponse(client *tunnel.Client, id types.NodeID, msg *protocol.Message) {
	if err := client.HandleMessage(msg); err != nil {
		h.logger.Warn("Failed to handle tunneled response",
			zap.String("node_id", string(id)),
			zap.String("request_id", msg.RequestID),
			zap.Error(err))
	}
}

// DescendantMap describes every node below this hub. Child hub maps are
// merged oldest registration first, then direct children are added on top.
func (h *Hub) DescendantMap() types.DescendantMap {
	out := types.DescendantMap{}
	children := h.hubs.Snapshot()
	for _, child := range children {
		for id, n := range child.Descendants() {
			out[id] = n
		}
	}
	for _, leaf := range h.leaves.Snapshot() {
		out[leaf.NodeID()] = types.DescendantNode{
			NodeID:       leaf.NodeID(),
			ParentNodeID: h.self.NodeID,
			ListenURL:    leaf.Info().ListenURL,
			NodeType:     types.NodeTypeLeaf,
		}
	}
	for _, child := range children {
		out[child.NodeID()] = types.DescendantNode{
			NodeID:       child.NodeID(),
			ParentNodeID: h.self.NodeID,
			ListenURL:    child.Info().ListenURL,
			NodeType:     types.NodeTypeHub,
		}
	}
	return out
}

// NodeData is the report this hub sends to its own parent.
func (h *Hub) NodeData() *types.NodeData {
	return &types.NodeData{
		NodeID:          h.self.NodeID,
		DescendantNodes: h.DescendantMap(),
	}
}

// Stats implements metrics.StatsSource.
func (h *Hub) Stats() metrics.Stats {
	files := 0
	h.leaves.Each(func(l *registry.Leaf) {
		files += l.FileCount()
	})
	return metrics.Stats{
		Leaves:      h.leaves.Len(),
		ChildHubs:   h.hubs.Len(),
		Descendants: len(h.DescendantMap()),
		Files:       files,
	}
}

// Describe fills the hub specific parts of a nodeinfo response.
func (h *Hub) Describe(resp *types.NodeInfoResponse) {
	resp.ChildHubs = h.hubs.IDs()
	resp.ChildLeaves = h.leaves.IDs()
	resp.TopHubURL = h.hubs.TopHubURL()
	resp.DescendantCount = len(h.DescendantMap())
}
