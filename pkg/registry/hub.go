package registry

import (
	"fmt"
	"sync"

	"kbnet/pkg/protocol"
	"kbnet/pkg/tunnel"
	"kbnet/pkg/types"

	"go.uber.org/zap"
)

// ChildHub is a connected child hub and the last descendant map it
// reported.
type ChildHub struct {
	conn   Conn
	tunnel *tunnel.Client

	descendantMutex sync.RWMutex
	descendants     types.DescendantMap
}

func NewChildHub(conn Conn, client *tunnel.Client) *ChildHub {
	return &ChildHub{
		conn:        conn,
		tunnel:      client,
		descendants: types.DescendantMap{},
	}
}

func (h *ChildHub) NodeID() types.NodeID { return h.conn.NodeID() }

func (h *ChildHub) Info() types.RegistrationInfo { return h.conn.Info() }

func (h *ChildHub) Conn() Conn { return h.conn }

func (h *ChildHub) Tunnel() *tunnel.Client { return h.tunnel }

func (h *ChildHub) OnClose(fn func()) { h.conn.OnClose(fn) }

// SetDescendants replaces the cached descendant map with a report from the
// child hub.
func (h *ChildHub) SetDescendants(data *types.NodeData) error {
	if data == nil {
		return fmt.Errorf("node data report is empty")
	}
	if data.NodeID != "" && data.NodeID != h.NodeID() {
		return fmt.Errorf("node data reported for %s by child hub %s", data.NodeID, h.NodeID())
	}

	h.descendantMutex.Lock()
	defer h.descendantMutex.Unlock()
	h.descendants = data.DescendantNodes.Clone()
	return nil
}

// Descendants returns a copy of the cached descendant map.
func (h *ChildHub) Descendants() types.DescendantMap {
	h.descendantMutex.RLock()
	defer h.descendantMutex.RUnlock()
	return h.descendants.Clone()
}

// HubRegistry holds the child hubs connected to a hub and pushes the top hub
// url down to them.
type HubRegistry struct {
	*Registry[*ChildHub]
	logger *zap.Logger

	topMutex  sync.RWMutex
	topHubURL string
}

func NewHubRegistry(capacity int, logger *zap.Logger) *HubRegistry {
	if capacity <= 0 {
		capacity = DefaultMaxChildHubs
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HubRegistry{
		Registry: New[*ChildHub]("child hub", capacity),
		logger:   logger,
	}
}

func (r *HubRegistry) TopHubURL() string {
	r.topMutex.RLock()
	defer r.topMutex.RUnlock()
	return r.topHubURL
}

// SetTopHubURL stores url and, when it changed, sends it to every connected
// child hub.
func (r *HubRegistry) SetTopHubURL(url string) {
	r.topMutex.Lock()
	if r.topHubURL == url {
		r.topMutex.Unlock()
		return
	}
	r.topHubURL = url
	r.topMutex.Unlock()

	r.Each(func(h *ChildHub) {
		if err := r.SendTopHubURL(h); err != nil {
			r.logger.Warn("Failed to send top hub url to child hub",
				zap.String("node_id", string(h.NodeID())),
				zap.Error(err))
		}
	})
}

// SendTopHubURL sends the current top hub url to h, if one is known.
func (r *HubRegistry) SendTopHubURL(h *ChildHub) error {
	url := r.TopHubURL()
	if url == "" {
		return nil
	}
	return h.conn.Send(&protocol.Message{Command: protocol.CmdSetTopHubURL, TopHubURL: url})
}
