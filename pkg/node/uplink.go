package node

import (
	"context"
	"fmt"
	"time"

	"kbnet/pkg/connection"
	"kbnet/pkg/metrics"
	"kbnet/pkg/protocol"
	"kbnet/pkg/tunnel"

	"go.uber.org/zap"
)

// Uplink returns the registered connection to the parent hub, or nil.
func (n *Node) Uplink() *connection.Parent {
	n.uplinkMutex.RLock()
	defer n.uplinkMutex.RUnlock()
	return n.uplink
}

func (n *Node) setUplink(p *connection.Parent) {
	n.uplinkMutex.Lock()
	n.uplink = p
	n.uplinkMutex.Unlock()

	if p != nil {
		n.metrics.UplinkRegistered.Set(1)
	} else {
		n.metrics.UplinkRegistered.Set(0)
	}
	n.updateHealth()
}

// runUplink keeps this node registered with its parent hub, backing off
// exponentially between failed attempts.
func (n *Node) runUplink() {
	defer n.wg.Done()

	initial := n.cfg.Timing.ReconnectInitial.Std()
	maxDelay := n.cfg.Timing.ReconnectMax.Std()
	delay := initial

	for {
		registered, err := n.connectToParent()
		if n.ctx.Err() != nil {
			return
		}

		if registered {
			delay = initial
			n.logger.Info("Connection to parent hub closed, reconnecting",
				zap.String("parent_hub_url", n.cfg.ParentHubURL),
				zap.Duration("retry_in", delay))
		} else {
			n.logger.Warn("Failed to connect to parent hub",
				zap.String("parent_hub_url", n.cfg.ParentHubURL),
				zap.Duration("retry_in", delay),
				zap.Error(err))
		}

		select {
		case <-n.ctx.Done():
			return
		case <-time.After(delay):
		}

		if !registered {
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		}
	}
}

// connectToParent runs one session with the parent hub. It reports whether
// registration succeeded and returns once the connection is gone.
func (n *Node) connectToParent() (bool, error) {
	n.metrics.UplinkAttempts.Inc()

	ctx, cancel := context.WithTimeout(n.ctx, n.cfg.Timing.RegisterTimeout.Std())
	defer cancel()

	parent, err := connection.Dial(ctx, n.cfg.ParentHubURL, n.self, n.logger)
	if err != nil {
		n.metrics.UplinkFailures.Inc()
		return false, err
	}

	server := tunnel.NewServer(parent, n.localURL, n.logger)
	server.OnBytes(n.metrics.ByteCounter(metrics.PeerParent))
	defer server.Close()
	parent.OnMessage(n.parentHandler(server))

	if err := parent.Register(ctx, n.registrationInfo()); err != nil {
		n.metrics.UplinkFailures.Inc()
		return false, fmt.Errorf("failed to register with parent hub: %w", err)
	}

	n.setUplink(parent)
	defer n.setUplink(nil)

	n.logger.Info("Uplink established",
		zap.String("parent_id", string(parent.NodeID())),
		zap.String("parent_hub_url", n.cfg.ParentHubURL))

	if n.share != nil {
		n.share.SetAnnouncer(parent)
		defer n.share.SetAnnouncer(nil)
		replayed := n.share.Replay()
		n.logger.Debug("Announced indexed files to parent hub", zap.Int("files", replayed))
	}

	if n.hub != nil {
		n.reportNodeData(parent)
	} else {
		select {
		case <-parent.Done():
		case <-n.ctx.Done():
		}
	}

	parent.Close()
	<-parent.Done()
	return true, nil
}

// reportNodeData sends this hub's descendant map to the parent right away
// and then every NodeDataInterval until the session ends.
func (n *Node) reportNodeData(parent *connection.Parent) {
	ticker := time.NewTicker(n.cfg.Timing.NodeDataInterval.Std())
	defer ticker.Stop()

	for {
		err := parent.Send(&protocol.Message{Command: protocol.CmdReportNodeData, Data: n.hub.NodeData()})
		if err != nil {
			n.logger.Debug("Failed to report node data", zap.Error(err))
			return
		}
		select {
		case <-parent.Done():
			return
		case <-n.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (n *Node) parentHandler(server *tunnel.Server) func(*protocol.Message) error {
	return func(msg *protocol.Message) error {
		switch msg.Kind() {
		case protocol.KindTunnelRequest:
			return server.HandleMessage(msg)
		case protocol.KindTopHubURL:
			if n.hub == nil {
				return fmt.Errorf("unexpected %s for a leaf", msg.Command)
			}
			n.logger.Debug("Top hub url updated", zap.String("top_hub_url", msg.TopHubURL))
			n.hub.SetTopHubURL(msg.TopHubURL)
		default:
			return fmt.Errorf("unexpected message from parent hub: %q", msg.Command)
		}
		return nil
	}
}
