// Package node runs a hub or a leaf: the HTTP surface, the uplink to the
// parent hub and the background loops around them.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"kbnet/pkg/config"
	"kbnet/pkg/connection"
	"kbnet/pkg/hub"
	"kbnet/pkg/identity"
	"kbnet/pkg/leaf"
	"kbnet/pkg/metrics"
	"kbnet/pkg/protocol"
	"kbnet/pkg/types"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
)

const (
	MonitorInterval = 15 * time.Second
	ShutdownTimeout = 5 * time.Second
)

type Node struct {
	cfg      *config.Config
	self     *identity.Identity
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	hub   *hub.Hub
	share *leaf.Share

	listenURL  string
	localURL   string
	listener   net.Listener
	httpServer *http.Server
	monitor    *metrics.Monitor

	grpcServer   *grpc.Server
	healthServer *health.Server
	healthAddr   string

	uplinkMutex sync.RWMutex
	uplink      *connection.Parent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates cfg and loads (or creates) the node's key pair.
func New(cfg *config.Config, logger *zap.Logger) (*Node, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	self, err := identity.LoadOrCreate(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load node identity: %w", err)
	}

	reg := prometheus.NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		cfg:      cfg,
		self:     self,
		logger:   logger.With(zap.String("node_id", string(self.NodeID)), zap.String("node_type", string(cfg.NodeType))),
		registry: reg,
		metrics:  metrics.New(reg),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func (n *Node) NodeID() types.NodeID {
	return n.self.NodeID
}

// ListenURL is the public url this node advertises. Only valid after Start.
func (n *Node) ListenURL() string {
	return n.listenURL
}

// Hub is nil for a leaf and before Start.
func (n *Node) Hub() *hub.Hub {
	return n.hub
}

// Share is nil for a hub and before Start.
func (n *Node) Share() *leaf.Share {
	return n.share
}

func (n *Node) Metrics() *metrics.Metrics {
	return n.metrics
}

// HealthAddr is the bound address of the gRPC health server, if any.
func (n *Node) HealthAddr() string {
	return n.healthAddr
}

// Start binds the listener, builds the hub or share and starts serving. It
// returns once everything is running.
func (n *Node) Start() error {
	listener, err := net.Listen("tcp", n.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", n.cfg.ListenAddress, err)
	}
	n.listener = listener

	n.localURL = localURL(listener.Addr())
	n.listenURL, err = publicURL(n.cfg.ListenURL, listener.Addr())
	if err != nil {
		listener.Close()
		return err
	}

	info := n.registrationInfo()
	switch n.cfg.NodeType {
	case types.NodeTypeHub:
		n.hub = hub.New(n.self, info, hub.Options{
			MaxLeaves:        n.cfg.Limits.MaxLeaves,
			MaxChildHubs:     n.cfg.Limits.MaxChildHubs,
			MaxFilesPerLeaf:  n.cfg.Limits.MaxFilesPerLeaf,
			MaxInternalFinds: n.cfg.Limits.MaxInternalFinds,
			MaxParallelFinds: n.cfg.Limits.MaxParallelFinds,
			FindTimeout:      n.cfg.Timing.FindTimeout.Std(),
			RedirectPrefix:   n.cfg.RedirectPrefix,
		}, n.metrics, n.logger)
		if n.cfg.ParentHubURL == "" {
			n.hub.SetTopHubURL(n.listenURL)
		}
	case types.NodeTypeLeaf:
		n.share, err = leaf.NewShare(n.self.NodeID, n.cfg.ShareDir, n.logger)
		if err != nil {
			listener.Close()
			return fmt.Errorf("failed to open share: %w", err)
		}
	}

	if n.cfg.HealthAddress != "" {
		if err := n.startHealthServer(); err != nil {
			listener.Close()
			return err
		}
	}

	n.httpServer = &http.Server{
		Handler:           n.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.logger.Error("HTTP server stopped", zap.Error(err))
		}
	}()

	n.monitor = metrics.NewMonitor(n.metrics, n, MonitorInterval, n.logger)
	n.monitor.Start()

	if n.share != nil {
		n.wg.Add(1)
		go n.runShare()
	}
	if n.cfg.ParentHubURL != "" {
		n.wg.Add(1)
		go n.runUplink()
	}

	n.logger.Info("Node started",
		zap.String("listen_address", listener.Addr().String()),
		zap.String("listen_url", n.listenURL),
		zap.String("parent_hub_url", n.cfg.ParentHubURL))
	return nil
}

// Stop closes the uplink and every child connection and waits for the
// background loops to exit.
func (n *Node) Stop() {
	n.cancel()

	if p := n.Uplink(); p != nil {
		p.Close()
	}
	if n.hub != nil {
		n.hub.Close()
	}
	if n.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		if err := n.httpServer.Shutdown(ctx); err != nil {
			n.logger.Warn("HTTP server shutdown incomplete", zap.Error(err))
		}
		cancel()
	}
	if n.grpcServer != nil {
		n.grpcServer.GracefulStop()
	}
	if n.monitor != nil {
		n.monitor.Stop()
	}
	n.wg.Wait()

	n.logger.Info("Node stopped")
}

func (n *Node) runShare() {
	defer n.wg.Done()
	if err := n.share.Scan(n.ctx); err != nil && !errors.Is(err, context.Canceled) {
		n.logger.Warn("Initial share scan failed", zap.Error(err))
	}
	n.share.Run(n.ctx, n.cfg.Timing.ScanInterval.Std())
}

func (n *Node) registrationInfo() types.RegistrationInfo {
	info := n.cfg.RegistrationInfo()
	info.ListenURL = n.listenURL
	return info
}

// Stats implements metrics.StatsSource for both node types.
func (n *Node) Stats() metrics.Stats {
	if n.hub != nil {
		return n.hub.Stats()
	}
	if n.share != nil {
		return metrics.Stats{Files: n.share.FileCount()}
	}
	return metrics.Stats{}
}

// Ready reports whether the node is attached to the tree: a root hub always
// is, anything else once its parent confirmed registration.
func (n *Node) Ready() bool {
	return n.cfg.ParentHubURL == "" || n.Uplink() != nil
}

func (n *Node) handler() http.Handler {
	r := mux.NewRouter()

	metrics.NewHealthEndpoint(n.Ready, metrics.Handler(n.registry)).RegisterHandlers(r)
	r.HandleFunc("/api/nodeinfo", n.handleSelfInfo).Methods(http.MethodGet)
	r.HandleFunc("/{id}/api/nodeinfo", n.handleNodeInfo).Methods(http.MethodGet)
	if n.hub != nil {
		n.hub.RegisterRoutes(r)
	} else {
		n.share.RegisterRoutes(r)
	}

	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodHead, http.MethodOptions},
		AllowedHeaders: []string{"Range", "Content-Type"},
		ExposedHeaders: []string{"Content-Length", "Content-Range", "Accept-Ranges"},
	}).Handler(r)
}

func (n *Node) handleNodeInfo(w http.ResponseWriter, r *http.Request) {
	id := types.NodeID(mux.Vars(r)["id"])
	if id != n.self.NodeID {
		if n.hub == nil {
			protocol.WriteError(w, http.StatusInternalServerError, "Cannot route request from non-hub.")
			return
		}
		n.hub.RouteHTTPRequest(id, string(id)+"/api/nodeinfo", w, r)
		return
	}
	n.handleSelfInfo(w, r)
}

// handleSelfInfo describes this node without the caller knowing its id.
func (n *Node) handleSelfInfo(w http.ResponseWriter, r *http.Request) {
	resp := types.NodeInfoResponse{
		Success: true,
		Info:    types.NewNodeInfo(n.self.NodeID, n.registrationInfo()),
	}
	if p := n.Uplink(); p != nil {
		parent := types.NewNodeInfo(p.NodeID(), p.Info())
		resp.ParentHubInfo = &parent
	}
	if n.hub != nil {
		n.hub.Describe(&resp)
	}
	protocol.WriteJSON(w, http.StatusOK, resp)
}

// localURL is how this process reaches its own HTTP server.
func localURL(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok || tcp.IP == nil || tcp.IP.IsUnspecified() {
		_, port, _ := net.SplitHostPort(addr.String())
		return "http://" + net.JoinHostPort("127.0.0.1", port)
	}
	return "http://" + tcp.String()
}

// publicURL fills in the bound port when the configured url asks for port 0.
func publicURL(configured string, addr net.Addr) (string, error) {
	u, err := url.Parse(configured)
	if err != nil {
		return "", fmt.Errorf("failed to parse listen url: %w", err)
	}
	if u.Port() == "0" {
		_, port, _ := net.SplitHostPort(addr.String())
		u.Host = net.JoinHostPort(u.Hostname(), port)
	}
	return strings.TrimSuffix(u.String(), "/"), nil
}
