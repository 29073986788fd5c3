package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"kbnet/pkg/config"
	"kbnet/pkg/node"
	"kbnet/pkg/types"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const version = "0.1.0"

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "kbnet",
		Short: "Overlay network for sharing files through a tree of hubs",
		Long: `kbnet connects leaf nodes that share a directory to a tree of hubs.
Hubs route HTTP requests down the tree and locate files by SHA-1 checksum.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		initCommand(),
		hubCmd(),
		leafCmd(),
		findCmd(),
		treeCmd(),
		healthCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type nodeFlags struct {
	listen      string
	listenURL   string
	parent      string
	shareDir    string
	healthAddr  string
	name        string
	maxLeaves   int
	maxChildHub int
}

func (f *nodeFlags) register(cmd *cobra.Command, nodeType types.NodeType) {
	cmd.Flags().StringVar(&f.listen, "listen", "", "address to listen on")
	cmd.Flags().StringVar(&f.listenURL, "listen-url", "", "public url other nodes use to reach this node")
	cmd.Flags().StringVar(&f.parent, "parent", "", "url of the parent hub")
	cmd.Flags().StringVar(&f.healthAddr, "health-address", "", "address for the gRPC health server")
	cmd.Flags().StringVar(&f.name, "name", "", "display name of this node")
	if nodeType == types.NodeTypeLeaf {
		cmd.Flags().StringVar(&f.shareDir, "share", "", "directory to share")
	} else {
		cmd.Flags().IntVar(&f.maxLeaves, "max-leaves", 0, "maximum number of connected leaves")
		cmd.Flags().IntVar(&f.maxChildHub, "max-child-hubs", 0, "maximum number of connected child hubs")
	}
}

// apply overrides cfg with every flag that was set.
func (f *nodeFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("listen") {
		cfg.ListenAddress = f.listen
		if !cmd.Flags().Changed("listen-url") {
			cfg.ListenURL = ""
		}
	}
	if cmd.Flags().Changed("listen-url") {
		cfg.ListenURL = f.listenURL
	}
	if cmd.Flags().Changed("parent") {
		cfg.ParentHubURL = f.parent
	}
	if cmd.Flags().Changed("share") {
		cfg.ShareDir = f.shareDir
	}
	if cmd.Flags().Changed("health-address") {
		cfg.HealthAddress = f.healthAddr
	}
	if cmd.Flags().Changed("name") {
		cfg.Name = f.name
	}
	if cmd.Flags().Changed("max-leaves") {
		cfg.Limits.MaxLeaves = f.maxLeaves
	}
	if cmd.Flags().Changed("max-child-hubs") {
		cfg.Limits.MaxChildHubs = f.maxChildHub
	}
}

func loadNodeConfig(cmd *cobra.Command, nodeType types.NodeType, flags *nodeFlags) (*config.Config, error) {
	var cfg *config.Config
	path := configFile
	if path == "" {
		if _, err := os.Stat(config.GetConfigPath()); err == nil {
			path = config.GetConfigPath()
		}
	}
	if path != "" {
		var err error
		cfg, err = config.LoadConfig(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.NodeType != nodeType {
			return nil, fmt.Errorf("config %s is for a %s node, not a %s", path, cfg.NodeType, nodeType)
		}
	} else {
		cfg = config.LoadFromEnvFor(nodeType)
	}

	flags.apply(cmd, cfg)
	cfg = cfg.WithDefaults()
	return cfg, nil
}

func runNodeCmd(nodeType types.NodeType) func(cmd *cobra.Command, flags *nodeFlags) error {
	return func(cmd *cobra.Command, flags *nodeFlags) error {
		logger := setupLogger(verbose)
		defer logger.Sync()

		cfg, err := loadNodeConfig(cmd, nodeType, flags)
		if err != nil {
			return err
		}

		n, err := node.New(cfg, logger)
		if err != nil {
			return err
		}
		if err := n.Start(); err != nil {
			return fmt.Errorf("failed to start %s: %w", nodeType, err)
		}

		logger.Info("Node running",
			zap.String("node_id", string(n.NodeID())),
			zap.String("listen_url", n.ListenURL()))

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutting down", zap.String("node_type", string(nodeType)))
		n.Stop()
		return nil
	}
}

func hubCmd() *cobra.Command {
	flags := &nodeFlags{}
	run := runNodeCmd(types.NodeTypeHub)
	cmd := &cobra.Command{
		Use:   "hub",
		Short: "Run a hub",
		Long: `Start a hub that accepts leaves and child hubs. Without --parent the hub
is the top of its tree.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, flags)
		},
	}
	flags.register(cmd, types.NodeTypeHub)
	return cmd
}

func leafCmd() *cobra.Command {
	flags := &nodeFlags{}
	run := runNodeCmd(types.NodeTypeLeaf)
	cmd := &cobra.Command{
		Use:   "leaf",
		Short: "Share a directory through a parent hub",
		Long:  `Start a leaf that indexes a directory and serves it through its parent hub.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, flags)
		},
	}
	flags.register(cmd, types.NodeTypeLeaf)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("kbnet v%s\n", version)
		},
	}
}

func setupLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, _ := config.Build()
	return logger
}
