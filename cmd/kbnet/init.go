package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"kbnet/pkg/config"
	"kbnet/pkg/identity"
	"kbnet/pkg/types"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a node configuration and key pair",
	Long: `Create the configuration file and signing key for a hub or leaf.
Without flags the values are asked for interactively.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeType, _ := cmd.Flags().GetString("type")
		interactive, _ := cmd.Flags().GetBool("interactive")
		force, _ := cmd.Flags().GetBool("force")

		path := configFile
		if path == "" {
			path = config.GetConfigPath()
		}
		if _, err := os.Stat(path); err == nil && !force {
			return fmt.Errorf("config %s already exists (use --force to overwrite)", path)
		}

		var cfg *config.Config
		if interactive || !cmd.Flags().Changed("type") {
			var err error
			cfg, err = runInteractiveInit(bufio.NewReader(os.Stdin))
			if err != nil {
				return err
			}
		} else {
			cfg = config.Default(types.NodeType(nodeType))
			cfg.Name, _ = cmd.Flags().GetString("name")
			cfg.Owner, _ = cmd.Flags().GetString("owner")
			cfg.OwnerEmail, _ = cmd.Flags().GetString("email")
			cfg.ParentHubURL, _ = cmd.Flags().GetString("parent")
			if cmd.Flags().Changed("share") {
				cfg.ShareDir, _ = cmd.Flags().GetString("share")
			}
			if cmd.Flags().Changed("listen") {
				cfg.ListenAddress, _ = cmd.Flags().GetString("listen")
				cfg.ListenURL = ""
			}
			if agree, _ := cmd.Flags().GetBool("agree"); agree {
				cfg.ScientificResearch = "yes"
				if cfg.NodeType == types.NodeTypeLeaf {
					cfg.ConfirmShare = "yes"
				}
			}
			cfg = cfg.WithDefaults()
		}

		if configFile != "" {
			cfg.KeyPath = filepath.Join(filepath.Dir(path), config.DefaultKeyFile)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		id, err := identity.LoadOrCreate(cfg.KeyPath)
		if err != nil {
			return fmt.Errorf("failed to create node key: %w", err)
		}
		if err := cfg.Save(path); err != nil {
			return err
		}

		fmt.Printf("\n✅ %s configuration written to %s\n", cfg.NodeType, path)
		fmt.Printf("   Node ID: %s\n", id.NodeID)
		fmt.Printf("   Key:     %s\n", cfg.KeyPath)
		fmt.Println("\nStart it with:")
		fmt.Printf("  kbnet %s\n", cfg.NodeType)
		return nil
	},
}

func prompt(reader *bufio.Reader, label, def string) string {
	if def != "" {
		fmt.Printf("%s [%s]: ", label, def)
	} else {
		fmt.Printf("%s: ", label)
	}
	line, _ := reader.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return def
	}
	return line
}

func confirm(reader *bufio.Reader, label string) string {
	answer := strings.ToLower(prompt(reader, label+" (yes/no)", "no"))
	if answer == "y" || answer == "yes" {
		return "yes"
	}
	return "no"
}

func runInteractiveInit(reader *bufio.Reader) (*config.Config, error) {
	fmt.Println("🚀 Let's set up a kbnet node.")

	nodeType := types.NodeType(prompt(reader, "Node type (hub/leaf)", string(types.NodeTypeLeaf)))
	if !nodeType.Valid() {
		return nil, fmt.Errorf("node type must be %q or %q", types.NodeTypeHub, types.NodeTypeLeaf)
	}
	cfg := config.Default(nodeType)

	cfg.Name = prompt(reader, "Name", "")
	cfg.Description = prompt(reader, "Description", "")
	cfg.Owner = prompt(reader, "Owner", "")
	cfg.OwnerEmail = prompt(reader, "Owner email", "")
	cfg.ListenAddress = prompt(reader, "Listen address", cfg.ListenAddress)
	cfg.ListenURL = ""
	cfg = cfg.WithDefaults()
	cfg.ListenURL = prompt(reader, "Public url", cfg.ListenURL)

	parentLabel := "Parent hub url (empty for a top hub)"
	if nodeType == types.NodeTypeLeaf {
		parentLabel = "Parent hub url"
		cfg.ShareDir = prompt(reader, "Directory to share", cfg.ShareDir)
	}
	cfg.ParentHubURL = prompt(reader, parentLabel, "")

	if cfg.ParentHubURL != "" {
		cfg.ScientificResearch = confirm(reader, "Is this node used for scientific research?")
		if nodeType == types.NodeTypeLeaf {
			cfg.ConfirmShare = confirm(reader, "Share the contents of "+cfg.ShareDir+" with the network?")
		}
	}
	return cfg, nil
}

func initCommand() *cobra.Command {
	initCmd.Flags().StringP("type", "t", "", "node type: hub or leaf")
	initCmd.Flags().StringP("name", "n", "", "display name")
	initCmd.Flags().String("owner", "", "owner name")
	initCmd.Flags().String("email", "", "owner email")
	initCmd.Flags().String("parent", "", "parent hub url")
	initCmd.Flags().String("share", "", "directory to share (leaf only)")
	initCmd.Flags().String("listen", "", "listen address")
	initCmd.Flags().Bool("agree", false, "confirm scientific use and sharing")
	initCmd.Flags().BoolP("interactive", "i", false, "run in interactive mode")
	initCmd.Flags().Bool("force", false, "overwrite an existing config")

	return initCmd
}
