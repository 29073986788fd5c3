package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"kbnet/pkg/types"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

// maxTreeDepth bounds how far below the starting hub the tree is walked.
const maxTreeDepth = 8

// TreeNode is one node of the overlay as seen from the starting hub.
type TreeNode struct {
	Info     types.NodeInfo
	Err      error
	Children []*TreeNode
}

// buildNodeTree asks base for its own info and then, through base, for
// every node below it. Requests for deeper nodes are routed by base.
func buildNodeTree(ctx context.Context, base string) (*TreeNode, error) {
	var resp types.NodeInfoResponse
	if err := fetchJSON(ctx, base+"/api/nodeinfo", &resp); err != nil {
		return nil, err
	}
	root := &TreeNode{Info: resp.Info}
	populateTreeNode(ctx, base, root, &resp, 1)
	return root, nil
}

func populateTreeNode(ctx context.Context, base string, node *TreeNode, resp *types.NodeInfoResponse, depth int) {
	ids := append(append([]types.NodeID{}, resp.ChildHubs...), resp.ChildLeaves...)
	for _, id := range ids {
		var childResp types.NodeInfoResponse
		child := &TreeNode{Info: types.NodeInfo{NodeID: id}}
		if err := fetchJSON(ctx, base+"/"+string(id)+"/api/nodeinfo", &childResp); err != nil {
			child.Err = err
		} else {
			child.Info = childResp.Info
			if child.Info.NodeType == types.NodeTypeHub && depth < maxTreeDepth {
				populateTreeNode(ctx, base, child, &childResp, depth+1)
			}
		}
		node.Children = append(node.Children, child)
	}
}

// renderTree renders a tree node as a string
func renderTree(node *TreeNode, prefix string, isRoot, isLast bool) string {
	var result strings.Builder

	childPrefix := prefix
	if !isRoot {
		if isLast {
			result.WriteString(prefix + "└── ")
			childPrefix += "    "
		} else {
			result.WriteString(prefix + "├── ")
			childPrefix += "│   "
		}
	}

	icon := "🍃"
	nameStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#ffffff"))
	if node.Info.NodeType == types.NodeTypeHub {
		icon = "🛰"
		nameStyle = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
	}

	name := node.Info.Name
	if name == "" {
		name = string(node.Info.NodeID)
	}
	result.WriteString(fmt.Sprintf("%s %s", icon, nameStyle.Render(name)))

	detail := lipgloss.NewStyle().Foreground(mutedColor)
	if node.Err != nil {
		result.WriteString(lipgloss.NewStyle().Foreground(errorColor).Render(" (" + node.Err.Error() + ")"))
	} else {
		result.WriteString(detail.Render(fmt.Sprintf(" [%s] %s", node.Info.NodeID, node.Info.ListenURL)))
	}
	result.WriteString("\n")

	for i, child := range node.Children {
		result.WriteString(renderTree(child, childPrefix, false, i == len(node.Children)-1))
	}

	return result.String()
}

// TreeStats holds statistics about the tree
type TreeStats struct {
	Hubs        int
	Leaves      int
	Unreachable int
}

func calculateTreeStats(node *TreeNode) TreeStats {
	stats := TreeStats{}
	switch {
	case node.Err != nil:
		stats.Unreachable++
	case node.Info.NodeType == types.NodeTypeHub:
		stats.Hubs++
	default:
		stats.Leaves++
	}
	for _, child := range node.Children {
		childStats := calculateTreeStats(child)
		stats.Hubs += childStats.Hubs
		stats.Leaves += childStats.Leaves
		stats.Unreachable += childStats.Unreachable
	}
	return stats
}

func treeCmd() *cobra.Command {
	var hubURL string

	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Show the nodes below a hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()

			base := strings.TrimSuffix(hubURL, "/")
			tree, err := buildNodeTree(ctx, base)
			if err != nil {
				return err
			}

			panelStyle := lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(primaryColor).
				Padding(1)
			headerStyle := lipgloss.NewStyle().
				Bold(true).
				Foreground(primaryColor).
				Underline(true)

			stats := calculateTreeStats(tree)
			statsLine := lipgloss.NewStyle().
				Foreground(mutedColor).
				Render(fmt.Sprintf("%d hubs, %d leaves, %d unreachable", stats.Hubs, stats.Leaves, stats.Unreachable))

			content := headerStyle.Render("🌳 NETWORK TREE") + "\n\n" +
				renderTree(tree, "", true, true) + "\n" + statsLine
			fmt.Println(panelStyle.Render(content))
			return nil
		},
	}

	cmd.Flags().StringVar(&hubURL, "hub", defaultHubURL, "hub to start from")
	return cmd
}

// formatSize formats a size in bytes to human readable format
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
