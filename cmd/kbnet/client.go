package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"kbnet/pkg/node"
	"kbnet/pkg/types"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"
)

const defaultHubURL = "http://localhost:3000"

var (
	primaryColor = lipgloss.Color("#7571f9")
	successColor = lipgloss.Color("#42c767")
	warningColor = lipgloss.Color("#ff9f43")
	errorColor   = lipgloss.Color("#ff6b6b")
	mutedColor   = lipgloss.Color("#6c757d")
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

// fetchJSON GETs u and decodes a 200 response into v. Other statuses are
// reported with the server's error text.
func fetchJSON(ctx context.Context, u string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, e.Error)
		}
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func findCmd() *cobra.Command {
	var (
		hubURL  string
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:   "find <sha1> [filename]",
		Short: "Locate a file by checksum",
		Long:  `Ask a hub where the file with the given SHA-1 checksum can be downloaded.`,
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			checksum := strings.ToLower(args[0])
			if !types.ValidChecksum(checksum) {
				return fmt.Errorf("invalid checksum %q: expected 40 hex characters", args[0])
			}
			u := strings.TrimSuffix(hubURL, "/") + "/find/" + checksum
			if len(args) == 2 {
				u += "/" + url.PathEscape(args[1])
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			var resp types.FindResponse
			if err := fetchJSON(ctx, u, &resp); err != nil {
				return err
			}

			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(resp)
			}
			fmt.Println(renderFindResult(checksum, &resp))
			return nil
		},
	}

	cmd.Flags().StringVar(&hubURL, "hub", defaultHubURL, "hub to ask")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the raw response")
	return cmd
}

func renderFindResult(checksum string, resp *types.FindResponse) string {
	headerStyle := lipgloss.NewStyle().Bold(true).Foreground(primaryColor)

	if !resp.Found {
		msg := lipgloss.NewStyle().Foreground(warningColor).Render("🔍 Not found: " + checksum)
		if resp.AltHubURL != "" {
			msg += "\n" + lipgloss.NewStyle().Foreground(mutedColor).
				Render("   Try the top hub: kbnet find "+checksum+" --hub "+resp.AltHubURL)
		}
		return msg
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#00d2d3"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return lipgloss.NewStyle().Foreground(lipgloss.Color("#ffffff")).Bold(true).Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers("#", "URL")
	for i, u := range resp.URLs {
		t.Row(fmt.Sprintf("%d", i+1), u)
	}

	var b strings.Builder
	b.WriteString(headerStyle.Render("📦 "+checksum) + "\n")
	b.WriteString(lipgloss.NewStyle().Foreground(successColor).
		Render(fmt.Sprintf("Found %d location(s), %s", len(resp.Results), formatSize(resp.Size))) + "\n")
	b.WriteString(t.Render())
	return b.String()
}

func healthCmd() *cobra.Command {
	var (
		service string
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:   "health <address>",
		Short: "Query a node's gRPC health server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := grpc.NewClient(args[0], grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				return fmt.Errorf("failed to connect to %s: %w", args[0], err)
			}
			defer conn.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}

			if jsonOut {
				data, err := protojson.Marshal(resp)
				if err != nil {
					return fmt.Errorf("failed to encode response: %w", err)
				}
				fmt.Println(string(data))
				return nil
			}

			color := errorColor
			icon := "🔴"
			if resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
				color = successColor
				icon = "🟢"
			}
			fmt.Println(lipgloss.NewStyle().Foreground(color).Bold(true).
				Render(fmt.Sprintf("%s %s %s", icon, args[0], resp.GetStatus())))
			return nil
		},
	}

	cmd.Flags().StringVar(&service, "service", node.HealthService, "service name to check")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the response as JSON")
	return cmd
}
