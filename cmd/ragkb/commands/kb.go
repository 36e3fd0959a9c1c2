package commands

import (
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/54b3r/ragkb-go/internal/kb"
)

// NewKBCmd constructs the `ragkb kb` command group for managing knowledge
// bases on a running server.
func NewKBCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "kb",
		Short: "Manage knowledge bases on a running ragkb server",
		Long: `Manage knowledge bases on a running ragkb server.

All subcommands talk to the REST API of a 'ragkb serve' instance. The
server address comes from --server, then RAGKB_SERVER, then the default
http://127.0.0.1:8080. Authentication uses RAGKB_API_KEY when set.`,
	}

	cmd.PersistentFlags().StringVar(&serverURL, "server", "", "ragkb server URL (default: http://127.0.0.1:8080)")

	cmd.AddCommand(
		newKBListCmd(&serverURL),
		newKBAddCmd(&serverURL),
		newKBRemoveCmd(&serverURL),
		newKBSwitchCmd(&serverURL),
	)

	return cmd
}

func newKBListCmd(serverURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List loaded knowledge bases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp struct {
				KBs []kb.Info `json:"kbs"`
			}
			client := newAPIClient(*serverURL)
			if err := client.do(cmd.Context(), http.MethodGet, "/api/kbs", nil, &resp); err != nil {
				return err
			}

			if len(resp.KBs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no knowledge bases loaded")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tORIGIN\tCHUNKS\tACTIVE")
			for _, info := range resp.KBs {
				active := ""
				if info.Active {
					active = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", info.Name, info.Origin, info.ChunkCount, active)
			}
			return w.Flush()
		},
	}
}

func newKBAddCmd(serverURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "add [file]",
		Short: "Ingest a text file as a user knowledge base",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// The server resolves the path, so hand it an absolute one.
			path, err := filepath.Abs(args[0])
			if err != nil {
				return fmt.Errorf("kb add: %w", err)
			}

			var resp struct {
				Name       string `json:"name"`
				ChunkCount int    `json:"chunk_count"`
			}
			client := newAPIClient(*serverURL)
			body := map[string]string{"path": path}
			if err := client.do(cmd.Context(), http.MethodPost, "/api/kbs", body, &resp); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "added %s (%d chunks)\n", resp.Name, resp.ChunkCount)
			return nil
		},
	}
}

func newKBRemoveCmd(serverURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "remove [name]",
		Short: "Remove a knowledge base",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(*serverURL)
			path := "/api/kbs/" + url.PathEscape(args[0])
			if err := client.do(cmd.Context(), http.MethodDelete, path, nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	}
}

func newKBSwitchCmd(serverURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "switch [name]",
		Short: "Make a knowledge base the active one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(*serverURL)
			path := "/api/kbs/" + url.PathEscape(args[0]) + "/activate"
			if err := client.do(cmd.Context(), http.MethodPost, path, nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "active knowledge base: %s\n", args[0])
			return nil
		},
	}
}
