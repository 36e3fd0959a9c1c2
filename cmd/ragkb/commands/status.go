package commands

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/54b3r/ragkb-go/internal/engine"
)

// NewStatusCmd constructs the `ragkb status` command, which prints the
// engine snapshot of a running server.
func NewStatusCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the retrieval engine status of a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var st engine.Status
			client := newAPIClient(serverURL)
			if err := client.do(cmd.Context(), http.MethodGet, "/api/status", nil, &st); err != nil {
				return err
			}

			enabled := "disabled"
			if st.Enabled {
				enabled = "enabled"
			}
			active := st.ActiveName
			if active == "" {
				active = "(none)"
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "retrieval:     %s\n", enabled)
			fmt.Fprintf(out, "mode:          %s\n", st.Mode)
			fmt.Fprintf(out, "active kb:     %s\n", active)
			fmt.Fprintf(out, "loaded kbs:    %d", len(st.LoadedNames))
			if len(st.LoadedNames) > 0 {
				fmt.Fprintf(out, " (%s)", strings.Join(st.LoadedNames, ", "))
			}
			fmt.Fprintln(out)
			fmt.Fprintf(out, "total chunks:  %d\n", st.TotalChunks)
			fmt.Fprintf(out, "chunking:      size %d, overlap %d\n", st.ChunkSize, st.ChunkOverlap)
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "", "ragkb server URL (default: http://127.0.0.1:8080)")

	return cmd
}
