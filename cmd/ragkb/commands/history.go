package commands

import (
	"fmt"
	"net/http"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// NewHistoryCmd constructs the `ragkb history` command, which lists the most
// recent queries recorded by a running server.
func NewHistoryCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent queries recorded by a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp struct {
				Queries []struct {
					Query      string   `json:"query"`
					Mode       string   `json:"mode"`
					KBNames    []string `json:"kb_names"`
					MatchCount int      `json:"match_count"`
					TopScore   float64  `json:"top_score"`
					DurationMS int64    `json:"duration_ms"`
					CreatedAt  string   `json:"created_at"`
				} `json:"queries"`
			}
			client := newAPIClient(serverURL)
			if err := client.do(cmd.Context(), http.MethodGet, "/api/history", nil, &resp); err != nil {
				return err
			}

			if len(resp.Queries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no queries recorded")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "WHEN\tMODE\tMATCHES\tTOP\tMS\tKBS\tQUERY")
			for _, q := range resp.Queries {
				query := q.Query
				if len(query) > 60 {
					query = query[:57] + "..."
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%.2f\t%d\t%s\t%s\n",
					q.CreatedAt, q.Mode, q.MatchCount, q.TopScore, q.DurationMS,
					strings.Join(q.KBNames, ","), query)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "", "ragkb server URL (default: http://127.0.0.1:8080)")

	return cmd
}
