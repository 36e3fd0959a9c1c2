package commands

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// NewModeCmd constructs the `ragkb mode` command, which switches the
// retrieval mode of a running server.
func NewModeCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "mode [single|multi]",
		Short: "Switch the retrieval mode of a running server",
		Long: `Switch the retrieval mode of a running server.

In single mode queries search only the active knowledge base. In multi
mode every loaded knowledge base is searched in parallel; the first switch
to multi also scans the system knowledge-base directory.`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"single", "multi"},
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(serverURL)
			body := map[string]string{"mode": args[0]}
			if err := client.do(cmd.Context(), http.MethodPut, "/api/mode", body, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "retrieval mode: %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "", "ragkb server URL (default: http://127.0.0.1:8080)")

	return cmd
}

// NewEnableCmd constructs the `ragkb enable` command.
func NewEnableCmd() *cobra.Command {
	return newEnabledCmd("enable", "Enable retrieval on a running server", true)
}

// NewDisableCmd constructs the `ragkb disable` command.
func NewDisableCmd() *cobra.Command {
	return newEnabledCmd("disable", "Disable retrieval on a running server", false)
}

func newEnabledCmd(use, short string, enabled bool) *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := newAPIClient(serverURL)
			body := map[string]bool{"enabled": enabled}
			if err := client.do(cmd.Context(), http.MethodPut, "/api/enabled", body, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "retrieval %sd\n", use)
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "", "ragkb server URL (default: http://127.0.0.1:8080)")

	return cmd
}
