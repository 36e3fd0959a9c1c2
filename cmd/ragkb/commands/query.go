package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/54b3r/ragkb-go/internal/engine"
	"github.com/54b3r/ragkb-go/internal/logging"
	"github.com/54b3r/ragkb-go/internal/state"
)

// NewQueryCmd constructs the `ragkb query` command, which runs a single
// retrieval query in-process and prints the formatted context to stdout.
func NewQueryCmd() *cobra.Command {
	var mode string
	var kbFiles []string

	cmd := &cobra.Command{
		Use:   "query [text]",
		Short: "Run a one-shot retrieval query",
		Long: `Run a single retrieval query against the knowledge bases and print the
formatted citation context to stdout.

Files passed with --kb are ingested as user knowledge bases before the
query runs; the first one added becomes the active knowledge base. With
--mode multi the system knowledge-base directory (RAGKB_KB_DIR) is scanned
and every loaded knowledge base is searched.

Examples:
  ragkb query --kb notes.txt "how do I rotate the signing key?"
  ragkb query --mode multi "what does the agent article say about tools?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			eng, _, err := buildEngine(log, nil)
			if err != nil {
				return fmt.Errorf("query: %w", err)
			}

			for _, path := range kbFiles {
				name, chunks, err := eng.AddKB(ctx, path)
				if err != nil {
					return fmt.Errorf("query: failed to ingest %s: %w", path, err)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "loaded %s (%d chunks)\n", name, chunks)
			}

			// Multi mode scans the system directory lazily; a fresh process
			// has never entered it, so re-enter the mode to trigger the scan
			// before the query runs.
			effMode := mode
			if effMode == "" {
				effMode = eng.Status().Mode
			}
			if effMode == state.ModeMulti {
				if err := eng.SetMode(ctx, state.ModeMulti); err != nil {
					return fmt.Errorf("query: %w", err)
				}
			}

			res, err := eng.Query(ctx, args[0], engine.QueryOptions{Mode: mode})
			if err != nil {
				return err
			}

			fmt.Fprint(cmd.OutOrStdout(), res.Context)
			fmt.Fprintf(cmd.ErrOrStderr(), "\n%d match(es)\n", res.Metadata.MatchCount)
			return nil
		},
	}

	cmd.Flags().StringVarP(&mode, "mode", "m", "", `Retrieval mode override: "single" or "multi"`)
	cmd.Flags().StringArrayVar(&kbFiles, "kb", nil, "Text file to ingest before querying (repeatable)")

	return cmd
}
