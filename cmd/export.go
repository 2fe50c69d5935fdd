package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/leadgen/internal/export"
	"github.com/sells-group/leadgen/internal/model"
	"github.com/sells-group/leadgen/internal/store"
)

var (
	exportOutput   string
	exportMinScore int
)

var exportCmd = &cobra.Command{
	Use:   "export <search-id>",
	Short: "Export a search's ranked leads to a spreadsheet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		job, err := st.GetSearchJob(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "export")
		}

		out := exportOutput
		if out == "" {
			out = job.Query.Output
		}
		if out == "" {
			out = fmt.Sprintf("leads-%s.xlsx", job.ID)
		}

		leads, err := st.ListLeads(ctx, job.ID, store.LeadFilter{MinScore: exportMinScore})
		if err != nil {
			return eris.Wrap(err, "export")
		}

		if err := writeLeads(out, leads); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Wrote %d leads to %s\n", len(leads), out)
		return nil
	},
}

// writeLeads picks the export format from the file extension.
func writeLeads(path string, leads []model.Lead) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return export.WriteXLSX(path, leads)
	case ".csv":
		f, err := os.Create(path)
		if err != nil {
			return eris.Wrapf(err, "create %s", path)
		}
		defer f.Close() //nolint:errcheck
		return export.WriteCSV(f, leads)
	default:
		return eris.Errorf("unsupported export format %q (use .xlsx or .csv)", filepath.Ext(path))
	}
}

func init() {
	exportCmd.Flags().StringVar(&exportOutput, "output", "", "output file path (default leads-<id>.xlsx)")
	exportCmd.Flags().IntVar(&exportMinScore, "min-score", 0, "only include leads at or above this score")
	rootCmd.AddCommand(exportCmd)
}
