package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/customs-cli/internal/model"
	"github.com/sells-group/customs-cli/internal/reference"
)

var referencesSheet string

var referencesCmd = &cobra.Command{
	Use:   "references",
	Short: "Manage portal code lists used for matching",
}

var referencesImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import code lists from an .xlsx workbook or a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("references"); err != nil {
			return err
		}

		candidates, err := readCandidates(args[0], referencesSheet)
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		sum, err := reference.Save(ctx, st, candidates)
		if err != nil {
			return eris.Wrap(err, "references import")
		}

		zap.L().Info("import complete",
			zap.String("file", args[0]),
			zap.Int("lists", sum.Lists),
			zap.Int("candidates", sum.Candidates),
		)
		return nil
	},
}

func init() {
	referencesImportCmd.Flags().StringVar(&referencesSheet, "sheet", "", "workbook sheet name (default: first sheet)")
	referencesCmd.AddCommand(referencesImportCmd)
	rootCmd.AddCommand(referencesCmd)
}

// readCandidates picks a parser by file extension.
func readCandidates(path, sheet string) ([]model.ReferenceCandidate, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return reference.ReadXLSX(path, reference.XLSXOptions{SheetName: sheet})
	case ".yaml", ".yml":
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrapf(err, "references: open %s", path)
		}
		defer f.Close() //nolint:errcheck
		return reference.ParseYAML(f)
	default:
		return nil, eris.Errorf("references: unsupported file type %q (want .xlsx, .yaml or .yml)", filepath.Ext(path))
	}
}
