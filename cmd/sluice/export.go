package main

import (
	"os"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/justapithecus/sluice/sluice"
)

var exportFlags struct {
	query  string
	format string
	sort   string
	fields []string
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Run a single export",
	Long: `Run one export against the configured Solr and destination, then print
the result as JSON.

Examples:
  # Wrapped IATI XML
  sluice export --query 'activity/select?q=*:*' --format XML

  # Spreadsheet-safe CSV of two fields
  sluice export --query 'activity/select?q=*:*' --format XL-CSV --fields iati_identifier,title_narrative`,
	RunE: runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().StringVarP(&exportFlags.query, "query", "q", "", "backend query relative to the Solr URL (required)")
	exportCmd.Flags().StringVarP(&exportFlags.format, "format", "f", "", "output format: "+strings.Join(sluice.FormatNames(), ", ")+" or XL-CSV (required)")
	exportCmd.Flags().StringVar(&exportFlags.sort, "sort", "", "sort clause when the query has none")
	exportCmd.Flags().StringSliceVar(&exportFlags.fields, "fields", nil, "fields to export, in column order")
	_ = exportCmd.MarkFlagRequired("query")
	_ = exportCmd.MarkFlagRequired("format")
}

func runExport(cmd *cobra.Command, _ []string) error {
	format, err := sluice.ParseFormat(exportFlags.format)
	if err != nil {
		return err
	}

	a, err := loadApp(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	result, err := a.runner.Run(cmd.Context(), sluice.ExportRequest{
		Query:    exportFlags.query,
		Format:   format,
		SortHint: exportFlags.sort,
		Fields:   exportFlags.fields,
	})
	if err != nil {
		return err
	}

	enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
