package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/discovery-cli/internal/catalog"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "List the services the mapping stage may recommend",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cat, err := loadCatalog()
		if err != nil {
			return err
		}
		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			return writeJSON(cmd.OutOrStdout(), cat.Services())
		}
		formatCatalog(cmd.OutOrStdout(), cat)
		return nil
	},
}

func init() {
	catalogCmd.Flags().Bool("json", false, "print the catalog as JSON")
	rootCmd.AddCommand(catalogCmd)
}

// formatCatalog writes the active services as a table.
func formatCatalog(out io.Writer, cat *catalog.Catalog) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CODE\tNAME\tCATEGORY\tPRICE\tKEYWORDS")
	_, _ = fmt.Fprintln(w, "----\t----\t--------\t-----\t--------")
	for _, s := range cat.Services() {
		price := fmt.Sprintf("%.0f", s.Price)
		if s.Period != "" {
			price += "/" + s.Period
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.Code, s.Name, s.Category, price, strings.Join(s.Keywords, ", "))
	}
	_ = w.Flush()
}
