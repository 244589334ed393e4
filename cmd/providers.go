// File: cmd/providers.go
package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/subscout/internal/providers"
)

func newProvidersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "Lists the supported providers and their actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			registry := providers.Default()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tSTART URL\tACTIONS")
			for _, id := range registry.IDs() {
				url, err := registry.StartURL(id)
				if err != nil {
					return err
				}
				caps := registry.Capabilities(id)
				names := make([]string, len(caps))
				for i, c := range caps {
					names[i] = string(c)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", id, url, strings.Join(names, ","))
			}
			return w.Flush()
		},
	}
}
