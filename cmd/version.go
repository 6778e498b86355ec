package cmd

import (
	"github.com/spf13/cobra"

	"go.bctree.io/bctree/lib/consts"
)

func getCmdVersion() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show application version",
		Long:  `Show the application version and exit.`,
		Run: func(_ *cobra.Command, _ []string) {
			fprintf(stdout, "bctree v%s\n", consts.FullVersion())
		},
	}
}
