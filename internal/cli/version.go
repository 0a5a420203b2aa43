package cli

import (
	"runtime"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/CavinKrenik/QRES-RaaS/internal/api"
)

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the qres version",
	Run: func(cmd *cobra.Command, args []string) {
		pterm.Printfln("qres %s (%s, %s/%s)", api.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}
