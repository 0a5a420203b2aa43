package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/CavinKrenik/QRES-RaaS/internal/daemon"
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().String("id", "", "Override node.id")
	runCmd.Flags().String("listen", "", "Override transport.listen")
	runCmd.Flags().Bool("onboard", false, "Adopt the first world-state summary received before aggregating")
	runCmd.Flags().Bool("print-key", false, "Print this node's public key and exit")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a swarm node",
	Long: `Run one swarm node until interrupted. On SIGINT or SIGTERM the node
checkpoints its full state before exiting, so the next start resumes exactly
where this one stopped.`,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if id, _ := cmd.Flags().GetString("id"); id != "" {
		cfg.Node.ID = id
	}
	if addr, _ := cmd.Flags().GetString("listen"); addr != "" {
		cfg.Transport.Listen = addr
	}
	if onboard, _ := cmd.Flags().GetBool("onboard"); onboard {
		cfg.Node.Onboard = true
	}

	d, err := daemon.New(cfg, daemon.Options{})
	if err != nil {
		return err
	}
	defer d.Close()

	if printKey, _ := cmd.Flags().GetBool("print-key"); printKey {
		pterm.Println(d.PublicKey())
		return nil
	}

	pterm.Info.Printfln("node %s (%s transport, data in %s)", cfg.NodeID(), cfg.Transport.Kind, cfg.Node.DataDir)
	pterm.Info.Printfln("public key %s", d.PublicKey())
	if cfg.API.Enabled {
		pterm.Info.Printfln("status at http://%s/api/status", cfg.APIAddr())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := d.Run(ctx); err != nil {
		return err
	}
	pterm.Success.Printfln("stopped at round %d", d.Node().CurrentRound())
	return nil
}
