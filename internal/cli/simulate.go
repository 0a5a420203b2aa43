package cli

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sort"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/CavinKrenik/QRES-RaaS/internal/app/swarm"
)

func init() {
	rootCmd.AddCommand(simulateCmd)
	f := simulateCmd.Flags()
	f.Int("nodes", 20, "Swarm size")
	f.Int("byzantine", 0, "Constant-offset attackers")
	f.Float64("offset", 1.0, "Attacker offset per dimension")
	f.Int("cartel", 0, "Farm-then-burst colluders")
	f.Uint64("burst-round", 60, "Round the cartel starts lying")
	f.Float64("burst-size", 0.2, "Cartel offset after the burst")
	f.Int("dimension", 4, "Update vector dimension")
	f.Int("rounds", 100, "Rounds to run")
	f.Float64("noise", 0.02, "Honest noise amplitude")
	f.Uint64("seed", 1, "Simulation seed")
	f.Int("zones", 1, "Number of zones")
	f.Bool("audit", false, "Enable collusion auditing")
	f.Float64("sample-rate", 0.02, "Audit sample rate")
	f.Bool("sign", false, "Sign and verify every frame")
	f.Float64("loss", 0, "Per-frame loss probability")
	f.Int("every", 10, "Print progress every N rounds (0 = only the result)")
	f.Bool("verbose", false, "Keep node logs on stderr")
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Simulate a whole swarm in-process",
	Long: `Run a complete swarm of real nodes over an in-memory network and report
convergence and attacker detection against the known ground truth.`,
	RunE: runSimulate,
}

func runSimulate(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	cfg := swarm.DefaultConfig()
	cfg.Nodes, _ = f.GetInt("nodes")
	cfg.Byzantine, _ = f.GetInt("byzantine")
	cfg.Offset, _ = f.GetFloat64("offset")
	cfg.Cartel, _ = f.GetInt("cartel")
	cfg.BurstRound, _ = f.GetUint64("burst-round")
	cfg.BurstSize, _ = f.GetFloat64("burst-size")
	cfg.Dimension, _ = f.GetInt("dimension")
	cfg.Noise, _ = f.GetFloat64("noise")
	cfg.Seed, _ = f.GetUint64("seed")
	cfg.Zones, _ = f.GetInt("zones")
	cfg.Audit, _ = f.GetBool("audit")
	cfg.SampleRate, _ = f.GetFloat64("sample-rate")
	cfg.Sign, _ = f.GetBool("sign")
	cfg.LossRate, _ = f.GetFloat64("loss")
	rounds, _ := f.GetInt("rounds")
	every, _ := f.GetInt("every")
	if verbose, _ := f.GetBool("verbose"); !verbose {
		log.SetOutput(io.Discard)
		defer log.SetOutput(os.Stderr)
	}

	s, err := swarm.New(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	pterm.DefaultSection.Printfln("Swarm of %d (%d byzantine, %d cartel), %d rounds", cfg.Nodes, cfg.Byzantine, cfg.Cartel, rounds)
	progress := pterm.TableData{{"Round", "Drift", "Banned", "Regime (node-000)"}}
	for r := 1; r <= rounds; r++ {
		if _, err := s.Step(ctx); err != nil {
			return err
		}
		if every > 0 && (r%every == 0 || r == rounds) {
			res := s.Result()
			progress = append(progress, []string{
				strconv.Itoa(r),
				fmt.Sprintf("%.4f", res.Drift),
				strconv.Itoa(len(res.BanRound)),
				s.Node(swarm.NodeID(0)).Regime().String(),
			})
		}
	}
	if len(progress) > 1 {
		if err := pterm.DefaultTable.WithHasHeader().WithData(progress).Render(); err != nil {
			return err
		}
	}

	res := s.Result()
	printResult(res)
	return nil
}

func printResult(res swarm.Result) {
	pterm.DefaultSection.Println("Result")
	pterm.Info.Printfln("relative drift of honest weights: %.4f", res.Drift)
	pterm.Info.Printfln("brownouts: %d", res.Brownouts)

	if len(res.BanRound) > 0 {
		ids := make([]string, 0, len(res.BanRound))
		for id := range res.BanRound {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		data := pterm.TableData{{"Attacker", "Banned at round"}}
		for _, id := range ids {
			data = append(data, []string{id, strconv.FormatUint(res.BanRound[id], 10)})
		}
		pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	}
	if len(res.Undetected) > 0 {
		pterm.Warning.Printfln("undetected attackers: %v", res.Undetected)
	}
	if len(res.FalsePositives) > 0 {
		pterm.Error.Printfln("honest nodes banned: %v", res.FalsePositives)
	} else {
		pterm.Success.Println("no honest node was banned")
	}
}
