package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/CavinKrenik/QRES-RaaS/internal/domain"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/persist"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/sqlite"
)

func init() {
	rootCmd.AddCommand(onboardCmd)
	onboardCmd.Flags().String("from", "", "Base URL of a running node's API (e.g. http://10.0.0.2:7070)")
	onboardCmd.Flags().Bool("apply", false, "Write the adopted state as this node's snapshot")
	onboardCmd.MarkFlagRequired("from")
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Join from a peer's compact summary",
	Long: `Fetch a running node's onboarding summary: the consensus weights, their
variance and the round, without any history. With --apply the summary becomes
this node's starting snapshot, so the next "qres run" resumes from the swarm's
current round instead of replaying it.`,
	RunE: runOnboard,
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	from, _ := cmd.Flags().GetString("from")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	b, err := fetchSummary(ctx, from)
	if err != nil {
		return err
	}
	sum, err := persist.DecodeSummary(b)
	if err != nil {
		return err
	}
	pterm.Info.Printfln("summary at round %d from %d contributors: %d B", sum.Round, sum.Contributors, len(b))
	pterm.Info.Printfln("consensus %v", sum.Consensus.Floats())

	if apply, _ := cmd.Flags().GetBool("apply"); !apply {
		return nil
	}
	snap, err := persist.ApplySummary(sum, cfg.NodeID(), cfg.Node.Dimension)
	if err != nil {
		return err
	}
	return writeOnboardSnapshot(ctx, cfg.NodeConfig().Persist, snap)
}

func fetchSummary(ctx context.Context, base string) ([]byte, error) {
	url := strings.TrimRight(base, "/") + "/api/summary"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch summary: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch summary: %s", resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

func writeOnboardSnapshot(ctx context.Context, cfg persist.Config, snap *domain.Snapshot) error {
	db, err := sqlite.Open(cfg.Dir)
	if err != nil {
		return err
	}
	defer db.Close()
	rec, err := persist.NewManager(cfg, db).Checkpoint(ctx, snap)
	if err != nil {
		return err
	}
	pterm.Success.Printfln("node %s will start at round %d (%d B snapshot)", snap.NodeID, snap.Round, rec.SizeBytes)
	return nil
}
