package cli

import (
	"fmt"
	"os"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/CavinKrenik/QRES-RaaS/internal/domain"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/persist"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/sqlite"
)

func init() {
	rootCmd.AddCommand(snapshotCmd)
	snapshotCmd.AddCommand(snapshotListCmd)
	snapshotCmd.AddCommand(snapshotInspectCmd)

	snapshotListCmd.Flags().IntP("limit", "n", 20, "Number of versions to show")
	snapshotInspectCmd.Flags().Bool("reputation", false, "Show the full reputation table")
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Inspect persisted node state",
}

// ─── snapshot list ──────────────────────────────────────────────────────────

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored snapshot versions",
	RunE:  runSnapshotList,
}

func runSnapshotList(cmd *cobra.Command, args []string) error {
	dir, err := dataDir(cmd)
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("limit")

	db, err := sqlite.Open(dir)
	if err != nil {
		return err
	}
	defer db.Close()

	recs, err := db.ListSnapshots(limit)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		pterm.Info.Printfln("no snapshots in %s", dir)
		return nil
	}
	data := pterm.TableData{{"Seq", "Round", "Node", "Nodes", "Dim", "Size", "Created"}}
	for _, r := range recs {
		data = append(data, []string{
			strconv.FormatInt(r.Seq, 10),
			strconv.FormatUint(r.Round, 10),
			r.NodeID,
			strconv.Itoa(r.NodeCount),
			strconv.Itoa(r.Dimension),
			fmt.Sprintf("%d B", r.SizeBytes),
			r.CreatedAt,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

// ─── snapshot inspect ───────────────────────────────────────────────────────

var snapshotInspectCmd = &cobra.Command{
	Use:   "inspect [SEQ | FILE]",
	Short: "Decode a snapshot",
	Long: `Decode and verify a snapshot. With no argument the newest stored version
is shown; a number selects a stored version and anything else is read as a
snapshot file.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSnapshotInspect,
}

func runSnapshotInspect(cmd *cobra.Command, args []string) error {
	payload, err := loadSnapshotPayload(cmd, args)
	if err != nil {
		return err
	}
	snap, err := persist.Decode(payload)
	if err != nil {
		return err
	}
	showRep, _ := cmd.Flags().GetBool("reputation")
	printSnapshot(snap, len(payload), showRep)
	return nil
}

func loadSnapshotPayload(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 1 {
		if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
			return os.ReadFile(args[0])
		}
	}
	dir, err := dataDir(cmd)
	if err != nil {
		return nil, err
	}
	db, err := sqlite.Open(dir)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var rec *domain.SnapshotRecord
	if len(args) == 1 {
		seq, _ := strconv.ParseInt(args[0], 10, 64)
		rec, err = db.GetSnapshot(seq)
	} else {
		rec, err = db.LatestSnapshot()
	}
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, domain.ErrNoSnapshot
	}
	return rec.Payload, nil
}

func printSnapshot(s *domain.Snapshot, size int, showRep bool) {
	banned := 0
	for _, r := range s.Reputation {
		if r.Banned {
			banned++
		}
	}
	pterm.DefaultSection.Printfln("Snapshot of %s at round %d", s.NodeID, s.Round)
	pterm.Info.Printfln("size %d B, regime %s (dwell %d), epidemic %s", size, s.Regime.Current, s.Regime.Dwell, s.Epidemic.State)
	pterm.Info.Printfln("energy %d / %d", s.EnergyLevel, s.EnergyCapacity)
	pterm.Info.Printfln("%d nodes tracked, %d banned, %d placed", len(s.Reputation), banned, len(s.Placement))
	pterm.Info.Printfln("weights %v", s.Weights.Floats())

	if !showRep {
		return
	}
	data := pterm.TableData{{"Node", "Score", "Banned", "Audit failures"}}
	for _, r := range s.Reputation {
		data = append(data, []string{r.NodeID, r.Score.String(), strconv.FormatBool(r.Banned), strconv.Itoa(int(r.AuditFailures))})
	}
	pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
