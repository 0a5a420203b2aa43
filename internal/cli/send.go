package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/CavinKrenik/QRES-RaaS/internal/daemon"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/transport"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/wire"
	"github.com/CavinKrenik/QRES-RaaS/internal/security"
)

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().String("to", "", "Send a signed update frame to this UDP address instead of the local node")
	sendCmd.Flags().Uint64("round", 0, "Round the update belongs to (with --to)")
}

var sendCmd = &cobra.Command{
	Use:   "send VECTOR",
	Short: "Submit a local update vector",
	Long: `Submit an update such as "0.1,0.2,0.3". By default the vector is written
to the node's update file, where the running node picks it up next round.
With --to it is signed with this node's key and sent straight to a peer.`,
	Args: cobra.ExactArgs(1),
	RunE: runSend,
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	v, err := daemon.ParseVector(args[0])
	if err != nil {
		return err
	}
	if len(v) != cfg.Node.Dimension {
		return fmt.Errorf("vector has %d values, node dimension is %d", len(v), cfg.Node.Dimension)
	}

	to, _ := cmd.Flags().GetString("to")
	if to == "" {
		path := cfg.Node.UpdateFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(cfg.Node.DataDir, path)
		}
		if err := daemon.WriteVector(path, v); err != nil {
			return err
		}
		pterm.Success.Printfln("update written to %s", path)
		return nil
	}

	round, _ := cmd.Flags().GetUint64("round")
	keys, err := security.LoadOrCreateKey(filepath.Join(cfg.Node.DataDir, "node.key"))
	if err != nil {
		return err
	}
	id := cfg.NodeID()
	e := wire.Epiphany{Origin: id, Round: round, TTL: cfg.Gossip.TTL, Body: wire.EncodeVector(v)}
	if err := e.SignOrigin(keys); err != nil {
		return err
	}
	f := wire.NewFrame(wire.KindEpiphany, id, 1, e.Marshal())
	if err := f.Sign(keys); err != nil {
		return err
	}
	b, err := f.Marshal()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	udpCfg := transport.DefaultUDPConfig()
	udpCfg.BindAddr = ":0"
	u := transport.NewUDP(udpCfg)
	if err := u.Listen(ctx); err != nil {
		return err
	}
	defer u.Close()
	if err := u.AddPeer("target", to); err != nil {
		return err
	}
	if err := u.Send(ctx, "target", b); err != nil {
		return err
	}
	pterm.Success.Printfln("sent %d-byte update for round %d to %s as %s", len(b), round, to, id)
	return nil
}
