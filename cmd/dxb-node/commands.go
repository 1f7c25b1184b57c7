package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"dxbnet/internal/config"
	"dxbnet/internal/crypto"
	"dxbnet/internal/daemon"
	"dxbnet/internal/dxb"
	"dxbnet/internal/interp"
	"dxbnet/internal/metrics"
	"dxbnet/internal/target"
	"dxbnet/internal/value"
)

func newKeygenCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Create the node keyring if missing and print its public keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.Node.Home, 0700); err != nil {
				return err
			}
			kr, err := crypto.LoadOrCreateKeyring(cfg.KeyringPath())
			if err != nil {
				return err
			}
			pub := kr.Public()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "keyring: %s\n", kr.Path())
			fmt.Fprintf(out, "sign: %s\n", hex.EncodeToString(pub.Sign))
			fmt.Fprintf(out, "enc:  %s\n", hex.EncodeToString(pub.Enc))
			return nil
		},
	}
}

// readHexArg reads a hex string from the argument, or from stdin for "-".
func readHexArg(cmd *cobra.Command, arg string) ([]byte, error) {
	if arg == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, err
		}
		arg = string(data)
	}
	b, err := hex.DecodeString(strings.Join(strings.Fields(arg), ""))
	if err != nil {
		return nil, fmt.Errorf("input is not hex: %w", err)
	}
	return b, nil
}

type headerJSON struct {
	Version     uint8     `json:"version"`
	BlockSize   uint16    `json:"block_size"`
	TTL         uint8     `json:"ttl"`
	Priority    uint8     `json:"priority"`
	Signed      bool      `json:"signed"`
	Encrypted   bool      `json:"encrypted"`
	Sender      string    `json:"sender"`
	Receivers   []string  `json:"receivers,omitempty"`
	Flood       bool      `json:"flood,omitempty"`
	SID         uint32    `json:"sid"`
	ReturnIndex uint16    `json:"return_index"`
	Inc         uint16    `json:"inc"`
	Type        string    `json:"type"`
	Executable  bool      `json:"executable"`
	EndOfScope  bool      `json:"end_of_scope"`
	Timestamp   time.Time `json:"timestamp"`
	Body        string    `json:"body,omitempty"`
	Error       string    `json:"error,omitempty"`
}

func describe(h *dxb.Header) headerJSON {
	out := headerJSON{
		Version:     h.Version,
		BlockSize:   h.BlockSize,
		TTL:         h.TTL,
		Priority:    h.Priority,
		Signed:      h.Signed,
		Encrypted:   h.Encrypted,
		Sender:      h.Sender.String(),
		Flood:       h.Receivers.Flood,
		SID:         h.SID,
		ReturnIndex: h.ReturnIndex,
		Inc:         h.Inc,
		Type:        h.Type.String(),
		Executable:  h.Executable,
		EndOfScope:  h.EndOfScope,
		Timestamp:   h.Timestamp,
	}
	for _, ep := range h.Receivers.Endpoints() {
		out.Receivers = append(out.Receivers, ep.String())
	}
	return out
}

func newDecodeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "decode <hex|->",
		Short: "Print the header of a block, and its body value when readable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readHexArg(cmd, args[0])
			if err != nil {
				return err
			}
			rt, err := dxb.ParseRouting(raw, target.Endpoint{}, nil)
			if err != nil {
				return err
			}
			opts := dxb.DecodeOptions{}
			// the local keyring verifies signatures of known peers
			if cfg, err := g.load(); err == nil {
				if _, err := os.Stat(cfg.KeyringPath()); err == nil {
					if kr, err := crypto.LoadOrCreateKeyring(cfg.KeyringPath()); err == nil {
						opts.Crypto = kr
					}
				}
			}
			var out headerJSON
			if blk, err := rt.Finish(raw, opts); err != nil {
				out = describe(rt.Header)
				out.Error = err.Error()
			} else {
				out = describe(blk.Header)
				if len(blk.Body) > 0 {
					if v, err := interp.Run(cmd.Context(), &interp.Env{}, interp.Meta{Sender: blk.Header.Sender, SID: blk.Header.SID, Type: dxb.TypeLocal}, blk.Body); err != nil {
						out.Error = err.Error()
					} else {
						out.Body = value.Format(v)
					}
				}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}

func newExecCmd(g *globalFlags) *cobra.Command {
	var (
		peerAddr string
		to       []string
		wait     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "exec <hex|->",
		Short: "Send a DXB body as REQUEST through a peer and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readHexArg(cmd, args[0])
			if err != nil {
				return err
			}
			receivers := make([]target.Endpoint, 0, len(to))
			for _, s := range to {
				ep, err := target.Parse(s)
				if err != nil {
					return fmt.Errorf("--to %q: %w", s, err)
				}
				receivers = append(receivers, ep)
			}
			cfg, err := g.load()
			if err != nil {
				return err
			}
			cfg.Network.Listen = ""
			cfg.Network.Peers = []string{peerAddr}
			runner, err := daemon.NewRunner(cfg, daemon.Options{})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			errc := make(chan error, 1)
			go func() { errc <- runner.RunWithContext(ctx, nil) }()
			defer func() {
				cancel()
				<-errc
			}()

			if err := waitForRoute(ctx, runner, wait); err != nil {
				return err
			}
			v, err := runner.Self.Request(ctx, receivers, body)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), value.Format(v))
			return nil
		},
	}
	cmd.Flags().StringVarP(&peerAddr, "peer", "p", "", "peer address (host:port) to send through")
	cmd.Flags().StringSliceVarP(&to, "to", "t", nil, "receiver endpoints, e.g. @bob")
	cmd.Flags().DurationVar(&wait, "wait", 10*time.Second, "how long to wait for the peer")
	_ = cmd.MarkFlagRequired("peer")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

// waitForRoute blocks until the runner learned at least one endpoint.
func waitForRoute(ctx context.Context, r *daemon.Runner, limit time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if len(r.Self.Router().Endpoints()) > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.New("peer did not answer the HELLO in time")
		case <-ticker.C:
		}
	}
}

func newConfigCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create configuration files",
	}
	var output string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.Default().YAML()
			if err != nil {
				return err
			}
			if output == "" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if _, err := os.Stat(output); err == nil {
				return fmt.Errorf("%s already exists", output)
			}
			if err := os.MkdirAll(filepath.Dir(output), 0700); err != nil {
				return err
			}
			return os.WriteFile(output, data, 0600)
		},
	}
	initCmd.Flags().StringVarP(&output, "output", "o", "", "file to write, default stdout")
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			data, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.AddCommand(initCmd, showCmd)
	return cmd
}

func newMetricsCmd(g *globalFlags) *cobra.Command {
	var recent int
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Summarize the last metrics snapshot of the node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			snap, err := metrics.ReadSnapshot(filepath.Join(cfg.Node.Home, "metrics.json"))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "snapshot: %s\n", snap.GeneratedAt.Format(time.RFC3339))
			fmt.Fprintf(out, "  blocks: received=%d executed=%d redirected=%d\n",
				snap.Blocks.Received, snap.Blocks.Executed, snap.Blocks.Redirected)
			fmt.Fprintf(out, "  dropped: duplicate=%d ttl=%d invalid=%d\n",
				snap.Blocks.DropDuplicate, snap.Blocks.DropTTL, snap.Blocks.DropInvalid)
			fmt.Fprintf(out, "  router: sent=%d broadcast=%d failures=%d unresolved=%d\n",
				snap.Router.Sent, snap.Router.Broadcast, snap.Router.SendFailures, snap.Router.Unresolved)
			fmt.Fprintf(out, "  requests: started=%d resolved=%d rejected=%d timed_out=%d\n",
				snap.Requests.Started, snap.Requests.Resolved, snap.Requests.Rejected, snap.Requests.TimedOut)
			fmt.Fprintf(out, "  sockets=%d open_sessions=%d\n", snap.CurrentSockets, snap.OpenSessions)
			if top := snap.TopDrops(); len(top) > 0 {
				fmt.Fprintf(out, "  top drops: %s\n", strings.Join(top, ", "))
			}
			list := snap.Recent
			if recent >= 0 && len(list) > recent {
				list = list[len(list)-recent:]
			}
			for _, h := range list {
				fmt.Fprintf(out, "  %s type=%s sender=%s sid=%d inc=%d outcome=%s\n",
					h.Received.Format(time.RFC3339), h.Type, h.Sender, h.SID, h.Inc, h.Outcome)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&recent, "recent", "n", 10, "recent blocks to list")
	return cmd
}
