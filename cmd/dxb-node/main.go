package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"dxbnet/internal/config"
	"dxbnet/internal/daemon"
	"dxbnet/internal/debuglog"
	"dxbnet/internal/pprofutil"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

type globalFlags struct {
	configFile string
	home       string
	endpoint   string
}

// load reads the config file and applies the command line overrides.
func (g *globalFlags) load() (*config.Config, error) {
	cfg, err := config.Load(g.configFile)
	if err != nil {
		return nil, err
	}
	if g.home != "" {
		cfg.Node.Home = g.home
	}
	if g.endpoint != "" {
		cfg.Node.Endpoint = g.endpoint
		if err := cfg.ValidateAndApplyDefaults(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "dxb-node",
		Short: "dxb-node - DXB block network node",
		Long: `dxb-node runs a node of the DXB block network and offers tools around it.

Blocks are exchanged over QUIC, addressed to endpoints like @alice, and their
bodies are executed by the receiving node.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVarP(&g.configFile, "config", "c", "", "config file path (YAML)")
	root.PersistentFlags().StringVar(&g.home, "home", "", "node home directory, overrides node.home")
	root.PersistentFlags().StringVarP(&g.endpoint, "endpoint", "e", "", "local endpoint, overrides node.endpoint")

	root.AddCommand(
		newRunCmd(g),
		newKeygenCmd(g),
		newDecodeCmd(g),
		newExecCmd(g),
		newConfigCmd(g),
		newMetricsCmd(g),
	)
	return root
}

func newRunCmd(g *globalFlags) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the node until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Network.Listen = listen
			}
			if err := debuglog.Init(cfg.Log); err != nil {
				return err
			}
			debuglog.Logf("WARNING: using deterministic dev TLS certificates")
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if _, err := pprofutil.Start(ctx, cfg.Pprof, debuglog.With("pprof")); err != nil {
				return err
			}
			runner, err := daemon.NewRunner(cfg, daemon.Options{})
			if err != nil {
				return fmt.Errorf("load node failed: %w", err)
			}
			if cfg.Network.Listen == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "READY endpoint=%s\n", runner.Self.Local())
				return runner.RunWithContext(ctx, nil)
			}
			ready := make(chan string, 1)
			errc := make(chan error, 1)
			go func() { errc <- runner.RunWithContext(ctx, ready) }()
			select {
			case addr := <-ready:
				fmt.Fprintf(cmd.OutOrStdout(), "READY addr=%s endpoint=%s\n", addr, runner.Self.Local())
			case err := <-errc:
				return err
			}
			return <-errc
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (host:port), overrides network.listen")
	return cmd
}
