package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"wgrouterd/configstore"
	"wgrouterd/firewall"
	"wgrouterd/health"
	"wgrouterd/httpapi"
	"wgrouterd/internal/buildinfo"
	"wgrouterd/internal/logging"
	"wgrouterd/mode"
	"wgrouterd/modestate"
	"wgrouterd/routing"
	"wgrouterd/shell"
	"wgrouterd/tunnel"
)

func main() {
	if err := logging.Configure(logging.LevelInfo); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var dataDir string
	var wgIface string
	var debug bool

	cmd := &cobra.Command{
		Use:     "wgrouterd",
		Short:   "WireGuard router-mode gateway and host-mode peer daemon",
		Version: buildinfo.Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelInfo
			if debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, dataDir, wgIface)
		},
	}

	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	cmd.Flags().StringVar(&dataDir, "data-dir", "/var/lib/wgrouterd", "directory holding conf.yml and router_mode_state.json")
	cmd.Flags().StringVar(&wgIface, "wg-iface", "wg0", "WireGuard interface name")
	return cmd
}

// run wires every collaborator together, restores whatever state was
// persisted from a prior run, brings the interface up if a network is
// already configured, and serves the HTTP control API until ctx is
// cancelled.
func run(ctx context.Context, dataDir, wgIface string) error {
	cfgStore, err := configstore.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open config store: %w", err)
	}
	modeStore := modestate.Open(dataDir)

	logger := slog.Default()
	runner := shell.New(logger)
	fw := firewall.New(runner, logger, cfgStore.Get().Agent.Firewall.UtilityPath)
	eng := routing.NewEngine(runner)
	tun := tunnel.New(runner, logger, wgIface)
	ctrl := mode.New(cfgStore, modeStore, fw, eng, tun, wgIface, logger)
	mon := health.New(cfgStore, modeStore, runner, eng, tun, wgIface, logger)
	mon.ResolveLAN = fw.ResolveSegments

	srv, err := httpapi.New(cfgStore, modeStore, ctrl, eng, fw, mon, tun, tun, wgIface, logger)
	if err != nil {
		return fmt.Errorf("build http api: %w", err)
	}

	if err := ctrl.RestoreOnStartup(ctx); err != nil {
		logger.Error("restore mode state on startup", "error", err)
	}

	if n := cfgStore.Network(); n != nil {
		cfg := cfgStore.Get()
		fwHooks := tunnel.FirewallHooks{
			Enabled:     cfg.Agent.Firewall.Enabled,
			UtilityPath: cfg.Agent.Firewall.UtilityPath,
			Gateway:     cfg.Agent.Firewall.Gateway,
			VPNPort:     cfg.Agent.VPN.Port,
		}
		if err := tun.Up(ctx, n, n.ThisPeer, fwHooks); err != nil {
			logger.Error("bring up wireguard interface", "error", err)
		} else if err := ctrl.RestorePeerRoutesAfterInterfaceUp(ctx); err != nil {
			logger.Error("restore peer routes after interface up", "error", err)
		}
	}

	mon.Start(ctx)
	defer mon.Stop()

	listenAddr := webListenAddr(cfgStore.Get().Agent.Web)
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", listenAddr, err)
	}
	logger.Info("serving http api", "addr", listenAddr)
	return srv.Run(ctx, ln)
}

func webListenAddr(web configstore.Web) string {
	host := web.Address
	if host == "" {
		host = "0.0.0.0"
	}
	port := web.HTTP.Port
	if port == 0 {
		port = 8080
	}
	return fmt.Sprintf("%s:%d", host, port)
}
