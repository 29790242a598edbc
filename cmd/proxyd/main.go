// Command proxyd runs the transparent interception proxy: it accepts
// redirected TCP connections, decodes the length-prefixed wire
// protocol, applies the configured block/delay/insert/replay rules,
// and drives the MITM replay-authentication state machine, exactly as
// described by the proxy's configuration file.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MaxHTu/tcp-proxy/internal/api"
	"github.com/MaxHTu/tcp-proxy/internal/capture"
	"github.com/MaxHTu/tcp-proxy/internal/config"
	"github.com/MaxHTu/tcp-proxy/internal/core"
	"github.com/MaxHTu/tcp-proxy/internal/evaluate"
	"github.com/MaxHTu/tcp-proxy/internal/logging"
	"github.com/MaxHTu/tcp-proxy/internal/metrics"
	"github.com/MaxHTu/tcp-proxy/internal/mitm"
	"github.com/MaxHTu/tcp-proxy/internal/ruleset"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "proxyd",
		Short: "Transparent TCP interception proxy with rule-based traffic manipulation",
	}
	opts := bindFlags(root)
	root.RunE = func(cmd *cobra.Command, args []string) error {
		return run(opts)
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(opts *options) error {
	zapLogger, err := logging.NewZap(opts.logLevel)
	if err != nil {
		return fmt.Errorf("proxyd: build logger: %w", err)
	}
	defer zapLogger.Sync()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	log := metrics.Wrap(zapLogger, m)

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("proxyd: load config: %w", err)
	}

	store := ruleset.NewStore()
	store.Publish(ruleset.Parse(cfg, log.Warnf))

	attackCfg, err := mitm.ResolveAttackConfig(cfg, "server_to_client", "client_to_server")
	if err != nil {
		return fmt.Errorf("proxyd: resolve attack mode: %w", err)
	}
	mitmState := mitm.NewState(attackCfg, log)

	listenAddr := opts.listen
	if listenAddr == "" {
		listenAddr = fmt.Sprintf("%s:%d", cfg.Src.Host, cfg.Src.Port)
	}
	tcpAddr, err := net.ResolveTCPAddr("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("proxyd: resolve listen address %q: %w", listenAddr, err)
	}
	listener, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return fmt.Errorf("proxyd: listen on %s: %w", listenAddr, err)
	}

	handler := &core.ConnHandler{
		Capture:      capture.New(),
		Rules:        store,
		Mitm:         mitmState,
		Log:          log,
		Clock:        evaluate.RealClock,
		ProcessStart: time.Now(),
		OnConnection: m.Connections.Inc,
		OnMessage:    func(direction string) { m.Messages.WithLabelValues(direction).Inc() },
	}
	acceptor := &core.Acceptor{
		Listener: listener,
		Handler:  handler,
		Log:      log,
	}

	healthServer := api.NewHealthServer(":8080", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	healthServer.Start(func(err error) {
		log.Errorf("proxyd: health server: %v", err)
	})

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	if err := config.Watch(opts.configPath, func(reloaded *config.Config) {
		store.Publish(ruleset.Parse(reloaded, log.Warnf))
		log.Infof("proxyd: reloaded rules from %s", opts.configPath)
	}, func(err error) {
		log.Warnf("proxyd: config watch: %v", err)
	}, stopWatch); err != nil {
		log.Warnf("proxyd: hot reload disabled: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	healthServer.SetReady(true)
	log.Infof("proxyd: listening on %s", listenAddr)

	serveErr := acceptor.Serve(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	healthServer.Stop(shutdownCtx)

	return serveErr
}
