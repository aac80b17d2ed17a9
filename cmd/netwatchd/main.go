package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/dmdmdm-nz/netwatchd/internal/advertise"
	"github.com/dmdmdm-nz/netwatchd/internal/api"
	"github.com/dmdmdm-nz/netwatchd/internal/connectivity"
	"github.com/dmdmdm-nz/netwatchd/internal/logging"
	"github.com/dmdmdm-nz/netwatchd/internal/netmon"
	"github.com/dmdmdm-nz/netwatchd/internal/runtime"
	"github.com/dmdmdm-nz/netwatchd/pkg/cli"
	"github.com/dmdmdm-nz/netwatchd/pkg/version"
)

func main() {
	// Parse command line flags
	cfg := cli.ParseFlags()

	// Configure logging
	if err := logging.Setup(cfg.LogLevel, cfg.LogFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log.Infof("netwatchd %s", version.String())
	log.Infof("Config: Host=%s", cfg.Host)
	log.Infof("Config: Port=%d", cfg.Port)
	log.Infof("Config: Period=%s", cfg.Period)
	log.Infof("Config: LogLevel=%s", cfg.LogLevel)
	log.Infof("Config: UnprivilegedICMP=%v", cfg.UnprivilegedICMP)
	log.Infof("Config: WatchLinks=%v", cfg.WatchLinks)
	log.Infof("Config: Advertise=%v", cfg.Advertise)

	if cfg.Period > 0 && !cfg.UnprivilegedICMP && os.Geteuid() != 0 {
		log.Fatal("netwatchd must be run as root for raw ICMP sockets; use --unprivileged-icmp otherwise.")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	prober := connectivity.NewICMPProber(connectivity.DefaultTarget, !cfg.UnprivilegedICMP)
	monitor := connectivity.NewMonitor(cfg.Period, prober)
	apiSvc := api.NewService(cfg.Host, cfg.Port, monitor)

	// Wire callbacks BEFORE the first check so no transition is missed.
	monitor.OnRestored(func() { apiSvc.Publish(connectivity.NewEvent(true)) })
	monitor.OnLost(func() { apiSvc.Publish(connectivity.NewEvent(false)) })

	// Start in dependency order: monitor → netmon → api → advertise
	super := runtime.NewSupervisor()
	super.Add("monitor", func(ctx context.Context) error {
		monitor.Start()
		<-ctx.Done()
		return nil
	}, monitor.Close)

	if cfg.WatchLinks && monitor.Enabled() {
		netmonSvc := netmon.NewService(monitor.Recheck)
		super.Add("netmon", func(ctx context.Context) error {
			// periodic checks still run without link events
			if err := netmonSvc.Start(ctx); err != nil {
				log.WithError(err).Warn("Link watching unavailable")
				<-ctx.Done()
			}
			return nil
		}, netmonSvc.Close)
	}

	super.Add("api", apiSvc.Start, apiSvc.Close)

	if cfg.Advertise {
		adv := advertise.NewAdvertiser("", cfg.Port)
		super.Add("advertise", adv.Start, adv.Close)
	}

	if err := super.Start(ctx); err != nil {
		log.WithError(err).Error("Supervisor start failed")
		os.Exit(1)
	}
	if err := super.Wait(ctx); err != nil {
		log.WithError(err).Error("Supervisor stopped with error")
		os.Exit(1)
	}
}
