package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/cuemby/portod/pkg/composer"
	"github.com/cuemby/portod/pkg/config"
	"github.com/cuemby/portod/pkg/cred"
	"github.com/cuemby/portod/pkg/holder"
	"github.com/cuemby/portod/pkg/kvstore"
	"github.com/cuemby/portod/pkg/log"
	"github.com/cuemby/portod/pkg/metrics"
	"github.com/cuemby/portod/pkg/netcls"
	"github.com/cuemby/portod/pkg/oomwatch"
	"github.com/cuemby/portod/pkg/reaper"
	"github.com/cuemby/portod/pkg/reconciler"
	"github.com/cuemby/portod/pkg/recovery"
	"github.com/cuemby/portod/pkg/regcache"
	"github.com/cuemby/portod/pkg/router"
	"github.com/cuemby/portod/pkg/rpcwire"
	"github.com/cuemby/portod/pkg/supervisor"
	"github.com/cuemby/portod/pkg/waiter"
	"github.com/cuemby/portod/pkg/workerpool"
)

// runSlave is the Reaper's re-exec target (spec §4.4): it owns the Holder,
// the Composer, the RPC listener, and everything else that can safely
// crash and come back via recovery rather than bringing down the whole
// subreaper. It inherits the event fd and ack fd at reaper.EventFD/AckFD.
func runSlave(configPath string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "slave: load config: %v\n", err)
		os.Exit(1)
	}

	var logOutput *os.File
	if cfg.LogPath != "" {
		f, err := os.OpenFile(cfg.LogPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "slave: open log file %s: %v\n", cfg.LogPath, err)
			os.Exit(1)
		}
		logOutput = f
		defer f.Close()
	}
	logCfg := log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON}
	if logOutput != nil {
		// Only set when a log file was opened: an *os.File(nil) assigned to
		// the io.Writer field would compare non-nil and suppress Init's own
		// os.Stdout default.
		logCfg.Output = logOutput
	}
	log.Init(logCfg)
	logger := log.WithComponent("slave")

	if cfg.PidFile != "" {
		if err := writePidFile(cfg.PidFile); err != nil {
			logger.Warn().Err(err).Msg("failed writing pid file")
		}
		defer os.Remove(cfg.PidFile)
	}

	selfExe, err := os.Executable()
	if err != nil {
		logger.Fatal().Err(err).Msg("resolve self executable")
	}

	store, err := kvstore.Open(cfg.KvRoot)
	if err != nil {
		logger.Fatal().Err(err).Msg("open kvstore")
	}

	h := holder.New(cfg.MaxTotalContainers, cfg.MaxContainerIDs)
	h.AttachStore(store)
	h.AttachOOMWatcher(oomwatch.New())

	physMem := cfg.PhysicalMemory
	if physMem <= 0 {
		detected, err := config.DetectPhysicalMemory()
		if err != nil {
			logger.Warn().Err(err).Msg("detect physical memory, tree-wide memory_guarantee check disabled")
		} else {
			physMem = detected
		}
	}
	if physMem > 0 {
		h.AttachMemoryBudget(uint64(physMem), uint64(cfg.GuaranteeReserve))
	}

	if cfg.RegCachePath != "" {
		cache, err := regcache.Open(cfg.RegCachePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("open regcache")
		}
		defer cache.Close()
		h.AttachRegCache(cache)
	}

	netclsMgr := netcls.New(cfg.NetClassHandleBase)
	comp := composer.New(selfExe, netclsMgr)

	eventR := os.NewFile(uintptr(reaper.EventFD), "portod-event")
	ackW := os.NewFile(uintptr(reaper.AckFD), "portod-ack")

	waiters := waiter.New()

	// Reconciler needs the TaskSupervisor to construct, and TaskSupervisor
	// needs the Reconciler's OnExit as its ExitHandler: close the loop with
	// a forwarding closure over a variable assigned right after.
	var rec *reconciler.Reconciler
	sup := supervisor.New(eventR, ackW, func(name string, ev reaper.ExitEvent) {
		rec.OnExit(name, ev)
	})
	rec = reconciler.NewReconciler(h, comp, sup, waiters, cfg.DefaultAgingTime)

	rcv := recovery.New(h, store, sup, rec, nil)
	if err := rcv.Run(); err != nil {
		logger.Error().Err(err).Msg("recovery failed, continuing with whatever reconstructed")
	}

	rec.Start()
	defer rec.Stop()

	go func() {
		if err := sup.Run(); err != nil {
			logger.Warn().Err(err).Msg("supervisor event loop ended")
		}
	}()

	pool := workerpool.New(cfg.WorkerPoolSize, cfg.WorkerPoolSize*4)
	pool.Start()
	defer pool.Stop()

	authz := cred.NewAuthorizer(cfg.SuperuserGIDs)
	rtr := router.New(h, comp, sup, waiters, authz, cfg.DefaultStopTimeout)
	srv := rpcwire.New(rtr, pool, cfg.SocketPath)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Warn().Err(err).Msg("metrics server exited")
			}
		}()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics endpoint listening")
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(); err != nil {
			errCh <- err
		}
	}()
	logger.Info().Str("socket", cfg.SocketPath).Msg("rpc listener ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("received shutdown signal")
	case err := <-errCh:
		logger.Error().Err(err).Msg("rpc listener failed")
	}

	srv.Close()
}

func writePidFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644)
}
