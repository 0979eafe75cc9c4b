package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/portod/pkg/composer"
	"github.com/cuemby/portod/pkg/config"
	"github.com/cuemby/portod/pkg/log"
	"github.com/cuemby/portod/pkg/reaper"
	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// slaveMarker is the re-exec argument the Reaper passes to tell the next
// incarnation of this binary to run the Slave rather than start another
// Reaper, the same re-exec trick Composer uses for "__nsinit" (spec §4.4).
// Composer's own re-exec puts its marker at argv[1] (exec.Command(selfExe,
// ReexecMarker) leaves argv[0] as the binary path), so the Reaper/Slave
// split follows the identical argv[1] convention rather than argv[0].
const slaveMarker = "__slave"

var configPath string

func main() {
	if len(os.Args) > 1 && os.Args[1] == composer.ReexecMarker {
		if err := composer.RunInit(); err != nil {
			fmt.Fprintf(os.Stderr, "nsinit: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if len(os.Args) > 2 && os.Args[1] == slaveMarker {
		runSlave(os.Args[2])
		return
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "portod",
	Short: "portod is a single-host container runtime control plane",
	Long: `portod manages a tree of isolated, named containers on a single
host: cgroups, namespaces, rlimits, and a persistent property/data model,
exposed over a local RPC socket (spec §6.1).`,
	Version: Version,
	RunE:    runReaper,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"portod version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to portod's YAML config file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", true, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// runReaper is the default invocation (spec §4.4): it becomes the pid-1
// subreaper for every container task and re-execs itself as the Slave. The
// Reaper never touches the Holder, the RPC socket, or a container lock
// directly; it only forwards (pid, status) exits over the event fd and
// respawns the Slave if it crashes.
func runReaper(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	selfExe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve self executable: %w", err)
	}

	if cfg.ReaperPidFile != "" {
		if err := writePidFile(cfg.ReaperPidFile); err != nil {
			log.Logger.Warn().Err(err).Msg("reaper: failed writing pid file")
		}
		defer os.Remove(cfg.ReaperPidFile)
	}

	slaveArgv := []string{selfExe, slaveMarker, configPath}
	r := reaper.New(slaveArgv)

	stop := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Logger.Info().Msg("reaper: received shutdown signal")
		close(stop)
	}()

	return r.Run(stop)
}
