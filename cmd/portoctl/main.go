package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/portod/pkg/client"
	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var socketPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "portoctl",
	Short:   "portoctl is the command-line client for portod",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"portoctl version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "/run/portod/portod.sock", "path to portod's RPC socket")

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(killCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(dataCmd)
	rootCmd.AddCommand(propertyListCmd)
	rootCmd.AddCommand(dataListCmd)
	rootCmd.AddCommand(waitCmd)
	rootCmd.AddCommand(versionCmd)
}

func dial() (*client.Client, error) {
	c, err := client.Dial(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to portod at %s: %w", socketPath, err)
	}
	return c, nil
}

var createCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a new container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.Create(args[0]); err != nil {
			return fmt.Errorf("create %s: %w", args[0], err)
		}
		fmt.Printf("OK\n")
		return nil
	},
}

var destroyCmd = &cobra.Command{
	Use:   "destroy NAME",
	Short: "Destroy a container and its children",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.Destroy(args[0]); err != nil {
			return fmt.Errorf("destroy %s: %w", args[0], err)
		}
		fmt.Printf("OK\n")
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start NAME",
	Short: "Start a container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.Start(args[0]); err != nil {
			return fmt.Errorf("start %s: %w", args[0], err)
		}
		fmt.Printf("OK\n")
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop NAME",
	Short: "Stop a container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.Stop(args[0]); err != nil {
			return fmt.Errorf("stop %s: %w", args[0], err)
		}
		fmt.Printf("OK\n")
		return nil
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause NAME",
	Short: "Freeze a running container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.Pause(args[0]); err != nil {
			return fmt.Errorf("pause %s: %w", args[0], err)
		}
		fmt.Printf("OK\n")
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume NAME",
	Short: "Thaw a paused container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.Resume(args[0]); err != nil {
			return fmt.Errorf("resume %s: %w", args[0], err)
		}
		fmt.Printf("OK\n")
		return nil
	},
}

var killCmd = &cobra.Command{
	Use:   "kill NAME SIGNAL",
	Short: "Send a signal to a running container's task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sig, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid signal %q: %w", args[1], err)
		}

		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.Kill(args[0], sig); err != nil {
			return fmt.Errorf("kill %s: %w", args[0], err)
		}
		fmt.Printf("OK\n")
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list [PREFIX]",
	Short: "List containers",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var prefix string
		if len(args) == 1 {
			prefix = args[0]
		}

		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()

		names, err := c.List(prefix)
		if err != nil {
			return fmt.Errorf("list: %w", err)
		}

		if len(names) == 0 {
			fmt.Println("No containers found")
			return nil
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get NAME KEY",
	Short: "Get a container property",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()

		v, err := c.GetProperty(args[0], args[1])
		if err != nil {
			return fmt.Errorf("get %s %s: %w", args[0], args[1], err)
		}
		fmt.Println(v)
		return nil
	},
}

var setCmd = &cobra.Command{
	Use:   "set NAME KEY VALUE",
	Short: "Set a container property",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.SetProperty(args[0], args[1], args[2]); err != nil {
			return fmt.Errorf("set %s %s: %w", args[0], args[1], err)
		}
		fmt.Printf("OK\n")
		return nil
	},
}

var dataCmd = &cobra.Command{
	Use:   "data NAME KEY",
	Short: "Read a container data value (e.g. state, exit_status)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()

		v, err := c.GetData(args[0], args[1])
		if err != nil {
			return fmt.Errorf("data %s %s: %w", args[0], args[1], err)
		}
		fmt.Println(v)
		return nil
	},
}

var propertyListCmd = &cobra.Command{
	Use:   "plist",
	Short: "List every recognized property name",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()

		names, err := c.PropertyList()
		if err != nil {
			return fmt.Errorf("plist: %w", err)
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	},
}

var dataListCmd = &cobra.Command{
	Use:   "dlist",
	Short: "List every recognized data item name",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()

		names, err := c.DataList()
		if err != nil {
			return fmt.Errorf("dlist: %w", err)
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	},
}

var waitTimeout time.Duration

var waitCmd = &cobra.Command{
	Use:   "wait NAME [NAME...]",
	Short: "Block until one of the named containers exits",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()

		fired, err := c.Wait(args, waitTimeout)
		if err != nil {
			return fmt.Errorf("wait %s: %w", strings.Join(args, ","), err)
		}
		if fired == "" {
			fmt.Println("timeout")
			return nil
		}
		fmt.Println(fired)
		return nil
	},
}

func init() {
	waitCmd.Flags().DurationVar(&waitTimeout, "timeout", -1, "give up after this long (0 polls once, negative waits indefinitely)")
}

var versionCmd = &cobra.Command{
	Use:   "daemon-version",
	Short: "Print the connected portod's protocol version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()

		v, err := c.Version()
		if err != nil {
			return fmt.Errorf("version: %w", err)
		}
		fmt.Println(v)
		return nil
	},
}
