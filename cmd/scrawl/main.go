package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and wires all subcommands.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	orchestratorFlags := &OrchestratorFlags{}
	workerFlags := &WorkerFlags{}
	addFlags := &AddFlags{}
	installFlags := &InstallFlags{}
	serveFlags := &ServeFlags{}
	pruneFlags := &PruneFlags{}

	c := command{global: globalFlags}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createOrchestratorCommand(c, orchestratorFlags),
		createWorkerCommand(c, workerFlags),
		createAddCommand(c, addFlags),
		createStatusCommand(c),
		createInstallCommand(c, installFlags),
		createPsCommand(c),
		createServeCommand(c, serveFlags),
		createPruneCommand(c, pruneFlags),
		createVersionCommand(),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "scrawl",
		Short: "Self-hosted web archiving pipeline",
		Long: `Scrawl schedules crawls, snapshots and archive hooks over a shared
relational index, coordinating multiple worker processes with optimistic
locking.

Examples:
  scrawl add https://example.com --depth=1
  scrawl orchestrator --foreground --exit-on-idle
  scrawl status
  scrawl serve --listen=:8090`,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.DataDir, "data-dir", "", "data directory (default: $SCRAWL_DATA_DIR or .)")
	root.PersistentFlags().BoolVar(&flags.Debug, "debug", false, "enable debug logging")
	return root
}

func createOrchestratorCommand(c command, flags *OrchestratorFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orchestrator",
		Short: "Run the scheduling loop",
		Long: `Run the orchestrator: polls the queues, spawns workers and reconciles
the process table. Only one orchestrator may run per data directory.

Examples:
  scrawl orchestrator
  scrawl orchestrator --foreground --exit-on-idle
  scrawl orchestrator --crawl-id=0198a9c1-...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Orchestrator(*flags)
		},
	}
	cmd.Flags().BoolVar(&flags.Foreground, "foreground", false, "fast polling, single worker, exit when idle")
	cmd.Flags().BoolVar(&flags.ExitOnIdle, "exit-on-idle", false, "exit once all queues drain")
	cmd.Flags().StringVar(&flags.CrawlID, "crawl-id", "", "restrict scheduling to one crawl")
	return cmd
}

func createWorkerCommand(c command, flags *WorkerFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run one worker process",
		Long: `Run a worker dedicated to one entity kind. Normally spawned by the
orchestrator, but can be started by hand for debugging.

Examples:
  scrawl worker --type=crawl
  scrawl worker --type=snapshot --snapshot-id=0198a9c1-...
  scrawl worker --type=binary`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Worker(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.Type, "type", "", "worker type: crawl, snapshot or binary (required)")
	cmd.Flags().StringVar(&flags.CrawlID, "crawl-id", "", "restrict to one crawl")
	cmd.Flags().StringVar(&flags.SnapshotID, "snapshot-id", "", "process exactly one snapshot")
	if err := cmd.MarkFlagRequired("type"); err != nil {
		panic(err)
	}
	return cmd
}

func createAddCommand(c command, flags *AddFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <url> [url...]",
		Short: "Queue a new crawl",
		Args:  cobra.MinimumNArgs(1),
		Long: `Queue a crawl of the given URLs. The crawl starts when an orchestrator
or crawl worker picks it up.

Examples:
  scrawl add https://example.com
  scrawl add https://example.com https://example.org --depth=1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Add(args, *flags)
		},
	}
	cmd.Flags().IntVar(&flags.Depth, "depth", 0, "how many link hops to follow from each URL")
	return cmd
}

func createStatusCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show crawl queue state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status()
		},
	}
}

func createInstallCommand(c command, flags *InstallFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install <name>",
		Short: "Install a binary dependency via on_Binary hooks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Install(args[0], *flags)
		},
	}
	cmd.Flags().StringVar(&flags.BinProviders, "binproviders", "", "comma-separated provider preference")
	return cmd
}

func createPsCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "ps",
		Short: "Show running scrawl processes on this machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Ps()
		},
	}
}

func createServeCommand(c command, flags *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only status API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Serve(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.Listen, "listen", ":8090", "listen address")
	cmd.Flags().StringVar(&flags.BasePath, "base-path", "", "URL prefix for all routes")
	return cmd
}

func createPruneCommand(c command, flags *PruneFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete exited process rows past the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Prune(*flags)
		},
	}
	cmd.Flags().DurationVar(&flags.OlderThan, "older-than", 30*24*time.Hour, "minimum age of exited rows to delete")
	return cmd
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the scrawl version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("scrawl", version)
		},
	}
}
