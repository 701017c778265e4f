// Command loom runs the Loom agent runtime from a YAML configuration, and
// ships a small benchmark for sizing mailboxes.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/agent"
	"github.com/loomworks/loom/runtime"
)

// Version is set via ldflags.
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "loom",
		Short:        "Loom agent runtime",
		SilenceUsage: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newBenchCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run agents declared in a config file until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Printf("Starting Loom v%s (config: %s)", Version, configFile)
			return loom.Run(configFile)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", getEnv("LOOM_CONFIG", "loom.yaml"), "configuration file")
	return cmd
}

func newBenchCmd() *cobra.Command {
	var (
		agents     int
		activities int
		mailboxCap int
		prioritize bool
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure runtime throughput with counting agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(cmd.Context(), agents, activities, mailboxCap, prioritize)
		},
	}

	cmd.Flags().IntVar(&agents, "agents", 10, "number of agents to create")
	cmd.Flags().IntVar(&activities, "activities", 1000, "activities to send per agent")
	cmd.Flags().IntVar(&mailboxCap, "mailbox", 256, "mailbox capacity")
	cmd.Flags().BoolVar(&prioritize, "prioritize", false, "enable priority sub-queues")
	return cmd
}

func runBench(ctx context.Context, agents_, activities, mailboxCap int, prioritize bool) error {
	svc := runtime.NewService[int](
		runtime.WithDefaultMailbox(runtime.MailboxConfig{
			Size:                 mailboxCap,
			EnablePrioritization: prioritize,
			BackpressureTimeout:  30 * time.Second,
		}),
		runtime.WithMetrics(false),
	)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = svc.Shutdown(shutdownCtx)
	}()

	count := func(ctx context.Context, act *agent.Activity, n int) (int, error) {
		return n + 1, nil
	}

	ids := make([]agent.ID, agents_)
	for i := range ids {
		ids[i] = agent.ID(fmt.Sprintf("bench-%d", i))
		if _, err := svc.Create(ctx, ids[i], 0, runtime.WithWorkflow(count)); err != nil {
			return err
		}
	}

	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			for j := 0; j < activities; j++ {
				act := agent.NewActivity(agent.TypeCommand, id, j)
				if err := svc.Send(gctx, id, act); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Wait for every agent to drain its mailbox.
	for _, id := range ids {
		for {
			st, err := svc.GetState(gctx, id)
			if err != nil {
				return err
			}
			if int(st.Processing.Processed) >= activities {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
	}

	elapsed := time.Since(start)
	total := agents_ * activities
	log.Printf("Processed %d activities across %d agents in %s (%.0f/s)",
		total, agents_, elapsed.Round(time.Millisecond), float64(total)/elapsed.Seconds())

	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the loom version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("loom v%s\n", Version)
		},
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
