package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/lucid-vigil/fleet/pkg/config"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var fetchClient string

var fetchCmd = &cobra.Command{
	Use:   "fetch <adapter>",
	Short: "Run one discovery cycle of a configured adapter",
	Long: `Fetch runs one discovery cycle of the named adapter in the foreground,
whether or not it is enabled, relinks entities and prints a summary of every
client.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		ac, ok := cfg.GetAdapterConfig(args[0])
		if !ok {
			return fmt.Errorf("adapter %q is not configured", args[0])
		}
		if fetchClient != "" {
			var picked []config.ClientConfig
			for _, c := range ac.Clients {
				if c.ID == fetchClient {
					picked = append(picked, c)
				}
			}
			if len(picked) == 0 {
				return fmt.Errorf("adapter %q has no client %q", ac.Name, fetchClient)
			}
			ac.Clients = picked
		}

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.close()

		runner, _, err := a.newRunner(ac)
		if err != nil {
			return err
		}

		// a one-shot fetch relinks entities but never triggers actions
		a.dispatcher.SetEnabled(false)
		a.bus.Start(context.Background())
		runErr := runner.Run(ctx)
		a.bus.Stop()

		if a.linker != nil {
			log.Debug().Interface("stats", a.linker.Stats()).Msg("Entities relinked")
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CLIENT\tSTATUS\tDEVICES\tUSERS\tCREATED\tUPDATED\tSKIPPED\tPRUNED\tDURATION\tERROR")
		for _, st := range runner.Status() {
			run := st.LastRun
			if run == nil {
				fmt.Fprintf(w, "%s\tnot run\t\t\t\t\t\t\t\t\n", st.Client)
				continue
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%dms\t%s\n",
				st.Client, run.Status, run.Devices, run.Users, run.Created, run.Updated,
				run.Skipped, run.Pruned, run.DurationMs, run.Error)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		return runErr
	},
}

func init() {
	fetchCmd.Flags().StringVar(&fetchClient, "client", "", "only fetch this client")
}
