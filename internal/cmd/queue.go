package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"envwatch/internal/app"
	"envwatch/internal/storage"
	"envwatch/internal/task/reconcile"

	"github.com/spf13/cobra"
)

func Queue() *cobra.Command {
	c := &cobra.Command{
		Use:   "queue",
		Short: "Inspect or purge the durable job queue",
	}
	c.AddCommand(queueList(), queuePurge())
	return c
}

func queueList() *cobra.Command {
	var states []string
	c := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List queued jobs",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var filter []storage.JobState
			for _, s := range states {
				st := storage.JobState(strings.TrimSpace(s))
				switch st {
				case storage.StateWaiting, storage.StateDelayed, storage.StateActive:
					filter = append(filter, st)
				default:
					return fmt.Errorf("unknown state %q", s)
				}
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, err := app.OpenStore(cmd.Context(), cfg, cliLogger())
			if err != nil {
				return err
			}
			defer st.Close()
			jobs, err := st.List(cmd.Context(), filter...)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tSTATE\tRUN AT\tSCHEDULE")
			for _, j := range jobs {
				sched := j.ScheduleID
				if sched == "" {
					sched = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", j.ID, j.JobType, j.State, j.RunAt.Format(time.RFC3339), sched)
			}
			return tw.Flush()
		},
	}
	c.Flags().StringSliceVar(&states, "state", nil, "filter by state (waiting, delayed, active)")
	return c
}

func queuePurge() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Remove pending ad-hoc jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, err := app.OpenStore(cmd.Context(), cfg, cliLogger())
			if err != nil {
				return err
			}
			defer st.Close()
			purged, err := reconcile.New(st, cliLogger()).PurgeAdHoc(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d job(s)\n", len(purged))
			return nil
		},
	}
}
