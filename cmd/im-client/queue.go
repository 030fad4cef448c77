package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd, queueFlushCmd, queueDropCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and replay actions queued while offline",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued actions, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		actions := s.Queue().Pending()
		if len(actions) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty.")
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tCREATED\tREQUEST\tSTATE\tATTEMPTS\tLAST ERROR")
		for _, a := range actions {
			fmt.Fprintf(tw, "%s\t%s\t%s %s\t%s\t%d\t%s\n",
				a.ID, a.CreatedAt.Format("01-02 15:04:05"), a.Method, a.URL, a.State, a.Attempts, a.LastError)
		}
		return tw.Flush()
	},
}

var queueFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Replay queued actions now",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		before := s.Queue().Len()
		left, err := s.Flush(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Replayed %d, %d left\n", before-len(left), len(left))
		return nil
	},
}

var queueDropCmd = &cobra.Command{
	Use:   "drop <id>",
	Short: "Remove a queued action without sending it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		if !s.Queue().Remove(args[0]) {
			return fmt.Errorf("no queued action %s", args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Dropped %s\n", args[0])
		return nil
	},
}
