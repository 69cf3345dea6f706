package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/drblury/buslink/internal/runtime/jsoncodec"
)

func newDeadLettersCommand(a *app) *cobra.Command {
	var subscription string

	cmd := &cobra.Command{
		Use:     "dead-letters",
		Aliases: []string{"dlq"},
		Short:   "Inspect, replay or purge the dead letters of a subscription",
	}
	cmd.PersistentFlags().StringVar(&subscription, "subscription", "", "subscription owning the dead letters")
	_ = cmd.MarkPersistentFlagRequired("subscription")

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "Print dead letters as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer a.close()
			client, err := a.connect(cmd)
			if err != nil {
				return err
			}
			dead, err := client.DeadLetters(cmd.Context(), subscription, limit)
			if err != nil {
				return err
			}
			if len(dead) == 0 {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "No dead letters.")
				return err
			}
			body, err := jsoncodec.MarshalIndent(dead, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n", body)
			return err
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "maximum number of dead letters to print")

	replay := &cobra.Command{
		Use:   "replay",
		Short: "Move dead letters back onto the subscription",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer a.close()
			client, err := a.connect(cmd)
			if err != nil {
				return err
			}
			n, err := client.ReplayDeadLetters(cmd.Context(), subscription)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Replayed %d dead letters.\n", n)
			return err
		},
	}

	purge := &cobra.Command{
		Use:   "purge",
		Short: "Discard the dead letters of the subscription",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer a.close()
			client, err := a.connect(cmd)
			if err != nil {
				return err
			}
			n, err := client.PurgeDeadLetters(cmd.Context(), subscription)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Purged %d dead letters.\n", n)
			return err
		},
	}

	cmd.AddCommand(list, replay, purge)
	return cmd
}

func newPendingCommand(a *app) *cobra.Command {
	var subscription string

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Print how many messages wait on a subscription",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer a.close()
			client, err := a.connect(cmd)
			if err != nil {
				return err
			}
			n, err := client.Pending(cmd.Context(), subscription)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%d\n", n)
			return err
		},
	}
	cmd.Flags().StringVar(&subscription, "subscription", "", "subscription to inspect")
	_ = cmd.MarkFlagRequired("subscription")
	return cmd
}
