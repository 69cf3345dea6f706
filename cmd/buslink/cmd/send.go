package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/drblury/buslink/internal/runtime/envelope"
	"github.com/drblury/buslink/internal/runtime/logging"
	"github.com/drblury/buslink/internal/runtime/metadata"
)

func newSendCommand(a *app) *cobra.Command {
	var (
		msgType  string
		title    string
		content  string
		metaJSON string
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one envelope to the topic",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t := envelope.MessageType(msgType)
			if !t.Valid() {
				return fmt.Errorf("invalid --type %q: must be one of event, analysis, metric", msgType)
			}
			md, err := metadata.Parse([]byte(metaJSON))
			if err != nil {
				return fmt.Errorf("invalid --metadata: %w", err)
			}

			defer a.close()
			client, err := a.connect(cmd)
			if err != nil {
				return err
			}

			env, res, err := client.Publish(cmd.Context(), t, title, content, md)
			if err != nil {
				return err
			}
			a.logger.Debug("Send finished", logging.LogFields{"message_id": env.ID, "attempts": res.Attempts})
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "✔ Message sent → %s\n", res.Topic)
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&msgType, "type", string(envelope.Event), "message type: event, analysis or metric")
	flags.StringVar(&title, "title", "", "message title")
	flags.StringVar(&content, "content", "", "message content")
	flags.StringVar(&metaJSON, "metadata", "", "JSON object with extra metadata")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}
