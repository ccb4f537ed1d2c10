package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/regelapi/internal/channel"
	"github.com/roach88/regelapi/internal/correlator"
)

// ConsumeOptions holds flags for the consume command.
type ConsumeOptions struct {
	*RootOptions
	Consumer string
	Direct   bool
}

type consumptionView struct {
	ResultID    string `json:"resultId"`
	ResultSetID string `json:"resultSetId,omitempty"`
	Consumer    string `json:"consumer"`
	Offset      int64  `json:"offset,omitempty"`
}

func (v consumptionView) String() string {
	if v.ResultSetID != "" {
		return fmt.Sprintf("result set %s consumed by %s", v.ResultSetID, v.Consumer)
	}
	return fmt.Sprintf("consumption of %s by %s published at offset %d", v.ResultID, v.Consumer, v.Offset)
}

// NewConsumeCommand creates the consume command.
func NewConsumeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ConsumeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "consume <result-id>",
		Short: "Report that a downstream system used a result",
		Long: `Report that a result set was consumed, which starts its retention window.

The result is named by the result set id or the id of one of its
sub-results. By default a consumption message is published to the
consumption topic for serve to record. With --direct it is recorded in the
result store at once.

Example:
  regelapi consume --consumer vedtak 01HGW2N7EQ2ZQ6Y9Y1J5KZ0N3P
  regelapi consume --consumer vedtak --direct 01HGW2N7EQ2ZQ6Y9Y1J5KZ0N3P`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConsume(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Consumer, "consumer", "", "name of the consuming system (required)")
	cmd.Flags().BoolVar(&opts.Direct, "direct", false, "record in the result store instead of publishing")
	_ = cmd.MarkFlagRequired("consumer")

	return cmd
}

func runConsume(opts *ConsumeOptions, resultID string, cmd *cobra.Command) error {
	configureLogging(opts.Verbose)
	out := opts.formatter(cmd)

	a, err := openApp(opts.Config)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	now := time.Now().UTC()
	value, err := correlator.EncodeConsumption(correlator.ConsumptionMessage{
		ResultID:   resultID,
		Consumer:   opts.Consumer,
		ConsumedAt: now,
	})
	if err != nil {
		return WrapExitError(ExitFailure, "failed to encode consumption", err)
	}

	if !opts.Direct {
		offset, err := a.log.Publish(ctx, a.cfg.ConsumptionTopic, resultID, value)
		if err != nil {
			return out.Fail("failed to publish consumption", err)
		}
		return out.Success(consumptionView{ResultID: resultID, Consumer: opts.Consumer, Offset: offset})
	}

	rs, err := a.service.ResultByComponent(ctx, resultID)
	if err != nil {
		return out.Fail("consumption of "+resultID, err)
	}
	msg := channel.Message{
		Topic:     a.cfg.ConsumptionTopic,
		Key:       resultID,
		Value:     value,
		Timestamp: now,
	}
	if err := a.consumptionPond().Handle(ctx, msg); err != nil {
		return out.Fail("consumption of "+resultID, err)
	}
	return out.Success(consumptionView{ResultID: resultID, ResultSetID: rs.ID, Consumer: opts.Consumer})
}
