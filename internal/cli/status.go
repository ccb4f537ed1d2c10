package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/regelapi/internal/domain"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Key     string
	Context string
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status [request-id]",
		Short: "Show whether a request has been answered",
		Long: `Show the status of a request: PENDING until a result set arrives, then
DONE with the id of the result set.

The request is named by its correlation id, or by its external reference
with --key and --context. An unknown request exits with code 3.

Example:
  regelapi status 01890a5d-ac96-774b-bcce-b302099a8057
  regelapi status --key 123 --context decision --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Key, "key", "", "external key to look up instead of a request id")
	cmd.Flags().StringVar(&opts.Context, "context", string(domain.ContextDecision), "reference context: decision|revaluation")

	return cmd
}

func runStatus(opts *StatusOptions, args []string, cmd *cobra.Command) error {
	configureLogging(opts.Verbose)
	out := opts.formatter(cmd)

	if (len(args) == 1) == (opts.Key != "") {
		return NewExitError(ExitCommandError, "give either a request id or --key")
	}

	a, err := openApp(opts.Config)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	if opts.Key != "" {
		ref := domain.ExternalReference{Key: opts.Key, Context: domain.Context(opts.Context)}
		if err := ref.Validate(); err != nil {
			return WrapExitError(ExitCommandError, "invalid reference", err)
		}
		id, status, err := a.service.StatusByReference(ctx, ref)
		if err != nil {
			return out.Fail("status of "+ref.String(), err)
		}
		return out.Success(newStatusView(id, status))
	}

	id := domain.CorrelationID(args[0])
	status, err := a.service.Status(ctx, id)
	if err != nil {
		return out.Fail("status of "+args[0], err)
	}
	return out.Success(newStatusView(id, status))
}
