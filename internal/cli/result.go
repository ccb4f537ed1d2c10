package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/regelapi/internal/domain"
)

// ResultOptions holds flags for the result command.
type ResultOptions struct {
	*RootOptions
	Component string
}

// NewResultCommand creates the result command.
func NewResultCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResultOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "result [request-id]",
		Short: "Print the result set answering a request",
		Long: `Print the result set answering a request, or with --component the result
set identified by its own id or the id of one of its sub-results.

Example:
  regelapi result 01890a5d-ac96-774b-bcce-b302099a8057
  regelapi result --component 01HGW2N7EQ2ZQ6Y9Y1J5KZ0N3P --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResult(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Component, "component", "", "result set or sub-result id to look up instead of a request id")

	return cmd
}

func runResult(opts *ResultOptions, args []string, cmd *cobra.Command) error {
	configureLogging(opts.Verbose)
	out := opts.formatter(cmd)

	if (len(args) == 1) == (opts.Component != "") {
		return NewExitError(ExitCommandError, "give either a request id or --component")
	}

	a, err := openApp(opts.Config)
	if err != nil {
		return err
	}
	defer a.Close()

	var rs domain.ResultSet
	if opts.Component != "" {
		rs, err = a.service.ResultByComponent(cmd.Context(), opts.Component)
	} else {
		rs, err = a.service.Result(cmd.Context(), domain.CorrelationID(args[0]))
	}
	if err != nil {
		return out.Fail("result lookup", err)
	}
	return out.Success(newResultView(rs))
}
