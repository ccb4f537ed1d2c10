package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/regelapi/internal/domain"
)

// ReevaluateOptions holds flags for the reevaluate command.
type ReevaluateOptions struct {
	*RootOptions
	Date string
}

type reevaluationView struct {
	ResultIDs []string `json:"resultIds"`
	Date      string   `json:"date"`
	Changed   bool     `json:"changed"`
}

func (v reevaluationView) String() string {
	if v.Changed {
		return fmt.Sprintf("re-evaluation required for %s", v.Date)
	}
	return fmt.Sprintf("no re-evaluation required for %s", v.Date)
}

// NewReevaluateCommand creates the reevaluate command.
func NewReevaluateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReevaluateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reevaluate <result-id>...",
		Short: "Check whether results change outcome at a new date",
		Long: `Recalculate the requests behind the given results at --date and report
whether any qualification outcome differs from the original.

Each check submits a derived request and waits for the rule engine to answer
it, so a serve process must be consuming results. A check that gets no answer
within REGELAPI_REEVALUATION_ATTEMPTS probes exits with code 4.

Example:
  regelapi reevaluate --date 2020-01-01 01HGW2N7EQ2ZQ6Y9Y1J5KZ0N3P`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReevaluate(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Date, "date", "", "new computation date, YYYY-MM-DD (required)")
	_ = cmd.MarkFlagRequired("date")

	return cmd
}

func runReevaluate(opts *ReevaluateOptions, resultIDs []string, cmd *cobra.Command) error {
	configureLogging(opts.Verbose)
	out := opts.formatter(cmd)

	date, err := time.Parse(domain.DateLayout, opts.Date)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --date", err)
	}

	a, err := openApp(opts.Config)
	if err != nil {
		return err
	}
	defer a.Close()

	out.VerboseLog("checking %d result(s) at %s", len(resultIDs), opts.Date)
	changed, err := a.service.RequiresReevaluation(cmd.Context(), resultIDs, date)
	if err != nil {
		return out.Fail("re-evaluation check", err)
	}
	return out.Success(reevaluationView{ResultIDs: resultIDs, Date: opts.Date, Changed: changed})
}
