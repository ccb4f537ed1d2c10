package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

type sweepView struct {
	Consumed   int `json:"consumed"`
	Unconsumed int `json:"unconsumed"`
	Failed     int `json:"failed"`
}

func (v sweepView) String() string {
	return fmt.Sprintf("reclaimed %d consumed and %d unconsumed result set(s), %d failed",
		v.Consumed, v.Unconsumed, v.Failed)
}

// NewSweepCommand creates the sweep command.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Reclaim expired result sets once",
		Long: `Run one janitor pass now instead of waiting for the serve schedule.

Consumed result sets are reclaimed after REGELAPI_RETENTION_WINDOW,
unconsumed ones after REGELAPI_HARD_CEILING. A reclaimed request keeps its
mapping and is never answered again.

Example:
  regelapi sweep --db ./regelapi.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(rootOpts, cmd)
		},
	}

	return cmd
}

func runSweep(opts *RootOptions, cmd *cobra.Command) error {
	configureLogging(opts.Verbose)
	out := opts.formatter(cmd)

	a, err := openApp(opts.Config)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.janitor().Sweep(cmd.Context())
	if err != nil {
		return out.Fail("sweep", err)
	}
	if report.Failed > 0 {
		out.VerboseLog("%d result set(s) could not be reclaimed", report.Failed)
	}
	return out.Success(sweepView{Consumed: report.Consumed, Unconsumed: report.Unconsumed, Failed: report.Failed})
}
