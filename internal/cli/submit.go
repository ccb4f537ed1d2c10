package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/regelapi/internal/domain"
	"github.com/roach88/regelapi/internal/retry"
)

// SubmitOptions holds flags for the submit command.
type SubmitOptions struct {
	*RootOptions
	File    string
	Key     string
	Context string
	Wait    bool
}

// requestDocument is the YAML (or JSON) form of a request read by submit.
type requestDocument struct {
	Key                 string         `yaml:"key"`
	Context             domain.Context `yaml:"context"`
	ComputationDate     string         `yaml:"computationDate"`
	domain.RequestInput `yaml:",inline"`
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Create a request and publish it to the rule engine",
		Long: `Create (or find) the request for an external reference and publish it.

The request is read from a YAML or JSON document. --key and --context
override the reference given in the document. Submitting a known reference
returns the stored request instead of creating a new one.

Example document:
  key: "123"
  context: decision
  computationDate: 2019-05-20
  subjectId: "1234"
  caseId: 1234
  childCount: 2
  incomeId: inntekt-1

Example:
  regelapi submit --file request.yaml
  regelapi submit --file request.yaml --key 456 --wait --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "request document, '-' for stdin (required)")
	cmd.Flags().StringVar(&opts.Key, "key", "", "external key (overrides the document)")
	cmd.Flags().StringVar(&opts.Context, "context", "", "reference context: decision|revaluation (overrides the document)")
	cmd.Flags().BoolVar(&opts.Wait, "wait", false, "poll until the request is answered")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func runSubmit(opts *SubmitOptions, cmd *cobra.Command) error {
	configureLogging(opts.Verbose)
	out := opts.formatter(cmd)

	doc, err := readRequestDocument(opts.File, cmd.InOrStdin())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read request", err)
	}
	if opts.Key != "" {
		doc.Key = opts.Key
	}
	if opts.Context != "" {
		doc.Context = domain.Context(opts.Context)
	}
	ref := domain.ExternalReference{Key: doc.Key, Context: doc.Context}
	if ref.Context == "" {
		ref.Context = domain.ContextDecision
	}

	input := doc.RequestInput
	if doc.ComputationDate != "" {
		date, err := time.Parse(domain.DateLayout, doc.ComputationDate)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid computation date", err)
		}
		input.ComputationDate = date
	}
	if err := ref.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid request", err)
	}
	if err := input.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid request", err)
	}

	a, err := openApp(opts.Config)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	out.VerboseLog("submitting %s", ref)
	sub, err := a.submitter.Create(ctx, ref, input)
	if err != nil {
		return out.Fail("failed to create request", err)
	}
	if sub.Delivery != nil {
		offset, err := sub.Delivery.Wait(ctx)
		if err != nil {
			return out.Fail(fmt.Sprintf("request %s stored but not published", sub.Request.ID), err)
		}
		out.VerboseLog("published %s at offset %d", sub.Request.ID, offset)
	}

	status, err := a.service.Status(ctx, sub.Request.ID)
	if err != nil && !domain.IsNotFound(err) {
		return out.Fail("failed to read status", err)
	}
	if opts.Wait && !status.IsDone() && err == nil {
		out.VerboseLog("waiting for a result for %s", sub.Request.ID)
		status, err = waitForResult(cmd, a, sub.Request.ID)
		if err != nil {
			return out.Fail("no result", err)
		}
	}

	view := requestView{
		ID:      string(sub.Request.ID),
		Key:     ref.Key,
		Context: string(ref.Context),
		Status:  status.Kind.String(),
		Created: sub.Created,
	}
	if status.Kind == 0 {
		view.Status = "RECLAIMED"
	}
	return out.Success(view)
}

// waitForResult polls the store until id is done, using the re-evaluation
// polling budget.
func waitForResult(cmd *cobra.Command, a *app, id domain.CorrelationID) (domain.Status, error) {
	var status domain.Status
	probes := 0
	err := retry.Poll(cmd.Context(), a.cfg.ReevaluationInterval, a.cfg.ReevaluationAttempts, func(ctx context.Context) (bool, error) {
		probes++
		s, err := a.service.Status(ctx, id)
		if err != nil {
			return false, err
		}
		status = s
		return s.IsDone(), nil
	})
	if errors.Is(err, retry.ErrExhausted) {
		return status, domain.CorrelationTimeout(id, probes)
	}
	return status, err
}

func readRequestDocument(path string, stdin io.Reader) (requestDocument, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return requestDocument{}, err
	}

	var doc requestDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return requestDocument{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}
