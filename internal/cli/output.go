package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/roach88/regelapi/internal/domain"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Operation failed (transport down, store error, etc.)
	ExitCommandError = 2 // Command error (bad flags, unreadable input, invalid configuration)
	ExitNotFound     = 3 // Unknown request, result or reference
	ExitTimeout      = 4 // No result within the polling budget
)

// ExitError represents an error with a specific exit code.
// Use this to return errors with meaningful exit codes from CLI commands.
type ExitError struct {
	Code    int    // Exit code
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// wrapDomainError picks the exit code matching the domain error code of err.
func wrapDomainError(message string, err error) *ExitError {
	switch domain.CodeOf(err) {
	case domain.ErrCodeNotFound:
		return WrapExitError(ExitNotFound, message, err)
	case domain.ErrCodeTimeout:
		return WrapExitError(ExitTimeout, message, err)
	default:
		return WrapExitError(ExitFailure, message, err)
	}
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for verbose/diagnostic output (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"` // domain error code, e.g. "NOT_FOUND"
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}

	fmt.Fprintln(f.Writer, data)
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	if _, err := fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message); err != nil {
		return err
	}
	if f.Verbose && details != nil {
		if _, err := fmt.Fprintf(f.Writer, "Details: %v\n", details); err != nil {
			return err
		}
	}
	return nil
}

// Fail reports err through Error and returns it wrapped with its exit code.
func (f *OutputFormatter) Fail(message string, err error) error {
	exitErr := wrapDomainError(message, err)
	code := string(domain.CodeOf(err))
	if code == "" {
		code = "ERROR"
	}
	if werr := f.Error(code, exitErr.Error(), nil); werr != nil {
		// The exit code still carries the failure; the report is lost.
		slog.Warn("failed to write error output", "code", code, "error", werr)
	}
	return exitErr
}

// VerboseLog outputs a message only if verbose mode is enabled.
// When format is JSON, verbose logs go to ErrWriter to avoid corrupting JSON output.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, format+"\n", args...)
}

// requestView is the printed form of a request.
type requestView struct {
	ID      string `json:"id"`
	Key     string `json:"key"`
	Context string `json:"context"`
	Status  string `json:"status"`
	Created bool   `json:"created"`
}

func (v requestView) String() string {
	return fmt.Sprintf("%s %s (%s:%s)", v.ID, v.Status, v.Context, v.Key)
}

// statusView is the printed form of a status.
type statusView struct {
	RequestID   string `json:"requestId"`
	Status      string `json:"status"`
	ResultSetID string `json:"resultSetId,omitempty"`
}

func newStatusView(id domain.CorrelationID, s domain.Status) statusView {
	return statusView{RequestID: string(id), Status: s.Kind.String(), ResultSetID: s.ResultSetID}
}

func (v statusView) String() string {
	if v.ResultSetID != "" {
		return fmt.Sprintf("%s %s %s", v.RequestID, v.Status, v.ResultSetID)
	}
	return fmt.Sprintf("%s %s", v.RequestID, v.Status)
}

// resultView is the printed form of a result set.
type resultView struct {
	ID        string                                `json:"id"`
	RequestID string                                `json:"requestId"`
	CreatedAt time.Time                             `json:"createdAt"`
	Complete  bool                                  `json:"complete"`
	Results   map[domain.ResultKind]domain.SubResult `json:"results"`
}

func newResultView(rs domain.ResultSet) resultView {
	return resultView{
		ID:        rs.ID,
		RequestID: string(rs.RequestID),
		CreatedAt: rs.CreatedAt,
		Complete:  rs.Complete(),
		Results:   rs.Results,
	}
}

func (v resultView) String() string {
	s := fmt.Sprintf("result set %s for request %s (complete: %t)", v.ID, v.RequestID, v.Complete)
	for _, kind := range slices.Sorted(maps.Keys(v.Results)) {
		s += fmt.Sprintf("\n  %s %s", kind, v.Results[kind].ID())
	}
	return s
}
