package session

import "fmt"

// StepResult is the outcome of one external step (a tmux or git command)
// inside a larger operation. Fatal failures abort the operation; advisory
// ones are logged and the operation carries on.
type StepResult struct {
	Step  string
	Err   error
	fatal bool
}

// Fatal marks a step whose failure must abort the operation.
func Fatal(step string, err error) StepResult {
	return StepResult{Step: step, Err: err, fatal: true}
}

// Advisory marks a best-effort step.
func Advisory(step string, err error) StepResult {
	return StepResult{Step: step, Err: err}
}

func (r StepResult) Failed() bool { return r.Err != nil }

// IsFatal reports a failed fatal step.
func (r StepResult) IsFatal() bool { return r.fatal && r.Err != nil }

// AsError wraps the step's error with its name, or returns nil on success.
func (r StepResult) AsError() error {
	if r.Err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", r.Step, r.Err)
}
