// Package rerr defines the typed error-kind taxonomy shared by every rein
// component. Kinds are sentinel values checked with errors.Is; components
// wrap them with context via errors.Wrap / fmt.Errorf("%w", ...).
package rerr

import "errors"

// Kind is a coarse error category. Components attach one of these to every
// failure that crosses a component boundary so callers can branch on
// errors.Is(err, rerr.ProviderFailure) without parsing messages.
type Kind error

var (
	// InputValidation: missing required declared input, malformed JSON
	// input, or an undeclared placeholder in a prompt. Fatal pre-run.
	InputValidation Kind = errors.New("input validation")

	// DocumentValidation: cyclic graph, unknown dependency, duplicate
	// block, or version incompatibility. Fatal pre-run.
	DocumentValidation Kind = errors.New("document validation")

	// UnresolvedPlaceholder: the Prompt Assembler could not resolve every
	// task.input placeholder. Block-level failure.
	UnresolvedPlaceholder Kind = errors.New("unresolved placeholder")

	// ProviderFailure: the Provider call raised an error (network, auth,
	// rate limit, parse). Block-level failure.
	ProviderFailure Kind = errors.New("provider failure")

	// LogicFailure: a logic hook exited non-zero or timed out.
	// Block-level failure.
	LogicFailure Kind = errors.New("logic failure")

	// ResultMissing: a block reported success but outputs/result.json is
	// absent or empty. Block-level failure.
	ResultMissing Kind = errors.New("result missing")

	// CriticalStop: a block-level failure of a block with
	// continue_if_failed=false, a wall-clock timeout, or a user
	// interrupt. Workflow-level termination.
	CriticalStop Kind = errors.New("critical stop")
)

// Wrap attaches kind to err, preserving err for errors.Is/As via %w.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &wrapped{kind: kind, msg: msg, cause: err}
}

type wrapped struct {
	kind  Kind
	msg   string
	cause error
}

func (w *wrapped) Error() string {
	if w.msg == "" {
		return w.kind.Error() + ": " + w.cause.Error()
	}
	return w.kind.Error() + ": " + w.msg + ": " + w.cause.Error()
}

func (w *wrapped) Unwrap() []error { return []error{w.kind, w.cause} }
