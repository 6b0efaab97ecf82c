package heal

import (
	"context"
	"fmt"

	"github.com/psantana5/warden/internal/oracle"
	"github.com/psantana5/warden/pkg/logging"
	"github.com/psantana5/warden/pkg/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// Outcome tags the result of one self-heal attempt.
type Outcome int

const (
	Healed Outcome = iota
	NoSuggestion
	PatchFailed
	InstallFailed
)

func (o Outcome) String() string {
	switch o {
	case Healed:
		return "healed"
	case NoSuggestion:
		return "no_suggestion"
	case PatchFailed:
		return "patch_failed"
	case InstallFailed:
		return "install_failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result describes one self-heal attempt.
type Result struct {
	Outcome Outcome
	Package string
	Err     error
}

// OK reports whether the environment was repaired.
func (r Result) OK() bool { return r.Outcome == Healed }

// Healer orchestrates oracle, manifest patch and install.
type Healer struct {
	Oracle       oracle.Oracle
	Manifest     *Manifest
	Installer    Installer
	ExcerptChars int
	Tracer       *tracing.Provider
	Logger       *logging.Logger
}

// Heal runs one self-heal cycle for a failure log. It never panics or
// returns an error: every collaborator failure becomes an Outcome.
func (h *Healer) Heal(ctx context.Context, failureLog []byte) Result {
	ctx, span := h.Tracer.StartSpan(ctx, "supervisor.heal")
	defer span.End()

	logger := h.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	excerpt := oracle.Tail(string(failureLog), h.ExcerptChars)
	name, ok := h.Oracle.Suggest(ctx, excerpt)
	if !ok {
		span.SetAttributes(attribute.String("heal.outcome", NoSuggestion.String()))
		return Result{Outcome: NoSuggestion}
	}
	span.SetAttributes(attribute.String("heal.package", name))
	logger.Info("oracle suggested package", logging.Fields{"package": name})

	written, err := h.Manifest.Append(name)
	if err != nil {
		tracing.SetError(ctx, err)
		return Result{Outcome: PatchFailed, Package: name, Err: err}
	}
	if !written {
		logger.Info("package already in manifest", logging.Fields{"package": name, "manifest": h.Manifest.Path})
	}

	if err := h.Installer.Install(ctx, h.Manifest.Path); err != nil {
		tracing.SetError(ctx, err)
		return Result{Outcome: InstallFailed, Package: name, Err: err}
	}

	span.SetAttributes(attribute.String("heal.outcome", Healed.String()))
	return Result{Outcome: Healed, Package: name}
}
