package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/effects"
	wardenotel "github.com/nurettinerzen/ai-assistant-saas-sub014/internal/otel"
)

var tracer = wardenotel.Tracer("github.com/nurettinerzen/ai-assistant-saas-sub014/internal/tools")

// ErrInvalidArguments wraps schema validation failures.
var ErrInvalidArguments = errors.New("invalid tool arguments")

// ValidateArgs checks args against the tool's JSON schema. Tools without a
// schema accept any JSON object.
func ValidateArgs(t Tool, args json.RawMessage) error {
	schema := t.InputSchema()
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if len(schema) == 0 {
		if !json.Valid(args) {
			return fmt.Errorf("%w: not valid JSON", ErrInvalidArguments)
		}
		return nil
	}
	res, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schema), gojsonschema.NewBytesLoader(args))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s", ErrInvalidArguments, strings.Join(msgs, "; "))
	}
	return nil
}

// Invoke validates and runs a tool, mapping every failure to a FAIL result.
// In a dry-run scope a side-effecting tool is not executed; a simulated OK
// result with DryRun set is returned instead. Read-only tools run normally.
func Invoke(ctx context.Context, scope effects.Scope, t Tool, args json.RawMessage) Result {
	ctx, span := tracer.Start(ctx, "tools.invoke")
	defer span.End()
	span.SetAttributes(
		attribute.String("tool.name", t.Name()),
		attribute.Bool("tool.side_effects", t.SideEffects()),
		attribute.Bool("effects.dry_run", scope.IsDryRun()),
	)

	res := Result{Tool: t.Name()}
	if err := ValidateArgs(t, args); err != nil {
		res.Status = StatusFail
		res.Error = err.Error()
		return res
	}

	if t.SideEffects() {
		if err := scope.Permit(effects.KindTool); err != nil {
			res.Status = StatusOK
			res.DryRun = true
			res.Output = json.RawMessage(`{"simulated":true}`)
			return res
		}
	}

	out, err := t.Execute(ctx, scope, args)
	if err != nil {
		span.RecordError(err)
		log.Warn().Err(err).Str("tool", t.Name()).Msg("tool_execution_failed")
		res.Status = StatusFail
		res.Error = err.Error()
		return res
	}
	res.Status = StatusOK
	res.Output = out
	return res
}
