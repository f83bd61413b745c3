package cel

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"

	"triggerhub/pkg/models"
)

// Evaluator compiles and runs filter expressions against canonical events.
// Compiled programs are cached by expression text.
type Evaluator struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("name", cel.StringType),
		cel.Variable("provider", cel.StringType),
		cel.Variable("subscription_id", cel.StringType),
		cel.Variable("occurred_at", cel.TimestampType),
		cel.Variable("fields", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("extras", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("attachment_count", cel.IntType),
		ext.Strings(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Evaluator{env: env, programs: make(map[string]cel.Program)}, nil
}

func (e *Evaluator) ValidateExpression(expression string) error {
	_, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}
	return nil
}

func (e *Evaluator) ValidateFilterExpression(expression string) error {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return fmt.Errorf("filter expression must return bool, got %v", ast.OutputType())
	}

	return nil
}

func (e *Evaluator) EvaluateFilter(ctx context.Context, expression string, event *models.Event) (bool, error) {
	program, err := e.program(expression)
	if err != nil {
		return false, err
	}

	result, _, err := program.ContextEval(ctx, e.vars(event))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}

	boolVal, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return bool, got %T", result.Value())
	}

	return boolVal, nil
}

func (e *Evaluator) program(expression string) (cel.Program, error) {
	e.mu.RLock()
	p, ok := e.programs[expression]
	e.mu.RUnlock()
	if ok {
		return p, nil
	}

	if err := e.ValidateFilterExpression(expression); err != nil {
		return nil, err
	}
	p, err := e.CompileExpression(expression)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.programs[expression] = p
	e.mu.Unlock()
	return p, nil
}

func (e *Evaluator) vars(event *models.Event) map[string]interface{} {
	fields := event.Fields
	if fields == nil {
		fields = map[string]interface{}{}
	}
	extras := event.Extras
	if extras == nil {
		extras = map[string]interface{}{}
	}
	return map[string]interface{}{
		"name":             event.Name,
		"provider":         string(event.Provider),
		"subscription_id":  event.SubscriptionID,
		"occurred_at":      event.OccurredAt,
		"fields":           fields,
		"extras":           extras,
		"attachment_count": int64(len(event.Attachments)),
	}
}

func (e *Evaluator) CompileExpression(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile CEL expression: %w", issues.Err())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return program, nil
}
