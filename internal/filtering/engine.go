// Package filtering decides whether a canonical event reaches the
// dispatcher. A rule is a list of predicates plus an optional CEL
// expression, all ANDed. Events that fail are dropped silently.
package filtering

import (
	"context"
	"fmt"
	"time"

	"triggerhub/internal/constants"
	"triggerhub/internal/logger"
	"triggerhub/pkg/cel"
	"triggerhub/pkg/metrics"
	"triggerhub/pkg/models"
	"triggerhub/pkg/tracing"
)

// WildcardRule applies to every event type without a rule of its own.
const WildcardRule = "*"

type Engine struct {
	evaluator *cel.Evaluator
	patterns  *patternCache
	onError   string
	logger    logger.Logger
}

type Option func(*Engine)

// WithOnExpressionError selects what a failing CEL evaluation means:
// constants.FallbackDeny (default) drops the event, FallbackAllow ignores
// the expression.
func WithOnExpressionError(mode string) Option {
	return func(e *Engine) {
		if mode == constants.FallbackAllow || mode == constants.FallbackDeny {
			e.onError = mode
		}
	}
}

func NewEngine(log logger.Logger, opts ...Option) (*Engine, error) {
	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL evaluator: %w", err)
	}
	if log == nil {
		log = logger.NopLogger()
	}
	e := &Engine{
		evaluator: evaluator,
		patterns:  newPatternCache(),
		onError:   constants.FallbackDeny,
		logger:    log,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// RuleFor returns the rule configured for the event type, falling back to
// the wildcard rule.
func RuleFor(sub *models.Subscription, eventName string) (models.FilterRule, bool) {
	if rule, ok := sub.Filters[eventName]; ok {
		return rule, true
	}
	rule, ok := sub.Filters[WildcardRule]
	return rule, ok
}

// Filter applies the subscription's rule for the event type. Events without
// a configured rule pass.
func (e *Engine) Filter(ctx context.Context, event *models.Event, sub *models.Subscription) (bool, error) {
	ctx, span := tracing.GetTracer(constants.ServiceName).Start(ctx, "filtering.filter")
	defer span.End()

	rule, ok := RuleFor(sub, event.Name)
	if !ok {
		return true, nil
	}

	start := time.Now()
	passed, err := e.Matches(ctx, event, rule)
	status := "passed"
	switch {
	case err != nil:
		status = "error"
	case !passed:
		status = "filtered"
	}
	metrics.ObserveFilterEvaluation(string(event.Provider), status, time.Since(start))
	return passed, err
}

// Matches is true iff every predicate matches and the expression, when set,
// evaluates to true. An empty rule matches.
func (e *Engine) Matches(ctx context.Context, event *models.Event, rule models.FilterRule) (bool, error) {
	for _, p := range rule.Predicates {
		ok, err := e.matchPredicate(event, p)
		if err != nil {
			return false, err
		}
		if !ok {
			e.logger.DebugwCtx(ctx, "Predicate filtered event",
				"event", event.Name,
				"field", p.Field,
				"operator", p.Operator,
			)
			return false, nil
		}
	}

	if rule.Expression == "" {
		return true, nil
	}
	ok, err := e.evaluator.EvaluateFilter(ctx, rule.Expression, event)
	if err != nil {
		return e.handleEvaluationError(ctx, event, rule, err), nil
	}
	return ok, nil
}

func (e *Engine) handleEvaluationError(ctx context.Context, event *models.Event, rule models.FilterRule, err error) bool {
	if e.onError == constants.FallbackAllow {
		e.logger.WarnwCtx(ctx, "Expression evaluation error, allowing event (fallback: allow)",
			"event", event.Name,
			"expression", rule.Expression,
			"error", err,
		)
		return true
	}
	e.logger.WarnwCtx(ctx, "Expression evaluation error, dropping event (fallback: deny)",
		"event", event.Name,
		"expression", rule.Expression,
		"error", err,
	)
	return false
}

// Validate checks a rule before it is stored: known operators, compilable
// regular expressions and a boolean CEL expression.
func (e *Engine) Validate(rule models.FilterRule) error {
	for _, p := range rule.Predicates {
		if p.Field == "" {
			return fmt.Errorf("predicate field is required")
		}
		switch p.Operator {
		case models.OpEquals, models.OpContains, models.OpIn:
		case models.OpRegex:
			if _, err := e.patterns.compile(p.Value); err != nil {
				return fmt.Errorf("predicate %s: %w", p.Field, err)
			}
		default:
			return fmt.Errorf("predicate %s: unknown operator %q", p.Field, p.Operator)
		}
	}
	if rule.Expression != "" {
		if err := e.evaluator.ValidateFilterExpression(rule.Expression); err != nil {
			return err
		}
	}
	return nil
}
