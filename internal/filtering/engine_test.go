package filtering

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triggerhub/internal/constants"
	"triggerhub/pkg/models"
)

func newEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := NewEngine(nil, opts...)
	require.NoError(t, err)
	return e
}

func sampleEvent() *models.Event {
	return &models.Event{
		Name:     "issue_created",
		Provider: models.ProviderGitHub,
		Fields: map[string]interface{}{
			"title":    "Login page Crashes on submit",
			"priority": "low",
			"labels":   []interface{}{"bug", "frontend"},
			"number":   float64(42),
			"author":   map[string]interface{}{"login": "octocat"},
			"draft":    false,
		},
		Extras: map[string]interface{}{"repository": "acme/web"},
	}
}

func pred(field, op, value string) models.Predicate {
	return models.Predicate{Field: field, Operator: op, Value: value}
}

func TestPredicateOperators(t *testing.T) {
	e := newEngine(t)
	event := sampleEvent()

	tests := []struct {
		name string
		p    models.Predicate
		want bool
	}{
		{"equals exact", pred("priority", models.OpEquals, "low"), true},
		{"equals is case sensitive", pred("priority", models.OpEquals, "LOW"), false},
		{"contains ignores case", pred("title", models.OpContains, "crashes"), true},
		{"contains miss", pred("title", models.OpContains, "timeout"), false},
		{"in list member", pred("priority", models.OpIn, "low, medium"), true},
		{"in list trims but stays exact", pred("priority", models.OpIn, "high,urgent"), false},
		{"regex case sensitive", pred("title", models.OpRegex, "^login"), false},
		{"regex opt-in case insensitive", pred("title", models.OpRegex, "(?i)^login"), true},
		{"numbers compare as text", pred("number", models.OpEquals, "42"), true},
		{"booleans compare as text", pred("draft", models.OpEquals, "false"), true},
		{"nested path", pred("author.login", models.OpEquals, "octocat"), true},
		{"array any element", pred("labels", models.OpEquals, "frontend"), true},
		{"array no element", pred("labels", models.OpEquals, "backend"), false},
		{"array index path", pred("labels.0", models.OpEquals, "bug"), true},
		{"extras fallback", pred("repository", models.OpContains, "ACME"), true},
		{"missing field", pred("assignee", models.OpEquals, "x"), false},
		{"object value never matches", pred("author", models.OpContains, "octo"), false},
		{"empty value matches", pred("assignee", models.OpEquals, ""), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Matches(context.Background(), event, models.FilterRule{Predicates: []models.Predicate{tt.p}})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatchesIsConjunction(t *testing.T) {
	e := newEngine(t)
	event := sampleEvent()

	all := models.FilterRule{Predicates: []models.Predicate{
		pred("priority", models.OpEquals, "low"),
		pred("labels", models.OpIn, "bug,security"),
		pred("title", models.OpContains, "login"),
	}}
	ok, err := e.Matches(context.Background(), event, all)
	require.NoError(t, err)
	assert.True(t, ok)

	all.Predicates = append(all.Predicates, pred("author.login", models.OpEquals, "someone-else"))
	ok, err = e.Matches(context.Background(), event, all)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = e.Matches(context.Background(), event, models.FilterRule{})
	require.NoError(t, err)
	assert.True(t, ok, "an empty rule matches")
}

func TestFilterPriorityScenario(t *testing.T) {
	e := newEngine(t)
	sub := &models.Subscription{
		ID: "sub-1",
		Filters: map[string]models.FilterRule{
			"issue_created": {Predicates: []models.Predicate{pred("priority", models.OpIn, "high,urgent")}},
		},
	}

	ok, err := e.Filter(context.Background(), sampleEvent(), sub)
	require.NoError(t, err)
	assert.False(t, ok)

	urgent := sampleEvent()
	urgent.Fields["priority"] = "urgent"
	ok, err = e.Filter(context.Background(), urgent, sub)
	require.NoError(t, err)
	assert.True(t, ok)

	other := sampleEvent()
	other.Name = "issue_closed"
	ok, err = e.Filter(context.Background(), other, sub)
	require.NoError(t, err)
	assert.True(t, ok, "event types without a rule pass")
}

func TestFilterWildcardRule(t *testing.T) {
	e := newEngine(t)
	sub := &models.Subscription{Filters: map[string]models.FilterRule{
		WildcardRule: {Predicates: []models.Predicate{pred("repository", models.OpEquals, "acme/api")}},
	}}
	ok, err := e.Filter(context.Background(), sampleEvent(), sub)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInvalidRegexFails(t *testing.T) {
	e := newEngine(t)
	rule := models.FilterRule{Predicates: []models.Predicate{pred("title", models.OpRegex, "(unclosed")}}

	ok, err := e.Matches(context.Background(), sampleEvent(), rule)
	assert.Error(t, err)
	assert.False(t, ok)
	assert.Error(t, e.Validate(rule))
}

func TestExpressionIsAndedWithPredicates(t *testing.T) {
	e := newEngine(t)
	rule := models.FilterRule{
		Predicates: []models.Predicate{pred("priority", models.OpEquals, "low")},
		Expression: `fields.number > 40.0 && extras.repository == "acme/web"`,
	}
	ok, err := e.Matches(context.Background(), sampleEvent(), rule)
	require.NoError(t, err)
	assert.True(t, ok)

	rule.Expression = `fields.number > 100.0`
	ok, err = e.Matches(context.Background(), sampleEvent(), rule)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExpressionErrorFallback(t *testing.T) {
	rule := models.FilterRule{Expression: `fields.missing == "x"`}

	ok, err := newEngine(t).Matches(context.Background(), sampleEvent(), rule)
	require.NoError(t, err)
	assert.False(t, ok, "deny is the default fallback")

	ok, err = newEngine(t, WithOnExpressionError(constants.FallbackAllow)).Matches(context.Background(), sampleEvent(), rule)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestValidate(t *testing.T) {
	e := newEngine(t)

	assert.NoError(t, e.Validate(models.FilterRule{
		Predicates: []models.Predicate{pred("priority", models.OpIn, "high,urgent")},
		Expression: `name == "issue_created"`,
	}))
	assert.Error(t, e.Validate(models.FilterRule{Predicates: []models.Predicate{pred("priority", "startswith", "h")}}))
	assert.Error(t, e.Validate(models.FilterRule{Predicates: []models.Predicate{pred("", models.OpEquals, "h")}}))
	assert.Error(t, e.Validate(models.FilterRule{Expression: `fields.priority`}))
}
