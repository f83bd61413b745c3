package cel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triggerhub/pkg/models"
)

func TestNewEvaluator(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)
	assert.NotNil(t, eval)
}

func TestValidateFilterExpression(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	tests := []struct {
		name      string
		expr      string
		wantError bool
	}{
		{
			name:      "valid field comparison",
			expr:      `fields.priority == "high"`,
			wantError: false,
		},
		{
			name:      "valid event name",
			expr:      `name == "issue_created"`,
			wantError: false,
		},
		{
			name:      "non-bool expression",
			expr:      `attachment_count`,
			wantError: true,
		},
		{
			name:      "bare dynamic field",
			expr:      `fields.flagged`,
			wantError: true,
		},
		{
			name:      "dynamic field compared to bool",
			expr:      `fields.flagged == true`,
			wantError: false,
		},
		{
			name:      "invalid expression",
			expr:      `invalid syntax here!!!`,
			wantError: true,
		},
		{
			name:      "undefined variable",
			expr:      `payload.status == "test"`,
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := eval.ValidateFilterExpression(tt.expr)
			if tt.wantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestExamplesCompile(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	for name, expr := range FilterExpressionExamples {
		t.Run(name, func(t *testing.T) {
			assert.NoError(t, eval.ValidateFilterExpression(expr))
		})
	}
}

func TestEvaluateFilter(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	ctx := context.Background()
	event := &models.Event{
		Name:           "ticket_created",
		Provider:       models.ProviderZendesk,
		SubscriptionID: "sub-1",
		OccurredAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Fields: map[string]interface{}{
			"priority": "high",
			"subject":  "Invoice overdue",
			"amount":   150.0,
		},
		Extras:      map[string]interface{}{"account_id": "acme"},
		Attachments: []models.AttachmentReference{{Name: "a.pdf"}},
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{name: "field equality true", expr: `fields.priority == "high"`, want: true},
		{name: "field equality false", expr: `fields.priority == "low"`, want: false},
		{name: "numeric comparison", expr: `fields.amount > 100.0`, want: true},
		{name: "case folded contains", expr: `fields.subject.lowerAscii().contains("invoice")`, want: true},
		{name: "extras", expr: `extras.account_id == "acme"`, want: true},
		{name: "has on missing extra", expr: `has(extras.region)`, want: false},
		{name: "attachment count", expr: `attachment_count == 1`, want: true},
		{name: "occurred at", expr: `occurred_at > timestamp("2026-01-01T00:00:00Z")`, want: true},
		{name: "provider and name", expr: `provider == "zendesk" && name.startsWith("ticket_")`, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := eval.EvaluateFilter(ctx, tt.expr, event)
			require.NoError(t, err)
			assert.Equal(t, tt.want, result)
		})
	}
}

func TestEvaluateFilterErrors(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)
	event := &models.Event{Name: "x"}

	_, err = eval.EvaluateFilter(context.Background(), `fields.missing == "a"`, event)
	assert.Error(t, err, "a missing map key is an evaluation error")

	_, err = eval.EvaluateFilter(context.Background(), `not valid`, event)
	assert.Error(t, err)
}

func TestProgramsAreCached(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)
	event := &models.Event{Name: "issue_created"}

	for i := 0; i < 3; i++ {
		ok, err := eval.EvaluateFilter(context.Background(), `name == "issue_created"`, event)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Len(t, eval.programs, 1)
}
