package cel

// FilterExpressionExamples are sample rule expressions shown by the
// subscription API documentation.
var FilterExpressionExamples = map[string]string{
	"simple_equals":     `fields.priority == "high"`,
	"event_name":        `name == "issue_created"`,
	"string_contains":   `fields.subject.lowerAscii().contains("invoice")`,
	"in_list":           `fields.status in ["open", "pending"]`,
	"extras_lookup":     `has(extras.account_id) && extras.account_id == "acme"`,
	"nested_field":      `fields.author.login == "octocat"`,
	"has_attachments":   `attachment_count > 0`,
	"recent_only":       `occurred_at > timestamp("2026-01-01T00:00:00Z")`,
	"provider_specific": `provider == "github" && fields.action != "closed"`,
}
