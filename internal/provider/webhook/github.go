package webhook

import (
	"triggerhub/internal/mapping"
	"triggerhub/pkg/models"
)

// githubActions maps event header + payload action to canonical names. An
// empty action key matches events without one.
var githubActions = map[string]map[string]string{
	"create":            {"": "ref_change"},
	"delete":            {"": "ref_change"},
	"push":              {"": "push"},
	"deployment_status": {"created": "deployment_status_created", "": "deployment_status_created"},
	"issues": {
		"opened":   "issue_created",
		"closed":   "issue_closed",
		"reopened": "issue_reopened",
		"edited":   "issue_updated",
		"labeled":  "issue_labeled",
		"assigned": "issue_assigned",
	},
	"issue_comment": {"created": "issue_comment_created", "edited": "issue_comment_updated"},
	"pull_request": {
		"opened":           "pull_request_opened",
		"closed":           "pull_request_closed",
		"reopened":         "pull_request_reopened",
		"synchronize":      "pull_request_updated",
		"ready_for_review": "pull_request_ready_for_review",
	},
	"release": {"published": "release_published", "created": "release_created"},
	"star":    {"created": "star_created", "deleted": "star_deleted"},
}

func classifyGitHub(msg *models.TransportMessage, payload map[string]interface{}) (string, string) {
	event := msg.Header("X-GitHub-Event")
	actions, ok := githubActions[event]
	if !ok {
		return "", ""
	}
	action := str(payload, "action")
	name := actions[action]
	if action == "" {
		// create and delete carry no action; keep them apart in the dedup key.
		action = event
	}
	return name, action
}

// GitHub repository webhooks, signed with X-Hub-Signature-256.
func GitHub() *Variant {
	return &Variant{
		kind: models.ProviderGitHub,
		verification: models.Verification{
			Scheme:   models.SchemeHMAC,
			Header:   "X-Hub-Signature-256",
			Prefix:   "sha256=",
			Encoding: "hex",
		},
		classify:        classifyGitHub,
		deliveryHeaders: []string{"X-GitHub-Delivery"},
		schemas: []mapping.Schema{
			{Event: "issue_created", Fields: githubIssueFields()},
			{Event: "issue_closed", Fields: githubIssueFields()},
			{Event: "issue_updated", Fields: githubIssueFields()},
			{Event: "issue_reopened", Fields: githubIssueFields()},
			{Event: "pull_request_opened", Fields: []mapping.Field{
				{Name: "number", Path: "pull_request.number", Type: mapping.TypeNumber, Required: true},
				{Name: "title", Path: "pull_request.title", Type: mapping.TypeString},
				{Name: "state", Path: "pull_request.state", Type: mapping.TypeString},
				{Name: "author", Path: "pull_request.user.login", Type: mapping.TypeString},
				{Name: "base", Path: "pull_request.base.ref", Type: mapping.TypeString},
				{Name: "head", Path: "pull_request.head.ref", Type: mapping.TypeString},
				{Name: "created_at", Path: "pull_request.created_at", Type: mapping.TypeTimestamp},
			}},
			{Event: "push", Fields: []mapping.Field{
				{Name: "ref", Path: "ref", Type: mapping.TypeString, Required: true},
				{Name: "before", Path: "before", Type: mapping.TypeString},
				{Name: "after", Path: "after", Type: mapping.TypeString},
				{Name: "commits", Path: "commits", Type: mapping.TypeArray},
				{Name: "repository", Path: "repository.full_name", Type: mapping.TypeString},
			}},
			{Event: "ref_change", Fields: []mapping.Field{
				{Name: "ref", Path: "ref", Type: mapping.TypeString, Required: true},
				{Name: "ref_type", Path: "ref_type", Type: mapping.TypeEnum, Enum: []string{"branch", "tag"}},
				{Name: "repository", Path: "repository.full_name", Type: mapping.TypeString},
			}},
			{Event: "deployment_status_created", Fields: []mapping.Field{
				{Name: "state", Path: "deployment_status.state", Type: mapping.TypeString, Required: true},
				{Name: "environment", Path: "deployment.environment", Type: mapping.TypeString},
				{Name: "target_url", Path: "deployment_status.target_url", Type: mapping.TypeString},
			}},
		},
	}
}

func githubIssueFields() []mapping.Field {
	return []mapping.Field{
		{Name: "number", Path: "issue.number", Type: mapping.TypeNumber, Required: true},
		{Name: "title", Path: "issue.title", Type: mapping.TypeString},
		{Name: "body", Path: "issue.body", Type: mapping.TypeString},
		{Name: "state", Path: "issue.state", Type: mapping.TypeEnum, Enum: []string{"open", "closed"}},
		{Name: "author", Path: "issue.user.login", Type: mapping.TypeString},
		{Name: "labels", Path: "issue.labels", Type: mapping.TypeArray},
		{Name: "created_at", Path: "issue.created_at", Type: mapping.TypeTimestamp},
		{Name: "repository", Path: "repository.full_name", Type: mapping.TypeString},
	}
}
