package webhook

import (
	"encoding/json"
	"strings"

	"triggerhub/internal/mapping"
	"triggerhub/internal/provider"
	"triggerhub/pkg/models"
)

const rssFeedUpdate = "feed_update"

// parseRssHub accepts JSON bodies and form posts that carry the JSON in a
// payload field.
func parseRssHub(msg *models.TransportMessage) (map[string]interface{}, error) {
	if !strings.HasPrefix(strings.ToLower(msg.ContentType), "application/x-www-form-urlencoded") {
		return parseJSON(msg)
	}
	raw := msg.Form().Get("payload")
	if raw == "" {
		return nil, provider.Malformed("missing payload in form data")
	}
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil || len(payload) == 0 {
		return nil, provider.Malformed("form payload is not a JSON object")
	}
	return payload, nil
}

// Every RssHub delivery is a feed update whatever its event hints say.
func classifyRssHub(_ *models.TransportMessage, _ map[string]interface{}) (string, string) {
	return rssFeedUpdate, rssFeedUpdate
}

// RssHub feed webhooks authenticated with a shared API key.
func RssHub() *Variant {
	return &Variant{
		kind: models.ProviderRssHub,
		verification: models.Verification{
			Scheme:       models.SchemeSharedToken,
			TokenHeaders: []string{"X-RssHub-Token", "X-Api-Key"},
			TokenQuery:   []string{"token", "api_key"},
		},
		parse:    parseRssHub,
		classify: classifyRssHub,
		schemas: []mapping.Schema{
			{Event: rssFeedUpdate, Fields: []mapping.Field{
				{Name: "title", Path: "data.title", Type: mapping.TypeString},
				{Name: "link", Path: "data.link", Type: mapping.TypeString},
				{Name: "description", Path: "data.description", Type: mapping.TypeString},
				{Name: "items", Path: "data.item", Type: mapping.TypeArray},
			}},
		},
	}
}
