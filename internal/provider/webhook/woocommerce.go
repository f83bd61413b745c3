package webhook

import (
	"strings"

	"triggerhub/internal/mapping"
	"triggerhub/pkg/models"
)

var wooTopics = map[string]string{
	"order.created":    "order_created",
	"order.updated":    "order_updated",
	"order.deleted":    "order_deleted",
	"product.created":  "product_created",
	"product.updated":  "product_updated",
	"product.deleted":  "product_deleted",
	"customer.created": "customer_created",
	"customer.updated": "customer_updated",
	"customer.deleted": "customer_deleted",
	"coupon.created":   "coupon_created",
	"coupon.updated":   "coupon_updated",
	"coupon.deleted":   "coupon_deleted",
}

func classifyWooCommerce(msg *models.TransportMessage, _ map[string]interface{}) (string, string) {
	topic := strings.ToLower(strings.TrimSpace(msg.Header("X-WC-Webhook-Topic")))
	return wooTopics[topic], topic
}

// parseWooCommerce tolerates the form-encoded webhook_id ping WooCommerce
// sends when a webhook is saved.
func parseWooCommerce(msg *models.TransportMessage) (map[string]interface{}, error) {
	if strings.HasPrefix(strings.ToLower(msg.ContentType), "application/x-www-form-urlencoded") {
		return parseForm(msg)
	}
	return parseJSON(msg)
}

// wooNativeID identifies one revision of a resource. X-WC-Webhook-ID names
// the webhook itself and is the same for every delivery, so it is not used.
func wooNativeID(payload map[string]interface{}) string {
	id := str(payload, "id")
	modified := str(payload, "date_modified_gmt")
	if id == "" || modified == "" {
		return ""
	}
	return id + "@" + modified
}

// WooCommerce store webhooks. The topic header selects the event.
func WooCommerce() *Variant {
	orderFields := []mapping.Field{
		{Name: "id", Path: "id", Type: mapping.TypeNumber, Required: true},
		{Name: "number", Path: "number", Type: mapping.TypeString},
		{Name: "status", Path: "status", Type: mapping.TypeString},
		{Name: "currency", Path: "currency", Type: mapping.TypeString},
		{Name: "total", Path: "total", Type: mapping.TypeString},
		{Name: "customer_id", Path: "customer_id", Type: mapping.TypeNumber},
		{Name: "billing", Path: "billing", Type: mapping.TypeObject},
		{Name: "line_items", Path: "line_items", Type: mapping.TypeArray},
		{Name: "date_created", Path: "date_created_gmt", Type: mapping.TypeString},
	}
	productFields := []mapping.Field{
		{Name: "id", Path: "id", Type: mapping.TypeNumber, Required: true},
		{Name: "name", Path: "name", Type: mapping.TypeString},
		{Name: "sku", Path: "sku", Type: mapping.TypeString},
		{Name: "price", Path: "price", Type: mapping.TypeString},
		{Name: "stock_status", Path: "stock_status", Type: mapping.TypeString},
	}
	return &Variant{
		kind: models.ProviderWooCommerce,
		verification: models.Verification{
			Scheme:   models.SchemeHMAC,
			Header:   "X-WC-Webhook-Signature",
			Encoding: "base64",
		},
		parse:           parseWooCommerce,
		classify:        classifyWooCommerce,
		nativeID:        wooNativeID,
		deliveryHeaders: []string{"X-WC-Webhook-Delivery-ID"},
		schemas: []mapping.Schema{
			{Event: "order_created", Fields: orderFields},
			{Event: "order_updated", Fields: orderFields},
			{Event: "product_created", Fields: productFields},
			{Event: "product_updated", Fields: productFields},
			{Event: "customer_created", Fields: []mapping.Field{
				{Name: "id", Path: "id", Type: mapping.TypeNumber, Required: true},
				{Name: "email", Path: "email", Type: mapping.TypeString},
				{Name: "first_name", Path: "first_name", Type: mapping.TypeString},
				{Name: "last_name", Path: "last_name", Type: mapping.TypeString},
			}},
		},
	}
}
