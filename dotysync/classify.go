// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package dotysync

import "strings"

// ClassifyRule matches one order field against a substring and assigns an
// order type. Rules are evaluated in order; the first match wins.
type ClassifyRule struct {
	// Field is "type", "deliveryMethod" or "location".
	Field string `json:"field"`

	// Contains is matched case-insensitively against the field value.
	Contains string `json:"contains"`

	// OrderType is the classification result: OrderTypeOnSite,
	// OrderTypeTakeaway or OrderTypeDelivery.
	OrderType string `json:"orderType"`
}

// DefaultClassifyRules covers the stock Dotypos order shapes. Tenants with
// custom delivery integrations override these per configuration.
func DefaultClassifyRules() []ClassifyRule {
	return []ClassifyRule{
		{Field: "deliveryMethod", Contains: "delivery", OrderType: OrderTypeDelivery},
		{Field: "deliveryMethod", Contains: "pickup", OrderType: OrderTypeTakeaway},
		{Field: "type", Contains: "takeaway", OrderType: OrderTypeTakeaway},
		{Field: "type", Contains: "delivery", OrderType: OrderTypeDelivery},
		{Field: "location", Contains: "table", OrderType: OrderTypeOnSite},
		{Field: "type", Contains: "receipt", OrderType: OrderTypeOnSite},
	}
}

// ClassifyOrder resolves the order type from the rule list. No matching rule
// yields OrderTypeOther; the engine never guesses a type it cannot justify.
func ClassifyOrder(order *Order, rules []ClassifyRule) string {
	if len(rules) == 0 {
		rules = DefaultClassifyRules()
	}
	for _, rule := range rules {
		var value string
		switch rule.Field {
		case "type":
			value = order.Type
		case "deliveryMethod":
			value = order.DeliveryMethod
		case "location":
			value = order.Location
		default:
			continue
		}
		if value == "" || rule.Contains == "" {
			continue
		}
		if strings.Contains(strings.ToLower(value), strings.ToLower(rule.Contains)) {
			return rule.OrderType
		}
	}
	return OrderTypeOther
}

// OrderAccepted applies the configuration's order filter to a classified
// type. Under a narrowing filter an unclassified order is never accepted
// implicitly.
func OrderAccepted(orderType, filter string) bool {
	switch filter {
	case FilterAll, "":
		return true
	case FilterOnSiteOnly:
		return orderType == OrderTypeOnSite
	case FilterTakeawayOnly:
		return orderType == OrderTypeTakeaway
	default:
		return false
	}
}
