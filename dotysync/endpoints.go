// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package dotysync

import (
	"fmt"
	"net/http"
	"net/url"
)

// endpoint describes one POS API operation: method, path template and
// whether the response is a paginated list. Paths are templates with %s
// placeholders filled from args in order; the cloud id is always the first
// argument.
type endpoint struct {
	method    string
	path      string
	paginated bool
}

var (
	opGetCloud           = endpoint{http.MethodGet, "/v2/clouds/%s", false}
	opListCustomers      = endpoint{http.MethodGet, "/v2/clouds/%s/customers", true}
	opGetCustomer        = endpoint{http.MethodGet, "/v2/clouds/%s/customers/%s", false}
	opListProducts       = endpoint{http.MethodGet, "/v2/clouds/%s/products", true}
	opGetProduct         = endpoint{http.MethodGet, "/v2/clouds/%s/products/%s", false}
	opListOrders         = endpoint{http.MethodGet, "/v2/clouds/%s/orders", true}
	opGetOrder           = endpoint{http.MethodGet, "/v2/clouds/%s/orders/%s", false}
	opListPaymentMethods = endpoint{http.MethodGet, "/v2/clouds/%s/payment-methods", true}
	opListEmployees      = endpoint{http.MethodGet, "/v2/clouds/%s/employees", true}
	opCreateWebhook      = endpoint{http.MethodPost, "/v2/clouds/%s/webhooks", false}
	opListWebhooks       = endpoint{http.MethodGet, "/v2/clouds/%s/webhooks", true}
	opDeleteWebhook      = endpoint{http.MethodDelete, "/v2/clouds/%s/webhooks/%s", false}
)

// url builds the absolute request URL for the endpoint against base, filling
// path placeholders with args and appending query when non-empty.
func (e endpoint) url(base string, query url.Values, args ...any) string {
	u := base + fmt.Sprintf(e.path, args...)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}
