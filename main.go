// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("🔄 dotykachka - Dotypos POS Sync Connector")
	fmt.Println("==========================================")
	fmt.Println()
	fmt.Println("dotykachka mirrors customers, products and orders from a Dotypos POS cloud")
	fmt.Println("into local business records, with OAuth token management, rate limiting,")
	fmt.Println("and idempotent order-to-invoice-to-payment reconciliation.")
	fmt.Println()

	fmt.Println("📚 Available Examples:")
	fmt.Println()
	fmt.Println("1. 🌐 Connector Server Example (examples/connector_server/)")
	fmt.Println("   A complete webhook-driven sync server backed by PostgreSQL")
	fmt.Println("   Features: HMAC webhook receiver, OAuth callback, manual sync trigger")
	fmt.Println("   Run: cd examples/connector_server && go run .")
	fmt.Println()
}
