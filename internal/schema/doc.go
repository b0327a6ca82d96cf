// Package schema defines the records kept by the point-of-sale device.
//
// # Overview
//
// Four record families live in the local store:
//
//   - Product     - catalog entry with price and stock, refreshed from the remote catalog
//   - Sale        - one completed checkout, immutable except for its synced flag
//   - SaleLine    - one cart line of a sale (quantity x unit price)
//   - PendingSale - the outbox row that carries a sale to the remote system of record
//
// A PendingSale does not reference Sale or SaleLine rows. It carries a
// self-contained snapshot of the line items, encoded as JSON at enqueue time:
//
//	[
//	  {"product_id": 7, "code": "FLT-01", "name": "Oil filter",
//	   "quantity": 3, "unit_price": "12.50", "subtotal": "37.50"}
//	]
//
// so a row stays replayable after the catalog or the sale tables change.
//
// # Money
//
// Amounts are decimal.Decimal values (github.com/shopspring/decimal) and are
// persisted as their canonical string form.
//
// # Sale numbers
//
// Sale numbers look like V-2026-004: a fixed prefix, the calendar year and a
// three digit sequence that restarts every year.
//
//	n := schema.SaleNumber(2026, 4) // "V-2026-004"
package schema
