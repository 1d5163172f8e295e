// Package model holds the domain types shared by the forecasting jobs.
package model

import (
	"time"
)

// DocumentTypeSale is the only document type that counts as a purchase.
const DocumentTypeSale = "sale"

// ActiveFlag is the value of is_active on live rows in the source tables.
const ActiveFlag = "active"

// Transaction is one admissible sale line. Created by external importers, never mutated here.
type Transaction struct {
	CustomerID   string    `json:"customer_id"`
	ProductID    string    `json:"product_id"`
	Date         time.Time `json:"transaction_date"`
	Quantity     int       `json:"quantity"`
	Amount       float64   `json:"amount"`
	IsActive     string    `json:"is_active,omitempty"`
	DocumentType string    `json:"document_type,omitempty"`
}

// Admissible reports whether the row is an active sale with positive quantity.
// Rows loaded from Postgres are already filtered; the offline source applies this in Go.
func (t Transaction) Admissible() bool {
	if t.Quantity <= 0 {
		return false
	}
	if t.IsActive != "" && t.IsActive != ActiveFlag {
		return false
	}
	if t.DocumentType != "" && t.DocumentType != DocumentTypeSale {
		return false
	}
	return true
}

// UnitPrice returns amount / quantity, or 0 for a non-positive quantity.
func (t Transaction) UnitPrice() float64 {
	if t.Quantity <= 0 {
		return 0
	}
	return t.Amount / float64(t.Quantity)
}

// Pair returns the (customer, product) key of the transaction.
func (t Transaction) Pair() Pair {
	return Pair{CustomerID: t.CustomerID, ProductID: t.ProductID}
}

// Pair is a (customer_id, product_id) tuple.
type Pair struct {
	CustomerID string `json:"customer_id"`
	ProductID  string `json:"product_id"`
}

// Less orders pairs by customer then product.
func (p Pair) Less(o Pair) bool {
	if p.CustomerID != o.CustomerID {
		return p.CustomerID < o.CustomerID
	}
	return p.ProductID < o.ProductID
}

// Product is one row of the product master. (ProductID, WarehouseID) is the key.
type Product struct {
	ProductID     string `json:"product_id"`
	WarehouseID   string `json:"warehouse_id"`
	Category      string `json:"category"`
	Subcategory   string `json:"subcategory"`
	Specification string `json:"specification"`
	ProcessType   string `json:"process_type"`
	IsActive      string `json:"is_active"`
}

// Active reports whether the master row participates in predictions and recommendations.
func (p Product) Active() bool {
	return p.IsActive == ActiveFlag
}

// UniqueProducts collapses warehouse rows to one row per product id, keeping the first
// active row in input order.
func UniqueProducts(products []Product) []Product {
	seen := make(map[string]bool, len(products))
	out := make([]Product, 0, len(products))
	for _, p := range products {
		if !p.Active() || seen[p.ProductID] {
			continue
		}
		seen[p.ProductID] = true
		out = append(out, p)
	}
	return out
}
