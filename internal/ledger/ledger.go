// Package ledger holds the pure stock and money math used by checkout and
// returns. Nothing here touches a store or a clock; callers pass "now" in
// so the same functions run identically inside transactions and in tests.
package ledger

import (
	"math"
	"sort"
	"time"

	"pharmapos/backend/internal/domain"
)

// Allocation records a deduction taken from a single batch.
type Allocation struct {
	BatchID   string
	Qty       int
	CostCents int64
}

// Sellable reports whether a batch can be sold at the given instant.
// A batch expiring exactly now is already unsellable.
func Sellable(b domain.Batch, now time.Time) bool {
	return b.Qty > 0 && b.ExpiryDate.After(now)
}

// ValidStock sums the sellable quantity across batches.
func ValidStock(batches []domain.Batch, now time.Time) int {
	total := 0
	for _, b := range batches {
		if Sellable(b, now) {
			total += b.Qty
		}
	}
	return total
}

// Allocate consumes qty units from the sellable batches in expiry order
// (soonest first, ties broken by received-at). It returns the per-batch
// deductions, the accumulated cost of the consumed units, and the
// remainder that could not be covered. A remainder > 0 means the caller
// must abort: partial allocations are never applied.
func Allocate(batches []domain.Batch, qty int, now time.Time) (allocs []Allocation, costCents int64, remainder int) {
	valid := make([]domain.Batch, 0, len(batches))
	for _, b := range batches {
		if Sellable(b, now) {
			valid = append(valid, b)
		}
	}
	sort.SliceStable(valid, func(i, j int) bool {
		if !valid[i].ExpiryDate.Equal(valid[j].ExpiryDate) {
			return valid[i].ExpiryDate.Before(valid[j].ExpiryDate)
		}
		return valid[i].ReceivedAt.Before(valid[j].ReceivedAt)
	})

	remaining := qty
	for _, b := range valid {
		if remaining == 0 {
			break
		}
		take := b.Qty
		if take > remaining {
			take = remaining
		}
		allocs = append(allocs, Allocation{
			BatchID:   b.ID,
			Qty:       take,
			CostCents: b.CostCents,
		})
		costCents += int64(take) * b.CostCents
		remaining -= take
	}
	if remaining > 0 {
		return nil, 0, remaining
	}
	return allocs, costCents, 0
}

// UnitCost averages an accumulated allocation cost over the requested
// quantity, rounding to the nearest cent. Zero quantity yields zero.
func UnitCost(costCents int64, qty int) int64 {
	if qty <= 0 {
		return 0
	}
	return int64(math.Round(float64(costCents) / float64(qty)))
}

// Prorate computes the slice of a sale-level discount attributable to a
// line, proportional to the line's share of the sale subtotal. A zero
// subtotal yields a zero share.
func Prorate(lineSubtotalCents, saleSubtotalCents, saleDiscountCents int64) int64 {
	if saleSubtotalCents <= 0 {
		return 0
	}
	share := float64(lineSubtotalCents) / float64(saleSubtotalCents) * float64(saleDiscountCents)
	return int64(math.Round(share))
}

// FinalAmount applies a discount to a total, never going below zero.
func FinalAmount(totalCents, discountCents int64) int64 {
	final := totalCents - discountCents
	if final < 0 {
		return 0
	}
	return final
}

// WeightedAverageCost computes the quantity-weighted unit cost across the
// sellable batches, rounded to the nearest cent. Used as the fallback
// cost basis for returns when the sale line carries no allocated cost.
func WeightedAverageCost(batches []domain.Batch, now time.Time) int64 {
	var totalCost int64
	totalQty := 0
	for _, b := range batches {
		if Sellable(b, now) {
			totalCost += int64(b.Qty) * b.CostCents
			totalQty += b.Qty
		}
	}
	if totalQty == 0 {
		return 0
	}
	return int64(math.Round(float64(totalCost) / float64(totalQty)))
}
