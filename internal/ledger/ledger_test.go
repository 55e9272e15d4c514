package ledger

import (
	"testing"
	"time"

	"pharmapos/backend/internal/domain"
)

func batch(id string, qty int, cost int64, expiry time.Time, received time.Time) domain.Batch {
	return domain.Batch{ID: id, Qty: qty, CostCents: cost, ExpiryDate: expiry, ReceivedAt: received}
}

func TestAllocateConsumesSoonestExpiryFirst(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	batches := []domain.Batch{
		batch("b-late", 10, 6000, now.AddDate(0, 6, 0), now.AddDate(0, -1, 0)),
		batch("b-soon", 3, 5000, now.AddDate(0, 1, 0), now.AddDate(0, -2, 0)),
	}

	allocs, cost, remainder := Allocate(batches, 5, now)
	if remainder != 0 {
		t.Fatalf("expected full allocation, remainder %d", remainder)
	}
	if len(allocs) != 2 {
		t.Fatalf("expected 2 allocations, got %d", len(allocs))
	}
	if allocs[0].BatchID != "b-soon" || allocs[0].Qty != 3 {
		t.Fatalf("expected b-soon drained first, got %+v", allocs[0])
	}
	if allocs[1].BatchID != "b-late" || allocs[1].Qty != 2 {
		t.Fatalf("expected 2 units from b-late, got %+v", allocs[1])
	}
	wantCost := int64(3*5000 + 2*6000)
	if cost != wantCost {
		t.Fatalf("expected cost %d, got %d", wantCost, cost)
	}
	if got := UnitCost(cost, 5); got != 5400 {
		t.Fatalf("expected unit cost 5400, got %d", got)
	}
}

func TestAllocateSkipsExpiredBatches(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	batches := []domain.Batch{
		batch("b-expired", 100, 4000, now.AddDate(0, 0, -1), now.AddDate(0, -6, 0)),
		batch("b-boundary", 100, 4000, now, now.AddDate(0, -6, 0)),
		batch("b-valid", 4, 4000, now.AddDate(0, 2, 0), now.AddDate(0, -1, 0)),
	}

	if got := ValidStock(batches, now); got != 4 {
		t.Fatalf("expected valid stock 4, got %d", got)
	}

	// Plenty of expired stock must not rescue the request.
	allocs, _, remainder := Allocate(batches, 5, now)
	if remainder != 1 {
		t.Fatalf("expected remainder 1, got %d", remainder)
	}
	if allocs != nil {
		t.Fatalf("expected no partial allocation, got %+v", allocs)
	}
}

func TestAllocateBreaksExpiryTiesByReceivedAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	expiry := now.AddDate(0, 3, 0)
	batches := []domain.Batch{
		batch("b-new", 5, 1000, expiry, now.AddDate(0, 0, -1)),
		batch("b-old", 5, 1000, expiry, now.AddDate(0, 0, -9)),
	}

	allocs, _, remainder := Allocate(batches, 2, now)
	if remainder != 0 {
		t.Fatalf("unexpected remainder %d", remainder)
	}
	if allocs[0].BatchID != "b-old" {
		t.Fatalf("expected oldest receipt first on expiry tie, got %s", allocs[0].BatchID)
	}
}

func TestUnitCostZeroQuantity(t *testing.T) {
	if got := UnitCost(12345, 0); got != 0 {
		t.Fatalf("expected 0 unit cost for zero qty, got %d", got)
	}
}

func TestProrateZeroSubtotal(t *testing.T) {
	if got := Prorate(0, 0, 5000); got != 0 {
		t.Fatalf("expected 0 share for zero subtotal, got %d", got)
	}
}

func TestProrateSharesSumToDiscountWithinRounding(t *testing.T) {
	lines := []int64{3333, 6667, 10000, 123}
	var subtotal int64
	for _, l := range lines {
		subtotal += l
	}
	discount := int64(1999)

	var sum int64
	for _, l := range lines {
		sum += Prorate(l, subtotal, discount)
	}
	diff := sum - discount
	if diff < 0 {
		diff = -diff
	}
	if diff > int64(len(lines)) {
		t.Fatalf("prorated shares sum %d too far from discount %d", sum, discount)
	}
}

func TestFinalAmountFloorsAtZero(t *testing.T) {
	if got := FinalAmount(10000, 2500); got != 7500 {
		t.Fatalf("expected 7500, got %d", got)
	}
	if got := FinalAmount(1000, 5000); got != 0 {
		t.Fatalf("expected floor at 0, got %d", got)
	}
}

func TestWeightedAverageCostIgnoresExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	batches := []domain.Batch{
		batch("b1", 10, 1000, now.AddDate(0, 1, 0), now),
		batch("b2", 30, 2000, now.AddDate(0, 2, 0), now),
		batch("b3", 99, 9999, now.AddDate(0, 0, -1), now),
	}
	// (10*1000 + 30*2000) / 40 = 1750
	if got := WeightedAverageCost(batches, now); got != 1750 {
		t.Fatalf("expected 1750, got %d", got)
	}
	if got := WeightedAverageCost(nil, now); got != 0 {
		t.Fatalf("expected 0 for no batches, got %d", got)
	}
}
