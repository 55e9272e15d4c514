package service

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"pharmapos/backend/internal/domain"
	"pharmapos/backend/internal/store"
	"pharmapos/backend/internal/store/memory"
)

func newTestService() *Service {
	return New(memory.NewSeeded(), nil, nil, 0)
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})
}

func cashierCtx(name string) context.Context {
	return WithActor(context.Background(), domain.Actor{Username: name, Role: "cashier"})
}

func TestCheckoutAllocatesSoonestExpiryFirst(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx("cashier")

	// Seeded paracetamol carries 40 units at cost 6500 expiring first and
	// 80 units at cost 7000 expiring later. 50 units must drain the near
	// batch completely and take 10 from the far one.
	sale, err := svc.Checkout(ctx, domain.CheckoutRequest{
		Items:          []domain.CartLine{{ProductID: "prod-paracetamol", Qty: 50}},
		PaymentMethod:  domain.PaymentCash,
		IdempotencyKey: "idem-fefo",
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	if sale.TotalCents != 500000 {
		t.Fatalf("expected total 500000, got %d", sale.TotalCents)
	}
	if len(sale.Items) != 1 {
		t.Fatalf("expected 1 sale item, got %d", len(sale.Items))
	}
	// (40*6500 + 10*7000) / 50 = 6600
	if sale.Items[0].UnitCostCents != 6600 {
		t.Fatalf("expected blended unit cost 6600, got %d", sale.Items[0].UnitCostCents)
	}

	batches, err := svc.ListBatches(ctx, "prod-paracetamol", false, 0)
	if err != nil {
		t.Fatalf("list batches failed: %v", err)
	}
	remaining := 0
	for _, b := range batches {
		remaining += b.Qty
	}
	if remaining != 70 {
		t.Fatalf("expected 70 units remaining, got %d", remaining)
	}
}

func TestCheckoutInsufficientStockMutatesNothing(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx("cashier")

	_, err := svc.Checkout(ctx, domain.CheckoutRequest{
		Items:         []domain.CartLine{{ProductID: "prod-paracetamol", Qty: 500}},
		PaymentMethod: domain.PaymentCash,
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	batches, err := svc.ListBatches(ctx, "prod-paracetamol", false, 0)
	if err != nil {
		t.Fatalf("list batches failed: %v", err)
	}
	remaining := 0
	for _, b := range batches {
		remaining += b.Qty
	}
	if remaining != 120 {
		t.Fatalf("expected stock untouched at 120 after failed checkout, got %d", remaining)
	}
}

func TestCheckoutInsufficientStockAbortsWholeCart(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx("cashier")

	// Orsaline has plenty of stock; cough syrup does not. Neither line may
	// commit when one of them cannot be filled.
	_, err := svc.Checkout(ctx, domain.CheckoutRequest{
		Items: []domain.CartLine{
			{ProductID: "prod-orsaline", Qty: 5},
			{ProductID: "prod-coughsyrup", Qty: 999},
		},
		PaymentMethod: domain.PaymentCash,
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	batches, err := svc.ListBatches(ctx, "prod-orsaline", false, 0)
	if err != nil {
		t.Fatalf("list batches failed: %v", err)
	}
	remaining := 0
	for _, b := range batches {
		remaining += b.Qty
	}
	if remaining != 200 {
		t.Fatalf("expected orsaline stock untouched at 200, got %d", remaining)
	}
}

func TestCheckoutDiscountFloorsFinalAtZero(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx("cashier")

	sale, err := svc.Checkout(ctx, domain.CheckoutRequest{
		Items:         []domain.CartLine{{ProductID: "prod-orsaline", Qty: 1}},
		PaymentMethod: domain.PaymentCash,
		DiscountCents: 999999,
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if sale.FinalCents != 0 {
		t.Fatalf("expected final floored at 0, got %d", sale.FinalCents)
	}
}

func TestCheckoutMultipayMustCoverFinalExactly(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx("cashier")

	// Vitamin C, qty 2 => total 50000.
	_, err := svc.Checkout(ctx, domain.CheckoutRequest{
		Items:         []domain.CartLine{{ProductID: "prod-vitc", Qty: 2}},
		PaymentMethod: domain.PaymentMultipay,
		Payments: []domain.PaymentEntry{
			{Method: domain.PaymentCash, AmountCents: 20000},
			{Method: domain.PaymentCard, AmountCents: 20000},
		},
	})
	if !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected ErrInvalidTransaction for short multipay, got %v", err)
	}

	sale, err := svc.Checkout(ctx, domain.CheckoutRequest{
		Items:         []domain.CartLine{{ProductID: "prod-vitc", Qty: 2}},
		PaymentMethod: domain.PaymentMultipay,
		Payments: []domain.PaymentEntry{
			{Method: domain.PaymentCash, AmountCents: 30000},
			{Method: domain.PaymentCard, AmountCents: 20000},
		},
	})
	if err != nil {
		t.Fatalf("exact multipay checkout failed: %v", err)
	}
	if len(sale.Payments) != 2 {
		t.Fatalf("expected 2 payment entries, got %d", len(sale.Payments))
	}
}

func TestCheckoutMultipayRejectsCreditSplit(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx("cashier")

	_, err := svc.Checkout(ctx, domain.CheckoutRequest{
		Items:         []domain.CartLine{{ProductID: "prod-vitc", Qty: 1}},
		PaymentMethod: domain.PaymentMultipay,
		Payments: []domain.PaymentEntry{
			{Method: domain.PaymentCash, AmountCents: 12500},
			{Method: domain.PaymentCredit, AmountCents: 12500},
		},
	})
	if !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected ErrInvalidTransaction for credit inside multipay, got %v", err)
	}
}

func TestCheckoutCreditRequiresCustomerAndRaisesDebt(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx("cashier")

	_, err := svc.Checkout(ctx, domain.CheckoutRequest{
		Items:         []domain.CartLine{{ProductID: "prod-amoxicillin", Qty: 1}},
		PaymentMethod: domain.PaymentCredit,
	})
	if !errors.Is(err, store.ErrCustomerRequired) {
		t.Fatalf("expected ErrCustomerRequired, got %v", err)
	}

	sale, err := svc.Checkout(ctx, domain.CheckoutRequest{
		Items:         []domain.CartLine{{ProductID: "prod-amoxicillin", Qty: 1}},
		PaymentMethod: domain.PaymentCredit,
		CustomerID:    "cust-ada",
	})
	if err != nil {
		t.Fatalf("credit checkout failed: %v", err)
	}

	customer, err := svc.GetCustomer(ctx, "cust-ada")
	if err != nil {
		t.Fatalf("get customer failed: %v", err)
	}
	if customer.DebtCents != sale.FinalCents {
		t.Fatalf("expected debt %d, got %d", sale.FinalCents, customer.DebtCents)
	}
}

func TestCheckoutIdempotencyReplayReturnsOriginalSale(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx("cashier")

	first, err := svc.Checkout(ctx, domain.CheckoutRequest{
		Items:          []domain.CartLine{{ProductID: "prod-bandage", Qty: 1}},
		PaymentMethod:  domain.PaymentCash,
		IdempotencyKey: "idem-replay",
	})
	if err != nil {
		t.Fatalf("first checkout failed: %v", err)
	}

	second, err := svc.Checkout(ctx, domain.CheckoutRequest{
		Items:          []domain.CartLine{{ProductID: "prod-bandage", Qty: 1}},
		PaymentMethod:  domain.PaymentCash,
		IdempotencyKey: "idem-replay",
	})
	if err != nil {
		t.Fatalf("replayed checkout failed: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected replay to return sale %s, got %s", first.ID, second.ID)
	}

	// Stock must only have moved once.
	batches, err := svc.ListBatches(ctx, "prod-bandage", false, 0)
	if err != nil {
		t.Fatalf("list batches failed: %v", err)
	}
	remaining := 0
	for _, b := range batches {
		remaining += b.Qty
	}
	if remaining != 44 {
		t.Fatalf("expected 44 units after single deduction, got %d", remaining)
	}

	lookup, err := svc.LookupSaleByIdempotency(ctx, "idem-replay")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if lookup.ID != first.ID {
		t.Fatalf("expected lookup to find %s, got %s", first.ID, lookup.ID)
	}
}

func TestHoldResumeAndDiscard(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx("cashier")

	held, err := svc.HoldSale(ctx, domain.HoldRequest{
		Items: []domain.CartLine{
			{ProductID: "prod-paracetamol", Qty: 1},
			{ProductID: "prod-vitc", Qty: 2},
		},
		Note: "customer went for wallet",
	})
	if err != nil {
		t.Fatalf("hold sale failed: %v", err)
	}

	// Holding must not allocate stock.
	batches, err := svc.ListBatches(ctx, "prod-paracetamol", false, 0)
	if err != nil {
		t.Fatalf("list batches failed: %v", err)
	}
	remaining := 0
	for _, b := range batches {
		remaining += b.Qty
	}
	if remaining != 120 {
		t.Fatalf("expected stock untouched by hold, got %d", remaining)
	}

	list, err := svc.ListHeldSales(ctx)
	if err != nil {
		t.Fatalf("list held sales failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 held sale, got %d", len(list))
	}

	resumed, err := svc.ResumeHeldSale(ctx, held.ID)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if len(resumed.Items) != 2 {
		t.Fatalf("expected resumed cart with 2 lines, got %d", len(resumed.Items))
	}

	afterResume, err := svc.ListHeldSales(ctx)
	if err != nil {
		t.Fatalf("list after resume failed: %v", err)
	}
	if len(afterResume) != 0 {
		t.Fatalf("expected no held sales after resume, got %d", len(afterResume))
	}

	if _, err := svc.ResumeHeldSale(ctx, held.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for resumed hold, got %v", err)
	}
}

func TestReturnProratesDiscountAndRestocks(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx("cashier")

	// 2 x 10000 with 2000 discount: returning one unit refunds
	// 10000 minus its 1000 discount share.
	sale, err := svc.Checkout(ctx, domain.CheckoutRequest{
		Items:         []domain.CartLine{{ProductID: "prod-paracetamol", Qty: 2}},
		PaymentMethod: domain.PaymentCash,
		DiscountCents: 2000,
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	ret, err := svc.ProcessReturn(ctx, domain.ReturnRequest{
		SaleID: sale.ID,
		Items: []domain.ReturnLineRequest{
			{ProductID: "prod-paracetamol", Qty: 1, Disposition: domain.DispositionRestocked},
		},
		Reason:       "wrong strength",
		RefundMethod: domain.PaymentCash,
	})
	if err != nil {
		t.Fatalf("return failed: %v", err)
	}
	if ret.RefundCents != 9000 {
		t.Fatalf("expected refund 9000, got %d", ret.RefundCents)
	}
	if len(ret.Items) != 1 || ret.Items[0].Disposition != domain.DispositionRestocked {
		t.Fatalf("unexpected return items: %+v", ret.Items)
	}
	if ret.Items[0].ValueLostCents != 0 {
		t.Fatalf("restocked return must not record value lost, got %d", ret.Items[0].ValueLostCents)
	}

	batches, err := svc.ListBatches(ctx, "prod-paracetamol", false, 0)
	if err != nil {
		t.Fatalf("list batches failed: %v", err)
	}
	remaining := 0
	for _, b := range batches {
		remaining += b.Qty
	}
	if remaining != 119 {
		t.Fatalf("expected 119 units after sale of 2 and restock of 1, got %d", remaining)
	}
}

func TestReturnDamagedRecordsValueLostWithoutRestock(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx("cashier")

	sale, err := svc.Checkout(ctx, domain.CheckoutRequest{
		Items:         []domain.CartLine{{ProductID: "prod-paracetamol", Qty: 1}},
		PaymentMethod: domain.PaymentCash,
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	ret, err := svc.ProcessReturn(ctx, domain.ReturnRequest{
		SaleID: sale.ID,
		Items: []domain.ReturnLineRequest{
			{ProductID: "prod-paracetamol", Qty: 1, Disposition: domain.DispositionDamaged},
		},
		Reason: "broken blister",
	})
	if err != nil {
		t.Fatalf("return failed: %v", err)
	}

	// Cost basis for the single unit is the near batch's 6500.
	if ret.Items[0].ValueLostCents != 6500 {
		t.Fatalf("expected value lost 6500, got %d", ret.Items[0].ValueLostCents)
	}

	batches, err := svc.ListBatches(ctx, "prod-paracetamol", false, 0)
	if err != nil {
		t.Fatalf("list batches failed: %v", err)
	}
	remaining := 0
	for _, b := range batches {
		remaining += b.Qty
	}
	if remaining != 119 {
		t.Fatalf("damaged return must not restock; expected 119, got %d", remaining)
	}
}

func TestReturnRejectsCumulativeOverReturn(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx("cashier")

	sale, err := svc.Checkout(ctx, domain.CheckoutRequest{
		Items:         []domain.CartLine{{ProductID: "prod-vitc", Qty: 2}},
		PaymentMethod: domain.PaymentCash,
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	_, err = svc.ProcessReturn(ctx, domain.ReturnRequest{
		SaleID: sale.ID,
		Items: []domain.ReturnLineRequest{
			{ProductID: "prod-vitc", Qty: 2, Disposition: domain.DispositionRestocked},
		},
		Reason: "first return",
	})
	if err != nil {
		t.Fatalf("first return failed: %v", err)
	}

	_, err = svc.ProcessReturn(ctx, domain.ReturnRequest{
		SaleID: sale.ID,
		Items: []domain.ReturnLineRequest{
			{ProductID: "prod-vitc", Qty: 1, Disposition: domain.DispositionRestocked},
		},
		Reason: "over return",
	})
	if !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected ErrInvalidTransaction for over-return, got %v", err)
	}
}

func TestReturnRejectsDuplicateLinesExceedingSoldQty(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx("cashier")

	sale, err := svc.Checkout(ctx, domain.CheckoutRequest{
		Items:         []domain.CartLine{{ProductID: "prod-vitc", Qty: 2}},
		PaymentMethod: domain.PaymentCash,
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	// The same product split across request lines must be bounded by its
	// aggregate, not line by line.
	_, err = svc.ProcessReturn(ctx, domain.ReturnRequest{
		SaleID: sale.ID,
		Items: []domain.ReturnLineRequest{
			{ProductID: "prod-vitc", Qty: 2, Disposition: domain.DispositionRestocked},
			{ProductID: "prod-vitc", Qty: 2, Disposition: domain.DispositionRestocked},
		},
		Reason: "duplicate lines",
	})
	if !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected ErrInvalidTransaction for duplicate-line over-return, got %v", err)
	}

	// Same product across dispositions counts against the same bound too.
	_, err = svc.ProcessReturn(ctx, domain.ReturnRequest{
		SaleID: sale.ID,
		Items: []domain.ReturnLineRequest{
			{ProductID: "prod-vitc", Qty: 2, Disposition: domain.DispositionRestocked},
			{ProductID: "prod-vitc", Qty: 1, Disposition: domain.DispositionDamaged},
		},
		Reason: "mixed dispositions over",
	})
	if !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected ErrInvalidTransaction for mixed-disposition over-return, got %v", err)
	}

	// Splitting within the bound still works and refunds exactly once.
	ret, err := svc.ProcessReturn(ctx, domain.ReturnRequest{
		SaleID: sale.ID,
		Items: []domain.ReturnLineRequest{
			{ProductID: "prod-vitc", Qty: 1, Disposition: domain.DispositionRestocked},
			{ProductID: "prod-vitc", Qty: 1, Disposition: domain.DispositionDamaged},
		},
		Reason: "split dispositions",
	})
	if err != nil {
		t.Fatalf("split return failed: %v", err)
	}
	if ret.RefundCents != sale.FinalCents {
		t.Fatalf("expected refund %d for full return, got %d", sale.FinalCents, ret.RefundCents)
	}

	updated, err := svc.GetSale(ctx, sale.ID)
	if err != nil {
		t.Fatalf("get sale failed: %v", err)
	}
	if updated.Items[0].ReturnedQty != 2 {
		t.Fatalf("expected returned qty 2, got %d", updated.Items[0].ReturnedQty)
	}
}

func TestReturnRequiresReasonAndQuantity(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx("cashier")

	sale, err := svc.Checkout(ctx, domain.CheckoutRequest{
		Items:         []domain.CartLine{{ProductID: "prod-vitc", Qty: 1}},
		PaymentMethod: domain.PaymentCash,
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	_, err = svc.ProcessReturn(ctx, domain.ReturnRequest{
		SaleID: sale.ID,
		Items: []domain.ReturnLineRequest{
			{ProductID: "prod-vitc", Qty: 1, Disposition: domain.DispositionRestocked},
		},
	})
	if !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected ErrInvalidTransaction for missing reason, got %v", err)
	}

	_, err = svc.ProcessReturn(ctx, domain.ReturnRequest{
		SaleID: sale.ID,
		Items: []domain.ReturnLineRequest{
			{ProductID: "prod-vitc", Qty: 0, Disposition: domain.DispositionRestocked},
		},
		Reason: "nothing returned",
	})
	if !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected ErrInvalidTransaction for zero quantities, got %v", err)
	}
}

func TestCreditSaleRefundReducesDebtFlooredAtZero(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx("cashier")

	sale, err := svc.Checkout(ctx, domain.CheckoutRequest{
		Items:         []domain.CartLine{{ProductID: "prod-amoxicillin", Qty: 2}},
		PaymentMethod: domain.PaymentCredit,
		CustomerID:    "cust-bello",
	})
	if err != nil {
		t.Fatalf("credit checkout failed: %v", err)
	}

	before, err := svc.GetCustomer(ctx, "cust-bello")
	if err != nil {
		t.Fatalf("get customer failed: %v", err)
	}
	if before.DebtCents != sale.FinalCents {
		t.Fatalf("expected debt %d before return, got %d", sale.FinalCents, before.DebtCents)
	}

	_, err = svc.ProcessReturn(ctx, domain.ReturnRequest{
		SaleID: sale.ID,
		Items: []domain.ReturnLineRequest{
			{ProductID: "prod-amoxicillin", Qty: 2, Disposition: domain.DispositionRestocked},
		},
		Reason: "full credit return",
	})
	if err != nil {
		t.Fatalf("return failed: %v", err)
	}

	after, err := svc.GetCustomer(ctx, "cust-bello")
	if err != nil {
		t.Fatalf("get customer failed: %v", err)
	}
	if after.DebtCents != 0 {
		t.Fatalf("expected debt cleared to 0, got %d", after.DebtCents)
	}
}

func TestCreditRefundExceedingDebtFloorsAtZero(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx("cashier")

	// 3 x 10000 with a 1000 discount: each unit's prorated share is
	// round(1000/3) = 333, so three single-unit refunds of 9667 sum to
	// 29001 against a debt of 29000. The last refund strictly exceeds
	// the remaining balance.
	sale, err := svc.Checkout(ctx, domain.CheckoutRequest{
		Items:         []domain.CartLine{{ProductID: "prod-paracetamol", Qty: 3}},
		PaymentMethod: domain.PaymentCredit,
		DiscountCents: 1000,
		CustomerID:    "cust-ada",
	})
	if err != nil {
		t.Fatalf("credit checkout failed: %v", err)
	}
	if sale.FinalCents != 29000 {
		t.Fatalf("expected final 29000, got %d", sale.FinalCents)
	}

	for i := 0; i < 3; i++ {
		ret, err := svc.ProcessReturn(ctx, domain.ReturnRequest{
			SaleID: sale.ID,
			Items: []domain.ReturnLineRequest{
				{ProductID: "prod-paracetamol", Qty: 1, Disposition: domain.DispositionRestocked},
			},
			Reason: "piecewise return",
		})
		if err != nil {
			t.Fatalf("return %d failed: %v", i+1, err)
		}
		if ret.RefundCents != 9667 {
			t.Fatalf("expected refund 9667 on return %d, got %d", i+1, ret.RefundCents)
		}
	}

	customer, err := svc.GetCustomer(ctx, "cust-ada")
	if err != nil {
		t.Fatalf("get customer failed: %v", err)
	}
	if customer.DebtCents != 0 {
		t.Fatalf("expected debt floored at 0, got %d", customer.DebtCents)
	}
}

func TestCreateProductRequiresAdmin(t *testing.T) {
	svc := newTestService()

	_, err := svc.CreateProduct(cashierCtx("cashier"), domain.ProductCreateRequest{
		Name:       "Zinc 20mg (10 tabs)",
		Category:   "supplement",
		PriceCents: 12000,
		MinStock:   10,
	})
	if err == nil {
		t.Fatalf("expected non-admin create product to fail")
	}

	product, err := svc.CreateProduct(adminCtx(), domain.ProductCreateRequest{
		Name:       "Zinc 20mg (10 tabs)",
		Category:   "supplement",
		PriceCents: 12000,
		MinStock:   10,
	})
	if err != nil {
		t.Fatalf("admin create product failed: %v", err)
	}
	if product.ID == "" {
		t.Fatalf("expected product id to be assigned")
	}
}

func TestUpdateProductPriceRecordsHistory(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	newPrice := int64(11500)
	_, err := svc.UpdateProduct(ctx, "prod-paracetamol", domain.ProductUpdateRequest{
		PriceCents: &newPrice,
	})
	if err != nil {
		t.Fatalf("update product failed: %v", err)
	}

	history, err := svc.ListPriceChanges(ctx, "prod-paracetamol", 10)
	if err != nil {
		t.Fatalf("list price changes failed: %v", err)
	}
	if len(history) == 0 {
		t.Fatalf("expected a price change entry after price update")
	}
	if history[0].NewPriceCents != 11500 || history[0].OldPriceCents != 10000 {
		t.Fatalf("unexpected price change entry: %+v", history[0])
	}
}

func TestListLowStockAfterSellThrough(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx("cashier")

	// Cough syrup: 18 in stock, min 10. Selling 10 drops it to 8.
	_, err := svc.Checkout(ctx, domain.CheckoutRequest{
		Items:         []domain.CartLine{{ProductID: "prod-coughsyrup", Qty: 10}},
		PaymentMethod: domain.PaymentCash,
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	entries, err := svc.ListLowStock(ctx)
	if err != nil {
		t.Fatalf("list low stock failed: %v", err)
	}

	found := false
	for _, e := range entries {
		if e.ProductID == "prod-coughsyrup" {
			found = true
			if e.ValidStock != 8 {
				t.Fatalf("expected valid stock 8, got %d", e.ValidStock)
			}
		}
	}
	if !found {
		t.Fatalf("expected cough syrup in low stock list")
	}
}

func TestStockLevelsCountOnlyValidBatches(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx("cashier")

	levels, err := svc.StockLevels(ctx, []string{"prod-paracetamol", "prod-coughsyrup"})
	if err != nil {
		t.Fatalf("stock levels failed: %v", err)
	}
	if len(levels) != 2 {
		t.Fatalf("expected 2 levels, got %d", len(levels))
	}
	if levels[0].ProductID != "prod-paracetamol" || levels[0].ValidStock != 120 {
		t.Fatalf("unexpected paracetamol level: %+v", levels[0])
	}
	if levels[1].ValidStock != 18 {
		t.Fatalf("expected cough syrup stock 18, got %d", levels[1].ValidStock)
	}

	if _, err := svc.StockLevels(ctx, []string{"prod-missing"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown product, got %v", err)
	}
	if _, err := svc.StockLevels(ctx, nil); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected ErrInvalidTransaction for empty request, got %v", err)
	}
}

func TestExpenseLifecycle(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	expense, err := svc.RecordExpense(ctx, domain.ExpenseCreateRequest{
		Description: "Generator fuel",
		Category:    "utilities",
		AmountCents: 150000,
		Status:      domain.ExpenseStatusPending,
	})
	if err != nil {
		t.Fatalf("record expense failed: %v", err)
	}
	if expense.Status != domain.ExpenseStatusPending {
		t.Fatalf("expected pending status, got %s", expense.Status)
	}

	pending, err := svc.ListExpenses(ctx, domain.ExpenseStatusPending, 10)
	if err != nil {
		t.Fatalf("list pending expenses failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending expense, got %d", len(pending))
	}

	updated, err := svc.SetExpenseStatus(ctx, expense.ID, domain.ExpenseStatusPaid)
	if err != nil {
		t.Fatalf("set expense status failed: %v", err)
	}
	if updated.Status != domain.ExpenseStatusPaid {
		t.Fatalf("expected paid status, got %s", updated.Status)
	}

	if _, err := svc.ListExpenses(ctx, "bogus", 10); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected ErrInvalidTransaction for unknown status filter, got %v", err)
	}
}

func TestDailyReportAggregates(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx("cashier")

	sale, err := svc.Checkout(ctx, domain.CheckoutRequest{
		Items:         []domain.CartLine{{ProductID: "prod-paracetamol", Qty: 2}},
		PaymentMethod: domain.PaymentCash,
		DiscountCents: 1000,
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	_, err = svc.RecordExpense(adminCtx(), domain.ExpenseCreateRequest{
		Description: "Cleaning supplies",
		AmountCents: 4000,
	})
	if err != nil {
		t.Fatalf("record expense failed: %v", err)
	}

	report, err := svc.DailyReport(ctx, "")
	if err != nil {
		t.Fatalf("daily report failed: %v", err)
	}
	if report.SalesCount != 1 {
		t.Fatalf("expected 1 sale, got %d", report.SalesCount)
	}
	if report.GrossCents != sale.TotalCents {
		t.Fatalf("expected gross %d, got %d", sale.TotalCents, report.GrossCents)
	}
	if report.NetCents != sale.FinalCents {
		t.Fatalf("expected net %d, got %d", sale.FinalCents, report.NetCents)
	}
	if report.ExpenseCents != 4000 {
		t.Fatalf("expected expenses 4000, got %d", report.ExpenseCents)
	}
	if report.PaymentBreakdown[domain.PaymentCash] != sale.FinalCents {
		t.Fatalf("expected cash breakdown %d, got %d", sale.FinalCents, report.PaymentBreakdown[domain.PaymentCash])
	}
}

func TestDetectOperationalAnomaliesFlagsReturnSpike(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx("clerk-a")

	for i := 0; i < 3; i++ {
		sale, err := svc.Checkout(ctx, domain.CheckoutRequest{
			Items:          []domain.CartLine{{ProductID: "prod-orsaline", Qty: 1}},
			PaymentMethod:  domain.PaymentCash,
			IdempotencyKey: "idem-anom-" + strconv.Itoa(i),
		})
		if err != nil {
			t.Fatalf("checkout #%d failed: %v", i, err)
		}
		_, err = svc.ProcessReturn(ctx, domain.ReturnRequest{
			SaleID: sale.ID,
			Items: []domain.ReturnLineRequest{
				{ProductID: "prod-orsaline", Qty: 1, Disposition: domain.DispositionRestocked},
			},
			Reason: "spike test",
		})
		if err != nil {
			t.Fatalf("return #%d failed: %v", i, err)
		}
	}

	alerts, err := svc.DetectOperationalAnomalies(ctx, "")
	if err != nil {
		t.Fatalf("detect anomalies failed: %v", err)
	}

	found := false
	for _, alert := range alerts {
		if alert.Kind == "return_spike" && alert.Cashier == "clerk-a" {
			found = true
			if alert.Count < 3 {
				t.Fatalf("expected count >= 3, got %d", alert.Count)
			}
		}
	}
	if !found {
		t.Fatalf("expected return_spike alert for clerk-a, got %+v", alerts)
	}
}

func TestSyncOfflineAppliesAndDeduplicates(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	envelopes := []domain.OfflineSaleEnvelope{
		{
			ClientKey: "offline-1",
			Cashier:   "terminal-2",
			Request: domain.CheckoutRequest{
				Items:         []domain.CartLine{{ProductID: "prod-orsaline", Qty: 2}},
				PaymentMethod: domain.PaymentCash,
			},
		},
		{
			ClientKey: "offline-1",
			Cashier:   "terminal-2",
			Request: domain.CheckoutRequest{
				Items:         []domain.CartLine{{ProductID: "prod-orsaline", Qty: 2}},
				PaymentMethod: domain.PaymentCash,
			},
		},
		{
			ClientKey: "offline-2",
			Request: domain.CheckoutRequest{
				Items:         []domain.CartLine{{ProductID: "prod-missing", Qty: 1}},
				PaymentMethod: domain.PaymentCash,
			},
		},
	}

	results, err := svc.SyncOffline(ctx, envelopes)
	if err != nil {
		t.Fatalf("sync offline failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Status != "applied" || results[0].SaleID == "" {
		t.Fatalf("expected first envelope applied, got %+v", results[0])
	}
	if results[1].Status != "duplicate" || results[1].SaleID != results[0].SaleID {
		t.Fatalf("expected second envelope deduplicated to %s, got %+v", results[0].SaleID, results[1])
	}
	if results[2].Status != "rejected" || results[2].Error == "" {
		t.Fatalf("expected third envelope rejected, got %+v", results[2])
	}
}

func TestBuildSaleReceiptContainsLinesAndESCPOS(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx("cashier")

	sale, err := svc.Checkout(ctx, domain.CheckoutRequest{
		Items:         []domain.CartLine{{ProductID: "prod-paracetamol", Qty: 1}},
		PaymentMethod: domain.PaymentCash,
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	receipt, err := svc.BuildSaleReceipt(ctx, sale.ID)
	if err != nil {
		t.Fatalf("build receipt failed: %v", err)
	}
	if receipt.Preview == "" {
		t.Fatalf("expected non-empty receipt preview")
	}
	if receipt.ESCPOSBase64 == "" {
		t.Fatalf("expected ESC/POS payload")
	}
}
