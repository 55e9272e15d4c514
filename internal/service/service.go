package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"pharmapos/backend/internal/cache"
	"pharmapos/backend/internal/domain"
	"pharmapos/backend/internal/ledger"
	"pharmapos/backend/internal/store"
	"pharmapos/backend/internal/syncpush"
	"pharmapos/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo      store.Repository
	reports   cache.ReportCache
	pusher    *syncpush.Pusher
	reportTTL time.Duration
}

func New(repo store.Repository, reports cache.ReportCache, pusher *syncpush.Pusher, reportTTL time.Duration) *Service {
	if reports == nil {
		reports = cache.NoopReportCache{}
	}
	if reportTTL <= 0 {
		reportTTL = 60 * time.Second
	}

	return &Service{
		repo:      repo,
		reports:   reports,
		pusher:    pusher,
		reportTTL: reportTTL,
	}
}

func (s *Service) ListProducts(ctx context.Context, search string) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx, search)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Product{}, fmt.Errorf("admin role required")
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)
	if req.Name == "" || req.Category == "" {
		return domain.Product{}, store.ErrInvalidTransaction
	}
	if req.PriceCents < 1 || req.MinStock < 0 {
		return domain.Product{}, store.ErrInvalidTransaction
	}

	product, err := s.repo.CreateProduct(ctx, domain.Product{
		Name:       req.Name,
		Category:   req.Category,
		PriceCents: req.PriceCents,
		MinStock:   req.MinStock,
		Active:     true,
	})
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "create_product", "product", product.ID, fmt.Sprintf("price=%d", product.PriceCents))
	return *product, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id string, req domain.ProductUpdateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Product{}, fmt.Errorf("admin role required")
	}

	existing, err := s.repo.GetProductByID(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}

	updated := *existing
	oldPrice := existing.PriceCents
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Product{}, store.ErrInvalidTransaction
		}
		updated.Name = name
	}
	if req.Category != nil {
		updated.Category = strings.TrimSpace(*req.Category)
	}
	if req.PriceCents != nil {
		if *req.PriceCents < 1 {
			return domain.Product{}, store.ErrInvalidTransaction
		}
		updated.PriceCents = *req.PriceCents
	}
	if req.MinStock != nil {
		if *req.MinStock < 0 {
			return domain.Product{}, store.ErrInvalidTransaction
		}
		updated.MinStock = *req.MinStock
	}
	if req.Active != nil {
		updated.Active = *req.Active
	}

	saved, err := s.repo.UpdateProduct(ctx, updated)
	if err != nil {
		return domain.Product{}, err
	}

	if saved.PriceCents != oldPrice {
		if err := s.repo.CreatePriceChange(ctx, domain.PriceChange{
			ProductID:     saved.ID,
			OldPriceCents: oldPrice,
			NewPriceCents: saved.PriceCents,
			ChangedBy:     actor.Username,
			ChangedAt:     time.Now().UTC(),
		}); err != nil {
			log.Printf("[catalog] WARN: failed to record price change for %s: %v", saved.ID, err)
		}
	}

	s.logAudit(ctx, "update_product", "product", saved.ID, fmt.Sprintf("price=%d active=%t", saved.PriceCents, saved.Active))
	return *saved, nil
}

func (s *Service) ListPriceChanges(ctx context.Context, productID string, limit int) ([]domain.PriceChange, error) {
	if _, err := s.repo.GetProductByID(ctx, productID); err != nil {
		return nil, err
	}
	return s.repo.ListPriceChanges(ctx, productID, limit)
}

func (s *Service) ReceiveBatch(ctx context.Context, req domain.BatchReceiveRequest) (domain.Batch, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Batch{}, fmt.Errorf("admin role required")
	}
	if req.ProductID == "" || req.Qty < 1 || req.CostCents < 0 {
		return domain.Batch{}, store.ErrInvalidTransaction
	}
	if !req.ExpiryDate.After(time.Now().UTC()) {
		return domain.Batch{}, fmt.Errorf("%w: expiry must be in the future", store.ErrInvalidTransaction)
	}

	batch, err := s.repo.CreateBatch(ctx, domain.Batch{
		ProductID:   req.ProductID,
		BatchNumber: strings.TrimSpace(req.BatchNumber),
		Qty:         req.Qty,
		CostCents:   req.CostCents,
		ExpiryDate:  req.ExpiryDate.UTC(),
		SourceType:  "receive",
	})
	if err != nil {
		return domain.Batch{}, err
	}

	s.logAudit(ctx, "receive_batch", "batch", batch.ID, fmt.Sprintf("product=%s qty=%d", batch.ProductID, batch.Qty))
	return *batch, nil
}

func (s *Service) ListBatches(ctx context.Context, productID string, includeExpired bool, limit int) ([]domain.Batch, error) {
	return s.repo.ListBatches(ctx, productID, includeExpired, limit)
}

// StockLevels reports the sellable quantity for the requested products,
// counting only unexpired batches. Terminals call this before building a
// cart so shortfalls surface before checkout.
func (s *Service) StockLevels(ctx context.Context, productIDs []string) ([]domain.StockLevel, error) {
	ids := make([]string, 0, len(productIDs))
	seen := make(map[string]struct{}, len(productIDs))
	for _, id := range productIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no product ids", store.ErrInvalidTransaction)
	}

	products, err := s.repo.GetProductsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	stock, err := s.repo.GetValidStock(ctx, ids, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	levels := make([]domain.StockLevel, 0, len(ids))
	for _, id := range ids {
		product, ok := products[id]
		if !ok {
			return nil, fmt.Errorf("product %s unavailable: %w", id, store.ErrNotFound)
		}
		levels = append(levels, domain.StockLevel{
			ProductID:  id,
			Name:       product.Name,
			ValidStock: stock[id],
			MinStock:   product.MinStock,
		})
	}
	return levels, nil
}

func (s *Service) ListLowStock(ctx context.Context) ([]domain.LowStockEntry, error) {
	return s.repo.ListLowStock(ctx, time.Now().UTC())
}

func (s *Service) CreateCustomer(ctx context.Context, req domain.CustomerCreateRequest) (domain.Customer, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return domain.Customer{}, store.ErrInvalidTransaction
	}

	customer, err := s.repo.CreateCustomer(ctx, domain.Customer{
		Name:  req.Name,
		Phone: strings.TrimSpace(req.Phone),
	})
	if err != nil {
		return domain.Customer{}, err
	}

	s.logAudit(ctx, "create_customer", "customer", customer.ID, "")
	return *customer, nil
}

func (s *Service) ListCustomers(ctx context.Context, search string) ([]domain.Customer, error) {
	return s.repo.ListCustomers(ctx, search)
}

func (s *Service) GetCustomer(ctx context.Context, id string) (domain.Customer, error) {
	customer, err := s.repo.GetCustomerByID(ctx, id)
	if err != nil {
		return domain.Customer{}, err
	}
	return *customer, nil
}

// Checkout runs the whole sale atomically: FIFO batch allocation, totals,
// multipay validation and credit debt all commit or roll back together.
func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest) (domain.Sale, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}
	return s.checkout(ctx, req, actor.Username)
}

func (s *Service) checkout(ctx context.Context, req domain.CheckoutRequest, cashier string) (domain.Sale, error) {
	items := normalizeLines(req.Items)
	if len(items) == 0 {
		return domain.Sale{}, fmt.Errorf("%w: empty cart", store.ErrInvalidTransaction)
	}
	if req.DiscountCents < 0 {
		return domain.Sale{}, store.ErrInvalidTransaction
	}
	if !isSupportedPaymentMethod(req.PaymentMethod) {
		return domain.Sale{}, fmt.Errorf("%w: payment method %q", store.ErrInvalidTransaction, req.PaymentMethod)
	}
	if req.PaymentMethod == domain.PaymentCredit && strings.TrimSpace(req.CustomerID) == "" {
		return domain.Sale{}, store.ErrCustomerRequired
	}

	payments := normalizePayments(req.Payments)
	if req.PaymentMethod == domain.PaymentMultipay {
		if len(payments) < 2 {
			return domain.Sale{}, fmt.Errorf("%w: multipay needs at least two entries", store.ErrInvalidTransaction)
		}
		for _, p := range payments {
			if !isSplitMethodSupported(p.Method) {
				return domain.Sale{}, fmt.Errorf("%w: split method %q", store.ErrInvalidTransaction, p.Method)
			}
		}
	} else {
		payments = nil
	}

	saleItems := make([]domain.SaleItem, 0, len(items))
	for _, line := range items {
		saleItems = append(saleItems, domain.SaleItem{ProductID: line.ProductID, Qty: line.Qty})
	}

	sale, err := s.repo.CreateCheckout(ctx, domain.Sale{
		CustomerID:     strings.TrimSpace(req.CustomerID),
		Cashier:        cashier,
		PaymentMethod:  req.PaymentMethod,
		Payments:       payments,
		DiscountCents:  req.DiscountCents,
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
		Items:          saleItems,
	})
	if err != nil {
		return domain.Sale{}, err
	}

	// Audit and sync sit outside the transaction: their failure must not
	// undo a committed sale.
	s.logAudit(ctx, "checkout", "sale", sale.ID,
		fmt.Sprintf("method=%s final=%d discount=%d", sale.PaymentMethod, sale.FinalCents, sale.DiscountCents))
	s.pusher.Push("sale", sale)

	return *sale, nil
}

func (s *Service) LookupSaleByIdempotency(ctx context.Context, key string) (domain.Sale, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.Sale{}, store.ErrInvalidTransaction
	}
	sale, err := s.repo.FindSaleByIdempotency(ctx, key)
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

func (s *Service) GetSale(ctx context.Context, id string) (domain.Sale, error) {
	sale, err := s.repo.GetSaleByID(ctx, id)
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

func (s *Service) ListSales(ctx context.Context, date string, limit int) ([]domain.Sale, error) {
	from, to, err := dayRange(date)
	if err != nil {
		return nil, err
	}
	return s.repo.ListSales(ctx, from, to, limit)
}

// HoldSale parks a cart. Nothing is allocated and no debt moves; the cart
// simply waits to be resumed or discarded.
func (s *Service) HoldSale(ctx context.Context, req domain.HoldRequest) (domain.HeldSale, error) {
	items := normalizeLines(req.Items)
	if len(items) == 0 {
		return domain.HeldSale{}, fmt.Errorf("%w: empty cart", store.ErrInvalidTransaction)
	}
	if req.DiscountCents < 0 {
		return domain.HeldSale{}, store.ErrInvalidTransaction
	}

	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	held, err := s.repo.CreateHeldSale(ctx, domain.HeldSale{
		Items:         items,
		DiscountCents: req.DiscountCents,
		CustomerID:    strings.TrimSpace(req.CustomerID),
		Note:          strings.TrimSpace(req.Note),
		Cashier:       actor.Username,
	})
	if err != nil {
		return domain.HeldSale{}, err
	}

	s.logAudit(ctx, "hold_sale", "held_sale", held.ID, fmt.Sprintf("items=%d", len(held.Items)))
	return *held, nil
}

func (s *Service) ListHeldSales(ctx context.Context) ([]domain.HeldSale, error) {
	return s.repo.ListHeldSales(ctx, 50)
}

// ResumeHeldSale pops the held cart and hands it back to the caller for a
// fresh checkout. The hold record is gone once this returns.
func (s *Service) ResumeHeldSale(ctx context.Context, holdID string) (domain.HeldSale, error) {
	held, err := s.repo.PopHeldSale(ctx, holdID)
	if err != nil {
		return domain.HeldSale{}, err
	}

	s.logAudit(ctx, "resume_held_sale", "held_sale", held.ID, "")
	return *held, nil
}

func (s *Service) DiscardHeldSale(ctx context.Context, holdID string) error {
	if err := s.repo.DeleteHeldSale(ctx, holdID); err != nil {
		return err
	}
	s.logAudit(ctx, "discard_held_sale", "held_sale", holdID, "")
	return nil
}

// ProcessReturn validates and prices a return, then commits it atomically.
// Refunds are the returned line totals minus each line's prorated share of
// the sale discount; damaged units book a value-lost figure instead of
// going back to stock.
func (s *Service) ProcessReturn(ctx context.Context, req domain.ReturnRequest) (domain.Return, error) {
	if strings.TrimSpace(req.Reason) == "" {
		return domain.Return{}, fmt.Errorf("%w: return reason required", store.ErrInvalidTransaction)
	}
	for _, line := range req.Items {
		if line.Qty < 0 {
			return domain.Return{}, store.ErrInvalidTransaction
		}
	}
	lines := normalizeReturnLines(req.Items)
	if len(lines) == 0 {
		return domain.Return{}, fmt.Errorf("%w: nothing to return", store.ErrInvalidTransaction)
	}

	sale, err := s.repo.GetSaleByID(ctx, strings.TrimSpace(req.SaleID))
	if err != nil {
		return domain.Return{}, err
	}
	if sale.Status != domain.SaleStatusCompleted {
		return domain.Return{}, fmt.Errorf("%w: sale %s is not completed", store.ErrInvalidTransaction, sale.ID)
	}

	saleItems := make(map[string]domain.SaleItem, len(sale.Items))
	for _, item := range sale.Items {
		saleItems[item.ProductID] = item
	}

	now := time.Now().UTC()
	var refundTotal int64
	returnedItems := make([]domain.ReturnedItem, 0, len(lines))
	// The bound counts every line of this request against the sale item, so
	// a product split across lines (or dispositions) cannot exceed its sold
	// quantity in aggregate.
	requested := make(map[string]int, len(lines))
	for _, line := range lines {
		saleItem, ok := saleItems[line.ProductID]
		if !ok {
			return domain.Return{}, fmt.Errorf("%w: product %s not on sale %s", store.ErrInvalidTransaction, line.ProductID, sale.ID)
		}
		requested[line.ProductID] += line.Qty
		if saleItem.ReturnedQty+requested[line.ProductID] > saleItem.Qty {
			return domain.Return{}, fmt.Errorf("%w: return qty exceeds sold qty for %s", store.ErrInvalidTransaction, saleItem.ProductName)
		}
		switch line.Disposition {
		case domain.DispositionRestocked, domain.DispositionDamaged:
		default:
			return domain.Return{}, fmt.Errorf("%w: unknown disposition %q", store.ErrInvalidTransaction, line.Disposition)
		}

		lineSubtotal := int64(line.Qty) * saleItem.UnitPriceCents
		discountShare := ledger.Prorate(lineSubtotal, sale.TotalCents, sale.DiscountCents)
		refund := lineSubtotal - discountShare
		if refund < 0 {
			refund = 0
		}

		costBasis := saleItem.UnitCostCents
		if costBasis <= 0 {
			batches, err := s.repo.ListBatches(ctx, line.ProductID, false, 0)
			if err != nil {
				return domain.Return{}, err
			}
			costBasis = ledger.WeightedAverageCost(batches, now)
		}

		var valueLost int64
		if line.Disposition == domain.DispositionDamaged {
			valueLost = int64(line.Qty) * costBasis
		}

		returnedItems = append(returnedItems, domain.ReturnedItem{
			ProductID:      line.ProductID,
			ProductName:    saleItem.ProductName,
			Qty:            line.Qty,
			UnitPriceCents: saleItem.UnitPriceCents,
			RefundCents:    refund,
			Disposition:    line.Disposition,
			CostBasisCents: costBasis,
			ValueLostCents: valueLost,
		})
		refundTotal += refund
	}

	ret, err := s.repo.CreateReturn(ctx, domain.Return{
		SaleID:       sale.ID,
		CustomerID:   sale.CustomerID,
		CustomerName: sale.CustomerName,
		Cashier:      currentUsername(ctx),
		Reason:       strings.TrimSpace(req.Reason),
		RefundMethod: defaultString(strings.TrimSpace(req.RefundMethod), domain.PaymentCash),
		RefundCents:  refundTotal,
		Items:        returnedItems,
	})
	if err != nil {
		return domain.Return{}, err
	}

	s.logAudit(ctx, "return", "return", ret.ID,
		fmt.Sprintf("sale=%s refund=%d reason=%s", ret.SaleID, ret.RefundCents, ret.Reason))
	s.pusher.Push("return", ret)

	return *ret, nil
}

func (s *Service) ListReturns(ctx context.Context, date string, limit int) ([]domain.Return, error) {
	from, to, err := dayRange(date)
	if err != nil {
		return nil, err
	}
	return s.repo.ListReturns(ctx, from, to, limit)
}

func (s *Service) RecordExpense(ctx context.Context, req domain.ExpenseCreateRequest) (domain.Expense, error) {
	req.Description = strings.TrimSpace(req.Description)
	if req.Description == "" || req.AmountCents < 1 {
		return domain.Expense{}, store.ErrInvalidTransaction
	}
	status := defaultString(strings.TrimSpace(req.Status), domain.ExpenseStatusPaid)

	expense, err := s.repo.CreateExpense(ctx, domain.Expense{
		Description: req.Description,
		Category:    strings.TrimSpace(req.Category),
		AmountCents: req.AmountCents,
		Status:      status,
	})
	if err != nil {
		return domain.Expense{}, err
	}

	s.logAudit(ctx, "record_expense", "expense", expense.ID, fmt.Sprintf("amount=%d status=%s", expense.AmountCents, expense.Status))
	return *expense, nil
}

func (s *Service) ListExpenses(ctx context.Context, status string, limit int) ([]domain.Expense, error) {
	switch status {
	case "", domain.ExpenseStatusPaid, domain.ExpenseStatusPending:
	default:
		return nil, store.ErrInvalidTransaction
	}
	return s.repo.ListExpenses(ctx, status, limit)
}

func (s *Service) SetExpenseStatus(ctx context.Context, expenseID string, status string) (domain.Expense, error) {
	expense, err := s.repo.UpdateExpenseStatus(ctx, expenseID, status)
	if err != nil {
		return domain.Expense{}, err
	}
	s.logAudit(ctx, "set_expense_status", "expense", expense.ID, "status="+expense.Status)
	return *expense, nil
}

func (s *Service) DailyReport(ctx context.Context, date string) (domain.DailyReport, error) {
	from, to, err := dayRange(date)
	if err != nil {
		return domain.DailyReport{}, err
	}

	cacheKey := "report:daily:" + from.Format("2006-01-02")
	if cached, ok, err := s.reports.Get(ctx, cacheKey); err == nil && ok {
		return *cached, nil
	} else if err != nil {
		log.Printf("[report] WARN: cache read failed: %v", err)
	}

	report, err := s.repo.GetDailyReport(ctx, from, to)
	if err != nil {
		return domain.DailyReport{}, err
	}
	report.Date = from.Format("2006-01-02")

	if err := s.reports.Set(ctx, cacheKey, &report, s.reportTTL); err != nil {
		log.Printf("[report] WARN: cache write failed: %v", err)
	}
	return report, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	from, to, err := dayRange(date)
	if err != nil {
		return nil, err
	}
	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

// DetectOperationalAnomalies scans a day's audit trail for cashiers whose
// return count or manual-discount frequency stands out.
func (s *Service) DetectOperationalAnomalies(ctx context.Context, date string) ([]domain.AnomalyAlert, error) {
	logs, err := s.ListAuditLogs(ctx, date, 500)
	if err != nil {
		return nil, err
	}

	returnsByCashier := map[string]int{}
	discountsByCashier := map[string]int{}
	for _, entry := range logs {
		switch entry.Action {
		case "return":
			returnsByCashier[entry.Actor]++
		case "checkout":
			if strings.Contains(entry.Detail, "discount=") && !strings.Contains(entry.Detail, "discount=0") {
				discountsByCashier[entry.Actor]++
			}
		}
	}

	alerts := make([]domain.AnomalyAlert, 0, 8)
	for cashier, count := range returnsByCashier {
		if count >= 3 {
			alerts = append(alerts, domain.AnomalyAlert{
				Cashier:  cashier,
				Kind:     "return_spike",
				Count:    count,
				Baseline: 3,
				Detail:   fmt.Sprintf("%d returns processed in one day", count),
			})
		}
	}
	for cashier, count := range discountsByCashier {
		if count >= 5 {
			alerts = append(alerts, domain.AnomalyAlert{
				Cashier:  cashier,
				Kind:     "discount_spike",
				Count:    count,
				Baseline: 5,
				Detail:   fmt.Sprintf("%d discounted checkouts in one day", count),
			})
		}
	}

	sort.Slice(alerts, func(i, j int) bool {
		if alerts[i].Count != alerts[j].Count {
			return alerts[i].Count > alerts[j].Count
		}
		return alerts[i].Cashier < alerts[j].Cashier
	})
	return alerts, nil
}

// SyncOffline replays checkouts a terminal queued while disconnected. Each
// envelope runs through the normal checkout path with its client key as
// the idempotency key, so replaying a batch is harmless.
func (s *Service) SyncOffline(ctx context.Context, envelopes []domain.OfflineSaleEnvelope) ([]domain.OfflineSaleResult, error) {
	if len(envelopes) == 0 {
		return nil, store.ErrInvalidTransaction
	}

	results := make([]domain.OfflineSaleResult, 0, len(envelopes))
	for _, env := range envelopes {
		key := strings.TrimSpace(env.ClientKey)
		if key == "" {
			results = append(results, domain.OfflineSaleResult{Status: "rejected", Error: "missing client key"})
			continue
		}

		if existing, err := s.repo.FindSaleByIdempotency(ctx, key); err == nil {
			results = append(results, domain.OfflineSaleResult{ClientKey: key, SaleID: existing.ID, Status: "duplicate"})
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}

		req := env.Request
		req.IdempotencyKey = key
		sale, err := s.checkout(ctx, req, defaultString(env.Cashier, "offline-terminal"))
		if err != nil {
			results = append(results, domain.OfflineSaleResult{ClientKey: key, Status: "rejected", Error: err.Error()})
			continue
		}
		results = append(results, domain.OfflineSaleResult{ClientKey: key, SaleID: sale.ID, Status: "applied"})
	}
	return results, nil
}

func (s *Service) BuildSaleReceipt(ctx context.Context, saleID string) (domain.ReceiptPayload, error) {
	sale, err := s.repo.GetSaleByID(ctx, strings.TrimSpace(saleID))
	if err != nil {
		return domain.ReceiptPayload{}, err
	}

	lines := []string{
		"PharmaPOS",
		"========================",
		"Sale: " + sale.ID,
		"Date: " + sale.CreatedAt.Format("2006-01-02 15:04:05"),
		"Cashier: " + sale.Cashier,
	}
	if sale.CustomerName != "" {
		lines = append(lines, "Customer: "+sale.CustomerName)
	}
	lines = append(lines, "------------------------")
	for _, item := range sale.Items {
		lines = append(lines, fmt.Sprintf("%s x%d", item.ProductName, item.Qty))
		lines = append(lines, fmt.Sprintf("  %d", item.LineTotalCents))
	}
	lines = append(lines,
		"------------------------",
		fmt.Sprintf("Total    : %d", sale.TotalCents),
		fmt.Sprintf("Discount : %d", sale.DiscountCents),
		fmt.Sprintf("Payable  : %d", sale.FinalCents),
		"Method   : "+sale.PaymentMethod,
		"========================",
		"Thank you, get well soon",
		"",
	)

	return buildReceiptPayload(lines), nil
}

func (s *Service) BuildReturnReceipt(ctx context.Context, returnID string) (domain.ReceiptPayload, error) {
	returnID = strings.TrimSpace(returnID)
	if returnID == "" {
		return domain.ReceiptPayload{}, store.ErrInvalidTransaction
	}

	// Returns carry no point lookup in the repository interface; scan the
	// recent window instead. Return receipts are printed right after the
	// return is processed.
	from := time.Now().UTC().Add(-48 * time.Hour)
	to := time.Now().UTC().Add(time.Hour)
	returns, err := s.repo.ListReturns(ctx, from, to, 500)
	if err != nil {
		return domain.ReceiptPayload{}, err
	}
	var ret *domain.Return
	for i := range returns {
		if returns[i].ID == returnID {
			ret = &returns[i]
			break
		}
	}
	if ret == nil {
		return domain.ReceiptPayload{}, store.ErrNotFound
	}

	lines := []string{
		"PharmaPOS - RETURN",
		"========================",
		"Return: " + ret.ID,
		"Sale:   " + ret.SaleID,
		"Date:   " + ret.CreatedAt.Format("2006-01-02 15:04:05"),
		"Reason: " + ret.Reason,
		"------------------------",
	}
	for _, item := range ret.Items {
		lines = append(lines, fmt.Sprintf("%s x%d (%s)", item.ProductName, item.Qty, item.Disposition))
		lines = append(lines, fmt.Sprintf("  refund %d", item.RefundCents))
	}
	lines = append(lines,
		"------------------------",
		fmt.Sprintf("Refund   : %d", ret.RefundCents),
		"Method   : "+ret.RefundMethod,
		"========================",
		"",
	)

	return buildReceiptPayload(lines), nil
}

func (s *Service) OpenCashDrawer(_ context.Context) domain.ReceiptPayload {
	// Standard ESC/POS pulse command for drawer kick on pin2.
	command := []byte{0x1b, 0x70, 0x00, 0x19, 0xfa}
	return domain.ReceiptPayload{
		Preview:      "cash drawer pulse",
		ESCPOSBase64: base64.StdEncoding.EncodeToString(command),
	}
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:         xid.New("audit"),
		Actor:      actor.Username,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}

func currentUsername(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok {
		return actor.Username
	}
	return "system"
}

func buildReceiptPayload(lines []string) domain.ReceiptPayload {
	escpos := []byte{0x1b, 0x40}
	for _, line := range lines {
		escpos = append(escpos, []byte(line)...)
		escpos = append(escpos, '\n')
	}
	escpos = append(escpos, []byte{0x1d, 0x56, 0x41, 0x10}...)

	return domain.ReceiptPayload{
		Preview:      strings.Join(lines, "\n"),
		ESCPOSBase64: base64.StdEncoding.EncodeToString(escpos),
	}
}

// normalizeLines merges duplicate product lines and drops empty ones.
func normalizeLines(items []domain.CartLine) []domain.CartLine {
	merged := make(map[string]int, len(items))
	order := make([]string, 0, len(items))
	for _, item := range items {
		id := strings.TrimSpace(item.ProductID)
		if id == "" || item.Qty < 1 {
			continue
		}
		if _, ok := merged[id]; !ok {
			order = append(order, id)
		}
		merged[id] += item.Qty
	}

	result := make([]domain.CartLine, 0, len(order))
	for _, id := range order {
		result = append(result, domain.CartLine{ProductID: id, Qty: merged[id]})
	}
	return result
}

// normalizeReturnLines merges lines for the same product and disposition and
// drops empty ones, mirroring what normalizeLines does for cart lines.
func normalizeReturnLines(items []domain.ReturnLineRequest) []domain.ReturnLineRequest {
	type lineKey struct {
		productID   string
		disposition string
	}
	merged := make(map[lineKey]int, len(items))
	order := make([]lineKey, 0, len(items))
	for _, item := range items {
		key := lineKey{
			productID:   strings.TrimSpace(item.ProductID),
			disposition: item.Disposition,
		}
		if key.productID == "" || item.Qty < 1 {
			continue
		}
		if _, ok := merged[key]; !ok {
			order = append(order, key)
		}
		merged[key] += item.Qty
	}

	result := make([]domain.ReturnLineRequest, 0, len(order))
	for _, key := range order {
		result = append(result, domain.ReturnLineRequest{
			ProductID:   key.productID,
			Qty:         merged[key],
			Disposition: key.disposition,
		})
	}
	return result
}

func normalizePayments(payments []domain.PaymentEntry) []domain.PaymentEntry {
	result := make([]domain.PaymentEntry, 0, len(payments))
	for _, p := range payments {
		if p.AmountCents < 1 {
			continue
		}
		result = append(result, domain.PaymentEntry{
			Method:      strings.ToLower(strings.TrimSpace(p.Method)),
			AmountCents: p.AmountCents,
		})
	}
	return result
}

func isSupportedPaymentMethod(method string) bool {
	switch method {
	case domain.PaymentCash, domain.PaymentCard, domain.PaymentTransfer,
		domain.PaymentCredit, domain.PaymentStoreCredit, domain.PaymentMultipay:
		return true
	}
	return false
}

func isSplitMethodSupported(method string) bool {
	switch method {
	case domain.PaymentCash, domain.PaymentCard, domain.PaymentTransfer, domain.PaymentStoreCredit:
		return true
	}
	return false
}

func dayRange(date string) (time.Time, time.Time, error) {
	var day time.Time
	if strings.TrimSpace(date) == "" {
		now := time.Now().UTC()
		day = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	} else {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return time.Time{}, time.Time{}, store.ErrInvalidTransaction
		}
		day = parsed.UTC()
	}
	return day, day.Add(24 * time.Hour), nil
}

func defaultString(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
