package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"pharmapos/backend/internal/domain"
	"pharmapos/backend/internal/ledger"
	"pharmapos/backend/internal/store"
	"pharmapos/backend/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	batchesByProd   map[string][]domain.Batch
	priceChanges    map[string][]domain.PriceChange
	customers       map[string]domain.Customer
	salesByID       map[string]*domain.Sale
	salesByIdem     map[string]*domain.Sale
	heldByID        map[string]domain.HeldSale
	returnsByID     map[string]domain.Return
	expensesByID    map[string]domain.Expense
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD; if
// unset, hardcoded dev defaults are used with a warning. These credentials
// are never used in production (the backend uses PostgreSQL when
// DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func New() *Store {
	return &Store{
		products:        make(map[string]domain.Product),
		batchesByProd:   make(map[string][]domain.Batch),
		priceChanges:    make(map[string][]domain.PriceChange),
		customers:       make(map[string]domain.Customer),
		salesByID:       make(map[string]*domain.Sale),
		salesByIdem:     make(map[string]*domain.Sale),
		heldByID:        make(map[string]domain.HeldSale),
		returnsByID:     make(map[string]domain.Return),
		expensesByID:    make(map[string]domain.Expense),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: seedUsers(),
	}
}

func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	seed := []struct {
		id       string
		name     string
		category string
		price    int64
		minStock int
		batches  []domain.Batch
	}{
		{"prod-paracetamol", "Paracetamol 500mg (10 tabs)", "analgesic", 10000, 20, []domain.Batch{
			{BatchNumber: "PCM-2603", Qty: 40, CostCents: 6500, ExpiryDate: now.AddDate(0, 3, 0)},
			{BatchNumber: "PCM-2611", Qty: 80, CostCents: 7000, ExpiryDate: now.AddDate(0, 11, 0)},
		}},
		{"prod-amoxicillin", "Amoxicillin 500mg (10 caps)", "antibiotic", 45000, 15, []domain.Batch{
			{BatchNumber: "AMX-2605", Qty: 30, CostCents: 30000, ExpiryDate: now.AddDate(0, 5, 0)},
		}},
		{"prod-vitc", "Vitamin C 1000mg (10 tabs)", "supplement", 25000, 10, []domain.Batch{
			{BatchNumber: "VTC-2608", Qty: 60, CostCents: 15000, ExpiryDate: now.AddDate(0, 8, 0)},
		}},
		{"prod-ibuprofen", "Ibuprofen 400mg (10 tabs)", "analgesic", 18000, 15, []domain.Batch{
			{BatchNumber: "IBU-2604", Qty: 25, CostCents: 11000, ExpiryDate: now.AddDate(0, 4, 0)},
			{BatchNumber: "IBU-2612", Qty: 50, CostCents: 12000, ExpiryDate: now.AddDate(1, 0, 0)},
		}},
		{"prod-orsaline", "Oral Rehydration Salts", "hydration", 5000, 30, []domain.Batch{
			{BatchNumber: "ORS-2710", Qty: 200, CostCents: 2800, ExpiryDate: now.AddDate(1, 7, 0)},
		}},
		{"prod-coughsyrup", "Cough Syrup 100ml", "cold-flu", 32000, 10, []domain.Batch{
			{BatchNumber: "CSY-2606", Qty: 18, CostCents: 21000, ExpiryDate: now.AddDate(0, 6, 0)},
		}},
		{"prod-antacid", "Antacid Suspension 200ml", "digestive", 28000, 10, []domain.Batch{
			{BatchNumber: "ANT-2609", Qty: 22, CostCents: 17500, ExpiryDate: now.AddDate(0, 9, 0)},
		}},
		{"prod-bandage", "Elastic Bandage 7.5cm", "first-aid", 15000, 12, []domain.Batch{
			{BatchNumber: "BND-2903", Qty: 45, CostCents: 9000, ExpiryDate: now.AddDate(3, 0, 0)},
		}},
	}

	for _, p := range seed {
		s.products[p.id] = domain.Product{
			ID:         p.id,
			Name:       p.name,
			Category:   p.category,
			PriceCents: p.price,
			MinStock:   p.minStock,
			Active:     true,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		for _, b := range p.batches {
			b.ID = xid.New("batch")
			b.ProductID = p.id
			b.SourceType = "receive"
			b.ReceivedAt = now
			s.batchesByProd[p.id] = append(s.batchesByProd[p.id], b)
		}
	}

	for _, c := range []domain.Customer{
		{ID: "cust-ada", Name: "Ada Obi", Phone: "0803-000-0001"},
		{ID: "cust-bello", Name: "Bello Adeyemi", Phone: "0803-000-0002"},
	} {
		c.CreatedAt = now
		s.customers[c.ID] = c
	}

	return s
}

func (s *Store) ListProducts(_ context.Context, search string) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(strings.TrimSpace(search))
	result := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if needle != "" &&
			!strings.Contains(strings.ToLower(p.Name), needle) &&
			!strings.Contains(strings.ToLower(p.Category), needle) {
			continue
		}
		result = append(result, p)
	}
	slices.SortFunc(result, func(a, b domain.Product) int {
		return strings.Compare(a.Name, b.Name)
	})
	return result, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if strings.TrimSpace(product.Name) == "" || product.PriceCents < 0 {
		return nil, store.ErrInvalidTransaction
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[product.ID]; exists {
		return nil, store.ErrInvalidTransaction
	}
	s.products[product.ID] = product
	created := product
	return &created, nil
}

func (s *Store) GetProductByID(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := product
	return &found, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			result[id] = p
		}
	}
	return result, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[product.ID]; !ok {
		return nil, store.ErrNotFound
	}
	product.UpdatedAt = time.Now().UTC()
	s.products[product.ID] = product
	updated := product
	return &updated, nil
}

func (s *Store) CreatePriceChange(_ context.Context, entry domain.PriceChange) error {
	if entry.ID == "" {
		entry.ID = xid.New("price")
	}
	if entry.ChangedAt.IsZero() {
		entry.ChangedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.priceChanges[entry.ProductID] = append(s.priceChanges[entry.ProductID], entry)
	return nil
}

func (s *Store) ListPriceChanges(_ context.Context, productID string, limit int) ([]domain.PriceChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 50
	}
	entries := s.priceChanges[productID]
	result := make([]domain.PriceChange, len(entries))
	copy(result, entries)
	slices.SortFunc(result, func(a, b domain.PriceChange) int {
		return b.ChangedAt.Compare(a.ChangedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateBatch(_ context.Context, batch domain.Batch) (*domain.Batch, error) {
	if batch.ProductID == "" || batch.Qty < 1 || batch.CostCents < 0 || batch.ExpiryDate.IsZero() {
		return nil, store.ErrInvalidTransaction
	}
	if batch.ID == "" {
		batch.ID = xid.New("batch")
	}
	if strings.TrimSpace(batch.BatchNumber) == "" {
		batch.BatchNumber = "MANUAL-" + batch.ID
	}
	if batch.SourceType == "" {
		batch.SourceType = "receive"
	}
	if batch.ReceivedAt.IsZero() {
		batch.ReceivedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[batch.ProductID]; !exists {
		return nil, store.ErrNotFound
	}
	s.batchesByProd[batch.ProductID] = append(s.batchesByProd[batch.ProductID], batch)
	created := batch
	return &created, nil
}

func (s *Store) ListBatches(_ context.Context, productID string, includeExpired bool, limit int) ([]domain.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 200
	}
	now := time.Now().UTC()
	result := make([]domain.Batch, 0, limit)

	appendBatch := func(b domain.Batch) {
		if !includeExpired && !b.ExpiryDate.After(now) {
			return
		}
		result = append(result, b)
	}

	if productID != "" {
		for _, b := range s.batchesByProd[productID] {
			appendBatch(b)
		}
	} else {
		for _, batches := range s.batchesByProd {
			for _, b := range batches {
				appendBatch(b)
			}
		}
	}

	slices.SortFunc(result, compareBatchFEFO)
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) GetValidStock(_ context.Context, productIDs []string, at time.Time) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]int, len(productIDs))
	for _, id := range productIDs {
		result[id] = ledger.ValidStock(s.batchesByProd[id], at)
	}
	return result, nil
}

func (s *Store) ListLowStock(_ context.Context, at time.Time) ([]domain.LowStockEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.LowStockEntry, 0)
	for _, p := range s.products {
		if !p.Active || p.MinStock < 1 {
			continue
		}
		valid := ledger.ValidStock(s.batchesByProd[p.ID], at)
		if valid < p.MinStock {
			result = append(result, domain.LowStockEntry{
				ProductID:  p.ID,
				Name:       p.Name,
				ValidStock: valid,
				MinStock:   p.MinStock,
			})
		}
	}
	slices.SortFunc(result, func(a, b domain.LowStockEntry) int {
		return strings.Compare(a.Name, b.Name)
	})
	return result, nil
}

func (s *Store) CreateCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	if strings.TrimSpace(customer.Name) == "" {
		return nil, store.ErrInvalidTransaction
	}
	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.customers[customer.ID]; exists {
		return nil, store.ErrInvalidTransaction
	}
	s.customers[customer.ID] = customer
	created := customer
	return &created, nil
}

func (s *Store) ListCustomers(_ context.Context, search string) ([]domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(strings.TrimSpace(search))
	result := make([]domain.Customer, 0, len(s.customers))
	for _, c := range s.customers {
		if needle != "" &&
			!strings.Contains(strings.ToLower(c.Name), needle) &&
			!strings.Contains(c.Phone, needle) {
			continue
		}
		result = append(result, c)
	}
	slices.SortFunc(result, func(a, b domain.Customer) int {
		return strings.Compare(a.Name, b.Name)
	})
	return result, nil
}

func (s *Store) GetCustomerByID(_ context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customer, ok := s.customers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := customer
	return &found, nil
}

func (s *Store) CreateCheckout(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sale.IdempotencyKey != "" {
		if existing, ok := s.salesByIdem[sale.IdempotencyKey]; ok {
			return cloneSale(existing), nil
		}
	}
	if len(sale.Items) == 0 {
		return nil, store.ErrInvalidTransaction
	}

	now := time.Now().UTC()

	// First pass: price lines from the catalog and check every allocation
	// before mutating anything. Insufficient stock on any line aborts the
	// whole checkout.
	type plannedLine struct {
		item   domain.SaleItem
		allocs []ledger.Allocation
	}
	subtotal := int64(0)
	planned := make([]plannedLine, 0, len(sale.Items))
	for _, item := range sale.Items {
		if item.Qty < 1 {
			return nil, store.ErrInvalidTransaction
		}
		product, exists := s.products[item.ProductID]
		if !exists || !product.Active {
			return nil, fmt.Errorf("product %s unavailable: %w", item.ProductID, store.ErrNotFound)
		}
		allocs, cost, remainder := ledger.Allocate(s.batchesByProd[item.ProductID], item.Qty, now)
		if remainder > 0 {
			return nil, fmt.Errorf("%w for %s", store.ErrInsufficientStock, product.Name)
		}
		lineTotal := int64(item.Qty) * product.PriceCents
		planned = append(planned, plannedLine{
			item: domain.SaleItem{
				ProductID:      item.ProductID,
				ProductName:    product.Name,
				Qty:            item.Qty,
				UnitPriceCents: product.PriceCents,
				LineTotalCents: lineTotal,
				UnitCostCents:  ledger.UnitCost(cost, item.Qty),
			},
			allocs: allocs,
		})
		subtotal += lineTotal
	}

	if sale.DiscountCents < 0 {
		return nil, store.ErrInvalidTransaction
	}
	final := ledger.FinalAmount(subtotal, sale.DiscountCents)

	if sale.PaymentMethod == domain.PaymentMultipay {
		var sum int64
		for _, p := range sale.Payments {
			if p.AmountCents < 0 {
				return nil, store.ErrInvalidTransaction
			}
			sum += p.AmountCents
		}
		if sum != final {
			return nil, fmt.Errorf("%w: multipay entries must sum to final amount", store.ErrInvalidTransaction)
		}
	}

	var customer *domain.Customer
	if sale.PaymentMethod == domain.PaymentCredit {
		if sale.CustomerID == "" {
			return nil, store.ErrCustomerRequired
		}
		c, ok := s.customers[sale.CustomerID]
		if !ok {
			return nil, fmt.Errorf("%w: customer %s", store.ErrCustomerRequired, sale.CustomerID)
		}
		customer = &c
	} else if sale.CustomerID != "" {
		if c, ok := s.customers[sale.CustomerID]; ok {
			customer = &c
		}
	}

	// All checks passed: apply batch deductions.
	for _, pl := range planned {
		batches := s.batchesByProd[pl.item.ProductID]
		for _, alloc := range pl.allocs {
			for i := range batches {
				if batches[i].ID == alloc.BatchID {
					batches[i].Qty -= alloc.Qty
					break
				}
			}
		}
		s.batchesByProd[pl.item.ProductID] = batches
	}

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = now
	}
	sale.Status = domain.SaleStatusCompleted
	sale.TotalCents = subtotal
	sale.FinalCents = final
	sale.Items = make([]domain.SaleItem, 0, len(planned))
	for _, pl := range planned {
		sale.Items = append(sale.Items, pl.item)
	}
	if customer != nil {
		sale.CustomerName = customer.Name
		if sale.PaymentMethod == domain.PaymentCredit {
			customer.DebtCents += final
			s.customers[customer.ID] = *customer
		}
	}

	saved := cloneSale(&sale)
	s.salesByID[sale.ID] = saved
	if sale.IdempotencyKey != "" {
		s.salesByIdem[sale.IdempotencyKey] = saved
	}
	return cloneSale(saved), nil
}

func (s *Store) FindSaleByIdempotency(_ context.Context, key string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByIdem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) GetSaleByID(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) ListSales(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 100
	}
	result := make([]domain.Sale, 0, limit)
	for _, sale := range s.salesByID {
		if !from.IsZero() && sale.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !sale.CreatedAt.Before(to) {
			continue
		}
		result = append(result, *cloneSale(sale))
	}
	slices.SortFunc(result, func(a, b domain.Sale) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateHeldSale(_ context.Context, held domain.HeldSale) (*domain.HeldSale, error) {
	if len(held.Items) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	for _, item := range held.Items {
		if item.Qty < 1 || item.ProductID == "" {
			return nil, store.ErrInvalidTransaction
		}
	}
	if held.ID == "" {
		held.ID = xid.New("hold")
	}
	if held.CreatedAt.IsZero() {
		held.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.heldByID[held.ID] = cloneHeldSale(held)
	created := cloneHeldSale(held)
	return &created, nil
}

func (s *Store) ListHeldSales(_ context.Context, limit int) ([]domain.HeldSale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 50
	}
	result := make([]domain.HeldSale, 0, len(s.heldByID))
	for _, held := range s.heldByID {
		result = append(result, cloneHeldSale(held))
	}
	slices.SortFunc(result, func(a, b domain.HeldSale) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) PopHeldSale(_ context.Context, holdID string) (*domain.HeldSale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	held, ok := s.heldByID[holdID]
	if !ok {
		return nil, store.ErrNotFound
	}
	delete(s.heldByID, holdID)
	popped := cloneHeldSale(held)
	return &popped, nil
}

func (s *Store) DeleteHeldSale(_ context.Context, holdID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.heldByID[holdID]; !ok {
		return store.ErrNotFound
	}
	delete(s.heldByID, holdID)
	return nil
}

func (s *Store) CreateReturn(_ context.Context, ret domain.Return) (*domain.Return, error) {
	if ret.SaleID == "" || len(ret.Items) == 0 || strings.TrimSpace(ret.Reason) == "" {
		return nil, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[ret.SaleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sale.Status != domain.SaleStatusCompleted {
		return nil, fmt.Errorf("%w: sale %s is not completed", store.ErrInvalidTransaction, sale.ID)
	}

	now := time.Now().UTC()

	// Bounds are re-checked here under the lock; the service computes
	// refunds and cost bases but the store owns the monotonic counter.
	saleItemIdx := make(map[string]int, len(sale.Items))
	for i, item := range sale.Items {
		saleItemIdx[item.ProductID] = i
	}
	requested := make(map[string]int, len(ret.Items))
	for _, item := range ret.Items {
		if item.Qty < 1 {
			return nil, store.ErrInvalidTransaction
		}
		idx, ok := saleItemIdx[item.ProductID]
		if !ok {
			return nil, fmt.Errorf("%w: product %s not on sale %s", store.ErrInvalidTransaction, item.ProductID, sale.ID)
		}
		saleItem := sale.Items[idx]
		requested[item.ProductID] += item.Qty
		if saleItem.ReturnedQty+requested[item.ProductID] > saleItem.Qty {
			return nil, fmt.Errorf("%w: return qty exceeds sold qty for %s", store.ErrInvalidTransaction, item.ProductName)
		}
		switch item.Disposition {
		case domain.DispositionRestocked, domain.DispositionDamaged:
		default:
			return nil, fmt.Errorf("%w: unknown disposition %q", store.ErrInvalidTransaction, item.Disposition)
		}
	}

	if ret.ID == "" {
		ret.ID = xid.New("ret")
	}
	if ret.CreatedAt.IsZero() {
		ret.CreatedAt = now
	}

	for _, item := range ret.Items {
		idx := saleItemIdx[item.ProductID]
		sale.Items[idx].ReturnedQty += item.Qty

		if item.Disposition != domain.DispositionRestocked {
			continue
		}
		batches := s.batchesByProd[item.ProductID]
		target := -1
		for i := range batches {
			if !batches[i].ExpiryDate.After(now) {
				continue
			}
			if target == -1 || batches[i].ExpiryDate.Before(batches[target].ExpiryDate) {
				target = i
			}
		}
		if target >= 0 {
			batches[target].Qty += item.Qty
		} else {
			batches = append(batches, domain.Batch{
				ID:          xid.New("batch"),
				ProductID:   item.ProductID,
				BatchNumber: fmt.Sprintf("RET-%d", now.Unix()),
				Qty:         item.Qty,
				CostCents:   item.CostBasisCents,
				ExpiryDate:  now.AddDate(1, 0, 0),
				SourceType:  "return",
				SourceID:    ret.ID,
				ReceivedAt:  now,
			})
		}
		s.batchesByProd[item.ProductID] = batches
	}

	// Credit sales reduce the customer's debt by the refund, floored at
	// zero, regardless of how the refund is paid out.
	if sale.PaymentMethod == domain.PaymentCredit && sale.CustomerID != "" {
		if customer, ok := s.customers[sale.CustomerID]; ok {
			customer.DebtCents -= ret.RefundCents
			if customer.DebtCents < 0 {
				customer.DebtCents = 0
			}
			s.customers[sale.CustomerID] = customer
		}
	}

	saved := cloneReturn(ret)
	s.returnsByID[ret.ID] = saved
	created := cloneReturn(saved)
	return &created, nil
}

func (s *Store) ListReturns(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.Return, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 100
	}
	result := make([]domain.Return, 0, limit)
	for _, ret := range s.returnsByID {
		if !from.IsZero() && ret.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !ret.CreatedAt.Before(to) {
			continue
		}
		result = append(result, cloneReturn(ret))
	}
	slices.SortFunc(result, func(a, b domain.Return) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateExpense(_ context.Context, expense domain.Expense) (*domain.Expense, error) {
	if strings.TrimSpace(expense.Description) == "" || expense.AmountCents < 1 {
		return nil, store.ErrInvalidTransaction
	}
	switch expense.Status {
	case domain.ExpenseStatusPaid, domain.ExpenseStatusPending:
	default:
		return nil, store.ErrInvalidTransaction
	}
	if expense.ID == "" {
		expense.ID = xid.New("exp")
	}
	if expense.CreatedAt.IsZero() {
		expense.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.expensesByID[expense.ID] = expense
	created := expense
	return &created, nil
}

func (s *Store) ListExpenses(_ context.Context, status string, limit int) ([]domain.Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 100
	}
	result := make([]domain.Expense, 0, limit)
	for _, e := range s.expensesByID {
		if status != "" && e.Status != status {
			continue
		}
		result = append(result, e)
	}
	slices.SortFunc(result, func(a, b domain.Expense) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) UpdateExpenseStatus(_ context.Context, expenseID string, status string) (*domain.Expense, error) {
	switch status {
	case domain.ExpenseStatusPaid, domain.ExpenseStatusPending:
	default:
		return nil, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	expense, ok := s.expensesByID[expenseID]
	if !ok {
		return nil, store.ErrNotFound
	}
	expense.Status = status
	s.expensesByID[expenseID] = expense
	updated := expense
	return &updated, nil
}

func (s *Store) GetDailyReport(_ context.Context, from time.Time, to time.Time) (domain.DailyReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report := domain.DailyReport{
		Date:             from.Format("2006-01-02"),
		PaymentBreakdown: make(map[string]int64),
	}

	for _, sale := range s.salesByID {
		if sale.Status != domain.SaleStatusCompleted {
			continue
		}
		if sale.CreatedAt.Before(from) || !sale.CreatedAt.Before(to) {
			continue
		}
		report.SalesCount++
		report.GrossCents += sale.TotalCents
		report.DiscountCents += sale.DiscountCents
		report.NetCents += sale.FinalCents
		report.PaymentBreakdown[sale.PaymentMethod] += sale.FinalCents
		for _, item := range sale.Items {
			report.CostOfGoodsCents += int64(item.Qty) * item.UnitCostCents
		}
	}

	for _, ret := range s.returnsByID {
		if ret.CreatedAt.Before(from) || !ret.CreatedAt.Before(to) {
			continue
		}
		report.RefundCents += ret.RefundCents
		for _, item := range ret.Items {
			report.ValueLostCents += item.ValueLostCents
		}
	}

	for _, e := range s.expensesByID {
		if e.Status == domain.ExpenseStatusPending {
			report.PayablesCents += e.AmountCents
		}
		if e.CreatedAt.Before(from) || !e.CreatedAt.Before(to) {
			continue
		}
		report.ExpenseCents += e.AmountCents
	}

	for _, c := range s.customers {
		report.ReceivablesCents += c.DebtCents
	}

	return report, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 200
	}
	result := make([]domain.AuditLog, 0, limit)
	for _, entry := range s.auditLogs {
		if !from.IsZero() && entry.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}
	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" {
		return store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrInvalidTransaction
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		result = append(result, user)
	}
	slices.SortFunc(result, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return result, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func compareBatchFEFO(a, b domain.Batch) int {
	if c := a.ExpiryDate.Compare(b.ExpiryDate); c != 0 {
		return c
	}
	return a.ReceivedAt.Compare(b.ReceivedAt)
}

func cloneSale(sale *domain.Sale) *domain.Sale {
	cp := *sale
	cp.Items = make([]domain.SaleItem, len(sale.Items))
	copy(cp.Items, sale.Items)
	cp.Payments = make([]domain.PaymentEntry, len(sale.Payments))
	copy(cp.Payments, sale.Payments)
	return &cp
}

func cloneHeldSale(held domain.HeldSale) domain.HeldSale {
	cp := held
	cp.Items = make([]domain.CartLine, len(held.Items))
	copy(cp.Items, held.Items)
	return cp
}

func cloneReturn(ret domain.Return) domain.Return {
	cp := ret
	cp.Items = make([]domain.ReturnedItem, len(ret.Items))
	copy(cp.Items, ret.Items)
	return cp
}
