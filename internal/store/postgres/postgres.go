package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"pharmapos/backend/internal/domain"
	"pharmapos/backend/internal/ledger"
	"pharmapos/backend/internal/store"
	"pharmapos/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListProducts(ctx context.Context, search string) ([]domain.Product, error) {
	query := `
		SELECT id, name, category, price_cents, min_stock, active, created_at, updated_at
		FROM products
		WHERE active = true
	`
	args := []any{}
	if needle := strings.TrimSpace(search); needle != "" {
		query += ` AND (name ILIKE $1 OR category ILIKE $1)`
		args = append(args, "%"+needle+"%")
	}
	query += ` ORDER BY category, name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Category, &p.PriceCents, &p.MinStock, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return products, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.Name == "" || product.PriceCents < 0 || product.MinStock < 0 {
		return nil, store.ErrInvalidTransaction
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	product.Active = true

	now := time.Now().UTC()
	product.CreatedAt = now
	product.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, name, category, price_cents, min_stock, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$7)
	`, product.ID, product.Name, product.Category, product.PriceCents, product.MinStock, product.Active, now)
	if err != nil {
		return nil, err
	}

	return &product, nil
}

func (s *Store) GetProductByID(ctx context.Context, id string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, category, price_cents, min_stock, active, created_at, updated_at
		FROM products
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.Category, &p.PriceCents, &p.MinStock, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	if len(ids) == 0 {
		return map[string]domain.Product{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, category, price_cents, min_stock, active, created_at, updated_at
		FROM products
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]domain.Product, len(ids))
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Category, &p.PriceCents, &p.MinStock, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		result[p.ID] = p
	}
	return result, rows.Err()
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	product.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET name = $2, category = $3, price_cents = $4, min_stock = $5, active = $6, updated_at = $7
		WHERE id = $1
	`, product.ID, product.Name, product.Category, product.PriceCents, product.MinStock, product.Active, product.UpdatedAt)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}
	return &product, nil
}

func (s *Store) CreatePriceChange(ctx context.Context, entry domain.PriceChange) error {
	if entry.ID == "" {
		entry.ID = xid.New("price")
	}
	if entry.ChangedAt.IsZero() {
		entry.ChangedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO price_changes (id, product_id, old_price_cents, new_price_cents, changed_by, changed_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, entry.ID, entry.ProductID, entry.OldPriceCents, entry.NewPriceCents, entry.ChangedBy, entry.ChangedAt)
	return err
}

func (s *Store) ListPriceChanges(ctx context.Context, productID string, limit int) ([]domain.PriceChange, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, old_price_cents, new_price_cents, changed_by, changed_at
		FROM price_changes
		WHERE product_id = $1
		ORDER BY changed_at DESC
		LIMIT $2
	`, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.PriceChange, 0, limit)
	for rows.Next() {
		var e domain.PriceChange
		if err := rows.Scan(&e.ID, &e.ProductID, &e.OldPriceCents, &e.NewPriceCents, &e.ChangedBy, &e.ChangedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) CreateBatch(ctx context.Context, batch domain.Batch) (*domain.Batch, error) {
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

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, batch.ProductID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrNotFound
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO batches (id, product_id, batch_number, qty, cost_cents, expiry_date, source_type, source_id, received_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, batch.ID, batch.ProductID, batch.BatchNumber, batch.Qty, batch.CostCents, batch.ExpiryDate,
		batch.SourceType, nullIfEmpty(batch.SourceID), batch.ReceivedAt)
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

func (s *Store) ListBatches(ctx context.Context, productID string, includeExpired bool, limit int) ([]domain.Batch, error) {
	if limit < 1 {
		limit = 200
	}

	// Drained batches stay listed; they are the historical record of what
	// was received and sold through.
	query := `
		SELECT id, product_id, batch_number, qty, cost_cents, expiry_date, source_type, COALESCE(source_id, ''), received_at
		FROM batches
	`
	conds := []string{}
	args := []any{}
	if productID != "" {
		conds = append(conds, fmt.Sprintf("product_id = $%d", len(args)+1))
		args = append(args, productID)
	}
	if !includeExpired {
		conds = append(conds, fmt.Sprintf("expiry_date > $%d", len(args)+1))
		args = append(args, time.Now().UTC())
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY expiry_date ASC, received_at ASC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	batches := make([]domain.Batch, 0, limit)
	for rows.Next() {
		var b domain.Batch
		if err := rows.Scan(&b.ID, &b.ProductID, &b.BatchNumber, &b.Qty, &b.CostCents, &b.ExpiryDate, &b.SourceType, &b.SourceID, &b.ReceivedAt); err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func (s *Store) GetValidStock(ctx context.Context, productIDs []string, at time.Time) (map[string]int, error) {
	result := make(map[string]int, len(productIDs))
	if len(productIDs) == 0 {
		return result, nil
	}
	for _, id := range productIDs {
		result[id] = 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, COALESCE(SUM(qty), 0)
		FROM batches
		WHERE product_id = ANY($1) AND qty > 0 AND expiry_date > $2
		GROUP BY product_id
	`, productIDs, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var qty int
		if err := rows.Scan(&id, &qty); err != nil {
			return nil, err
		}
		result[id] = qty
	}
	return result, rows.Err()
}

func (s *Store) ListLowStock(ctx context.Context, at time.Time) ([]domain.LowStockEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.name, COALESCE(SUM(b.qty) FILTER (WHERE b.expiry_date > $1), 0) AS valid_stock, p.min_stock
		FROM products p
		LEFT JOIN batches b ON b.product_id = p.id AND b.qty > 0
		WHERE p.active = true AND p.min_stock > 0
		GROUP BY p.id, p.name, p.min_stock
		HAVING COALESCE(SUM(b.qty) FILTER (WHERE b.expiry_date > $1), 0) < p.min_stock
		ORDER BY p.name
	`, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.LowStockEntry, 0, 32)
	for rows.Next() {
		var e domain.LowStockEntry
		if err := rows.Scan(&e.ProductID, &e.Name, &e.ValidStock, &e.MinStock); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	if strings.TrimSpace(customer.Name) == "" {
		return nil, store.ErrInvalidTransaction
	}
	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, name, phone, debt_cents, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, customer.ID, customer.Name, customer.Phone, customer.DebtCents, customer.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &customer, nil
}

func (s *Store) ListCustomers(ctx context.Context, search string) ([]domain.Customer, error) {
	query := `
		SELECT id, name, COALESCE(phone, ''), debt_cents, created_at
		FROM customers
	`
	args := []any{}
	if needle := strings.TrimSpace(search); needle != "" {
		query += ` WHERE name ILIKE $1 OR phone ILIKE $1`
		args = append(args, "%"+needle+"%")
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	customers := make([]domain.Customer, 0, 64)
	for rows.Next() {
		var c domain.Customer
		if err := rows.Scan(&c.ID, &c.Name, &c.Phone, &c.DebtCents, &c.CreatedAt); err != nil {
			return nil, err
		}
		customers = append(customers, c)
	}
	return customers, rows.Err()
}

func (s *Store) GetCustomerByID(ctx context.Context, id string) (*domain.Customer, error) {
	var c domain.Customer
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(phone, ''), debt_cents, created_at
		FROM customers
		WHERE id = $1
	`, id).Scan(&c.ID, &c.Name, &c.Phone, &c.DebtCents, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) CreateCheckout(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if len(sale.Items) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if sale.DiscountCents < 0 {
		return nil, store.ErrInvalidTransaction
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	ids := uniqueProductIDs(sale.Items)
	if len(ids) == 0 {
		return nil, store.ErrInvalidTransaction
	}

	productRows, err := pgTx.QueryContext(ctx, `
		SELECT id, name, price_cents
		FROM products
		WHERE active = true AND id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	productMap := make(map[string]domain.Product, len(ids))
	for productRows.Next() {
		var p domain.Product
		if err := productRows.Scan(&p.ID, &p.Name, &p.PriceCents); err != nil {
			_ = productRows.Close()
			return nil, err
		}
		productMap[p.ID] = p
	}
	if err := productRows.Err(); err != nil {
		_ = productRows.Close()
		return nil, err
	}
	_ = productRows.Close()

	now := time.Now().UTC()
	subtotalCents := int64(0)
	recomputedItems := make([]domain.SaleItem, 0, len(sale.Items))
	for _, item := range sale.Items {
		if item.Qty < 1 {
			return nil, store.ErrInvalidTransaction
		}
		product, exists := productMap[item.ProductID]
		if !exists {
			return nil, fmt.Errorf("product %s unavailable: %w", item.ProductID, store.ErrNotFound)
		}

		batchRows, err := pgTx.QueryContext(ctx, `
			SELECT id, product_id, batch_number, qty, cost_cents, expiry_date, received_at
			FROM batches
			WHERE product_id = $1 AND qty > 0
			ORDER BY expiry_date ASC, received_at ASC
			FOR UPDATE
		`, item.ProductID)
		if err != nil {
			return nil, err
		}
		batches := make([]domain.Batch, 0, 8)
		for batchRows.Next() {
			var b domain.Batch
			if err := batchRows.Scan(&b.ID, &b.ProductID, &b.BatchNumber, &b.Qty, &b.CostCents, &b.ExpiryDate, &b.ReceivedAt); err != nil {
				_ = batchRows.Close()
				return nil, err
			}
			batches = append(batches, b)
		}
		if err := batchRows.Err(); err != nil {
			_ = batchRows.Close()
			return nil, err
		}
		_ = batchRows.Close()

		allocs, cost, remainder := ledger.Allocate(batches, item.Qty, now)
		if remainder > 0 {
			return nil, fmt.Errorf("%w for %s", store.ErrInsufficientStock, product.Name)
		}
		for _, alloc := range allocs {
			_, err = pgTx.ExecContext(ctx, `
				UPDATE batches
				SET qty = qty - $1
				WHERE id = $2
			`, alloc.Qty, alloc.BatchID)
			if err != nil {
				return nil, err
			}
		}

		lineTotal := product.PriceCents * int64(item.Qty)
		recomputedItems = append(recomputedItems, domain.SaleItem{
			ProductID:      item.ProductID,
			ProductName:    product.Name,
			Qty:            item.Qty,
			UnitPriceCents: product.PriceCents,
			LineTotalCents: lineTotal,
			UnitCostCents:  ledger.UnitCost(cost, item.Qty),
		})
		subtotalCents += lineTotal
	}

	finalCents := ledger.FinalAmount(subtotalCents, sale.DiscountCents)

	if sale.PaymentMethod == domain.PaymentMultipay {
		var sum int64
		for _, p := range sale.Payments {
			if p.AmountCents < 0 {
				return nil, store.ErrInvalidTransaction
			}
			sum += p.AmountCents
		}
		if sum != finalCents {
			return nil, fmt.Errorf("%w: multipay entries must sum to final amount", store.ErrInvalidTransaction)
		}
	}

	if sale.CustomerID != "" {
		var name string
		var debt int64
		err := pgTx.QueryRowContext(ctx, `
			SELECT name, debt_cents FROM customers WHERE id = $1 FOR UPDATE
		`, sale.CustomerID).Scan(&name, &debt)
		if errors.Is(err, sql.ErrNoRows) {
			if sale.PaymentMethod == domain.PaymentCredit {
				return nil, fmt.Errorf("%w: customer %s", store.ErrCustomerRequired, sale.CustomerID)
			}
			sale.CustomerID = ""
		} else if err != nil {
			return nil, err
		} else {
			sale.CustomerName = name
			if sale.PaymentMethod == domain.PaymentCredit {
				_, err = pgTx.ExecContext(ctx, `
					UPDATE customers SET debt_cents = debt_cents + $1 WHERE id = $2
				`, finalCents, sale.CustomerID)
				if err != nil {
					return nil, err
				}
			}
		}
	} else if sale.PaymentMethod == domain.PaymentCredit {
		return nil, store.ErrCustomerRequired
	}

	sale.Items = recomputedItems
	sale.TotalCents = subtotalCents
	sale.FinalCents = finalCents
	sale.Status = domain.SaleStatusCompleted
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = now
	}

	paymentsJSON, err := json.Marshal(sale.Payments)
	if err != nil {
		return nil, err
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO sales (
			id, customer_id, customer_name, cashier, payment_method, payments,
			total_cents, discount_cents, final_cents, status, idempotency_key, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, sale.ID, nullIfEmpty(sale.CustomerID), nullIfEmpty(sale.CustomerName), sale.Cashier,
		sale.PaymentMethod, paymentsJSON, sale.TotalCents, sale.DiscountCents, sale.FinalCents,
		sale.Status, nullIfEmpty(sale.IdempotencyKey), sale.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) && sale.IdempotencyKey != "" {
			existing, lookupErr := s.FindSaleByIdempotency(ctx, sale.IdempotencyKey)
			if lookupErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}

	for _, item := range sale.Items {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO sale_items (sale_id, product_id, product_name, qty, unit_price_cents, line_total_cents, unit_cost_cents, returned_qty)
			VALUES ($1,$2,$3,$4,$5,$6,$7,0)
		`, sale.ID, item.ProductID, item.ProductName, item.Qty, item.UnitPriceCents, item.LineTotalCents, item.UnitCostCents)
		if err != nil {
			return nil, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	return &sale, nil
}

func (s *Store) FindSaleByIdempotency(ctx context.Context, key string) (*domain.Sale, error) {
	return s.findSale(ctx, "idempotency_key", key)
}

func (s *Store) GetSaleByID(ctx context.Context, id string) (*domain.Sale, error) {
	return s.findSale(ctx, "id", id)
}

func (s *Store) findSale(ctx context.Context, column string, value string) (*domain.Sale, error) {
	var sale domain.Sale
	var paymentsJSON []byte
	var customerID, customerName, idemKey sql.NullString
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, customer_id, customer_name, cashier, payment_method, payments,
		       total_cents, discount_cents, final_cents, status, idempotency_key, created_at
		FROM sales
		WHERE %s = $1
	`, column), value).Scan(&sale.ID, &customerID, &customerName, &sale.Cashier, &sale.PaymentMethod,
		&paymentsJSON, &sale.TotalCents, &sale.DiscountCents, &sale.FinalCents, &sale.Status,
		&idemKey, &sale.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sale.CustomerID = customerID.String
	sale.CustomerName = customerName.String
	sale.IdempotencyKey = idemKey.String
	if len(paymentsJSON) > 0 {
		if err := json.Unmarshal(paymentsJSON, &sale.Payments); err != nil {
			return nil, err
		}
	}

	items, err := s.loadSaleItems(ctx, sale.ID)
	if err != nil {
		return nil, err
	}
	sale.Items = items
	return &sale, nil
}

func (s *Store) loadSaleItems(ctx context.Context, saleID string) ([]domain.SaleItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, product_name, qty, unit_price_cents, line_total_cents, unit_cost_cents, returned_qty
		FROM sale_items
		WHERE sale_id = $1
		ORDER BY product_name
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.SaleItem, 0, 8)
	for rows.Next() {
		var item domain.SaleItem
		if err := rows.Scan(&item.ProductID, &item.ProductName, &item.Qty, &item.UnitPriceCents, &item.LineTotalCents, &item.UnitCostCents, &item.ReturnedQty); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) ListSales(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, customer_id, customer_name, cashier, payment_method, payments,
		       total_cents, discount_cents, final_cents, status, idempotency_key, created_at
		FROM sales
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, limit)
	for rows.Next() {
		var sale domain.Sale
		var paymentsJSON []byte
		var customerID, customerName, idemKey sql.NullString
		if err := rows.Scan(&sale.ID, &customerID, &customerName, &sale.Cashier, &sale.PaymentMethod,
			&paymentsJSON, &sale.TotalCents, &sale.DiscountCents, &sale.FinalCents, &sale.Status,
			&idemKey, &sale.CreatedAt); err != nil {
			return nil, err
		}
		sale.CustomerID = customerID.String
		sale.CustomerName = customerName.String
		sale.IdempotencyKey = idemKey.String
		if len(paymentsJSON) > 0 {
			if err := json.Unmarshal(paymentsJSON, &sale.Payments); err != nil {
				return nil, err
			}
		}
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range sales {
		items, err := s.loadSaleItems(ctx, sales[i].ID)
		if err != nil {
			return nil, err
		}
		sales[i].Items = items
	}
	return sales, nil
}

func (s *Store) CreateHeldSale(ctx context.Context, held domain.HeldSale) (*domain.HeldSale, error) {
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

	itemsJSON, err := json.Marshal(held.Items)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO held_sales (id, items, discount_cents, customer_id, note, cashier, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, held.ID, itemsJSON, held.DiscountCents, nullIfEmpty(held.CustomerID), held.Note, held.Cashier, held.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &held, nil
}

func (s *Store) ListHeldSales(ctx context.Context, limit int) ([]domain.HeldSale, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, items, discount_cents, customer_id, note, cashier, created_at
		FROM held_sales
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	held := make([]domain.HeldSale, 0, limit)
	for rows.Next() {
		h, err := scanHeldSale(rows)
		if err != nil {
			return nil, err
		}
		held = append(held, h)
	}
	return held, rows.Err()
}

// PopHeldSale atomically claims a held sale: the row is locked, returned
// and deleted so two terminals cannot resume the same cart.
func (s *Store) PopHeldSale(ctx context.Context, holdID string) (*domain.HeldSale, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var h domain.HeldSale
	var itemsJSON []byte
	var customerID sql.NullString
	err = pgTx.QueryRowContext(ctx, `
		SELECT id, items, discount_cents, customer_id, note, cashier, created_at
		FROM held_sales
		WHERE id = $1
		FOR UPDATE
	`, holdID).Scan(&h.ID, &itemsJSON, &h.DiscountCents, &customerID, &h.Note, &h.Cashier, &h.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	h.CustomerID = customerID.String
	if err := json.Unmarshal(itemsJSON, &h.Items); err != nil {
		return nil, err
	}

	if _, err := pgTx.ExecContext(ctx, `DELETE FROM held_sales WHERE id = $1`, holdID); err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &h, nil
}

func (s *Store) DeleteHeldSale(ctx context.Context, holdID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM held_sales WHERE id = $1`, holdID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CreateReturn(ctx context.Context, ret domain.Return) (*domain.Return, error) {
	if ret.SaleID == "" || len(ret.Items) == 0 || strings.TrimSpace(ret.Reason) == "" {
		return nil, store.ErrInvalidTransaction
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var saleStatus, salePayment string
	var saleCustomerID sql.NullString
	err = pgTx.QueryRowContext(ctx, `
		SELECT status, payment_method, customer_id
		FROM sales
		WHERE id = $1
		FOR UPDATE
	`, ret.SaleID).Scan(&saleStatus, &salePayment, &saleCustomerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if saleStatus != domain.SaleStatusCompleted {
		return nil, fmt.Errorf("%w: sale %s is not completed", store.ErrInvalidTransaction, ret.SaleID)
	}

	itemRows, err := pgTx.QueryContext(ctx, `
		SELECT product_id, qty, returned_qty
		FROM sale_items
		WHERE sale_id = $1
		FOR UPDATE
	`, ret.SaleID)
	if err != nil {
		return nil, err
	}
	type saleLine struct {
		qty      int
		returned int
	}
	saleLines := make(map[string]saleLine, 8)
	for itemRows.Next() {
		var productID string
		var line saleLine
		if err := itemRows.Scan(&productID, &line.qty, &line.returned); err != nil {
			_ = itemRows.Close()
			return nil, err
		}
		saleLines[productID] = line
	}
	if err := itemRows.Err(); err != nil {
		_ = itemRows.Close()
		return nil, err
	}
	_ = itemRows.Close()

	now := time.Now().UTC()
	requested := make(map[string]int, len(ret.Items))
	for _, item := range ret.Items {
		if item.Qty < 1 {
			return nil, store.ErrInvalidTransaction
		}
		line, ok := saleLines[item.ProductID]
		if !ok {
			return nil, fmt.Errorf("%w: product %s not on sale %s", store.ErrInvalidTransaction, item.ProductID, ret.SaleID)
		}
		requested[item.ProductID] += item.Qty
		if line.returned+requested[item.ProductID] > line.qty {
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

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO returns (id, sale_id, customer_id, customer_name, cashier, reason, refund_method, refund_cents, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, ret.ID, ret.SaleID, nullIfEmpty(ret.CustomerID), nullIfEmpty(ret.CustomerName), ret.Cashier,
		ret.Reason, ret.RefundMethod, ret.RefundCents, ret.CreatedAt)
	if err != nil {
		return nil, err
	}

	for _, item := range ret.Items {
		_, err = pgTx.ExecContext(ctx, `
			INSERT INTO return_items (return_id, product_id, product_name, qty, unit_price_cents, refund_cents, disposition, cost_basis_cents, value_lost_cents)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, ret.ID, item.ProductID, item.ProductName, item.Qty, item.UnitPriceCents, item.RefundCents,
			item.Disposition, item.CostBasisCents, item.ValueLostCents)
		if err != nil {
			return nil, err
		}

		_, err = pgTx.ExecContext(ctx, `
			UPDATE sale_items
			SET returned_qty = returned_qty + $1
			WHERE sale_id = $2 AND product_id = $3
		`, item.Qty, ret.SaleID, item.ProductID)
		if err != nil {
			return nil, err
		}

		if item.Disposition != domain.DispositionRestocked {
			continue
		}

		// Restock into the soonest-expiring still-valid batch; if none
		// exists, open a synthetic batch so the stock stays traceable.
		var batchID string
		err = pgTx.QueryRowContext(ctx, `
			SELECT id
			FROM batches
			WHERE product_id = $1 AND expiry_date > $2
			ORDER BY expiry_date ASC, received_at ASC
			LIMIT 1
			FOR UPDATE
		`, item.ProductID, now).Scan(&batchID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = pgTx.ExecContext(ctx, `
				INSERT INTO batches (id, product_id, batch_number, qty, cost_cents, expiry_date, source_type, source_id, received_at)
				VALUES ($1,$2,$3,$4,$5,$6,'return',$7,$8)
			`, xid.New("batch"), item.ProductID, fmt.Sprintf("RET-%d", now.Unix()), item.Qty,
				item.CostBasisCents, now.AddDate(1, 0, 0), ret.ID, now)
			if err != nil {
				return nil, err
			}
		case err != nil:
			return nil, err
		default:
			_, err = pgTx.ExecContext(ctx, `
				UPDATE batches SET qty = qty + $1 WHERE id = $2
			`, item.Qty, batchID)
			if err != nil {
				return nil, err
			}
		}
	}

	// Credit sales reduce the customer's debt by the refund, floored at
	// zero, regardless of how the refund is paid out.
	if salePayment == domain.PaymentCredit && saleCustomerID.Valid {
		_, err = pgTx.ExecContext(ctx, `
			UPDATE customers
			SET debt_cents = GREATEST(0, debt_cents - $1)
			WHERE id = $2
		`, ret.RefundCents, saleCustomerID.String)
		if err != nil {
			return nil, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	return &ret, nil
}

func (s *Store) ListReturns(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.Return, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sale_id, customer_id, customer_name, cashier, reason, refund_method, refund_cents, created_at
		FROM returns
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	returns := make([]domain.Return, 0, limit)
	for rows.Next() {
		var ret domain.Return
		var customerID, customerName sql.NullString
		if err := rows.Scan(&ret.ID, &ret.SaleID, &customerID, &customerName, &ret.Cashier,
			&ret.Reason, &ret.RefundMethod, &ret.RefundCents, &ret.CreatedAt); err != nil {
			return nil, err
		}
		ret.CustomerID = customerID.String
		ret.CustomerName = customerName.String
		returns = append(returns, ret)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range returns {
		itemRows, err := s.db.QueryContext(ctx, `
			SELECT product_id, product_name, qty, unit_price_cents, refund_cents, disposition, cost_basis_cents, value_lost_cents
			FROM return_items
			WHERE return_id = $1
		`, returns[i].ID)
		if err != nil {
			return nil, err
		}
		for itemRows.Next() {
			var item domain.ReturnedItem
			if err := itemRows.Scan(&item.ProductID, &item.ProductName, &item.Qty, &item.UnitPriceCents,
				&item.RefundCents, &item.Disposition, &item.CostBasisCents, &item.ValueLostCents); err != nil {
				_ = itemRows.Close()
				return nil, err
			}
			returns[i].Items = append(returns[i].Items, item)
		}
		if err := itemRows.Err(); err != nil {
			_ = itemRows.Close()
			return nil, err
		}
		_ = itemRows.Close()
	}
	return returns, nil
}

func (s *Store) CreateExpense(ctx context.Context, expense domain.Expense) (*domain.Expense, error) {
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO expenses (id, description, category, amount_cents, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, expense.ID, expense.Description, expense.Category, expense.AmountCents, expense.Status, expense.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &expense, nil
}

func (s *Store) ListExpenses(ctx context.Context, status string, limit int) ([]domain.Expense, error) {
	if limit < 1 {
		limit = 100
	}
	query := `
		SELECT id, description, category, amount_cents, status, created_at
		FROM expenses
	`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	expenses := make([]domain.Expense, 0, limit)
	for rows.Next() {
		var e domain.Expense
		if err := rows.Scan(&e.ID, &e.Description, &e.Category, &e.AmountCents, &e.Status, &e.CreatedAt); err != nil {
			return nil, err
		}
		expenses = append(expenses, e)
	}
	return expenses, rows.Err()
}

func (s *Store) UpdateExpenseStatus(ctx context.Context, expenseID string, status string) (*domain.Expense, error) {
	switch status {
	case domain.ExpenseStatusPaid, domain.ExpenseStatusPending:
	default:
		return nil, store.ErrInvalidTransaction
	}

	var e domain.Expense
	err := s.db.QueryRowContext(ctx, `
		UPDATE expenses
		SET status = $2
		WHERE id = $1
		RETURNING id, description, category, amount_cents, status, created_at
	`, expenseID, status).Scan(&e.ID, &e.Description, &e.Category, &e.AmountCents, &e.Status, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) GetDailyReport(ctx context.Context, from time.Time, to time.Time) (domain.DailyReport, error) {
	report := domain.DailyReport{
		Date:             from.Format("2006-01-02"),
		PaymentBreakdown: make(map[string]int64),
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(total_cents), 0), COALESCE(SUM(discount_cents), 0), COALESCE(SUM(final_cents), 0)
		FROM sales
		WHERE status = $1 AND created_at >= $2 AND created_at < $3
	`, domain.SaleStatusCompleted, from, to).Scan(&report.SalesCount, &report.GrossCents, &report.DiscountCents, &report.NetCents)
	if err != nil {
		return report, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(si.qty * si.unit_cost_cents), 0)
		FROM sale_items si
		JOIN sales s ON s.id = si.sale_id
		WHERE s.status = $1 AND s.created_at >= $2 AND s.created_at < $3
	`, domain.SaleStatusCompleted, from, to).Scan(&report.CostOfGoodsCents)
	if err != nil {
		return report, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT payment_method, COALESCE(SUM(final_cents), 0)
		FROM sales
		WHERE status = $1 AND created_at >= $2 AND created_at < $3
		GROUP BY payment_method
	`, domain.SaleStatusCompleted, from, to)
	if err != nil {
		return report, err
	}
	for rows.Next() {
		var method string
		var amount int64
		if err := rows.Scan(&method, &amount); err != nil {
			_ = rows.Close()
			return report, err
		}
		report.PaymentBreakdown[method] = amount
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return report, err
	}
	_ = rows.Close()

	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(r.refund_cents), 0),
		       COALESCE((SELECT SUM(ri.value_lost_cents) FROM return_items ri JOIN returns r2 ON r2.id = ri.return_id WHERE r2.created_at >= $1 AND r2.created_at < $2), 0)
		FROM returns r
		WHERE r.created_at >= $1 AND r.created_at < $2
	`, from, to).Scan(&report.RefundCents, &report.ValueLostCents)
	if err != nil {
		return report, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_cents) FILTER (WHERE created_at >= $1 AND created_at < $2), 0),
		       COALESCE(SUM(amount_cents) FILTER (WHERE status = $3), 0)
		FROM expenses
	`, from, to, domain.ExpenseStatusPending).Scan(&report.ExpenseCents, &report.PayablesCents)
	if err != nil {
		return report, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(debt_cents), 0) FROM customers
	`).Scan(&report.ReceivablesCents)
	if err != nil {
		return report, err
	}

	return report, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, entry.ID, entry.Actor, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor, action, entity_type, entity_id, COALESCE(detail, ''), created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.Actor, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" {
		return store.ErrInvalidTransaction
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if isUniqueViolation(err) {
		return store.ErrInvalidTransaction
	}
	return err
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var u domain.UserAccount
		if err := rows.Scan(&u.Username, &u.Password, &u.Role, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users SET password = $2 WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func scanHeldSale(rows *sql.Rows) (domain.HeldSale, error) {
	var h domain.HeldSale
	var itemsJSON []byte
	var customerID sql.NullString
	if err := rows.Scan(&h.ID, &itemsJSON, &h.DiscountCents, &customerID, &h.Note, &h.Cashier, &h.CreatedAt); err != nil {
		return h, err
	}
	h.CustomerID = customerID.String
	if err := json.Unmarshal(itemsJSON, &h.Items); err != nil {
		return h, err
	}
	return h, nil
}

func uniqueProductIDs(items []domain.SaleItem) []string {
	seen := make(map[string]struct{}, len(items))
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if item.ProductID == "" {
			continue
		}
		if _, ok := seen[item.ProductID]; ok {
			continue
		}
		seen[item.ProductID] = struct{}{}
		ids = append(ids, item.ProductID)
	}
	return ids
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
