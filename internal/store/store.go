package store

import (
	"context"
	"errors"
	"time"

	"pharmapos/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrCustomerRequired   = errors.New("customer required")
)

type Repository interface {
	ListProducts(ctx context.Context, search string) ([]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProductByID(ctx context.Context, id string) (*domain.Product, error)
	GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	CreatePriceChange(ctx context.Context, entry domain.PriceChange) error
	ListPriceChanges(ctx context.Context, productID string, limit int) ([]domain.PriceChange, error)

	CreateBatch(ctx context.Context, batch domain.Batch) (*domain.Batch, error)
	ListBatches(ctx context.Context, productID string, includeExpired bool, limit int) ([]domain.Batch, error)
	GetValidStock(ctx context.Context, productIDs []string, at time.Time) (map[string]int, error)
	ListLowStock(ctx context.Context, at time.Time) ([]domain.LowStockEntry, error)

	CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
	ListCustomers(ctx context.Context, search string) ([]domain.Customer, error)
	GetCustomerByID(ctx context.Context, id string) (*domain.Customer, error)

	CreateCheckout(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	FindSaleByIdempotency(ctx context.Context, key string) (*domain.Sale, error)
	GetSaleByID(ctx context.Context, id string) (*domain.Sale, error)
	ListSales(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.Sale, error)

	CreateHeldSale(ctx context.Context, held domain.HeldSale) (*domain.HeldSale, error)
	ListHeldSales(ctx context.Context, limit int) ([]domain.HeldSale, error)
	PopHeldSale(ctx context.Context, holdID string) (*domain.HeldSale, error)
	DeleteHeldSale(ctx context.Context, holdID string) error

	CreateReturn(ctx context.Context, ret domain.Return) (*domain.Return, error)
	ListReturns(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.Return, error)

	CreateExpense(ctx context.Context, expense domain.Expense) (*domain.Expense, error)
	ListExpenses(ctx context.Context, status string, limit int) ([]domain.Expense, error)
	UpdateExpenseStatus(ctx context.Context, expenseID string, status string) (*domain.Expense, error)

	GetDailyReport(ctx context.Context, from time.Time, to time.Time) (domain.DailyReport, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
