package directory

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"loyaltyhub/audit"
	"loyaltyhub/ledger"
	"loyaltyhub/registry"
	"loyaltyhub/storage"
)

var (
	ErrUserExists        = errors.New("directory: user already registered")
	ErrUserNotFound      = errors.New("directory: user not found")
	ErrUnauthorized      = errors.New("directory: invalid credentials")
	ErrAlreadySubscribed = errors.New("directory: subscription already exists")
	ErrNotSubscribed     = errors.New("directory: user is not subscribed to business")
	ErrProductNotFound   = errors.New("directory: product not found")
	ErrInsufficientFunds = errors.New("directory: insufficient balance")
	ErrInvalidInput      = errors.New("directory: invalid input")
	// ErrPointsIssueFailed marks a purchase whose off-chain side completed
	// but whose loyalty-point issuance did not.
	ErrPointsIssueFailed = errors.New("directory: purchase completed but points issuance failed")
	ErrAuditWriteFailed  = errors.New("directory: operation completed but audit write failed")
)

const (
	userPrefix         = "user/"
	subscriptionPrefix = "subscription/"
	productPrefix      = "product/"

	// Dummy fiat balances are tracked in cents.
	fiatDecimals = 2
)

// UserRecord is a customer account with an off-chain dummy balance used by
// the non-chain purchase flow.
type UserRecord struct {
	ID             string    `json:"id"`
	CredentialHash string    `json:"credentialHash"`
	Wallet         string    `json:"wallet"`
	BalanceCents   int64     `json:"balanceCents"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Balance renders the dummy balance as a decimal string.
func (u UserRecord) Balance() string {
	return centsToDecimal(u.BalanceCents)
}

// SubscriptionRecord links a user to a business with the wallet that collects
// that business's points. Unique per (user, business) pair.
type SubscriptionRecord struct {
	UserID     string    `json:"userId"`
	BusinessID string    `json:"businessId"`
	Wallet     string    `json:"wallet"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ProductRecord is one catalog item; Yield is the loyalty-point amount a
// purchase awards.
type ProductRecord struct {
	BusinessID string    `json:"businessId"`
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	PriceCents int64     `json:"priceCents"`
	Yield      string    `json:"yield"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Price renders the price as a decimal string.
func (p ProductRecord) Price() string {
	return centsToDecimal(p.PriceCents)
}

// BusinessSource is the registry surface the directory consults before
// creating subscriptions and catalog entries.
type BusinessSource interface {
	Get(businessID string) (registry.BusinessRecord, error)
}

// PointsIssuer awards loyalty points after a purchase. Implemented by the
// ledger coordinator.
type PointsIssuer interface {
	Issue(ctx context.Context, businessID, recipient, amount, requester string) (audit.TransactionRecord, error)
}

// AuditLog appends purchase and subscribe events to the transaction trail.
type AuditLog interface {
	Record(ctx context.Context, entry audit.TransactionRecord) (audit.TransactionRecord, error)
}

// Directory owns user records, subscriptions, and the product catalog.
type Directory struct {
	store      storage.Store
	businesses BusinessSource
	points     PointsIssuer
	audit      AuditLog
	logger     *slog.Logger
	nowFn      func() time.Time
}

func New(store storage.Store, businesses BusinessSource, points PointsIssuer, auditLog AuditLog, logger *slog.Logger) *Directory {
	if store == nil || businesses == nil || points == nil || auditLog == nil {
		panic("directory dependencies required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		store:      store,
		businesses: businesses,
		points:     points,
		audit:      auditLog,
		logger:     logger,
		nowFn:      time.Now,
	}
}

// RegisterUser reserves the identity atomically, as business registration does.
func (d *Directory) RegisterUser(id, credential, wallet string) (UserRecord, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return UserRecord{}, fmt.Errorf("%w: identity required", ErrInvalidInput)
	}
	if strings.TrimSpace(credential) == "" {
		return UserRecord{}, fmt.Errorf("%w: credential required", ErrInvalidInput)
	}
	addr, err := ledger.ParseAddress(wallet)
	if err != nil {
		return UserRecord{}, err
	}
	record := UserRecord{
		ID:             id,
		CredentialHash: registry.HashCredential(credential),
		Wallet:         addr.Hex(),
		CreatedAt:      d.nowFn().UTC(),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return UserRecord{}, err
	}
	if err := d.store.CompareAndSwap(userPrefix+id, nil, payload); err != nil {
		if errors.Is(err, storage.ErrCASConflict) {
			return UserRecord{}, fmt.Errorf("%w: %s", ErrUserExists, id)
		}
		return UserRecord{}, err
	}
	return record, nil
}

// Authenticate verifies the user credential.
func (d *Directory) Authenticate(id, credential string) (UserRecord, error) {
	record, err := d.GetUser(id)
	if err != nil {
		return UserRecord{}, err
	}
	if record.CredentialHash == "" ||
		subtle.ConstantTimeCompare([]byte(record.CredentialHash), []byte(registry.HashCredential(credential))) != 1 {
		return UserRecord{}, fmt.Errorf("%w: %s", ErrUnauthorized, id)
	}
	return record, nil
}

// GetUser loads a user record.
func (d *Directory) GetUser(id string) (UserRecord, error) {
	payload, ok, err := d.store.Get(userPrefix + id)
	if err != nil {
		return UserRecord{}, err
	}
	if !ok {
		return UserRecord{}, fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}
	var record UserRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return UserRecord{}, fmt.Errorf("directory: decode user %s: %w", id, err)
	}
	return record, nil
}

// TopUp credits the dummy balance.
func (d *Directory) TopUp(id, amount string) (UserRecord, error) {
	cents, err := decimalToCents(amount)
	if err != nil {
		return UserRecord{}, err
	}
	return d.adjustBalance(id, cents)
}

// Subscribe creates the unique (user, business) subscription. Duplicate
// attempts are rejected, never overwritten.
func (d *Directory) Subscribe(ctx context.Context, userID, businessID, wallet string) (SubscriptionRecord, error) {
	user, err := d.GetUser(userID)
	if err != nil {
		return SubscriptionRecord{}, err
	}
	if _, err := d.businesses.Get(businessID); err != nil {
		return SubscriptionRecord{}, err
	}
	boundWallet := strings.TrimSpace(wallet)
	if boundWallet == "" {
		boundWallet = user.Wallet
	}
	addr, err := ledger.ParseAddress(boundWallet)
	if err != nil {
		return SubscriptionRecord{}, err
	}
	record := SubscriptionRecord{
		UserID:     userID,
		BusinessID: businessID,
		Wallet:     addr.Hex(),
		CreatedAt:  d.nowFn().UTC(),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return SubscriptionRecord{}, err
	}
	key := subscriptionPrefix + userID + "/" + businessID
	if err := d.store.CompareAndSwap(key, nil, payload); err != nil {
		if errors.Is(err, storage.ErrCASConflict) {
			return SubscriptionRecord{}, fmt.Errorf("%w: %s -> %s", ErrAlreadySubscribed, userID, businessID)
		}
		return SubscriptionRecord{}, err
	}
	if _, err := d.audit.Record(ctx, audit.TransactionRecord{
		Kind:         audit.KindSubscribe,
		BusinessID:   businessID,
		UserID:       userID,
		Counterparty: record.Wallet,
		Amount:       "0",
	}); err != nil {
		return record, fmt.Errorf("%w: %v", ErrAuditWriteFailed, err)
	}
	return record, nil
}

// Subscriptions returns the user's subscriptions ordered by business.
func (d *Directory) Subscriptions(userID string) ([]SubscriptionRecord, error) {
	entries, err := d.store.Scan(subscriptionPrefix + userID + "/")
	if err != nil {
		return nil, err
	}
	out := make([]SubscriptionRecord, 0, len(entries))
	for _, entry := range entries {
		var record SubscriptionRecord
		if err := json.Unmarshal(entry.Value, &record); err != nil {
			return nil, fmt.Errorf("directory: decode %s: %w", entry.Key, err)
		}
		out = append(out, record)
	}
	return out, nil
}

// AddProduct appends a catalog entry for the business.
func (d *Directory) AddProduct(businessID, name, price, yield string) (ProductRecord, error) {
	business, err := d.businesses.Get(businessID)
	if err != nil {
		return ProductRecord{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return ProductRecord{}, fmt.Errorf("%w: product name required", ErrInvalidInput)
	}
	priceCents, err := decimalToCents(price)
	if err != nil {
		return ProductRecord{}, err
	}
	if yield != "" {
		// A yield the business's token cannot represent must never enter the
		// catalog; it would only surface at purchase time, after the
		// customer's balance was already deducted.
		if _, err := ledger.ToBase(yield, business.Decimals); err != nil {
			return ProductRecord{}, fmt.Errorf("%w: yield: %v", ErrInvalidInput, err)
		}
	}
	record := ProductRecord{
		BusinessID: businessID,
		ID:         uuid.NewString(),
		Name:       name,
		PriceCents: priceCents,
		Yield:      yield,
		CreatedAt:  d.nowFn().UTC(),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return ProductRecord{}, err
	}
	if err := d.store.Put(productPrefix+businessID+"/"+record.ID, payload); err != nil {
		return ProductRecord{}, err
	}
	return record, nil
}

// Products lists the business's catalog.
func (d *Directory) Products(businessID string) ([]ProductRecord, error) {
	entries, err := d.store.Scan(productPrefix + businessID + "/")
	if err != nil {
		return nil, err
	}
	out := make([]ProductRecord, 0, len(entries))
	for _, entry := range entries {
		var record ProductRecord
		if err := json.Unmarshal(entry.Value, &record); err != nil {
			return nil, fmt.Errorf("directory: decode %s: %w", entry.Key, err)
		}
		out = append(out, record)
	}
	return out, nil
}

// Purchase deducts the product price from the user's dummy balance, records
// the purchase, and awards the product's loyalty yield to the subscription's
// wallet. The user must hold a subscription to the business.
func (d *Directory) Purchase(ctx context.Context, userID, businessID, productID string) (ProductRecord, error) {
	product, err := d.getProduct(businessID, productID)
	if err != nil {
		return ProductRecord{}, err
	}
	subscription, err := d.getSubscription(userID, businessID)
	if err != nil {
		return ProductRecord{}, err
	}
	if _, err := d.adjustBalance(userID, -product.PriceCents); err != nil {
		return ProductRecord{}, err
	}
	if _, err := d.audit.Record(ctx, audit.TransactionRecord{
		Kind:       audit.KindPurchase,
		BusinessID: businessID,
		UserID:     userID,
		Amount:     product.Price(),
		ProductRef: product.ID,
	}); err != nil {
		return product, fmt.Errorf("%w: %v", ErrAuditWriteFailed, err)
	}
	if product.Yield != "" {
		if _, err := d.points.Issue(ctx, businessID, subscription.Wallet, product.Yield, businessID); err != nil {
			return product, fmt.Errorf("%w: %v", ErrPointsIssueFailed, err)
		}
		d.logger.Info("purchase awarded points",
			"user", userID, "business", businessID, "product", product.ID, "yield", product.Yield)
	}
	return product, nil
}

func (d *Directory) getProduct(businessID, productID string) (ProductRecord, error) {
	payload, ok, err := d.store.Get(productPrefix + businessID + "/" + productID)
	if err != nil {
		return ProductRecord{}, err
	}
	if !ok {
		return ProductRecord{}, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
	}
	var record ProductRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return ProductRecord{}, fmt.Errorf("directory: decode product %s: %w", productID, err)
	}
	return record, nil
}

func (d *Directory) getSubscription(userID, businessID string) (SubscriptionRecord, error) {
	payload, ok, err := d.store.Get(subscriptionPrefix + userID + "/" + businessID)
	if err != nil {
		return SubscriptionRecord{}, err
	}
	if !ok {
		return SubscriptionRecord{}, fmt.Errorf("%w: %s -> %s", ErrNotSubscribed, userID, businessID)
	}
	var record SubscriptionRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return SubscriptionRecord{}, fmt.Errorf("directory: decode subscription: %w", err)
	}
	return record, nil
}

// adjustBalance applies a signed delta with a compare-and-swap loop so
// concurrent mutations never lose an update.
func (d *Directory) adjustBalance(id string, deltaCents int64) (UserRecord, error) {
	for {
		current, ok, err := d.store.Get(userPrefix + id)
		if err != nil {
			return UserRecord{}, err
		}
		if !ok {
			return UserRecord{}, fmt.Errorf("%w: %s", ErrUserNotFound, id)
		}
		var record UserRecord
		if err := json.Unmarshal(current, &record); err != nil {
			return UserRecord{}, fmt.Errorf("directory: decode user %s: %w", id, err)
		}
		next := record.BalanceCents + deltaCents
		if next < 0 {
			return UserRecord{}, fmt.Errorf("%w: balance %s, need %s",
				ErrInsufficientFunds, centsToDecimal(record.BalanceCents), centsToDecimal(-deltaCents))
		}
		record.BalanceCents = next
		payload, err := json.Marshal(record)
		if err != nil {
			return UserRecord{}, err
		}
		if err := d.store.CompareAndSwap(userPrefix+id, current, payload); err != nil {
			if errors.Is(err, storage.ErrCASConflict) {
				continue
			}
			return UserRecord{}, err
		}
		return record, nil
	}
}

func decimalToCents(amount string) (int64, error) {
	raw, err := ledger.ToBase(amount, fiatDecimals)
	if err != nil {
		return 0, err
	}
	if !raw.IsInt64() {
		return 0, fmt.Errorf("%w: amount out of range", ErrInvalidInput)
	}
	return raw.Int64(), nil
}

func centsToDecimal(cents int64) string {
	return ledger.FromBase(big.NewInt(cents), fiatDecimals)
}
