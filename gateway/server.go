package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"loyaltyhub/audit"
	"loyaltyhub/coordinator"
	"loyaltyhub/crypto"
	"loyaltyhub/directory"
	"loyaltyhub/ledger"
	"loyaltyhub/registry"
)

// BusinessRegistry is the registry surface the gateway exposes.
type BusinessRegistry interface {
	Register(ctx context.Context, id, name, symbol string, decimals uint8, owner common.Address, credential string) (registry.BusinessRecord, error)
	Authenticate(businessID, credential string) (registry.BusinessRecord, error)
	List() ([]registry.PublicBusiness, error)
}

// PointsCoordinator mediates the on-chain points operations.
type PointsCoordinator interface {
	Issue(ctx context.Context, businessID, recipient, amount, requester string) (audit.TransactionRecord, error)
	Redeem(ctx context.Context, businessID, holderID string, holderKey *crypto.PrivateKey, amount string) (audit.TransactionRecord, error)
	BalanceOf(ctx context.Context, businessID, holder string) (string, error)
}

// UserDirectory is the customer-facing directory surface.
type UserDirectory interface {
	RegisterUser(id, credential, wallet string) (directory.UserRecord, error)
	Authenticate(id, credential string) (directory.UserRecord, error)
	TopUp(id, amount string) (directory.UserRecord, error)
	Subscribe(ctx context.Context, userID, businessID, wallet string) (directory.SubscriptionRecord, error)
	Subscriptions(userID string) ([]directory.SubscriptionRecord, error)
	Purchase(ctx context.Context, userID, businessID, productID string) (directory.ProductRecord, error)
	AddProduct(businessID, name, price, yield string) (directory.ProductRecord, error)
	Products(businessID string) ([]directory.ProductRecord, error)
}

// AuditTrail reads the recorded transaction history.
type AuditTrail interface {
	ByUser(ctx context.Context, userID string) ([]audit.TransactionRecord, error)
	ByBusiness(ctx context.Context, businessID string) ([]audit.TransactionRecord, error)
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Registry    BusinessRegistry
	Coordinator PointsCoordinator
	Directory   UserDirectory
	Audit       AuditTrail
	Tokens      *TokenManager
	// IssuerAddress is the platform signing identity registered as owner of
	// every deployed token contract.
	IssuerAddress     common.Address
	Logger            *slog.Logger
	RequestsPerSecond float64
	RequestBurst      int
}

// Server is the HTTP API for business and user operations.
type Server struct {
	registry    BusinessRegistry
	coordinator PointsCoordinator
	directory   UserDirectory
	audit       AuditTrail
	tokens      *TokenManager
	issuer      common.Address
	logger      *slog.Logger
	limiter     *clientLimiter

	router http.Handler
}

func New(cfg Config) *Server {
	if cfg.Registry == nil || cfg.Coordinator == nil || cfg.Directory == nil || cfg.Audit == nil || cfg.Tokens == nil {
		panic("gateway dependencies required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 50
	}
	if cfg.RequestBurst <= 0 {
		cfg.RequestBurst = 100
	}
	srv := &Server{
		registry:    cfg.Registry,
		coordinator: cfg.Coordinator,
		directory:   cfg.Directory,
		audit:       cfg.Audit,
		tokens:      cfg.Tokens,
		issuer:      cfg.IssuerAddress,
		logger:      cfg.Logger,
		limiter:     newClientLimiter(cfg.RequestsPerSecond, cfg.RequestBurst),
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.limiter.middleware)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Post("/business/register", s.handleBusinessRegister)
	r.Post("/business/login", s.handleBusinessLogin)
	r.Get("/businesses", s.handleBusinessList)

	r.Route("/business/{id}", func(biz chi.Router) {
		biz.Get("/balance/{address}", s.handleBalance)
		biz.Get("/products", s.handleProductList)

		biz.With(s.tokens.requireRole(RoleBusiness, RoleUser)).
			Post("/redeem-points", s.handleRedeemPoints)

		biz.Group(func(owner chi.Router) {
			owner.Use(s.tokens.requireRole(RoleBusiness))
			owner.Use(s.requireSubjectMatch)
			owner.Post("/issue-points", s.handleIssuePoints)
			owner.Get("/transactions", s.handleBusinessTransactions)
			owner.Post("/products", s.handleProductAdd)
		})
	})

	r.Post("/users/register", s.handleUserRegister)
	r.Post("/users/login", s.handleUserLogin)
	r.Route("/users/{id}", func(user chi.Router) {
		user.Use(s.tokens.requireRole(RoleUser))
		user.Use(s.requireSubjectMatch)
		user.Post("/topup", s.handleTopUp)
		user.Post("/subscribe", s.handleSubscribe)
		user.Get("/subscriptions", s.handleSubscriptions)
		user.Post("/purchase", s.handlePurchase)
		user.Get("/transactions", s.handleUserTransactions)
	})

	return r
}

// requireSubjectMatch binds {id} routes to the authenticated principal.
func (s *Server) requireSubjectMatch(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := identityFrom(r.Context())
		if !ok || identity.Subject != chi.URLParam(r, "id") {
			writeError(w, http.StatusForbidden, errors.New("token subject does not match resource"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type businessRegisterRequest struct {
	ID               string `json:"id"`
	BusinessIdentity string `json:"businessIdentity,omitempty"`
	Name             string `json:"name"`
	Symbol           string `json:"symbol"`
	Decimals         uint8  `json:"decimals"`
	Credential       string `json:"credential"`
	// OwnerAddress is optional; when supplied it must name the platform
	// issuance identity, which owns every deployed contract.
	OwnerAddress string `json:"ownerAddress,omitempty"`
}

func (r businessRegisterRequest) identity() string {
	if r.ID != "" {
		return r.ID
	}
	return r.BusinessIdentity
}

type businessView struct {
	ID       string                  `json:"id"`
	Name     string                  `json:"name"`
	Symbol   string                  `json:"symbol"`
	Decimals uint8                   `json:"decimals"`
	State    string                  `json:"state"`
	Binding  *ledger.ContractBinding `json:"binding,omitempty"`
}

func (s *Server) handleBusinessRegister(w http.ResponseWriter, r *http.Request) {
	var req businessRegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.OwnerAddress != "" {
		owner, err := ledger.ParseAddress(req.OwnerAddress)
		if err != nil {
			s.writeMapped(w, r, err)
			return
		}
		if owner != s.issuer {
			writeError(w, http.StatusBadRequest, errors.New("ownerAddress must be the platform issuance identity"))
			return
		}
	}
	record, err := s.registry.Register(r.Context(), req.identity(), req.Name, req.Symbol, req.Decimals, s.issuer, req.Credential)
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, businessView{
		ID:       record.ID,
		Name:     record.Name,
		Symbol:   record.Symbol,
		Decimals: record.Decimals,
		State:    record.State,
		Binding:  record.Binding,
	})
}

type loginRequest struct {
	ID         string `json:"id"`
	Credential string `json:"credential"`
}

func (s *Server) handleBusinessLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, err := s.registry.Authenticate(req.ID, req.Credential); err != nil {
		s.writeMapped(w, r, err)
		return
	}
	token, err := s.tokens.Mint(req.ID, RoleBusiness)
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleBusinessList(w http.ResponseWriter, r *http.Request) {
	businesses, err := s.registry.List()
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"businesses": businesses})
}

type issueRequest struct {
	Recipient        string `json:"recipient"`
	RecipientAddress string `json:"recipientAddress,omitempty"`
	Amount           string `json:"amount"`
}

func (r issueRequest) recipient() string {
	if r.Recipient != "" {
		return r.Recipient
	}
	return r.RecipientAddress
}

func (s *Server) handleIssuePoints(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	identity, _ := identityFrom(r.Context())
	entry, err := s.coordinator.Issue(r.Context(), chi.URLParam(r, "id"), req.recipient(), req.Amount, identity.Subject)
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type redeemRequest struct {
	HolderKey             string `json:"holderKey"`
	HolderSigningMaterial string `json:"holderSigningMaterial,omitempty"`
	HolderAddress         string `json:"holderAddress,omitempty"`
	Amount                string `json:"amount"`
}

func (r redeemRequest) signingMaterial() string {
	if r.HolderKey != "" {
		return r.HolderKey
	}
	return r.HolderSigningMaterial
}

func (s *Server) handleRedeemPoints(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	key, err := crypto.PrivateKeyFromHex(req.signingMaterial())
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid holder key"))
		return
	}
	if req.HolderAddress != "" {
		holder, err := ledger.ParseAddress(req.HolderAddress)
		if err != nil {
			s.writeMapped(w, r, err)
			return
		}
		if holder != key.Address() {
			writeError(w, http.StatusBadRequest, errors.New("holderAddress does not match signing material"))
			return
		}
	}
	identity, _ := identityFrom(r.Context())
	entry, err := s.coordinator.Redeem(r.Context(), chi.URLParam(r, "id"), identity.Subject, key, req.Amount)
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := s.coordinator.BalanceOf(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "address"))
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"balance": balance})
}

func (s *Server) handleBusinessTransactions(w http.ResponseWriter, r *http.Request) {
	entries, err := s.audit.ByBusiness(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": entries})
}

type productRequest struct {
	Name  string `json:"name"`
	Price string `json:"price"`
	Yield string `json:"yield"`
}

func (s *Server) handleProductAdd(w http.ResponseWriter, r *http.Request) {
	var req productRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	product, err := s.directory.AddProduct(chi.URLParam(r, "id"), req.Name, req.Price, req.Yield)
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, product)
}

func (s *Server) handleProductList(w http.ResponseWriter, r *http.Request) {
	products, err := s.directory.Products(chi.URLParam(r, "id"))
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

type userRegisterRequest struct {
	ID         string `json:"id"`
	Credential string `json:"credential"`
	Wallet     string `json:"wallet"`
}

func (s *Server) handleUserRegister(w http.ResponseWriter, r *http.Request) {
	var req userRegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	user, err := s.directory.RegisterUser(req.ID, req.Credential, req.Wallet)
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"id":     user.ID,
		"wallet": user.Wallet,
	})
}

func (s *Server) handleUserLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, err := s.directory.Authenticate(req.ID, req.Credential); err != nil {
		s.writeMapped(w, r, err)
		return
	}
	token, err := s.tokens.Mint(req.ID, RoleUser)
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

type topUpRequest struct {
	Amount string `json:"amount"`
}

func (s *Server) handleTopUp(w http.ResponseWriter, r *http.Request) {
	var req topUpRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	user, err := s.directory.TopUp(chi.URLParam(r, "id"), req.Amount)
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"id":      user.ID,
		"balance": user.Balance(),
	})
}

type subscribeRequest struct {
	BusinessID string `json:"businessId"`
	Wallet     string `json:"wallet"`
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sub, err := s.directory.Subscribe(r.Context(), chi.URLParam(r, "id"), req.BusinessID, req.Wallet)
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.directory.Subscriptions(chi.URLParam(r, "id"))
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": subs})
}

type purchaseRequest struct {
	BusinessID string `json:"businessId"`
	ProductID  string `json:"productId"`
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	product, err := s.directory.Purchase(r.Context(), chi.URLParam(r, "id"), req.BusinessID, req.ProductID)
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (s *Server) handleUserTransactions(w http.ResponseWriter, r *http.Request) {
	entries, err := s.audit.ByUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": entries})
}

// writeMapped translates domain errors to HTTP statuses. Partial successes
// (confirmed on chain, local write failed) carry the confirmation hash so the
// caller can reconcile.
func (s *Server) writeMapped(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if isPartial(err) {
		s.logger.Error("partial success", "path", r.URL.Path, "err", err)
		payload := map[string]any{"error": err.Error(), "partial": true}
		if hash := extractTxHash(err.Error()); hash != "" {
			payload["confirmation"] = hash
		}
		writeJSON(w, status, payload)
		return
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "status", status, "err", err)
	}
	writeError(w, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrInvalidInput),
		errors.Is(err, directory.ErrInvalidInput),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidAddress),
		errors.Is(err, ledger.ErrHolderIsIssuer),
		errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, directory.ErrInsufficientFunds):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrUnauthorized),
		errors.Is(err, directory.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, coordinator.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, registry.ErrNotFound),
		errors.Is(err, directory.ErrUserNotFound),
		errors.Is(err, directory.ErrProductNotFound),
		errors.Is(err, coordinator.ErrUnknownBusiness),
		errors.Is(err, ledger.ErrBindingNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrIdentityExists),
		errors.Is(err, registry.ErrAlreadyBound),
		errors.Is(err, directory.ErrUserExists),
		errors.Is(err, directory.ErrAlreadySubscribed),
		errors.Is(err, directory.ErrNotSubscribed):
		return http.StatusConflict
	case ledger.IsRetryable(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func isPartial(err error) bool {
	return errors.Is(err, coordinator.ErrAuditWriteFailed) ||
		errors.Is(err, directory.ErrAuditWriteFailed) ||
		errors.Is(err, directory.ErrPointsIssueFailed)
}

// extractTxHash pulls the first 32-byte hex hash out of an error message.
func extractTxHash(msg string) string {
	for {
		idx := strings.Index(msg, "0x")
		if idx < 0 {
			return ""
		}
		rest := msg[idx:]
		if len(rest) >= 66 && isHex(rest[2:66]) {
			return rest[:66]
		}
		msg = msg[idx+2:]
	}
}

func isHex(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.New("invalid JSON payload")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// clientLimiter applies a token-bucket limit per client address.
type clientLimiter struct {
	mu       sync.Mutex
	visitors map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newClientLimiter(rps float64, burst int) *clientLimiter {
	return &clientLimiter{
		visitors: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (l *clientLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.obtain(clientID(r)).Allow() {
			writeError(w, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *clientLimiter) obtain(id string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.visitors[id]
	if !ok {
		limiter = rate.NewLimiter(l.rps, l.burst)
		l.visitors[id] = limiter
	}
	return limiter
}

func clientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
