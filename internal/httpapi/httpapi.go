package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"orderdesk/backend/internal/domain"
	"orderdesk/backend/internal/logger"
	"orderdesk/backend/internal/service"
	"orderdesk/backend/internal/workflow"
)

var (
	allRoles   = []domain.Role{domain.RoleCustomer, domain.RoleSalesExecutive, domain.RoleWarehouse, domain.RoleAdmin}
	staffRoles = []domain.Role{domain.RoleSalesExecutive, domain.RoleWarehouse, domain.RoleAdmin}
	stockRoles = []domain.Role{domain.RoleWarehouse, domain.RoleAdmin}
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	limiter       *rateLimiter
	validate      *validator.Validate
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, limits Limits) *API {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		limiter:       newRateLimiter(limits),
		validate:      validate,
	}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)
	mux.HandleFunc("/api/v1/users", a.requireAuth(a.handleUsers, domain.RoleAdmin))

	mux.HandleFunc("/api/v1/variants", a.requireAuth(a.handleVariants, allRoles...))

	mux.HandleFunc("/api/v1/cart", a.requireAuth(a.handleCart, domain.RoleCustomer))
	mux.HandleFunc("/api/v1/cart/count", a.requireAuth(a.handleCartCount, domain.RoleCustomer))
	mux.HandleFunc("/api/v1/cart/items", a.requireAuth(a.handleCartItems, domain.RoleCustomer))
	mux.HandleFunc("/api/v1/cart/items/", a.requireAuth(a.handleCartItemActions, domain.RoleCustomer))

	mux.HandleFunc("/api/v1/orders", a.requireAuth(a.handleOrders, allRoles...))
	mux.HandleFunc("/api/v1/orders/", a.requireAuth(a.handleOrderActions, allRoles...))
	mux.HandleFunc("/api/v1/executives/", a.requireAuth(a.handleExecutiveActions, domain.RoleSalesExecutive, domain.RoleAdmin))

	mux.HandleFunc("/api/v1/inventory/low-stock", a.requireAuth(a.handleLowStock, stockRoles...))
	mux.HandleFunc("/api/v1/inventory/", a.requireAuth(a.handleInventoryActions, stockRoles...))

	return logger.RequestIDMiddleware(logger.LoggingMiddleware(a.withMiddleware(mux)))
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...domain.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !slices.Contains(roles, actor.Role) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		if !a.limiter.Allow("actor:"+actor.Username, tierGeneral) {
			writeError(w, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.limiter.Allow("ip:"+clientKey(r), tierStrict) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if !a.decodeValid(w, r, &req) {
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleUsers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		role := domain.Role("")
		if raw := r.URL.Query().Get("role"); raw != "" {
			parsed, ok := workflow.ParseRole(raw)
			if !ok {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unknown role", "code": "INVALID_INPUT"})
				return
			}
			role = parsed
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": a.auth.ListUsers(r.Context(), role)})
	case http.MethodPost:
		var req domain.UserCreateRequest
		if !a.decodeValid(w, r, &req) {
			return
		}
		user, err := a.auth.CreateUser(r.Context(), req)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"user": user})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleVariants(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		variants, err := a.service.ListVariants(r.Context())
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"variants": variants})
	case http.MethodPost:
		var req domain.VariantCreateRequest
		if !a.decodeValid(w, r, &req) {
			return
		}
		variant, err := a.service.CreateVariant(r.Context(), req)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"variant": variant})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleCart(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		snap, err := a.service.GetCart(r.Context())
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	case http.MethodDelete:
		if err := a.service.ClearCart(r.Context()); err != nil {
			writeServiceError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleCartCount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	resp, err := a.service.CartCount(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCartItems(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req domain.CartAddRequest
	if !a.decodeValid(w, r, &req) {
		return
	}
	snap, err := a.service.AddCartItem(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) handleCartItemActions(w http.ResponseWriter, r *http.Request) {
	variantID, ok := pathTail(w, r, "/api/v1/cart/items/")
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodPatch:
		var req domain.CartUpdateRequest
		if !a.decodeValid(w, r, &req) {
			return
		}
		snap, err := a.service.UpdateCartItem(r.Context(), variantID, req)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	case http.MethodDelete:
		snap, err := a.service.RemoveCartItem(r.Context(), variantID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	default:
		writeMethodNotAllowed(w)
	}
}

// handleOrders serves checkout and the order list. The list switches to a
// desk's pending queue with ?role= and to the daily view with ?date=.
func (a *API) handleOrders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		order, err := a.service.Checkout(r.Context(), r.Header.Get("Idempotency-Key"))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"order": order})
	case http.MethodGet:
		query := r.URL.Query()
		if raw := strings.TrimSpace(query.Get("role")); raw != "" {
			role, _ := workflow.ParseRole(raw)
			resp, err := a.service.PendingQueue(r.Context(), role)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, resp)
			return
		}
		if query.Has("date") {
			resp, err := a.service.DailyOrders(r.Context(), query.Get("date"))
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, resp)
			return
		}

		var statuses []domain.OrderStatus
		for _, raw := range strings.Split(query.Get("status"), ",") {
			if strings.TrimSpace(raw) == "" {
				continue
			}
			status, _ := workflow.ParseStatus(raw)
			statuses = append(statuses, status)
		}
		resp, err := a.service.ListOrders(r.Context(), statuses, parsePositiveLimit(query.Get("limit"), 100, 500))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleOrderActions(w http.ResponseWriter, r *http.Request) {
	tail, ok := pathTail(w, r, "/api/v1/orders/")
	if !ok {
		return
	}
	orderID, action, _ := strings.Cut(tail, "/")

	switch action {
	case "":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		order, err := a.service.GetOrder(r.Context(), orderID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"order": order})
	case "allowed-transitions":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		resp, err := a.service.AllowedTransitions(r.Context(), orderID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	case "transition":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		actor, _ := service.ActorFromContext(r.Context())
		if !slices.Contains(staffRoles, actor.Role) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}
		var req domain.TransitionRequest
		if !a.decodeValid(w, r, &req) {
			return
		}
		order, err := a.service.Transition(r.Context(), orderID, req)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"order": order})
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown order action"))
	}
}

func (a *API) handleExecutiveActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	tail, ok := pathTail(w, r, "/api/v1/executives/")
	if !ok {
		return
	}
	executiveID, action, _ := strings.Cut(tail, "/")
	if action != "performance" {
		writeError(w, http.StatusNotFound, errors.New("unknown executive action"))
		return
	}
	perf, err := a.service.ExecutivePerformance(r.Context(), executiveID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, perf)
}

func (a *API) handleLowStock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	threshold := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("threshold")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "threshold must be a non-negative integer", "code": "INVALID_INPUT"})
			return
		}
		threshold = parsed
	}
	resp, err := a.service.LowStock(r.Context(), threshold)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleInventoryActions(w http.ResponseWriter, r *http.Request) {
	tail, ok := pathTail(w, r, "/api/v1/inventory/")
	if !ok {
		return
	}
	variantID, action, _ := strings.Cut(tail, "/")

	switch action {
	case "":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		stock, err := a.service.Stock(r.Context(), variantID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, stock)
	case "movements":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		limit := parsePositiveLimit(r.URL.Query().Get("limit"), 50, 500)
		resp, err := a.service.Movements(r.Context(), variantID, limit)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	case "stock":
		if r.Method != http.MethodPut {
			writeMethodNotAllowed(w)
			return
		}
		var req domain.StockSetRequest
		if !a.decodeValid(w, r, &req) {
			return
		}
		movement, err := a.service.SetStock(r.Context(), variantID, req)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"movement": movement})
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown inventory action"))
	}
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key, X-Request-ID")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if (r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// decodeValid decodes the JSON body into dest and runs struct validation,
// writing the 400 response itself when either step fails.
func (a *API) decodeValid(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := decodeJSON(r, dest); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, errors.New("request body too large"))
			return false
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error(), "code": "INVALID_INPUT"})
		return false
	}
	if err := a.validate.Struct(dest); err != nil {
		writeValidationError(w, err)
		return false
	}
	return true
}

func pathTail(w http.ResponseWriter, r *http.Request, prefix string) (string, bool) {
	tail := strings.TrimSpace(strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/"))
	if tail == "" {
		writeError(w, http.StatusBadRequest, errors.New("resource id required"))
		return "", false
	}
	return tail, true
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= 500 {
		logger.L().Error("internal error", zap.Int("status", status), zap.Error(err))
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

// writeCodedError is writeError plus the machine-readable code. 5xx bodies
// never carry the underlying message.
func writeCodedError(w http.ResponseWriter, r *http.Request, status int, code string, err error) {
	msg := err.Error()
	if status >= 500 {
		logger.FromCtx(r.Context()).Error("internal error",
			zap.Int("status", status),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
		"code":  code,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
