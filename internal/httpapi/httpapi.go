package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/sirupsen/logrus"
	"github.com/unrolled/secure"

	"tokostok/backend/internal/domain"
	"tokostok/backend/internal/lock"
	"tokostok/backend/internal/observability"
	"tokostok/backend/internal/service"
	"tokostok/backend/internal/store"
)

const maxBodyBytes = 1 << 20

type Options struct {
	Service            *service.Service
	Auth               *AuthManager
	Metrics            *observability.Metrics
	Logger             logrus.FieldLogger
	AllowedOrigin      string
	RateLimitPerMinute int
	Production         bool
}

type API struct {
	service       *service.Service
	auth          *AuthManager
	metrics       *observability.Metrics
	logger        logrus.FieldLogger
	allowedOrigin string
	rateLimit     int
	secure        *secure.Secure
}

func New(opts Options) *API {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.RateLimitPerMinute <= 0 {
		opts.RateLimitPerMinute = 300
	}
	return &API{
		service:       opts.Service,
		auth:          opts.Auth,
		metrics:       opts.Metrics,
		logger:        opts.Logger.WithField("module", "httpapi"),
		allowedOrigin: opts.AllowedOrigin,
		rateLimit:     opts.RateLimitPerMinute,
		secure: secure.New(secure.Options{
			FrameDeny:             true,
			ContentTypeNosniff:    true,
			BrowserXssFilter:      true,
			ReferrerPolicy:        "strict-origin-when-cross-origin",
			ContentSecurityPolicy: "default-src 'none'",
			SSLRedirect:           opts.Production,
			SSLProxyHeaders:       map[string]string{"X-Forwarded-Proto": "https"},
		}),
	}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RealIP,
		middleware.RequestID,
		middleware.Recoverer,
		a.metrics.Middleware,
		a.securityHeaders,
		a.cors,
		httprate.Limit(a.rateLimit, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				a.writeError(w, http.StatusTooManyRequests, errors.New("too many requests"))
			}),
		),
		a.requestLog,
	)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		a.writeError(w, http.StatusNotFound, errors.New("route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		a.writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	})

	r.Get("/healthz", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", a.metrics.Handler())

	// Manager PIN guesses are limited far below the general rate.
	pinLimiter := httprate.Limit(8, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			a.writeError(w, http.StatusTooManyRequests, errors.New("too many manager PIN attempts"))
		}),
	)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(a.authenticate)

		r.Group(func(r chi.Router) {
			r.Use(a.requireRole(domain.RoleCashier, domain.RoleAdmin))
			r.Get("/products", a.handleListProducts)
			r.Get("/products/{id}", a.handleGetProduct)
			r.Get("/stock-batches", a.handleListStockBatches)
			r.Get("/sales", a.handleListSales)
			r.Post("/sales", a.handleRecordSale)
			r.Get("/sales/{id}", a.handleGetSale)
			r.With(pinLimiter, a.requireManagerPIN).Delete("/sales/{id}", a.handleDeleteSale)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.requireRole(domain.RoleAdmin))
			r.Post("/products", a.handleCreateProduct)
			r.Patch("/products/{id}", a.handleUpdateProduct)
			r.Delete("/products/{id}", a.handleDeleteProduct)
			r.Post("/products/{id}/stock", a.handleAddStock)
			r.Get("/purchases", a.handleListPurchases)
			r.Post("/purchases", a.handleRecordPurchase)
			r.Get("/purchases/{id}", a.handleGetPurchase)
			r.With(pinLimiter, a.requireManagerPIN).Delete("/purchases/{id}", a.handleDeletePurchase)
			r.Get("/suppliers", a.handleListSuppliers)
			r.Post("/suppliers", a.handleCreateSupplier)
			r.Post("/opname/cash", a.handleReconcileCash)
			r.Get("/inventory/integrity", a.handleVerifyIntegrity)
		})
	})

	return r
}

func (a *API) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.secure.Process(w, r); err != nil {
			a.logger.WithError(err).Warn("secure headers blocked request")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+managerPINField)
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startedAt := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		a.logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(startedAt).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("request served")
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := a.service.ListProducts(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (a *API) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	product, err := a.service.GetProduct(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product": product})
}

func (a *API) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req domain.ProductCreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	product, err := a.service.CreateProduct(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"product": product})
}

func (a *API) handleUpdateProduct(w http.ResponseWriter, r *http.Request) {
	var req domain.ProductUpdateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	product, err := a.service.UpdateProduct(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product": product})
}

func (a *API) handleDeleteProduct(w http.ResponseWriter, r *http.Request) {
	if err := a.service.DeleteProduct(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAddStock(w http.ResponseWriter, r *http.Request) {
	var req domain.AddStockRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	batch, err := a.service.AddStock(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"batch": batch})
}

func (a *API) handleListStockBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := a.service.ListStockBatches(r.Context(), strings.TrimSpace(r.URL.Query().Get("product_id")))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": batches})
}

func (a *API) handleListSales(w http.ResponseWriter, r *http.Request) {
	sales, err := a.service.ListSales(r.Context(), parsePositiveLimit(r.URL.Query().Get("limit"), 50, 500))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sales": sales})
}

func (a *API) handleRecordSale(w http.ResponseWriter, r *http.Request) {
	var req domain.SaleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	sale, err := a.service.RecordSale(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"sale": sale})
}

func (a *API) handleGetSale(w http.ResponseWriter, r *http.Request) {
	sale, err := a.service.GetSale(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
}

func (a *API) handleDeleteSale(w http.ResponseWriter, r *http.Request) {
	if err := a.service.DeleteSale(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListPurchases(w http.ResponseWriter, r *http.Request) {
	purchases, err := a.service.ListPurchases(r.Context(), parsePositiveLimit(r.URL.Query().Get("limit"), 50, 500))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purchases": purchases})
}

func (a *API) handleRecordPurchase(w http.ResponseWriter, r *http.Request) {
	var req domain.PurchaseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	purchase, err := a.service.RecordPurchase(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"purchase": purchase})
}

func (a *API) handleGetPurchase(w http.ResponseWriter, r *http.Request) {
	purchase, err := a.service.GetPurchase(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purchase": purchase})
}

func (a *API) handleDeletePurchase(w http.ResponseWriter, r *http.Request) {
	if err := a.service.DeletePurchase(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListSuppliers(w http.ResponseWriter, r *http.Request) {
	suppliers, err := a.service.ListSuppliers(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"suppliers": suppliers})
}

func (a *API) handleCreateSupplier(w http.ResponseWriter, r *http.Request) {
	var req domain.SupplierCreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	supplier, err := a.service.CreateSupplier(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"supplier": supplier})
}

func (a *API) handleReconcileCash(w http.ResponseWriter, r *http.Request) {
	var req domain.CashReconcileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := a.service.ReconcileCash(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"opname": result})
}

func (a *API) handleVerifyIntegrity(w http.ResponseWriter, r *http.Request) {
	drift, err := a.service.VerifyStockIntegrity(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"consistent": len(drift) == 0,
		"drift":      drift,
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain a single JSON object")
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

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInsufficientStock), errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, lock.ErrNotObtained):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	var shortage *store.InsufficientStockError
	if errors.As(err, &shortage) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":      shortage.Error(),
			"product_id": shortage.ProductID,
			"requested":  shortage.Requested,
			"available":  shortage.Available,
		})
		return
	}
	status := statusFor(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	a.writeError(w, status, err)
}

// writeError hides the cause of 5xx responses from clients.
func (a *API) writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= 500 && status != http.StatusServiceUnavailable {
		a.logger.WithError(err).WithField("status", status).Error("internal error")
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
