// Package httpapi exposes the hub operations as a JSON REST API.
package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	app "github.com/R3E-Network/fabblink/internal/app"
	"github.com/R3E-Network/fabblink/internal/app/auth"
	"github.com/R3E-Network/fabblink/internal/app/domain/asset"
	"github.com/R3E-Network/fabblink/internal/app/domain/participant"
	"github.com/R3E-Network/fabblink/internal/app/metrics"
	"github.com/R3E-Network/fabblink/internal/app/services/intake"
	"github.com/R3E-Network/fabblink/internal/app/services/orders"
	svcerrors "github.com/R3E-Network/fabblink/internal/errors"
	"github.com/R3E-Network/fabblink/internal/httputil"
	"github.com/R3E-Network/fabblink/internal/middleware"
	"github.com/R3E-Network/fabblink/pkg/logger"
)

// Config controls the HTTP surface.
type Config struct {
	JWTSecret      []byte
	JWTIssuer      string
	RateLimit      float64
	RateBurst      int
	AllowedOrigins []string
	AuditFile      string
	AuditSize      int
}

// API is the assembled handler with its middleware chain.
type API struct {
	handler     http.Handler
	sink        *fileAuditSink
	stopCleanup chan struct{}
}

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app   *app.Application
	audit *auditLog
	log   *logger.Logger
}

// New builds the API for application.
func New(application *app.Application, cfg Config, log *logger.Logger) (*API, error) {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	if len(cfg.JWTSecret) == 0 {
		return nil, svcerrors.Internal("jwt secret is required", nil)
	}

	api := &API{stopCleanup: make(chan struct{})}
	var sink auditSink
	if cfg.AuditFile != "" {
		fileSink, err := newFileAuditSink(cfg.AuditFile)
		if err != nil {
			return nil, err
		}
		api.sink = fileSink
		sink = fileSink
	}

	h := &handler{app: application, audit: newAuditLog(cfg.AuditSize, sink), log: log}
	router := h.routes()

	limiter := middleware.NewRateLimiter(cfg.RateLimit, cfg.RateBurst, log.Named("ratelimit"))
	limiter.StartCleanup(10*time.Minute, api.stopCleanup)
	authn := middleware.NewAuthMiddleware(cfg.JWTSecret, cfg.JWTIssuer, log.Named("auth"), []string{"/healthz", "/metrics"})

	var chain http.Handler = router
	chain = h.audit.middleware(func(err error) { log.WithError(err).Warn("audit sink write failed") })(chain)
	if cfg.RateLimit > 0 {
		chain = limiter.Handler(chain)
	}
	chain = authn.Handler(chain)
	chain = middleware.CORS(cfg.AllowedOrigins)(chain)
	chain = metrics.InstrumentHandler(chain)
	chain = middleware.RequestID(log.Named("http"))(chain)
	api.handler = chain
	return api, nil
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.handler.ServeHTTP(w, r)
}

// Close releases the audit sink and background cleanup.
func (a *API) Close() error {
	close(a.stopCleanup)
	if a.sink != nil {
		return a.sink.Close()
	}
	return nil
}

func (h *handler) routes() *mux.Router {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteError(w, svcerrors.NotFound("no route for %s", r.URL.Path))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusMethodNotAllowed, httputil.ErrorBody{Code: svcerrors.CodeBadRequest, Message: "method not allowed"})
	})

	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/audit", h.auditTrail).Methods(http.MethodGet)

	r.HandleFunc("/designers/{designer}", h.registerParticipant(participant.RoleDesigner)).Methods(http.MethodPost)
	r.HandleFunc("/designers/{designer}", h.unregisterParticipant(participant.RoleDesigner)).Methods(http.MethodDelete)
	r.HandleFunc("/designers/{designer}/designs", h.listDesigns).Methods(http.MethodGet)
	r.HandleFunc("/designers/{designer}/designs/{fingerprint}", h.listDesign).Methods(http.MethodPut)
	r.HandleFunc("/designers/{designer}/designs/{fingerprint}", h.unlistDesign).Methods(http.MethodDelete)
	r.HandleFunc("/designs/{fingerprint}", h.getDesign).Methods(http.MethodGet)

	r.HandleFunc("/vendors/{vendor}", h.registerParticipant(participant.RoleVendor)).Methods(http.MethodPost)
	r.HandleFunc("/vendors/{vendor}", h.unregisterParticipant(participant.RoleVendor)).Methods(http.MethodDelete)
	r.HandleFunc("/vendors/{vendor}/orders", h.listOrders).Methods(http.MethodGet)
	r.HandleFunc("/vendors/{vendor}/orders", h.placeOrder).Methods(http.MethodPost)
	r.HandleFunc("/vendors/{vendor}/orders/{order}", h.getOrder).Methods(http.MethodGet)
	r.HandleFunc("/vendors/{vendor}/orders/{order}/print", h.printOrder).Methods(http.MethodPost)
	r.HandleFunc("/vendors/{vendor}/orders/{order}/cancel", h.cancelOrder).Methods(http.MethodPost)
	r.HandleFunc("/vendors/{vendor}/orders/{order}/confirm", h.confirmOrder).Methods(http.MethodPost)

	r.HandleFunc("/consumers/{consumer}/balance", h.balance).Methods(http.MethodGet)
	r.HandleFunc("/consumers/{consumer}/journal", h.journal).Methods(http.MethodGet)

	r.HandleFunc("/intake/transfers", h.intakeTransfer).Methods(http.MethodPost)
	return r
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"services": h.app.Services(),
	})
}

func (h *handler) auditTrail(w http.ResponseWriter, r *http.Request) {
	if err := requireRole(r, auth.RoleAdmin); err != nil {
		httputil.WriteError(w, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	httputil.WriteJSON(w, http.StatusOK, h.audit.list(limit))
}

func roleVar(role participant.Role) string {
	if role == participant.RoleVendor {
		return "vendor"
	}
	return "designer"
}

func (h *handler) registerParticipant(role participant.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)[roleVar(role)]
		register := h.app.Registry.RegisterDesigner
		if role == participant.RoleVendor {
			register = h.app.Registry.RegisterVendor
		}
		p, err := register(r.Context(), id)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		httputil.WriteJSON(w, http.StatusCreated, toParticipant(p))
	}
}

func (h *handler) unregisterParticipant(role participant.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)[roleVar(role)]
		unregister := h.app.Registry.UnregisterDesigner
		if role == participant.RoleVendor {
			unregister = h.app.Registry.UnregisterVendor
		}
		if err := unregister(r.Context(), id); err != nil {
			httputil.WriteError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *handler) listDesign(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var payload struct {
		Price asset.Asset `json:"price"`
		Fee   asset.Asset `json:"fee"`
	}
	if err := decodeBody(w, r, &payload); err != nil {
		httputil.WriteError(w, err)
		return
	}
	d, err := h.app.Catalog.ListDesign(r.Context(), vars["designer"], vars["fingerprint"], payload.Price, payload.Fee)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toDesign(d))
}

func (h *handler) unlistDesign(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.app.Catalog.UnlistDesign(r.Context(), vars["designer"], vars["fingerprint"]); err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) listDesigns(w http.ResponseWriter, r *http.Request) {
	designs, err := h.app.Catalog.List(r.Context(), mux.Vars(r)["designer"])
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	out := make([]designView, 0, len(designs))
	for _, d := range designs {
		out = append(out, toDesign(d))
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (h *handler) getDesign(w http.ResponseWriter, r *http.Request) {
	d, err := h.app.Catalog.Get(r.Context(), mux.Vars(r)["fingerprint"])
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toDesign(d))
}

func (h *handler) placeOrder(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Consumer    string `json:"consumer"`
		Order       string `json:"order"`
		Fingerprint string `json:"fingerprint"`
		Quantity    int    `json:"quantity"`
	}
	if err := decodeBody(w, r, &payload); err != nil {
		httputil.WriteError(w, err)
		return
	}
	o, err := h.app.Orders.Place(r.Context(), orders.PlaceRequest{
		Consumer:    payload.Consumer,
		Vendor:      mux.Vars(r)["vendor"],
		OrderID:     payload.Order,
		Fingerprint: payload.Fingerprint,
		Quantity:    payload.Quantity,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, toOrder(o))
}

func (h *handler) listOrders(w http.ResponseWriter, r *http.Request) {
	list, err := h.app.Orders.List(r.Context(), mux.Vars(r)["vendor"])
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	out := make([]orderView, 0, len(list))
	for _, o := range list {
		out = append(out, toOrder(o))
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (h *handler) getOrder(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	o, err := h.app.Orders.Get(r.Context(), vars["vendor"], vars["order"])
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toOrder(o))
}

func (h *handler) printOrder(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	o, err := h.app.Orders.Print(r.Context(), vars["vendor"], vars["order"])
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toOrder(o))
}

type consumerPayload struct {
	Consumer string `json:"consumer"`
}

func (h *handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	var payload consumerPayload
	if err := decodeBody(w, r, &payload); err != nil {
		httputil.WriteError(w, err)
		return
	}
	vars := mux.Vars(r)
	o, err := h.app.Orders.Cancel(r.Context(), payload.Consumer, vars["vendor"], vars["order"])
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toOrder(o))
}

func (h *handler) confirmOrder(w http.ResponseWriter, r *http.Request) {
	var payload consumerPayload
	if err := decodeBody(w, r, &payload); err != nil {
		httputil.WriteError(w, err)
		return
	}
	vars := mux.Vars(r)
	o, err := h.app.Orders.Confirm(r.Context(), payload.Consumer, vars["vendor"], vars["order"])
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toOrder(o))
}

func (h *handler) balance(w http.ResponseWriter, r *http.Request) {
	b, err := h.app.Ledger.Balance(r.Context(), mux.Vars(r)["consumer"])
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toBalance(b))
}

func (h *handler) journal(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["consumer"]
	if err := requireSelfOrAdmin(r, account); err != nil {
		httputil.WriteError(w, err)
		return
	}
	entries, err := h.app.Ledger.Journal(r.Context(), account)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	out := make([]entryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, toEntry(e))
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (h *handler) intakeTransfer(w http.ResponseWriter, r *http.Request) {
	if err := requireRole(r, auth.RoleIntake); err != nil {
		httputil.WriteError(w, err)
		return
	}
	var n intake.Notification
	if err := decodeBody(w, r, &n); err != nil {
		httputil.WriteError(w, err)
		return
	}
	b, err := h.app.Intake.HandleTransfer(r.Context(), n)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toBalance(b))
}

func requireRole(r *http.Request, role string) error {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok || !p.HasRole(role) {
		return svcerrors.Unauthorized("role %s required", role)
	}
	return nil
}

func requireSelfOrAdmin(r *http.Request, account string) error {
	p, ok := auth.PrincipalFrom(r.Context())
	if ok && (p.Subject == account || p.HasRole(auth.RoleAdmin)) {
		return nil
	}
	return svcerrors.Unauthorized("missing authority of %s", account)
}

// decodeBody reads a JSON request body. An amount in a currency other than
// the accounting token is well-formed input that the ledger refuses.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	err := httputil.DecodeJSON(w, r, dst)
	if errors.Is(err, asset.ErrSymbolMismatch) {
		return svcerrors.Invariant("amounts must be in %s: %v", asset.Accounting.Code, errors.Unwrap(err))
	}
	return err
}
