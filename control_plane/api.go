package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/itskum47/FleetForge/control_plane/catalog"
	"github.com/itskum47/FleetForge/control_plane/coordination"
	"github.com/itskum47/FleetForge/control_plane/deployment"
	"github.com/itskum47/FleetForge/control_plane/idempotency"
	"github.com/itskum47/FleetForge/control_plane/middleware"
	"github.com/itskum47/FleetForge/control_plane/observability"
	"github.com/itskum47/FleetForge/control_plane/store"
	"github.com/itskum47/FleetForge/control_plane/targets"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

const (
	idempotencyHeader = "X-Idempotency-Key"
	maxBodyBytes      = 1 << 20
)

type API struct {
	deployments *deployment.Manager
	catalog     *catalog.Service
	targets     *targets.Service
	idempotency idempotency.Store
	hub         *Hub
	elector     *coordination.LeaderElector // nil on a single replica

	// storm protection for device polls and feedback
	deviceLimiter *rate.Limiter
	corsOrigins   []string
	upgrader      websocket.Upgrader
	logger        *slog.Logger
}

func NewAPI(mgr *deployment.Manager, cat *catalog.Service, tgts *targets.Service, idem idempotency.Store, hub *Hub, limit rate.Limit, burst int, corsOrigins []string, logger *slog.Logger) *API {
	a := &API{
		deployments:   mgr,
		catalog:       cat,
		targets:       tgts,
		idempotency:   idem,
		hub:           hub,
		deviceLimiter: rate.NewLimiter(limit, burst),
		corsOrigins:   corsOrigins,
		logger:        logger.With("component", "api"),
	}
	a.upgrader = websocket.Upgrader{CheckOrigin: a.checkOrigin}
	return a
}

func (a *API) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range a.corsOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// Routes builds the HTTP handler. Management routes need X-Tenant-ID;
// device routes carry the tenant in the path.
func (a *API) Routes() http.Handler {
	mux := http.NewServeMux()
	m := func(pattern string, h http.HandlerFunc) { mux.Handle(pattern, middleware.Tenant(h)) }

	m("POST /api/v1/targets", a.handleCreateTargets)
	m("GET /api/v1/targets", a.handleListTargets)
	m("GET /api/v1/targets/{controllerID}", a.handleGetTarget)
	m("DELETE /api/v1/targets/{controllerID}", a.handleDeleteTarget)
	m("PUT /api/v1/targets/{controllerID}/attributes", a.handleUpdateAttributes)
	m("GET /api/v1/targets/{controllerID}/actions", a.handleTargetActions)
	m("GET /api/v1/targets/{controllerID}/actions/active", a.handleActiveActions)
	m("GET /api/v1/stats/update-status", a.handleUpdateStatusCounts)

	m("POST /api/v1/tags", a.handleCreateTag)
	m("GET /api/v1/tags", a.handleListTags)
	m("PUT /api/v1/tags/{name}", a.handleUpdateTag)
	m("DELETE /api/v1/tags/{name}", a.handleDeleteTag)
	m("POST /api/v1/tags/{name}/toggle", a.handleToggleTag)

	m("POST /api/v1/modules", a.handleCreateModule)
	m("GET /api/v1/modules/{id}", a.handleGetModule)
	m("POST /api/v1/modules/{id}/metadata", a.handleCreateModuleMetadata)
	m("PUT /api/v1/modules/{id}/metadata/{key}", a.handleUpdateModuleMetadata)
	m("DELETE /api/v1/modules/{id}/metadata/{key}", a.handleDeleteModuleMetadata)
	m("POST /api/v1/distribution-set-types", a.handleCreateType)
	m("GET /api/v1/distribution-set-types/{key}", a.handleGetType)
	m("POST /api/v1/distribution-sets", a.handleCreateDistributionSet)
	m("GET /api/v1/distribution-sets", a.handleListDistributionSets)
	m("GET /api/v1/distribution-sets/{id}", a.handleGetDistributionSet)
	m("PUT /api/v1/distribution-sets/{id}", a.handleUpdateDistributionSet)
	m("DELETE /api/v1/distribution-sets/{id}", a.handleDeleteDistributionSet)
	m("POST /api/v1/distribution-sets/{id}/modules", a.handleAssignModules)
	m("DELETE /api/v1/distribution-sets/{id}/modules/{moduleID}", a.handleUnassignModule)
	m("POST /api/v1/distribution-sets/{id}/assign", a.withIdempotency(a.handleAssign))
	m("POST /api/v1/distribution-sets/{id}/metadata", a.handleCreateSetMetadata)
	m("PUT /api/v1/distribution-sets/{id}/metadata/{key}", a.handleUpdateSetMetadata)
	m("DELETE /api/v1/distribution-sets/{id}/metadata/{key}", a.handleDeleteSetMetadata)
	m("GET /api/v1/distribution-set-tags/{name}", a.handleSetsByTag)
	m("POST /api/v1/distribution-set-tags/{name}/assign", a.handleSetTag(a.catalog.AssignTag))
	m("POST /api/v1/distribution-set-tags/{name}/unassign", a.handleSetTag(a.catalog.UnassignTag))
	m("POST /api/v1/distribution-set-tags/{name}/toggle", a.handleSetTag(a.catalog.ToggleTag))

	m("GET /api/v1/actions/{id}", a.handleGetAction)
	m("GET /api/v1/actions/{id}/status", a.handleActionHistory)
	m("POST /api/v1/actions/{id}/cancel", a.handleCancel)
	m("POST /api/v1/actions/{id}/force-quit", a.handleForceQuit)
	m("POST /api/v1/actions/{id}/force", a.handleForce)

	m("GET /api/v1/events/stream", a.handleEventStream)

	mux.Handle("GET /{tenant}/controller/v1/{controllerID}", a.device("poll", a.handlePoll))
	mux.Handle("POST /{tenant}/controller/v1/{controllerID}/actions/{id}/feedback", a.device("feedback", a.handleFeedback))
	mux.Handle("PUT /{tenant}/controller/v1/{controllerID}/attributes", a.device("attributes", a.handleDeviceAttributes))

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", a.handleHealth)

	return middleware.CORS(a.corsOrigins)(mux)
}

// device rate limits a device endpoint and takes the tenant from the path.
func (a *API) device(endpoint string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.deviceLimiter.Allow() {
			a.writeRateLimitError(w, endpoint)
			return
		}
		h(w, r.WithContext(middleware.WithTenant(r.Context(), r.PathValue("tenant"))))
	})
}

// writeRateLimitError answers 429 with a jittered Retry-After so limited
// devices do not come back in lockstep.
func (a *API) writeRateLimitError(w http.ResponseWriter, endpoint string) {
	observability.APIRateLimited.WithLabelValues(endpoint).Inc()
	w.Header().Set("Retry-After", strconv.Itoa(1+rand.IntN(3)))
	writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "too many requests"})
}

// uncacheable carries a response that must reach the client but not the
// idempotency store.
type uncacheable struct{ resp idempotency.Response }

func (u *uncacheable) Error() string { return fmt.Sprintf("status %d not cached", u.resp.StatusCode) }

// withIdempotency runs h at most once per X-Idempotency-Key and replays its
// response to retries. Server errors are not remembered.
func (a *API) withIdempotency(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(idempotencyHeader)
		if key == "" {
			h(w, r)
			return
		}
		tenantID, ok := a.tenant(w, r)
		if !ok {
			return
		}

		resp, replayed, err := a.idempotency.Do(r.Context(), tenantID, key, func(ctx context.Context) (idempotency.Response, error) {
			rec := httptest.NewRecorder()
			h(rec, r.WithContext(ctx))
			resp := idempotency.Response{
				StatusCode: rec.Code,
				Body:       rec.Body.Bytes(),
				Headers:    rec.Header(),
			}
			if resp.StatusCode >= http.StatusInternalServerError {
				return resp, &uncacheable{resp: resp}
			}
			return resp, nil
		})
		var u *uncacheable
		switch {
		case errors.As(err, &u):
			resp = u.resp
		case err != nil:
			a.writeError(w, r, err)
			return
		}

		for k, vs := range resp.Headers {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		if replayed {
			w.Header().Set("Idempotent-Replayed", "true")
		}
		w.WriteHeader(resp.StatusCode)
		w.Write(resp.Body)
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrAlreadyExists), errors.Is(err, idempotency.ErrInFlight):
		return http.StatusConflict
	case errors.Is(err, deployment.ErrInvalidStatusTransition):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, store.ErrConflict):
		return http.StatusServiceUnavailable
	case errors.Is(err, deployment.ErrInvalidRequest),
		errors.Is(err, catalog.ErrInvalidRequest),
		errors.Is(err, targets.ErrInvalidRequest),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		a.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal error"
	}
	if code == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, code, errorBody{Error: msg})
}

var errBadRequest = errors.New("bad request")

func (a *API) tenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID, err := middleware.TenantFromContext(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return "", false
	}
	return tenantID, true
}

func decode(r *http.Request, w http.ResponseWriter, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("decode body: %v: %w", err, errBadRequest)
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%s %q: %w", name, r.PathValue(name), errBadRequest)
	}
	return id, nil
}

func queryInt(r *http.Request, name string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(name))
	return n
}

// clientAddress is the device address recorded on poll.
func clientAddress(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{"status": "ok"}
	if a.elector != nil {
		body["leader"] = a.elector.State()
	}
	writeJSON(w, http.StatusOK, body)
}
