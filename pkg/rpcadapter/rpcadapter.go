// Package rpcadapter exposes the orchestrator as unary HTTP/JSON handlers.
// Every mutating call requires an idempotency key; the first successful
// result is cached and replayed verbatim within a method-specific TTL.
// Domain errors map onto grpc status codes (and their HTTP equivalents),
// and every mutating call is timed under a {method, status} metric.
package rpcadapter

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/decred/slog"

	"github.com/ontable/holdem/pkg/engine"
	"github.com/ontable/holdem/pkg/orchestrator"
)

// Replay-cache TTLs per method class: table lifecycle operations stay
// replayable for an hour, seat/action operations for minutes, moderation
// for one.
const (
	ttlTableLifecycle = time.Hour
	ttlSeatAction     = 10 * time.Minute
	ttlModeration     = time.Minute
)

// IdempotencyStore is the slice of the Table Store the adapter consumes for
// request replay caching; *store.Store and *store.Memory both satisfy it.
type IdempotencyStore interface {
	IdempotencyGet(ctx context.Context, method, key string) ([]byte, bool, error)
	IdempotencyPut(ctx context.Context, method, key string, result []byte, ttl time.Duration) error
	IdempotencyLock(ctx context.Context, method, key string, ttl time.Duration) (bool, error)
	IdempotencyUnlock(ctx context.Context, method, key string) error
}

// Metrics are the {method,status}-labeled RPC timing collectors.
type Metrics struct {
	requests *prometheus.HistogramVec
}

// NewMetrics registers the adapter's collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "holdem_rpc_duration_seconds",
			Help:    "RPC adapter call duration by method and resulting status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),
	}
	reg.MustRegister(m.requests)
	return m
}

// Adapter wires an orchestrator.Orchestrator behind HTTP/JSON handlers.
type Adapter struct {
	orc     *orchestrator.Orchestrator
	store   IdempotencyStore
	log     slog.Logger
	metrics *Metrics
}

// New builds an Adapter and its mux.Router.
func New(orc *orchestrator.Orchestrator, st IdempotencyStore, log slog.Logger, metrics *Metrics) *Adapter {
	return &Adapter{orc: orc, store: st, log: log, metrics: metrics}
}

// Router builds the HTTP routes for every mutating RPC plus the read-only
// table/state getters.
func (a *Adapter) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/tables", a.handle("CreateTable", ttlTableLifecycle, a.createTable)).Methods(http.MethodPost)
	r.HandleFunc("/v1/tables/{tableId}", a.handle("DeleteTable", ttlTableLifecycle, a.deleteTable)).Methods(http.MethodDelete)
	r.HandleFunc("/v1/tables/{tableId}", a.getTable).Methods(http.MethodGet)
	r.HandleFunc("/v1/tables/{tableId}/state", a.getTableState).Methods(http.MethodGet)
	r.HandleFunc("/v1/tables/{tableId}/seats/{seatId}/join", a.handle("JoinSeat", ttlSeatAction, a.joinSeat)).Methods(http.MethodPost)
	r.HandleFunc("/v1/tables/{tableId}/seat/leave", a.handle("LeaveSeat", ttlSeatAction, a.leaveSeat)).Methods(http.MethodPost)
	r.HandleFunc("/v1/tables/{tableId}/action", a.handle("SubmitAction", ttlSeatAction, a.submitAction)).Methods(http.MethodPost)
	r.HandleFunc("/v1/tables/{tableId}/spectate", a.handle("JoinSpectator", ttlSeatAction, a.joinSpectator)).Methods(http.MethodPost)
	r.HandleFunc("/v1/tables/{tableId}/spectate/leave", a.handle("LeaveSpectator", ttlSeatAction, a.leaveSpectator)).Methods(http.MethodPost)
	r.HandleFunc("/v1/tables/{tableId}/kick", a.handle("KickPlayer", ttlModeration, a.kickPlayer)).Methods(http.MethodPost)
	r.HandleFunc("/v1/tables/{tableId}/mute", a.handle("MutePlayer", ttlModeration, a.mutePlayer)).Methods(http.MethodPost)
	r.HandleFunc("/v1/tables/{tableId}/pause", a.handle("PauseTable", ttlModeration, a.pauseTable)).Methods(http.MethodPost)
	r.HandleFunc("/v1/tables/{tableId}/resume", a.handle("ResumeTable", ttlModeration, a.resumeTable)).Methods(http.MethodPost)
	return r
}

// rpcFunc performs one RPC body: decode the JSON request, run the
// orchestrator call, and return a JSON-serializable response or an error.
type rpcFunc func(r *http.Request) (any, error)

// handle wraps fn with the idempotency cache, error->status mapping, panic
// recovery, and timing metric common to every mutating RPC. Panics inside
// serialized table tasks are already converted to errors by the task queue;
// the recover here covers decode/routing panics on the request goroutine
// itself, so no handler failure ever escapes as anything but INTERNAL.
func (a *Adapter) handle(method string, ttl time.Duration, fn rpcFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		status := "OK"
		defer func() {
			a.metrics.requests.WithLabelValues(method, status).Observe(time.Since(start).Seconds())
		}()
		defer func() {
			if rec := recover(); rec != nil {
				a.log.Errorf("rpcadapter.%s.panic: %v\n%s", method, rec, debug.Stack())
				status = "INTERNAL"
				writeError(w, engine.NewError(engine.ErrInternal, "internal error"))
			}
		}()

		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			key = r.URL.Query().Get("idempotencyKey")
		}
		if key == "" {
			status = "INVALID_ARGUMENT"
			writeError(w, engine.NewError("MISSING_IDEMPOTENCY_KEY", "idempotencyKey is required"))
			return
		}

		ctx := r.Context()
		if cached, ok, err := a.store.IdempotencyGet(ctx, method, key); err == nil && ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write(cached)
			return
		}

		locked, err := a.store.IdempotencyLock(ctx, method, key, ttl)
		if err == nil && !locked {
			status = "UNAVAILABLE"
			writeError(w, engine.NewError(engine.ErrIdempotencyInProgress, "duplicate request in flight"))
			return
		}
		defer a.store.IdempotencyUnlock(ctx, method, key)

		result, ferr := fn(r)
		if ferr != nil {
			status = mappedStatusName(ferr)
			writeError(w, ferr)
			return
		}

		body, err := json.Marshal(result)
		if err != nil {
			status = "INTERNAL"
			writeError(w, engine.NewError(engine.ErrInternal, err.Error()))
			return
		}
		_ = a.store.IdempotencyPut(ctx, method, key, body, ttl)
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	}
}

func pathVar(r *http.Request, name string) string { return mux.Vars(r)[name] }

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	body, err := json.Marshal(v)
	if err != nil {
		writeError(w, engine.NewError(engine.ErrInternal, err.Error()))
		return
	}
	w.Write(body)
}

// writeError maps a domain error to a grpc status and writes it as
// {ok:false, error, code} over the equivalent HTTP status.
func writeError(w http.ResponseWriter, err error) {
	code := engine.CodeOf(err)
	grpcStatus := status.New(codeToStatus(code), err.Error())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus(grpcStatus.Code()))
	json.NewEncoder(w).Encode(map[string]any{
		"ok":    false,
		"error": string(code),
		"code":  grpcStatus.Code().String(),
	})
}

func mappedStatusName(err error) string {
	return codeToStatus(engine.CodeOf(err)).String()
}

// codeToStatus is the error->status mapping table:
// TABLE_NOT_FOUND and SEAT_MISSING->NOT_FOUND,
// NOT_AUTHORIZED->PERMISSION_DENIED, MISSING_IDEMPOTENCY_KEY and the
// action-validation codes->INVALID_ARGUMENT,
// IDEMPOTENCY_IN_PROGRESS->UNAVAILABLE, the seat/hand/turn precondition
// codes (including TABLE_LOST and SEAT_LOST)->FAILED_PRECONDITION,
// default INTERNAL.
func codeToStatus(code engine.Code) codes.Code {
	switch code {
	case engine.ErrTableNotFound, engine.ErrSeatMissing:
		return codes.NotFound
	case engine.ErrNotAuthorized:
		return codes.PermissionDenied
	case "MISSING_IDEMPOTENCY_KEY":
		return codes.InvalidArgument
	case engine.ErrIdempotencyInProgress:
		return codes.Unavailable
	case engine.ErrInvalidAction, engine.ErrIllegalAction, engine.ErrMissingAmount,
		engine.ErrAmountTooSmall, engine.ErrAmountTooLarge:
		return codes.InvalidArgument
	case engine.ErrSeatNotAvailable, engine.ErrAlreadySeated, engine.ErrInsufficientFunds,
		engine.ErrNoHandInProgress, engine.ErrPlayerNotAtTable, engine.ErrHandComplete,
		engine.ErrSeatInactive, engine.ErrNotYourTurn, engine.ErrNoHand,
		engine.ErrTableLost, engine.ErrSeatLost:
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}

func httpStatus(c codes.Code) int {
	switch c {
	case codes.NotFound:
		return http.StatusNotFound
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.FailedPrecondition:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
