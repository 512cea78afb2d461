// Package httpserver exposes the order submission and status surface.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/calderane/orderflow/errs"
	"github.com/calderane/orderflow/internal/engine"
	"github.com/calderane/orderflow/internal/hub"
	"github.com/calderane/orderflow/internal/observability"
	"github.com/calderane/orderflow/internal/schema"
	"github.com/calderane/orderflow/internal/store"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	ordersPath        = "/orders"
	orderDetailPrefix = ordersPath + "/"
	metricsPath       = "/metrics"
	healthPath        = "/healthz"

	streamAction = "stream"
)

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	records  store.OrderStore
	engine   *engine.Engine
	statuses *hub.Hub
	logger   observability.Logger
}

// orderPayload is the order submission request body.
type orderPayload struct {
	Kind        string `json:"kind"`
	InputAsset  string `json:"input_asset"`
	OutputAsset string `json:"output_asset"`
	InputAmount string `json:"input_amount"`
	MaxSlippage string `json:"max_slippage"`
}

// NewHandler creates an HTTP handler for order dispatch operations.
func NewHandler(records store.OrderStore, eng *engine.Engine, statuses *hub.Hub, logger observability.Logger) http.Handler {
	server := &httpServer{records: records, engine: eng, statuses: statuses, logger: logger}
	mux := http.NewServeMux()

	mux.Handle(ordersPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.createOrder,
	}))
	mux.Handle(orderDetailPrefix, http.HandlerFunc(server.handleOrder))
	mux.Handle(metricsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getMetrics,
	}))
	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getHealth,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) createOrder(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	payload, err := decodeOrderPayload(r)
	if err != nil {
		writeDecodeError(w, err)
		return
	}

	order, err := buildOrderFromPayload(payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := order.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.records.Insert(r.Context(), order); err != nil {
		s.writeStoreError(w, err)
		return
	}
	if err := s.engine.Submit(order); err != nil {
		s.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, order.Snapshot())
}

func (s *httpServer) handleOrder(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, orderDetailPrefix), "/")
	if rest == "" {
		writeError(w, http.StatusNotFound, "order id required")
		return
	}

	id, action, hasAction := strings.Cut(rest, "/")
	id = strings.TrimSpace(id)
	if id == "" {
		writeError(w, http.StatusNotFound, "order id required")
		return
	}

	if !hasAction {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.getOrder(w, r, id)
		return
	}

	switch strings.TrimSpace(action) {
	case streamAction:
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.streamOrder(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "unsupported action")
	}
}

func (s *httpServer) getOrder(w http.ResponseWriter, r *http.Request, id string) {
	order, err := s.records.Get(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *httpServer) getMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Metrics())
}

func (s *httpServer) getHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// streamOrder upgrades the connection and relays status updates until the
// order reaches a terminal state or the client goes away.
func (s *httpServer) streamOrder(w http.ResponseWriter, r *http.Request, id string) {
	if _, err := s.records.Get(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	subID, updates, err := s.statuses.Subscribe(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.statuses.Unsubscribe(subID)
		s.logger.Debug("websocket accept failed", observability.Err(err))
		return
	}
	defer s.statuses.Unsubscribe(subID)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusGoingAway, "client context done")
			return
		case update, ok := <-updates:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "order reached terminal state")
				return
			}
			data, err := json.Marshal(update)
			if err != nil {
				s.logger.Error("marshal status update", observability.Err(err),
					observability.String("order_id", id))
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				_ = conn.Close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
			if update.Status.Terminal() {
				_ = conn.Close(websocket.StatusNormalClosure, "order reached terminal state")
				return
			}
		}
	}
}

func (s *httpServer) writeStoreError(w http.ResponseWriter, err error) {
	switch errs.CodeOf(err) {
	case errs.CodeNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case errs.CodeConflict:
		writeError(w, http.StatusConflict, err.Error())
	case errs.CodeStorage, errs.CodeUnavailable:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *httpServer) writeEngineError(w http.ResponseWriter, err error) {
	switch errs.CodeOf(err) {
	case errs.CodeInvalid:
		writeError(w, http.StatusBadRequest, err.Error())
	case errs.CodeUnavailable:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeOrderPayload(r *http.Request) (orderPayload, error) {
	defer func() {
		_ = r.Body.Close()
	}()
	var payload orderPayload
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&payload); err != nil {
		return payload, errors.New("decode payload: " + err.Error())
	}
	return payload, nil
}

func buildOrderFromPayload(payload orderPayload) (*schema.Order, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(payload.InputAmount))
	if err != nil {
		return nil, errors.New("input_amount must be a decimal string")
	}
	slippage := decimal.Zero
	if trimmed := strings.TrimSpace(payload.MaxSlippage); trimmed != "" {
		slippage, err = decimal.NewFromString(trimmed)
		if err != nil {
			return nil, errors.New("max_slippage must be a decimal string")
		}
	}

	now := time.Now().UTC()
	return &schema.Order{
		ID:          uuid.NewString(),
		Kind:        schema.OrderKind(strings.ToLower(strings.TrimSpace(payload.Kind))),
		InputAsset:  strings.ToUpper(strings.TrimSpace(payload.InputAsset)),
		OutputAsset: strings.ToUpper(strings.TrimSpace(payload.OutputAsset)),
		InputAmount: amount,
		MaxSlippage: slippage,
		Status:      schema.OrderStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
