// Package jsonrpcserver exposes functions like:
// func Foo(context, int) (int, error)
// as JSON-RPC methods over http. It serves the node's admin and status api.
package jsonrpcserver

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeCustomError    = -32000
	CodeUnauthorized   = -32001
)

const (
	maxRequestBodySize = 1 << 20
	maxBatchSize       = 100
)

type JSONRPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      any               `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type JSONRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      any              `json:"id"`
	Result  *json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError    `json:"error,omitempty"`
}

type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    *any   `json:"data,omitempty"`
}

type Handler struct {
	log     *zap.Logger
	methods map[string]methodHandler
	// bearer token required in the Authorization header, empty disables the check
	authToken string
}

type Methods map[string]interface{}

// NewHandler creates JSONRPC http.Handler from the map that maps method names to method functions
// each method function must:
// - have context as a first argument
// - return error as a last argument
// - have argument types that can be unmarshalled from JSON
// - have return types that can be marshalled to JSON
// Trailing pointer arguments are optional and are nil when omitted by the caller.
func NewHandler(log *zap.Logger, methods Methods, authToken string) (*Handler, error) {
	m := make(map[string]methodHandler)
	for name, fn := range methods {
		method, err := getMethodTypes(fn)
		if err != nil {
			return nil, err
		}
		m[name] = method
	}
	return &Handler{
		log:       log.Named("jsonrpc"),
		methods:   m,
		authToken: authToken,
	}, nil
}

func errorResponse(id any, code int, msg string) JSONRPCResponse {
	return JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: msg,
		},
	}
}

func writeJSON(w http.ResponseWriter, res any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.authToken == "" {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(token), []byte(h.authToken)) == 1
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.authorized(r) {
		writeJSON(w, errorResponse(nil, CodeUnauthorized, "unauthorized"))
		return
	}

	var body json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&body); err != nil {
		writeJSON(w, errorResponse(nil, CodeParseError, err.Error()))
		return
	}

	if trimmed := bytes.TrimLeft(body, " \t\r\n"); len(trimmed) > 0 && trimmed[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(body, &batch); err != nil {
			writeJSON(w, errorResponse(nil, CodeParseError, err.Error()))
			return
		}
		if len(batch) == 0 || len(batch) > maxBatchSize {
			writeJSON(w, errorResponse(nil, CodeInvalidRequest, "invalid batch size"))
			return
		}
		res := make([]JSONRPCResponse, len(batch))
		for i, raw := range batch {
			res[i] = h.handle(r.Context(), raw)
		}
		writeJSON(w, res)
		return
	}
	writeJSON(w, h.handle(r.Context(), body))
}

func (h *Handler) handle(ctx context.Context, raw json.RawMessage) JSONRPCResponse {
	var req JSONRPCRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return errorResponse(nil, CodeParseError, err.Error())
	}

	if req.JSONRPC != "2.0" {
		return errorResponse(req.ID, CodeParseError, "invalid jsonrpc version")
	}
	if req.ID != nil {
		// id must be string or number
		switch req.ID.(type) {
		case string, float64:
		default:
			return errorResponse(req.ID, CodeParseError, "invalid id type")
		}
	}

	method, ok := h.methods[req.Method]
	if !ok {
		return errorResponse(req.ID, CodeMethodNotFound, "method not found")
	}

	start := time.Now()
	result, err := method.call(ctx, req.Params)
	h.log.Debug("Served request", zap.String("method", req.Method), zap.Duration("duration", time.Since(start)), zap.Error(err))
	if err != nil {
		code := CodeCustomError
		if isParamsError(err) {
			code = CodeInvalidParams
		}
		return errorResponse(req.ID, code, err.Error())
	}

	marshaledResult, err := json.Marshal(result)
	if err != nil {
		return errorResponse(req.ID, CodeInternalError, err.Error())
	}
	rawMessageResult := json.RawMessage(marshaledResult)
	return JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  &rawMessageResult,
	}
}
