package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	nativecommon "nftmarket/native/common"
	"nftmarket/native/market"
	"nftmarket/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codePrecondition   = -32009
	codeTransferFailed = -32010
	codeModulePaused   = -32011
	codeRateLimited    = -32020
)

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// methodHandler returns the result to encode or an error carrying the HTTP
// status and JSON-RPC code.
type methodHandler func(s *Server, r *http.Request, req *RPCRequest) (interface{}, *rpcFailure)

type rpcFailure struct {
	status int
	err    RPCError
}

func (f *rpcFailure) Error() string { return f.err.Message }

func failure(status, code int, message string, data interface{}) *rpcFailure {
	return &rpcFailure{status: status, err: RPCError{Code: code, Message: message, Data: data}}
}

func invalidParams(message string, data interface{}) *rpcFailure {
	return failure(http.StatusBadRequest, codeInvalidParams, message, data)
}

var methods = map[string]methodHandler{
	"market_getListingFee":       (*Server).handleGetListingFee,
	"market_setListingFee":       (*Server).handleSetListingFee,
	"market_createListing":       (*Server).handleCreateListing,
	"market_purchase":            (*Server).handlePurchase,
	"market_getListing":          (*Server).handleGetListing,
	"market_availableListings":   (*Server).handleAvailableListings,
	"market_listingsCreatedBy":   (*Server).handleListingsCreatedBy,
	"market_listingsPurchasedBy": (*Server).handleListingsPurchasedBy,
	"market_stats":               (*Server).handleStats,
	"market_getBalance":          (*Server).handleGetBalance,
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}
	handler, ok := methods[req.Method]
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method not found", req.Method)
		return
	}

	start := time.Now()
	result, fail := handler(s, r, req)
	code := 0
	if fail != nil {
		code = fail.err.Code
		writeError(w, fail.status, req.ID, fail.err.Code, fail.err.Message, fail.err.Data)
	} else {
		writeResult(w, req.ID, result)
	}
	observability.ModuleMetrics().Observe("market", req.Method, code, time.Since(start))
	s.calls.Add(r.Context(), 1, metric.WithAttributes(
		attribute.String("method", req.Method),
		attribute.Int("code", code)))
}

// ledgerFailure maps ledger errors onto JSON-RPC codes. Transfer failures
// are checked first since they wrap the collaborator's own error.
func (s *Server) ledgerFailure(r *http.Request, method string, err error) *rpcFailure {
	reason := market.Reason(err)
	var f *rpcFailure
	switch {
	case errors.Is(err, market.ErrTransferFailed):
		f = failure(http.StatusConflict, codeTransferFailed, err.Error(), reason)
	case errors.Is(err, market.ErrInvalidInput):
		f = failure(http.StatusBadRequest, codeInvalidParams, err.Error(), reason)
	case errors.Is(err, market.ErrUnauthorized):
		f = failure(http.StatusForbidden, codeUnauthorized, err.Error(), reason)
	case errors.Is(err, market.ErrPreconditionFailed):
		f = failure(http.StatusConflict, codePrecondition, err.Error(), reason)
	case errors.Is(err, nativecommon.ErrModulePaused):
		f = failure(http.StatusServiceUnavailable, codeModulePaused, "market paused", reason)
	default:
		s.logger.Error("ledger call failed",
			slog.String("method", method),
			slog.String("request_id", requestIDFrom(r.Context())),
			slog.String("error", err.Error()))
		return failure(http.StatusInternalServerError, codeServerError, "internal error", nil)
	}
	s.logger.Info("ledger call rejected",
		slog.String("method", method),
		slog.String("request_id", requestIDFrom(r.Context())),
		slog.String("reason", reason))
	return f
}
