package server

import (
	"encoding/json"
	"net/http"

	"github.com/cockroachdb/errors"

	"github.com/berdl/tableserve/diskcache"
	"github.com/berdl/tableserve/engine"
	"github.com/berdl/tableserve/logger"
	"github.com/berdl/tableserve/store"
)

// Service is the JSON-RPC namespace every method lives under.
const Service = "TableService"

// ownerHeader carries the caller's owner id. Requests without it fall into
// the shared anonymous namespace.
const ownerHeader = "X-Owner-ID"

// JSON-RPC 1.1 envelopes in the KBase style: params and result are
// single-element arrays.
type rpcRequest struct {
	Version string            `json:"version"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      any               `json:"id"`
}

type rpcError struct {
	Name    string `json:"name"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Version string    `json:"version"`
	Result  []any     `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	ID      any       `json:"id"`
}

type listParams struct {
	TableID     string `json:"berdl_table_id"`
	PangenomeID string `json:"pangenome_id,omitempty"`
}

type tablesResult struct {
	Tables []string `json:"tables"`
}

type pangenomesResult struct {
	Pangenomes []store.Pangenome `json:"pangenomes"`
}

// Handler serves the JSON-RPC endpoint over one engine.
type Handler struct {
	engine *engine.Engine
	log    logger.Logger
}

func New(e *engine.Engine, log logger.Logger) *Handler {
	return &Handler{
		engine: e,
		log:    log.WithPrefix("[server]"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, nil, &rpcError{
			Name:    "ParseError",
			Code:    -32700,
			Message: "invalid JSON-RPC request",
		})
		return
	}

	ownerID := r.Header.Get(ownerHeader)
	ctx := r.Context()

	switch req.Method {
	case Service + ".get_table_data":
		var params engine.Request
		if !h.decodeParams(w, req, &params) {
			return
		}
		params.OwnerID = ownerID
		td, err := h.engine.GetTableData(ctx, params)
		if err != nil {
			h.writeError(w, req.ID, taxonomy(err))
			return
		}
		h.writeResult(w, req.ID, td)

	case Service + ".list_tables":
		var params listParams
		if !h.decodeParams(w, req, &params) {
			return
		}
		tables, err := h.engine.ListTables(ctx, ownerID, params.TableID, params.PangenomeID)
		if err != nil {
			h.writeError(w, req.ID, taxonomy(err))
			return
		}
		h.writeResult(w, req.ID, tablesResult{Tables: tables})

	case Service + ".list_pangenomes":
		var params listParams
		if !h.decodeParams(w, req, &params) {
			return
		}
		pangenomes, err := h.engine.ListPangenomes(ctx, ownerID, params.TableID)
		if err != nil {
			h.writeError(w, req.ID, taxonomy(err))
			return
		}
		h.writeResult(w, req.ID, pangenomesResult{Pangenomes: pangenomes})

	default:
		h.writeError(w, req.ID, &rpcError{
			Name:    "MethodNotFound",
			Code:    -32601,
			Message: "unknown method " + req.Method,
		})
	}
}

func (h *Handler) decodeParams(w http.ResponseWriter, req rpcRequest, into any) bool {
	if len(req.Params) != 1 {
		h.writeError(w, req.ID, &rpcError{
			Name:    "InvalidRequest",
			Code:    -32602,
			Message: "params must be a single-element array",
		})
		return false
	}
	if err := json.Unmarshal(req.Params[0], into); err != nil {
		h.writeError(w, req.ID, &rpcError{
			Name:    "InvalidRequest",
			Code:    -32602,
			Message: "malformed params: " + err.Error(),
		})
		return false
	}
	return true
}

// taxonomy maps engine errors to their wire names.
func taxonomy(err error) *rpcError {
	switch {
	case errors.Is(err, engine.ErrInvalidRequest):
		return &rpcError{Name: "InvalidRequest", Code: -32602, Message: err.Error()}
	case errors.Is(err, store.ErrInvalidColumn):
		return &rpcError{Name: "InvalidColumn", Code: -32602, Message: err.Error()}
	case errors.Is(err, store.ErrTableNotFound):
		return &rpcError{Name: "TableNotFound", Code: -32001, Message: err.Error()}
	case errors.Is(err, diskcache.ErrSourceUnavailable):
		return &rpcError{Name: "SourceUnavailable", Code: -32002, Message: err.Error()}
	default:
		return &rpcError{Name: "InternalError", Code: -32603, Message: err.Error()}
	}
}

func (h *Handler) writeResult(w http.ResponseWriter, id, result any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(rpcResponse{
		Version: "1.1",
		Result:  []any{result},
		ID:      id,
	}); err != nil {
		h.log.Error("failed to write response: %s", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, id any, rpcErr *rpcError) {
	h.log.Warn("request failed: %s (%s)", rpcErr.Message, rpcErr.Name)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	if err := json.NewEncoder(w).Encode(rpcResponse{
		Version: "1.1",
		Error:   rpcErr,
		ID:      id,
	}); err != nil {
		h.log.Error("failed to write error response: %s", err)
	}
}
