package lsps0

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/flokiorg/lokilsp/constants"
	"github.com/flokiorg/lokilsp/logger"
	"github.com/flokiorg/lokilsp/lsps/common"
	"github.com/flokiorg/lokilsp/lsps/transport"
)

// RequestHandler processes one JSON-RPC method. It returns either a result
// (marshalled into the response) or a JSON-RPC error.
type RequestHandler func(ctx context.Context, peerPubkey string, req *common.JsonRpcRequest) (interface{}, *common.JsonRpcError)

// ServiceHandler is the server-side JSON-RPC dispatcher. It answers
// lsps0.list_protocols itself; higher protocols register their methods.
type ServiceHandler struct {
	transport          transport.Transport
	supportedProtocols []int

	mu       sync.RWMutex
	handlers map[string]RequestHandler
}

// NewServiceHandler creates a new LSPS0 service handler
func NewServiceHandler(transport transport.Transport, supportedProtocols []int) *ServiceHandler {
	if len(supportedProtocols) == 0 {
		supportedProtocols = []int{1}
	}

	h := &ServiceHandler{
		transport:          transport,
		supportedProtocols: supportedProtocols,
		handlers:           map[string]RequestHandler{},
	}
	h.Register(MethodListProtocols, h.handleListProtocols)
	return h
}

// Register binds a JSON-RPC method name to its handler.
func (h *ServiceHandler) Register(method string, handler RequestHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[method] = handler
}

// HandleMessage processes one inbound custom message carrying a JSON-RPC
// request and sends the reply to the peer.
func (h *ServiceHandler) HandleMessage(ctx context.Context, peerPubkey string, data []byte) error {
	req, err := DecodeJsonRpcRequest(data)
	if err != nil {
		// no usable request id, reply with id null
		return h.sendError(ctx, peerPubkey, nil, &common.JsonRpcError{
			Code:    ErrCodeParseError,
			Message: "Parse error",
		})
	}

	h.mu.RLock()
	handler, ok := h.handlers[req.Method]
	h.mu.RUnlock()
	if !ok {
		logger.Logger.Debug().
			Str("method", req.Method).
			Str("peer", peerPubkey).
			Msg("Unknown JSON-RPC method")
		return h.sendError(ctx, peerPubkey, &req.ID, &common.JsonRpcError{
			Code:    ErrCodeMethodNotFound,
			Message: "Method not found",
		})
	}

	result, rpcErr := handler(ctx, peerPubkey, req)
	if rpcErr != nil {
		return h.sendError(ctx, peerPubkey, &req.ID, rpcErr)
	}
	return h.sendResult(ctx, peerPubkey, &req.ID, result)
}

func (h *ServiceHandler) handleListProtocols(ctx context.Context, peerPubkey string, req *common.JsonRpcRequest) (interface{}, *common.JsonRpcError) {
	protocols := make([]int, len(h.supportedProtocols))
	copy(protocols, h.supportedProtocols)
	return &ListProtocolsResponse{Protocols: protocols}, nil
}

func (h *ServiceHandler) sendResult(ctx context.Context, peerPubkey string, requestID *string, result interface{}) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}

	response := &common.JsonRpcResponse{
		Jsonrpc: "2.0",
		Result:  raw,
		ID:      requestID,
	}
	return h.send(ctx, peerPubkey, response)
}

func (h *ServiceHandler) sendError(ctx context.Context, peerPubkey string, requestID *string, rpcErr *common.JsonRpcError) error {
	response := &common.JsonRpcResponse{
		Jsonrpc: "2.0",
		Error:   rpcErr,
		ID:      requestID,
	}
	return h.send(ctx, peerPubkey, response)
}

func (h *ServiceHandler) send(ctx context.Context, peerPubkey string, response *common.JsonRpcResponse) error {
	data, err := EncodeJsonRpc(response)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	if err := h.transport.SendCustomMessage(ctx, peerPubkey, constants.LSPS_MESSAGE_TYPE_ID, data); err != nil {
		return fmt.Errorf("failed to send response: %w", err)
	}
	return nil
}
