// Package lsps0 implements the LSPS0 JSON-RPC layer spoken over Lightning
// custom messages.
package lsps0

import (
	"encoding/json"

	"github.com/flokiorg/lokilsp/lsps/common"
)

// Method names for LSPS0
const (
	MethodListProtocols = "lsps0.list_protocols"
)

// JSON-RPC error codes used across the LSPS services.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInternalError  = -32603
)

// ListProtocolsRequest is the request for listing supported protocols
type ListProtocolsRequest struct{}

// ListProtocolsResponse contains the list of supported protocols
type ListProtocolsResponse struct {
	Protocols []int `json:"protocols"`
}

// EncodeJsonRpc encodes a JSON-RPC request or response
func EncodeJsonRpc(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// DecodeJsonRpcRequest decodes a JSON-RPC request
func DecodeJsonRpcRequest(data []byte) (*common.JsonRpcRequest, error) {
	var req common.JsonRpcRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	return &req, nil
}
