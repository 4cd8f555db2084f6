package lsps1

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flokiorg/lokilsp/config"
	"github.com/flokiorg/lokilsp/logger"
	"github.com/flokiorg/lokilsp/lsps/common"
	"github.com/flokiorg/lokilsp/lsps/engine"
	"github.com/flokiorg/lokilsp/lsps/lsps0"
)

// target block interval used to estimate the channel lease end time
const blockInterval = 10 * time.Minute

// ServiceHandler answers the LSPS1 methods on behalf of the lifecycle engine.
type ServiceHandler struct {
	engine *engine.Engine
	cfg    *config.AppConfig
}

// NewServiceHandler creates the LSPS1 handler and registers its methods on
// the JSON-RPC dispatcher.
func NewServiceHandler(dispatcher *lsps0.ServiceHandler, eng *engine.Engine, cfg *config.AppConfig) *ServiceHandler {
	h := &ServiceHandler{engine: eng, cfg: cfg}
	dispatcher.Register(MethodGetInfo, h.handleGetInfo)
	dispatcher.Register(MethodCreateOrder, h.handleCreateOrder)
	dispatcher.Register(MethodGetOrder, h.handleGetOrder)
	return h
}

func (h *ServiceHandler) handleGetInfo(ctx context.Context, peerPubkey string, req *common.JsonRpcRequest) (interface{}, *common.JsonRpcError) {
	resp := &GetInfoResponse{
		SupportedVersions: []uint16{SupportedAPIVersion},
		Options:           h.options(),
	}
	if h.cfg.Website != "" {
		resp.Website = &h.cfg.Website
	}
	return resp, nil
}

func (h *ServiceHandler) options() Options {
	return Options{
		MinimumChannelConfirmations:    h.cfg.MinChannelConfirmations,
		MinFundingConfirmsWithinBlocks: h.cfg.MinFundingConfirmsWithin,
		SupportsZeroChannelReserve:     h.cfg.SupportsZeroChannelReserve,
		MaxChannelExpiryBlocks:         h.cfg.MaxChannelExpiryBlocks,
		MinInitialClientBalanceSat:     common.Amount(h.cfg.MinInitialClientBalanceSat),
		MaxInitialClientBalanceSat:     common.Amount(h.cfg.MaxInitialClientBalanceSat),
		MinInitialLspBalanceSat:        common.Amount(h.cfg.MinInitialLspBalanceSat),
		MaxInitialLspBalanceSat:        common.Amount(h.cfg.MaxInitialLspBalanceSat),
		MinChannelBalanceSat:           common.Amount(h.cfg.MinChannelBalanceSat),
		MaxChannelBalanceSat:           common.Amount(h.cfg.MaxChannelBalanceSat),
	}
}

func (h *ServiceHandler) handleCreateOrder(ctx context.Context, peerPubkey string, req *common.JsonRpcRequest) (interface{}, *common.JsonRpcError) {
	var params CreateOrderRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, invalidParams(fmt.Sprintf("failed to parse create_order params: %v", err))
	}
	if params.APIVersion != SupportedAPIVersion {
		return nil, invalidParams(fmt.Sprintf("unsupported api_version=%d, this LSP speaks version %d", params.APIVersion, SupportedAPIVersion))
	}

	createReq := &engine.CreateOrderRequest{
		ClientNodeID:         peerPubkey,
		LspBalanceSat:        uint64(params.LspBalanceSat),
		ClientBalanceSat:     uint64(params.ClientBalanceSat),
		ConfirmsWithinBlocks: params.ConfirmsWithinBlocks,
		ChannelExpiryBlocks:  params.ChannelExpiryBlocks,
		AnnounceChannel:      params.AnnounceChannel,
		RawRequest:           req.Params,
	}
	if params.Token != nil {
		createReq.Token = *params.Token
	}
	if params.RefundOnchainAddress != nil {
		createReq.RefundOnchainAddress = *params.RefundOnchainAddress
	}

	info, err := h.engine.CreateOrder(ctx, createReq)
	if err != nil {
		return nil, mapEngineError(err)
	}
	return orderResponse(info), nil
}

func (h *ServiceHandler) handleGetOrder(ctx context.Context, peerPubkey string, req *common.JsonRpcRequest) (interface{}, *common.JsonRpcError) {
	var params GetOrderRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, invalidParams(fmt.Sprintf("failed to parse get_order params: %v", err))
	}
	if params.OrderID == "" {
		return nil, invalidParams("order_id is required")
	}

	info, err := h.engine.GetOrder(params.OrderID)
	if err != nil {
		return nil, mapEngineError(err)
	}

	// an order is only visible to the peer that placed it
	if info.Order.ClientNodeID != peerPubkey {
		logger.Logger.Warn().
			Str("order_uuid", params.OrderID).
			Str("peer", peerPubkey).
			Msg("Peer requested another client's order")
		return nil, &common.JsonRpcError{
			Code:    ErrCodeNotFound,
			Message: "Not Found",
		}
	}
	return orderResponse(info), nil
}

func invalidParams(message string) *common.JsonRpcError {
	data, _ := json.Marshal(map[string]string{"message": message})
	return &common.JsonRpcError{
		Code:    ErrCodeInvalidParams,
		Message: "Invalid params",
		Data:    data,
	}
}

func mapEngineError(err error) *common.JsonRpcError {
	switch e := err.(type) {
	case *engine.ValidationError:
		data, _ := json.Marshal(&OptionMismatchData{Property: e.Property, Message: e.Message})
		return &common.JsonRpcError{
			Code:    ErrCodeInvalidParams,
			Message: "Invalid params",
			Data:    data,
		}
	case *engine.OptionMismatchError:
		data, _ := json.Marshal(&OptionMismatchData{Property: e.Property, Message: e.Message})
		return &common.JsonRpcError{
			Code:    ErrCodeOptionMismatch,
			Message: "Options mismatch",
			Data:    data,
		}
	}
	if err == engine.ErrOrderNotFound {
		return &common.JsonRpcError{
			Code:    ErrCodeNotFound,
			Message: "Not Found",
		}
	}
	logger.Logger.Error().Err(err).Msg("Internal error handling LSPS1 request")
	return &common.JsonRpcError{
		Code:    lsps0.ErrCodeInternalError,
		Message: "Internal error",
	}
}

func orderResponse(info *engine.OrderInfo) *OrderResponse {
	resp := &OrderResponse{
		OrderID:              info.Order.UUID,
		APIVersion:           SupportedAPIVersion,
		LspBalanceSat:        common.Amount(info.Order.LspBalanceSat),
		ClientBalanceSat:     common.Amount(info.Order.ClientBalanceSat),
		ConfirmsWithinBlocks: info.Order.ConfirmsWithinBlocks,
		ChannelExpiryBlocks:  info.Order.ChannelExpiryBlocks,
		Token:                info.Order.Token,
		AnnounceChannel:      info.Order.AnnounceChannel,
		CreatedAt:            common.IsoTime(info.Order.CreatedAt),
		ExpiresAt:            common.IsoTime(info.Order.ExpiresAt),
		OrderState:           info.OrderState,
	}

	if info.Payment != nil && info.PaymentState != nil {
		resp.Payment = PaymentInfo{
			State:         info.PaymentState.State,
			FeeTotalSat:   common.Amount(info.Payment.FeeTotalSat),
			OrderTotalSat: common.Amount(info.Payment.OrderTotalSat),
			Bolt11Invoice: info.Payment.Bolt11Invoice,
		}
	}

	if info.Channel != nil {
		leaseEnd := info.Channel.FundedAt.Add(time.Duration(info.Order.ChannelExpiryBlocks) * blockInterval)
		resp.Channel = &ChannelInfo{
			FundedAt:        common.IsoTime(info.Channel.FundedAt),
			FundingOutpoint: fmt.Sprintf("%s:%d", info.Channel.FundingTxID, info.Channel.FundingOutnum),
			ExpiresAt:       common.IsoTime(leaseEnd),
		}
	}
	return resp
}
