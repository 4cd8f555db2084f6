// Package lsps1 implements the server side of the LSPS1 channel purchase
// protocol: advertising options, taking orders and reporting order status.
package lsps1

import (
	"github.com/flokiorg/lokilsp/lsps/common"
)

const (
	MethodGetInfo     = "lsps1.get_info"
	MethodCreateOrder = "lsps1.create_order"
	MethodGetOrder    = "lsps1.get_order"
)

// JSON-RPC error codes specific to LSPS1.
const (
	ErrCodeInvalidParams  = -32602
	ErrCodeOptionMismatch = 1000
	ErrCodeNotFound       = 404
)

const SupportedAPIVersion = 1

// GetInfoRequest requests supported options from the LSP
type GetInfoRequest struct{}

// Options is the set of admission bounds advertised to clients. Every
// create_order request is validated against these.
type Options struct {
	MinimumChannelConfirmations        uint16         `json:"minimum_channel_confirmations"`
	MinFundingConfirmsWithinBlocks     uint16         `json:"min_funding_confirms_within_blocks"`
	MinimumOnchainPaymentConfirmations *uint16        `json:"minimum_onchain_payment_confirmations"`
	SupportsZeroChannelReserve         bool           `json:"supports_zero_channel_reserve"`
	MinOnchainPaymentSizeSat           *common.Amount `json:"min_onchain_payment_size_sat"`
	MaxChannelExpiryBlocks             uint32         `json:"max_channel_expiry_blocks"`
	MinInitialClientBalanceSat         common.Amount  `json:"min_initial_client_balance_sat"`
	MaxInitialClientBalanceSat         common.Amount  `json:"max_initial_client_balance_sat"`
	MinInitialLspBalanceSat            common.Amount  `json:"min_initial_lsp_balance_sat"`
	MaxInitialLspBalanceSat            common.Amount  `json:"max_initial_lsp_balance_sat"`
	MinChannelBalanceSat               common.Amount  `json:"min_channel_balance_sat"`
	MaxChannelBalanceSat               common.Amount  `json:"max_channel_balance_sat"`
}

// GetInfoResponse contains the supported versions and options
type GetInfoResponse struct {
	SupportedVersions []uint16 `json:"supported_versions"`
	Website           *string  `json:"website"`
	Options           Options  `json:"options"`
}

// CreateOrderRequest asks the LSP to sell a channel
type CreateOrderRequest struct {
	APIVersion           uint16        `json:"api_version"`
	LspBalanceSat        common.Amount `json:"lsp_balance_sat"`
	ClientBalanceSat     common.Amount `json:"client_balance_sat"`
	ConfirmsWithinBlocks uint16        `json:"confirms_within_blocks"`
	ChannelExpiryBlocks  uint32        `json:"channel_expiry_blocks"`
	Token                *string       `json:"token,omitempty"`
	RefundOnchainAddress *string       `json:"refund_onchain_address,omitempty"`
	AnnounceChannel      bool          `json:"announceChannel"`
}

// PaymentInfo reports the payment terms and current payment state
type PaymentInfo struct {
	State                             string         `json:"state"`
	FeeTotalSat                       common.Amount  `json:"fee_total_sat"`
	OrderTotalSat                     common.Amount  `json:"order_total_sat"`
	Bolt11Invoice                     string         `json:"bolt11_invoice"`
	OnchainAddress                    *string        `json:"onchain_address"`
	RequiredOnchainBlockConfirmations *uint16        `json:"required_onchain_block_confirmations"`
	MinimumFeeFor0conf                *common.Amount `json:"minimum_fee_for_0conf"`
	OnchainPayment                    *OnchainInfo   `json:"onchain_payment"`
}

// OnchainInfo would report an observed onchain payment; unused while only
// lightning settlement is offered.
type OnchainInfo struct {
	Outpoint  string        `json:"outpoint"`
	Sat       common.Amount `json:"sat"`
	Confirmed bool          `json:"confirmed"`
}

// ChannelInfo reports the funded channel of a completed order
type ChannelInfo struct {
	FundedAt        common.IsoTime `json:"funded_at"`
	FundingOutpoint string         `json:"funding_outpoint"`
	ExpiresAt       common.IsoTime `json:"expires_at"`
}

// OrderResponse is returned by both create_order and get_order
type OrderResponse struct {
	OrderID              string         `json:"order_id"`
	APIVersion           uint16         `json:"api_version"`
	LspBalanceSat        common.Amount  `json:"lsp_balance_sat"`
	ClientBalanceSat     common.Amount  `json:"client_balance_sat"`
	ConfirmsWithinBlocks uint16         `json:"confirms_within_blocks"`
	ChannelExpiryBlocks  uint32         `json:"channel_expiry_blocks"`
	Token                string         `json:"token"`
	AnnounceChannel      bool           `json:"announceChannel"`
	CreatedAt            common.IsoTime `json:"created_at"`
	ExpiresAt            common.IsoTime `json:"expires_at"`
	OrderState           string         `json:"order_state"`
	Payment              PaymentInfo    `json:"payment"`
	Channel              *ChannelInfo   `json:"channel,omitempty"`
}

// GetOrderRequest requests the current status of an order
type GetOrderRequest struct {
	OrderID string `json:"order_id"`
}

// OptionMismatchData is attached to option-mismatch error replies and names
// the violated option.
type OptionMismatchData struct {
	Property string `json:"property"`
	Message  string `json:"message"`
}
