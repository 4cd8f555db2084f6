// Package lnclient abstracts the host Lightning node. The LSPS1 engine only
// talks to the node through this interface.
package lnclient

import (
	"context"
	"errors"
)

const DEFAULT_INVOICE_EXPIRY = 86400

var ErrPeerNotConnected = errors.New("peer is not connected")

// InvoiceState mirrors the lifecycle of a hold invoice on the node.
type InvoiceState string

const (
	INVOICE_STATE_OPEN     InvoiceState = "OPEN"
	INVOICE_STATE_ACCEPTED InvoiceState = "ACCEPTED"
	INVOICE_STATE_SETTLED  InvoiceState = "SETTLED"
	INVOICE_STATE_CANCELED InvoiceState = "CANCELED"
)

// Transaction describes an invoice registered with the node.
type Transaction struct {
	Invoice        string
	PaymentHash    string
	AmountMsat     int64
	CreatedAt      int64
	ExpiresAt      *int64
	SettleDeadline *uint32
}

// InvoiceUpdate is one state change of a subscribed invoice.
type InvoiceUpdate struct {
	PaymentHash    string
	State          InvoiceState
	SettleDeadline *uint32
}

// CustomMessage is a raw peer message carrying an LSPS payload.
type CustomMessage struct {
	PeerPubkey string
	Type       uint32
	Data       []byte
}

type OpenChannelRequest struct {
	Pubkey           string
	LocalAmountSat   int64
	PushAmountSat    int64
	Public           bool
	MinConfirmations *uint16
}

type OpenChannelResponse struct {
	FundingTxID   string
	FundingOutnum uint32
}

// ConfirmationEvent is emitted once a watched transaction reaches the
// requested depth.
type ConfirmationEvent struct {
	TxID        string
	BlockHeight uint32
}

type NodeInfo struct {
	Pubkey      string
	Alias       string
	Network     string
	BlockHeight uint32
}

type LNClient interface {
	GetInfo(ctx context.Context) (*NodeInfo, error)
	IsPeerConnected(ctx context.Context, pubkey string) (bool, error)

	MakeHoldInvoice(ctx context.Context, amountMsat int64, description string, expiry int64, paymentHash string) (*Transaction, error)
	SettleHoldInvoice(ctx context.Context, preimage string) error
	CancelHoldInvoice(ctx context.Context, paymentHash string) error
	// SubscribeSingleInvoice streams updates for one invoice until it
	// reaches SETTLED or CANCELED or the context is cancelled.
	SubscribeSingleInvoice(ctx context.Context, paymentHash string) (<-chan InvoiceUpdate, <-chan error, error)

	OpenChannel(ctx context.Context, req *OpenChannelRequest) (*OpenChannelResponse, error)
	// SubscribeConfirmations emits one event when txid reaches numConfs
	// confirmations, then closes the channel.
	SubscribeConfirmations(ctx context.Context, txid string, numConfs uint32) (<-chan ConfirmationEvent, <-chan error, error)

	SendCustomMessage(ctx context.Context, peerPubkey string, msgType uint32, data []byte) error
	SubscribeCustomMessages(ctx context.Context) (<-chan CustomMessage, <-chan error, error)

	Shutdown() error
}
