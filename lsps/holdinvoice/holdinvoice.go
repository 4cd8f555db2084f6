// Package holdinvoice reserves order payments with hold invoices. The payment
// is held at the node until the purchased channel is funded, then settled, or
// cancelled back to the payer when the order fails.
package holdinvoice

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/flokiorg/lokilsp/constants"
	"github.com/flokiorg/lokilsp/lnclient"
	"github.com/flokiorg/lokilsp/logger"
)

type ReserveRequest struct {
	OrderUUID           string
	AmountSat           uint64
	CapacitySat         uint64
	ChannelExpiryBlocks uint32
	ExpirySeconds       int64
}

// Reservation holds everything the store needs to persist so the payment can
// be settled or cancelled after a restart.
type Reservation struct {
	Label       string
	PaymentHash string
	Preimage    string
	Bolt11      string
	ExpiresAt   int64
}

type Service struct {
	lnClient lnclient.LNClient
}

func NewService(lnClient lnclient.LNClient) *Service {
	return &Service{lnClient: lnClient}
}

// Reserve generates a fresh preimage, registers a hold invoice for the order
// total and returns the reservation terms. The invoice label doubles as the
// logical key linking node-side payments back to the order.
func (svc *Service) Reserve(ctx context.Context, req *ReserveRequest) (*Reservation, error) {
	preimage := make([]byte, 32)
	if _, err := rand.Read(preimage); err != nil {
		return nil, fmt.Errorf("failed to generate preimage: %w", err)
	}
	paymentHash := sha256.Sum256(preimage)
	paymentHashHex := hex.EncodeToString(paymentHash[:])

	label := constants.INVOICE_LABEL_PREFIX + req.OrderUUID
	description := fmt.Sprintf("LSPS1: Request channel with capacity %d for %d blocks",
		req.CapacitySat, req.ChannelExpiryBlocks)

	tx, err := svc.lnClient.MakeHoldInvoice(ctx, int64(req.AmountSat)*1000, description, req.ExpirySeconds, paymentHashHex)
	if err != nil {
		logger.Logger.Error().Err(err).
			Str("label", label).
			Msg("Failed to register hold invoice")
		return nil, err
	}

	logger.Logger.Info().
		Str("label", label).
		Str("payment_hash", paymentHashHex).
		Uint64("amount_sat", req.AmountSat).
		Msg("Reserved order payment with hold invoice")

	var expiresAt int64
	if tx.ExpiresAt != nil {
		expiresAt = *tx.ExpiresAt
	}

	return &Reservation{
		Label:       label,
		PaymentHash: paymentHashHex,
		Preimage:    hex.EncodeToString(preimage),
		Bolt11:      tx.Invoice,
		ExpiresAt:   expiresAt,
	}, nil
}

// AwaitUpdates re-subscribes to invoice state changes for a persisted payment
// hash. Safe to call again after a restart.
func (svc *Service) AwaitUpdates(ctx context.Context, paymentHash string) (<-chan lnclient.InvoiceUpdate, <-chan error, error) {
	return svc.lnClient.SubscribeSingleInvoice(ctx, paymentHash)
}

// Settle releases the held payment to the local node.
func (svc *Service) Settle(ctx context.Context, preimage string) error {
	return svc.lnClient.SettleHoldInvoice(ctx, preimage)
}

// Cancel returns the held payment to the payer. Cancelling an invoice that is
// already settled fails at the node, callers decide how to treat that.
func (svc *Service) Cancel(ctx context.Context, paymentHash string) error {
	return svc.lnClient.CancelHoldInvoice(ctx, paymentHash)
}
