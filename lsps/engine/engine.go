// Package engine drives LSPS1 orders through their lifecycle: admission,
// payment reservation, channel provisioning and terminal resolution. All
// state changes go through the persist store; the generation guard on payment
// states serializes concurrent handlers for the same order.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flokiorg/go-flokicoin/chaincfg"
	"github.com/flokiorg/go-flokicoin/chainutil"
	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/flokiorg/lokilsp/config"
	"github.com/flokiorg/lokilsp/constants"
	"github.com/flokiorg/lokilsp/db"
	"github.com/flokiorg/lokilsp/lnclient"
	"github.com/flokiorg/lokilsp/logger"
	"github.com/flokiorg/lokilsp/lsps/events"
	"github.com/flokiorg/lokilsp/lsps/funding"
	"github.com/flokiorg/lokilsp/lsps/holdinvoice"
	"github.com/flokiorg/lokilsp/lsps/persist"
)

type Engine struct {
	store       *persist.Store
	payments    *holdinvoice.Service
	channels    *funding.Service
	feeCalc     FeeCalculator
	cfg         *config.AppConfig
	chainParams *chaincfg.Params
	eventQueue  *events.EventQueue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// orders with a live invoice watcher, keyed by order id
	watchMu sync.Mutex
	watched map[uint]struct{}

	// orders with provisioning or funding-follow in flight, keyed by order
	// id. Replayed invoice events and recovery must not open a second
	// channel while the first open has not returned.
	provisionMu  sync.Mutex
	provisioning map[uint]struct{}
}

func NewEngine(
	store *persist.Store,
	payments *holdinvoice.Service,
	channels *funding.Service,
	feeCalc FeeCalculator,
	cfg *config.AppConfig,
	chainParams *chaincfg.Params,
	eventQueue *events.EventQueue,
) *Engine {
	return &Engine{
		store:        store,
		payments:     payments,
		channels:     channels,
		feeCalc:      feeCalc,
		cfg:          cfg,
		chainParams:  chainParams,
		eventQueue:   eventQueue,
		watched:      map[uint]struct{}{},
		provisioning: map[uint]struct{}{},
	}
}

// Start binds the engine to a lifetime context. Watcher goroutines spawned
// for orders are cancelled when ctx ends or Stop is called.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
}

// Stop cancels all watchers and waits for them to drain.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

type CreateOrderRequest struct {
	ClientNodeID         string
	LspBalanceSat        uint64
	ClientBalanceSat     uint64
	ConfirmsWithinBlocks uint16
	ChannelExpiryBlocks  uint32
	Token                string
	RefundOnchainAddress string
	AnnounceChannel      bool
	RawRequest           []byte
}

// OrderInfo is the full view of an order: the immutable order row plus the
// latest order state, payment terms, latest payment state and, once funded,
// the channel record.
type OrderInfo struct {
	Order        *db.Order
	OrderState   string
	Payment      *db.PaymentDetails
	PaymentState *db.PaymentState
	Channel      *db.Channel
}

// CreateOrder validates a purchase request against the configured options,
// persists the order, reserves the payment with a hold invoice and returns
// the full terms. No state is created for rejected requests.
func (e *Engine) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*OrderInfo, error) {
	if err := e.validateRequest(req); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	order := &db.Order{
		UUID:                 uuid.New().String(),
		ClientNodeID:         req.ClientNodeID,
		LspBalanceSat:        req.LspBalanceSat,
		ClientBalanceSat:     req.ClientBalanceSat,
		ConfirmsWithinBlocks: req.ConfirmsWithinBlocks,
		ChannelExpiryBlocks:  req.ChannelExpiryBlocks,
		Token:                req.Token,
		RefundOnchainAddress: req.RefundOnchainAddress,
		AnnounceChannel:      req.AnnounceChannel,
		CreatedAt:            now,
		ExpiresAt:            now.Add(time.Duration(e.cfg.OrderLifetimeSeconds) * time.Second),
		RawRequest:           datatypes.JSON(req.RawRequest),
	}

	feeTotal, orderTotal := e.feeCalc.Calculate(req.LspBalanceSat, req.ClientBalanceSat, req.ChannelExpiryBlocks)

	if err := e.store.CreateOrder(order); err != nil {
		return nil, fmt.Errorf("failed to persist order: %w", err)
	}

	reservation, err := e.payments.Reserve(ctx, &holdinvoice.ReserveRequest{
		OrderUUID:           order.UUID,
		AmountSat:           orderTotal,
		CapacitySat:         req.LspBalanceSat + req.ClientBalanceSat,
		ChannelExpiryBlocks: req.ChannelExpiryBlocks,
		ExpirySeconds:       int64(e.cfg.OrderLifetimeSeconds),
	})
	if err != nil {
		// the order exists but has no payment terms, resolve it immediately
		if stateErr := e.store.AppendOrderState(order.ID, constants.ORDER_STATE_FAILED); stateErr != nil {
			logger.Logger.Error().Err(stateErr).
				Str("order_uuid", order.UUID).
				Msg("Failed to mark unreservable order as failed")
		}
		return nil, fmt.Errorf("failed to reserve payment: %w", err)
	}

	payment := &db.PaymentDetails{
		OrderID:            order.ID,
		FeeTotalSat:        feeTotal,
		OrderTotalSat:      orderTotal,
		Bolt11Invoice:      reservation.Bolt11,
		Bolt11InvoiceLabel: reservation.Label,
		PaymentHash:        reservation.PaymentHash,
		Preimage:           reservation.Preimage,
		CreatedAt:          now,
	}
	if err := e.store.CreatePaymentDetails(payment); err != nil {
		return nil, fmt.Errorf("failed to persist payment details: %w", err)
	}

	logger.Logger.Info().
		Str("order_uuid", order.UUID).
		Str("client_node_id", order.ClientNodeID).
		Uint64("lsp_balance_sat", order.LspBalanceSat).
		Uint64("order_total_sat", orderTotal).
		Msg("Created order")

	e.eventQueue.Enqueue(&events.OrderCreatedEvent{
		OrderUUID:   order.UUID,
		PaymentHash: payment.PaymentHash,
	})

	e.armPaymentWatcher(order, payment)

	paymentState, err := e.store.CurrentPaymentState(payment.ID)
	if err != nil {
		return nil, err
	}
	return &OrderInfo{
		Order:        order,
		OrderState:   constants.ORDER_STATE_CREATED,
		Payment:      payment,
		PaymentState: paymentState,
	}, nil
}

func (e *Engine) validateRequest(req *CreateOrderRequest) error {
	if req.ClientNodeID == "" {
		return &ValidationError{Property: "client_node_id", Message: "missing client node id"}
	}
	if e.cfg.RequiredToken != "" && req.Token != e.cfg.RequiredToken {
		return &ValidationError{Property: "token", Message: "unrecognized token"}
	}
	if req.RefundOnchainAddress != "" {
		addr, err := chainutil.DecodeAddress(req.RefundOnchainAddress, e.chainParams)
		if err != nil {
			return &ValidationError{Property: "refund_onchain_address", Message: "not a valid onchain address"}
		}
		if !addr.IsForNet(e.chainParams) {
			return &ValidationError{Property: "refund_onchain_address", Message: fmt.Sprintf("address is not valid for %s", e.chainParams.Name)}
		}
	}
	if e.cfg.AnnounceChannelsOnly && !req.AnnounceChannel {
		return &ValidationError{Property: "announce_channel", Message: "this LSP only opens announced channels"}
	}
	return e.validateOptions(req)
}

// validateOptions checks the request against the advertised LSPS1 options.
// The first violated bound wins; the property names the violated option.
func (e *Engine) validateOptions(req *CreateOrderRequest) error {
	opts := e.cfg

	if req.ClientBalanceSat < opts.MinInitialClientBalanceSat {
		return &OptionMismatchError{
			Property: "min_initial_client_balance_sat",
			Message: fmt.Sprintf("You've requested client_balance_sat=%d but the LSP-server requires at least %d",
				req.ClientBalanceSat, opts.MinInitialClientBalanceSat),
		}
	}
	if req.ClientBalanceSat > opts.MaxInitialClientBalanceSat {
		return &OptionMismatchError{
			Property: "max_initial_client_balance_sat",
			Message: fmt.Sprintf("You've requested client_balance_sat=%d but the LSP-server doesn't allow this value to exceed %d",
				req.ClientBalanceSat, opts.MaxInitialClientBalanceSat),
		}
	}
	if req.LspBalanceSat < opts.MinInitialLspBalanceSat {
		return &OptionMismatchError{
			Property: "min_initial_lsp_balance_sat",
			Message: fmt.Sprintf("You've requested a channel with lsp_balance_sat=%d but the LSP-server requires at least %d",
				req.LspBalanceSat, opts.MinInitialLspBalanceSat),
		}
	}
	if req.LspBalanceSat > opts.MaxInitialLspBalanceSat {
		return &OptionMismatchError{
			Property: "max_initial_lsp_balance_sat",
			Message: fmt.Sprintf("You've requested a channel with lsp_balance_sat=%d but the LSP-server doesn't allow this value to exceed %d",
				req.LspBalanceSat, opts.MaxInitialLspBalanceSat),
		}
	}

	capacity := req.LspBalanceSat + req.ClientBalanceSat
	if capacity < req.LspBalanceSat {
		return &OptionMismatchError{
			Property: "max_channel_balance_sat",
			Message:  "Overflow when computing channel capacity",
		}
	}
	if capacity < opts.MinChannelBalanceSat {
		return &OptionMismatchError{
			Property: "min_channel_balance_sat",
			Message: fmt.Sprintf("You've requested a channel with capacity=%d but the LSP-server requires at least %d",
				capacity, opts.MinChannelBalanceSat),
		}
	}
	if capacity > opts.MaxChannelBalanceSat {
		return &OptionMismatchError{
			Property: "max_channel_balance_sat",
			Message: fmt.Sprintf("You've requested a channel with capacity=%d but the LSP-server only allows values up to %d",
				capacity, opts.MaxChannelBalanceSat),
		}
	}

	if req.ChannelExpiryBlocks > opts.MaxChannelExpiryBlocks {
		return &OptionMismatchError{
			Property: "max_channel_expiry_blocks",
			Message: fmt.Sprintf("You've requested to lease a channel for channel_expiry_blocks=%d but the LSP-server only allows max_channel_expiry_blocks=%d",
				req.ChannelExpiryBlocks, opts.MaxChannelExpiryBlocks),
		}
	}
	if req.ConfirmsWithinBlocks < opts.MinChannelConfirmations {
		return &OptionMismatchError{
			Property: "min_channel_confirmations",
			Message: fmt.Sprintf("You've requested confirms_within_blocks=%d but the LSP-server requires at least %d",
				req.ConfirmsWithinBlocks, opts.MinChannelConfirmations),
		}
	}
	if req.ConfirmsWithinBlocks < opts.MinFundingConfirmsWithin {
		return &OptionMismatchError{
			Property: "min_funding_confirms_within_blocks",
			Message: fmt.Sprintf("You've requested confirms_within_blocks=%d but the LSP-server cannot confirm funding in fewer than %d blocks",
				req.ConfirmsWithinBlocks, opts.MinFundingConfirmsWithin),
		}
	}
	return nil
}

// GetOrder returns the full current view of an order.
func (e *Engine) GetOrder(uuid string) (*OrderInfo, error) {
	order, err := e.store.GetOrderByUUID(uuid)
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}

	orderState, err := e.store.CurrentOrderState(order.ID)
	if err != nil {
		return nil, err
	}

	info := &OrderInfo{Order: order, OrderState: orderState}

	payment, err := e.store.GetPaymentByOrderID(order.ID)
	if err != nil && !errors.Is(err, persist.ErrNotFound) {
		return nil, err
	}
	if payment != nil {
		info.Payment = payment
		paymentState, err := e.store.CurrentPaymentState(payment.ID)
		if err != nil {
			return nil, err
		}
		info.PaymentState = paymentState
	}

	channel, err := e.store.GetChannelByOrderID(order.ID)
	if err != nil && !errors.Is(err, persist.ErrNotFound) {
		return nil, err
	}
	info.Channel = channel

	return info, nil
}

// armPaymentWatcher subscribes to invoice updates for the order's payment
// hash. At most one watcher runs per order.
func (e *Engine) armPaymentWatcher(order *db.Order, payment *db.PaymentDetails) {
	e.watchMu.Lock()
	if _, ok := e.watched[order.ID]; ok {
		e.watchMu.Unlock()
		return
	}
	e.watched[order.ID] = struct{}{}
	e.watchMu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.watchMu.Lock()
			delete(e.watched, order.ID)
			e.watchMu.Unlock()
		}()

		updates, errChan, err := e.payments.AwaitUpdates(e.ctx, payment.PaymentHash)
		if err != nil {
			logger.Logger.Error().Err(err).
				Str("order_uuid", order.UUID).
				Msg("Failed to subscribe to invoice updates")
			return
		}
		for {
			select {
			case update, ok := <-updates:
				if !ok {
					return
				}
				e.OnPaymentEvent(e.ctx, payment.Bolt11InvoiceLabel, update)
			case err := <-errChan:
				logger.Logger.Error().Err(err).
					Str("order_uuid", order.UUID).
					Msg("Invoice subscription failed")
				return
			case <-e.ctx.Done():
				return
			}
		}
	}()
}

// OnPaymentEvent applies an invoice state change to the order identified by
// its invoice label. Stale-generation conflicts are re-read and retried once,
// then dropped: a concurrent handler already resolved the payment.
func (e *Engine) OnPaymentEvent(ctx context.Context, invoiceLabel string, update lnclient.InvoiceUpdate) {
	payment, err := e.store.GetPaymentByLabel(invoiceLabel)
	if err != nil {
		logger.Logger.Error().Err(err).
			Str("label", invoiceLabel).
			Msg("Payment event for unknown invoice label")
		return
	}
	order, err := e.store.GetOrderByID(payment.OrderID)
	if err != nil {
		logger.Logger.Error().Err(err).
			Uint("order_id", payment.OrderID).
			Msg("Payment event for unknown order")
		return
	}

	switch update.State {
	case lnclient.INVOICE_STATE_ACCEPTED:
		if err := e.transitionPayment(payment.ID, constants.PAYMENT_STATE_HOLD); err != nil {
			logger.Logger.Warn().Err(err).
				Str("order_uuid", order.UUID).
				Msg("Dropping held-payment transition, already handled elsewhere")
			return
		}
		logger.Logger.Info().
			Str("order_uuid", order.UUID).
			Msg("Payment held, provisioning channel")
		e.eventQueue.Enqueue(&events.PaymentHeldEvent{OrderUUID: order.UUID})
		e.startProvisioning(order, payment)

	case lnclient.INVOICE_STATE_CANCELED:
		current, err := e.store.CurrentPaymentState(payment.ID)
		if err != nil {
			logger.Logger.Error().Err(err).Str("order_uuid", order.UUID).Msg("Failed to read payment state")
			return
		}
		if constants.PaymentStateTerminal(current.State) {
			return
		}
		e.failOrder(order, payment, "payment cancelled or expired at the node")

	case lnclient.INVOICE_STATE_SETTLED:
		// settlement is initiated by the funding path, which records PAID
		logger.Logger.Debug().
			Str("order_uuid", order.UUID).
			Msg("Invoice settled")
	}
}

// transitionPayment appends a payment state with the generation read just
// before. On a stale generation it re-reads and retries the decision once.
func (e *Engine) transitionPayment(paymentID uint, state string) error {
	for attempt := 0; attempt < 2; attempt++ {
		current, err := e.store.CurrentPaymentState(paymentID)
		if err != nil {
			return err
		}
		if current.State == state {
			return nil
		}
		if constants.PaymentStateTerminal(current.State) {
			return persist.ErrTerminalState
		}
		err = e.store.AppendPaymentState(paymentID, state, current.Generation)
		if err == nil {
			return nil
		}
		if !errors.Is(err, persist.ErrStaleGeneration) {
			return err
		}
	}
	return persist.ErrStaleGeneration
}

// beginProvisioning claims the order for a provisioning goroutine. The claim
// holds until endProvisioning; a second claim while one is live is refused.
func (e *Engine) beginProvisioning(orderID uint) bool {
	e.provisionMu.Lock()
	defer e.provisionMu.Unlock()
	if _, ok := e.provisioning[orderID]; ok {
		return false
	}
	e.provisioning[orderID] = struct{}{}
	return true
}

func (e *Engine) endProvisioning(orderID uint) {
	e.provisionMu.Lock()
	delete(e.provisioning, orderID)
	e.provisionMu.Unlock()
}

// startProvisioning opens the channel for a held payment and follows the
// funding transaction to the requested depth. At most one provisioning
// goroutine runs per order; replayed HOLD events while an open is in flight
// are dropped here.
func (e *Engine) startProvisioning(order *db.Order, payment *db.PaymentDetails) {
	if !e.beginProvisioning(order.ID) {
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.endProvisioning(order.ID)

		channel, err := e.store.GetChannelByOrderID(order.ID)
		if err != nil && !errors.Is(err, persist.ErrNotFound) {
			logger.Logger.Error().Err(err).Str("order_uuid", order.UUID).Msg("Failed to read channel record")
			return
		}

		if channel == nil {
			outpoint, err := e.channels.OpenChannel(e.ctx, &funding.OpenRequest{
				ClientNodeID:     order.ClientNodeID,
				LspBalanceSat:    order.LspBalanceSat,
				ClientBalanceSat: order.ClientBalanceSat,
				AnnounceChannel:  order.AnnounceChannel,
			})
			if err != nil {
				e.OnProvisioningFailed(e.ctx, order.UUID, fmt.Sprintf("channel open failed: %v", err))
				return
			}

			// the sweep may have refunded the payment while the open was
			// in flight; a refunded order gets no channel record
			current, err := e.store.CurrentPaymentState(payment.ID)
			if err != nil {
				logger.Logger.Error().Err(err).Str("order_uuid", order.UUID).Msg("Failed to read payment state")
				return
			}
			if constants.PaymentStateTerminal(current.State) {
				logger.Logger.Error().
					Str("order_uuid", order.UUID).
					Str("payment_state", current.State).
					Str("funding_txid", outpoint.TxID).
					Uint32("outnum", outpoint.Outnum).
					Msg("Payment resolved while channel open was in flight, abandoning funding output")
				return
			}

			channel = &db.Channel{
				OrderID:       order.ID,
				FundingTxID:   outpoint.TxID,
				FundingOutnum: outpoint.Outnum,
				FundedAt:      time.Now().UTC(),
			}
			if err := e.store.CreateChannel(channel); err != nil && !errors.Is(err, persist.ErrChannelExists) {
				logger.Logger.Error().Err(err).Str("order_uuid", order.UUID).Msg("Failed to persist channel record")
				return
			}
		}

		e.followFunding(order, payment, channel)
	}()
}

// followFunding waits for the persisted funding transaction to confirm and
// then settles the order. Confirmation errors leave the payment in HOLD so
// the recovery pass can pick it up again.
func (e *Engine) followFunding(order *db.Order, payment *db.PaymentDetails, channel *db.Channel) {
	numConfs := uint32(order.ConfirmsWithinBlocks)
	if numConfs == 0 {
		numConfs = uint32(e.cfg.MinChannelConfirmations)
	}
	if err := e.channels.AwaitConfirmation(e.ctx, channel.FundingTxID, numConfs); err != nil {
		if e.ctx.Err() == nil {
			logger.Logger.Error().Err(err).
				Str("order_uuid", order.UUID).
				Str("funding_txid", channel.FundingTxID).
				Msg("Funding confirmation watch failed, will resume on recovery")
		}
		return
	}

	if err := e.OnFundingConfirmed(e.ctx, order.UUID, channel.FundingTxID, channel.FundingOutnum); err != nil {
		logger.Logger.Error().Err(err).
			Str("order_uuid", order.UUID).
			Msg("Failed to resolve confirmed order, will retry on recovery")
	}
}

// OnFundingConfirmed resolves an order whose funding transaction reached the
// required depth: the channel record is persisted first, then the held
// invoice is settled, then PAID and COMPLETED are appended. A settle failure
// leaves the payment in HOLD for the recovery pass; the channel is never
// reversed.
func (e *Engine) OnFundingConfirmed(ctx context.Context, orderUUID string, fundingTxID string, fundingOutnum uint32) error {
	order, err := e.store.GetOrderByUUID(orderUUID)
	if err != nil {
		return err
	}
	payment, err := e.store.GetPaymentByOrderID(order.ID)
	if err != nil {
		return err
	}

	channel, err := e.store.GetChannelByOrderID(order.ID)
	if errors.Is(err, persist.ErrNotFound) {
		channel = &db.Channel{
			OrderID:       order.ID,
			FundingTxID:   fundingTxID,
			FundingOutnum: fundingOutnum,
			FundedAt:      time.Now().UTC(),
		}
		if err := e.store.CreateChannel(channel); err != nil && !errors.Is(err, persist.ErrChannelExists) {
			return fmt.Errorf("failed to persist channel record: %w", err)
		}
	} else if err != nil {
		return err
	}

	current, err := e.store.CurrentPaymentState(payment.ID)
	if err != nil {
		return err
	}
	if current.State == constants.PAYMENT_STATE_REFUNDED {
		logger.Logger.Warn().
			Str("order_uuid", order.UUID).
			Str("funding_txid", fundingTxID).
			Msg("Funding confirmed for a refunded order, not settling")
		return nil
	}

	// settle only after the channel record is durable; skipped when a prior
	// attempt already settled
	if current.State != constants.PAYMENT_STATE_PAID {
		if err := e.payments.Settle(ctx, payment.Preimage); err != nil {
			return fmt.Errorf("failed to settle held invoice: %w", err)
		}
	}

	if err := e.transitionPayment(payment.ID, constants.PAYMENT_STATE_PAID); err != nil {
		logger.Logger.Warn().Err(err).
			Str("order_uuid", order.UUID).
			Msg("Dropping PAID transition, already handled elsewhere")
	}
	if err := e.store.AppendOrderState(order.ID, constants.ORDER_STATE_COMPLETED); err != nil && !errors.Is(err, persist.ErrTerminalState) {
		return err
	}

	logger.Logger.Info().
		Str("order_uuid", order.UUID).
		Str("funding_txid", channel.FundingTxID).
		Msg("Order completed")

	e.eventQueue.Enqueue(&events.OrderCompletedEvent{
		OrderUUID:     order.UUID,
		FundingTxID:   channel.FundingTxID,
		FundingOutnum: channel.FundingOutnum,
	})
	return nil
}

// OnProvisioningFailed cancels the held payment and resolves the order to
// FAILED. Cancelling is skipped when a concurrent handler already settled or
// refunded the payment.
func (e *Engine) OnProvisioningFailed(ctx context.Context, orderUUID string, reason string) {
	order, err := e.store.GetOrderByUUID(orderUUID)
	if err != nil {
		logger.Logger.Error().Err(err).Str("order_uuid", orderUUID).Msg("Provisioning failure for unknown order")
		return
	}
	payment, err := e.store.GetPaymentByOrderID(order.ID)
	if err != nil {
		logger.Logger.Error().Err(err).Str("order_uuid", orderUUID).Msg("Provisioning failure for order without payment")
		return
	}

	current, err := e.store.CurrentPaymentState(payment.ID)
	if err != nil {
		logger.Logger.Error().Err(err).Str("order_uuid", orderUUID).Msg("Failed to read payment state")
		return
	}
	if constants.PaymentStateTerminal(current.State) {
		logger.Logger.Warn().
			Str("order_uuid", orderUUID).
			Str("payment_state", current.State).
			Msg("Skipping refund, payment already resolved")
		return
	}

	logger.Logger.Error().
		Str("order_uuid", orderUUID).
		Str("reason", reason).
		Msg("Channel provisioning failed, refunding payment")

	e.failOrder(order, payment, reason)
}

// failOrder appends REFUNDED and FAILED, then cancels the held invoice. The
// generation guard makes exactly one caller win the refund; only the winner
// issues the cancel.
func (e *Engine) failOrder(order *db.Order, payment *db.PaymentDetails, reason string) {
	if err := e.transitionPayment(payment.ID, constants.PAYMENT_STATE_REFUNDED); err != nil {
		logger.Logger.Warn().Err(err).
			Str("order_uuid", order.UUID).
			Msg("Dropping refund transition, already handled elsewhere")
		return
	}

	if err := e.payments.Cancel(e.ctx, payment.PaymentHash); err != nil {
		// the invoice may already be cancelled at the node
		logger.Logger.Warn().Err(err).
			Str("order_uuid", order.UUID).
			Msg("Failed to cancel held invoice")
	}

	if err := e.store.AppendOrderState(order.ID, constants.ORDER_STATE_FAILED); err != nil && !errors.Is(err, persist.ErrTerminalState) {
		logger.Logger.Error().Err(err).
			Str("order_uuid", order.UUID).
			Msg("Failed to append FAILED order state")
	}

	e.eventQueue.Enqueue(&events.OrderFailedEvent{
		OrderUUID: order.UUID,
		Reason:    reason,
	})
}

// SweepExpiredOrders fails every non-terminal order whose payment window has
// passed. This is the backstop for payments that never arrive; the
// generation guard resolves races against in-flight settlement.
func (e *Engine) SweepExpiredOrders(ctx context.Context) error {
	orders, err := e.store.ListNonTerminalOrders()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for i := range orders {
		order := &orders[i]
		if order.ExpiresAt.After(now) {
			continue
		}

		payment, err := e.store.GetPaymentByOrderID(order.ID)
		if errors.Is(err, persist.ErrNotFound) {
			// order creation never got to reserving a payment
			if err := e.store.AppendOrderState(order.ID, constants.ORDER_STATE_FAILED); err != nil && !errors.Is(err, persist.ErrTerminalState) {
				logger.Logger.Error().Err(err).Str("order_uuid", order.UUID).Msg("Failed to fail paymentless order")
			}
			continue
		}
		if err != nil {
			return err
		}

		current, err := e.store.CurrentPaymentState(payment.ID)
		if err != nil {
			return err
		}
		if constants.PaymentStateTerminal(current.State) {
			continue
		}

		// a held payment with a funded channel belongs to the settlement path
		_, err = e.store.GetChannelByOrderID(order.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, persist.ErrNotFound) {
			return err
		}

		logger.Logger.Info().
			Str("order_uuid", order.UUID).
			Str("payment_state", current.State).
			Time("expired_at", order.ExpiresAt).
			Msg("Sweeping expired order")

		e.failOrder(order, payment, "order expired before completion")
	}
	return nil
}

// Recover scans for non-terminal orders and re-arms the watcher each one
// needs. The persisted state records which external calls already happened,
// so no invoice or channel open is ever issued twice.
func (e *Engine) Recover(ctx context.Context) error {
	orders, err := e.store.ListNonTerminalOrders()
	if err != nil {
		return err
	}

	logger.Logger.Info().
		Int("count", len(orders)).
		Msg("Recovering in-flight orders")

	for i := range orders {
		order := &orders[i]

		payment, err := e.store.GetPaymentByOrderID(order.ID)
		if errors.Is(err, persist.ErrNotFound) {
			// crashed between order insert and invoice registration
			if err := e.store.AppendOrderState(order.ID, constants.ORDER_STATE_FAILED); err != nil && !errors.Is(err, persist.ErrTerminalState) {
				logger.Logger.Error().Err(err).Str("order_uuid", order.UUID).Msg("Failed to fail paymentless order")
			}
			continue
		}
		if err != nil {
			return err
		}

		current, err := e.store.CurrentPaymentState(payment.ID)
		if err != nil {
			return err
		}

		switch current.State {
		case constants.PAYMENT_STATE_EXPECT_PAYMENT:
			e.armPaymentWatcher(order, payment)

		case constants.PAYMENT_STATE_HOLD:
			e.armPaymentWatcher(order, payment)
			channel, err := e.store.GetChannelByOrderID(order.ID)
			if errors.Is(err, persist.ErrNotFound) {
				// channel open was never recorded, run provisioning again
				e.startProvisioning(order, payment)
				continue
			}
			if err != nil {
				return err
			}
			if !e.beginProvisioning(order.ID) {
				continue
			}
			e.wg.Add(1)
			go func(o *db.Order, p *db.PaymentDetails, c *db.Channel) {
				defer e.wg.Done()
				defer e.endProvisioning(o.ID)
				e.followFunding(o, p, c)
			}(order, payment, channel)

		case constants.PAYMENT_STATE_PAID:
			// crashed after settlement, before the order state append
			if err := e.store.AppendOrderState(order.ID, constants.ORDER_STATE_COMPLETED); err != nil && !errors.Is(err, persist.ErrTerminalState) {
				return err
			}

		case constants.PAYMENT_STATE_REFUNDED:
			if err := e.store.AppendOrderState(order.ID, constants.ORDER_STATE_FAILED); err != nil && !errors.Is(err, persist.ErrTerminalState) {
				return err
			}
		}
	}
	return nil
}
