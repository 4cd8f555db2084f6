package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/flokiorg/go-flokicoin/chaincfg"

	"github.com/flokiorg/lokilsp/config"
	"github.com/flokiorg/lokilsp/constants"
	"github.com/flokiorg/lokilsp/db"
	"github.com/flokiorg/lokilsp/lnclient"
	"github.com/flokiorg/lokilsp/lnclient/mocks"
	"github.com/flokiorg/lokilsp/lsps/events"
	"github.com/flokiorg/lokilsp/lsps/funding"
	"github.com/flokiorg/lokilsp/lsps/holdinvoice"
	"github.com/flokiorg/lokilsp/lsps/persist"
)

func testConfig() *config.AppConfig {
	return &config.AppConfig{
		MinInitialLspBalanceSat:    100_000,
		MaxInitialLspBalanceSat:    100_000_000,
		MinInitialClientBalanceSat: 0,
		MaxInitialClientBalanceSat: 0,
		MinChannelBalanceSat:       100_000,
		MaxChannelBalanceSat:       100_000_000,
		MinChannelConfirmations:    6,
		MaxChannelExpiryBlocks:     51_260,
		OrderLifetimeSeconds:       3600,
	}
}

func newTestEngine(t *testing.T, lnMock *mocks.MockLNClient, cfg *config.AppConfig) (*Engine, *persist.Store) {
	// unique memory DB per test, shared across pooled connections
	gormDB, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, gormDB.AutoMigrate(
		&db.Order{}, &db.OrderState{}, &db.PaymentDetails{}, &db.PaymentState{}, &db.Channel{},
	))

	store := persist.NewStore(gormDB)
	queue := events.NewEventQueue(100)
	t.Cleanup(queue.Close)

	engine := NewEngine(
		store,
		holdinvoice.NewService(lnMock),
		funding.NewService(lnMock),
		&FixedFeeCalculator{FixedFeeSat: 5000},
		cfg,
		&chaincfg.MainNetParams,
		queue,
	)
	engine.Start(context.Background())
	t.Cleanup(engine.Stop)

	return engine, store
}

func idleSubscription(lnMock *mocks.MockLNClient) {
	updates := make(chan lnclient.InvoiceUpdate)
	errs := make(chan error)
	lnMock.On("SubscribeSingleInvoice", mock.Anything, mock.Anything).
		Return((<-chan lnclient.InvoiceUpdate)(updates), (<-chan error)(errs), nil)
}

func validRequest() *CreateOrderRequest {
	return &CreateOrderRequest{
		ClientNodeID:         "02abcdef",
		LspBalanceSat:        100_000,
		ClientBalanceSat:     0,
		ConfirmsWithinBlocks: 6,
		ChannelExpiryBlocks:  4320,
		AnnounceChannel:      true,
	}
}

func seedOrder(t *testing.T, store *persist.Store, expiresAt time.Time) (*db.Order, *db.PaymentDetails) {
	order := &db.Order{
		UUID:                 "0b69f8b2-a0b4-4ac1-b7a8-6f26eb84fbf8",
		ClientNodeID:         "02abcdef",
		LspBalanceSat:        100_000,
		ConfirmsWithinBlocks: 6,
		ChannelExpiryBlocks:  4320,
		CreatedAt:            time.Now().Add(-time.Hour),
		ExpiresAt:            expiresAt,
	}
	require.NoError(t, store.CreateOrder(order))

	payment := &db.PaymentDetails{
		OrderID:            order.ID,
		FeeTotalSat:        5000,
		OrderTotalSat:      5000,
		Bolt11Invoice:      "lnfl1testinvoice",
		Bolt11InvoiceLabel: "lsps1_" + order.UUID,
		PaymentHash:        "deadbeef",
		Preimage:           "cafebabe",
		CreatedAt:          time.Now().Add(-time.Hour),
	}
	require.NoError(t, store.CreatePaymentDetails(payment))
	return order, payment
}

func TestCreateOrder_HappyPathToCompleted(t *testing.T) {
	lnMock := mocks.NewMockLNClient()
	engine, store := newTestEngine(t, lnMock, testConfig())

	expiresAt := time.Now().Add(time.Hour).Unix()
	lnMock.On("MakeHoldInvoice", mock.Anything, int64(5000*1000), mock.Anything, int64(3600), mock.Anything).
		Return(&lnclient.Transaction{Invoice: "lnfl1testinvoice", ExpiresAt: &expiresAt}, nil)
	idleSubscription(lnMock)

	lnMock.On("OpenChannel", mock.Anything, mock.Anything).
		Return(&lnclient.OpenChannelResponse{FundingTxID: "feedface", FundingOutnum: 0}, nil)

	confChan := make(chan lnclient.ConfirmationEvent, 1)
	confChan <- lnclient.ConfirmationEvent{TxID: "feedface", BlockHeight: 800_006}
	lnMock.On("SubscribeConfirmations", mock.Anything, "feedface", uint32(6)).
		Return((<-chan lnclient.ConfirmationEvent)(confChan), (<-chan error)(make(chan error)), nil)
	lnMock.On("SettleHoldInvoice", mock.Anything, mock.Anything).Return(nil)

	info, err := engine.CreateOrder(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, constants.ORDER_STATE_CREATED, info.OrderState)
	assert.Equal(t, uint64(5000), info.Payment.FeeTotalSat)
	assert.Equal(t, uint64(5000), info.Payment.OrderTotalSat)
	assert.Equal(t, constants.PAYMENT_STATE_EXPECT_PAYMENT, info.PaymentState.State)
	assert.Equal(t, uint64(0), info.PaymentState.Generation)

	// the client pays, the HTLC is held
	engine.OnPaymentEvent(context.Background(), info.Payment.Bolt11InvoiceLabel, lnclient.InvoiceUpdate{
		PaymentHash: info.Payment.PaymentHash,
		State:       lnclient.INVOICE_STATE_ACCEPTED,
	})

	require.Eventually(t, func() bool {
		state, err := store.CurrentOrderState(info.Order.ID)
		return err == nil && state == constants.ORDER_STATE_COMPLETED
	}, 2*time.Second, 10*time.Millisecond)

	channel, err := store.GetChannelByOrderID(info.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, "feedface", channel.FundingTxID)

	paymentState, err := store.CurrentPaymentState(info.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.PAYMENT_STATE_PAID, paymentState.State)
	assert.Equal(t, uint64(2), paymentState.Generation)

	history, err := store.PaymentStateHistory(info.Payment.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, constants.PAYMENT_STATE_EXPECT_PAYMENT, history[0].State)
	assert.Equal(t, constants.PAYMENT_STATE_HOLD, history[1].State)
	assert.Equal(t, constants.PAYMENT_STATE_PAID, history[2].State)
}

func TestCreateOrder_OptionMismatch(t *testing.T) {
	lnMock := mocks.NewMockLNClient()
	engine, _ := newTestEngine(t, lnMock, testConfig())

	tests := []struct {
		name     string
		mutate   func(*CreateOrderRequest)
		property string
	}{
		{
			name:     "lsp balance below minimum",
			mutate:   func(r *CreateOrderRequest) { r.LspBalanceSat = 50_000 },
			property: "min_initial_lsp_balance_sat",
		},
		{
			name:     "lsp balance above maximum",
			mutate:   func(r *CreateOrderRequest) { r.LspBalanceSat = 200_000_000 },
			property: "max_initial_lsp_balance_sat",
		},
		{
			name:     "client balance above maximum",
			mutate:   func(r *CreateOrderRequest) { r.ClientBalanceSat = 1 },
			property: "max_initial_client_balance_sat",
		},
		{
			name:     "channel expiry above maximum",
			mutate:   func(r *CreateOrderRequest) { r.ChannelExpiryBlocks = 100_000 },
			property: "max_channel_expiry_blocks",
		},
		{
			name:     "confirmation depth below minimum",
			mutate:   func(r *CreateOrderRequest) { r.ConfirmsWithinBlocks = 1 },
			property: "min_channel_confirmations",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest()
			tc.mutate(req)

			_, err := engine.CreateOrder(context.Background(), req)
			var mismatch *OptionMismatchError
			require.ErrorAs(t, err, &mismatch)
			assert.Equal(t, tc.property, mismatch.Property)
		})
	}

	// rejected requests never touch the node
	lnMock.AssertNotCalled(t, "MakeHoldInvoice")
}

func TestCreateOrder_TokenRequired(t *testing.T) {
	cfg := testConfig()
	cfg.RequiredToken = "secret"

	lnMock := mocks.NewMockLNClient()
	engine, _ := newTestEngine(t, lnMock, cfg)

	_, err := engine.CreateOrder(context.Background(), validRequest())
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "token", validation.Property)

	req := validRequest()
	req.Token = "secret"
	expiresAt := time.Now().Add(time.Hour).Unix()
	lnMock.On("MakeHoldInvoice", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&lnclient.Transaction{Invoice: "lnfl1testinvoice", ExpiresAt: &expiresAt}, nil)
	idleSubscription(lnMock)

	_, err = engine.CreateOrder(context.Background(), req)
	require.NoError(t, err)
}

func TestCreateOrder_BadRefundAddress(t *testing.T) {
	lnMock := mocks.NewMockLNClient()
	engine, _ := newTestEngine(t, lnMock, testConfig())

	req := validRequest()
	req.RefundOnchainAddress = "not-an-address"

	_, err := engine.CreateOrder(context.Background(), req)
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "refund_onchain_address", validation.Property)
}

func TestSweepExpiredOrders(t *testing.T) {
	lnMock := mocks.NewMockLNClient()
	engine, store := newTestEngine(t, lnMock, testConfig())

	order, payment := seedOrder(t, store, time.Now().Add(-time.Minute))

	lnMock.On("CancelHoldInvoice", mock.Anything, payment.PaymentHash).Return(nil)

	require.NoError(t, engine.SweepExpiredOrders(context.Background()))

	state, err := store.CurrentOrderState(order.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.ORDER_STATE_FAILED, state)

	paymentState, err := store.CurrentPaymentState(payment.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.PAYMENT_STATE_REFUNDED, paymentState.State)
	assert.Equal(t, uint64(1), paymentState.Generation)

	// a second sweep pass must not cancel again
	require.NoError(t, engine.SweepExpiredOrders(context.Background()))
	lnMock.AssertNumberOfCalls(t, "CancelHoldInvoice", 1)
}

func TestSweep_SkipsUnexpiredOrders(t *testing.T) {
	lnMock := mocks.NewMockLNClient()
	engine, store := newTestEngine(t, lnMock, testConfig())

	order, _ := seedOrder(t, store, time.Now().Add(time.Hour))

	require.NoError(t, engine.SweepExpiredOrders(context.Background()))

	state, err := store.CurrentOrderState(order.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.ORDER_STATE_CREATED, state)
	lnMock.AssertNotCalled(t, "CancelHoldInvoice")
}

func TestOnProvisioningFailed(t *testing.T) {
	lnMock := mocks.NewMockLNClient()
	engine, store := newTestEngine(t, lnMock, testConfig())

	order, payment := seedOrder(t, store, time.Now().Add(time.Hour))
	require.NoError(t, store.AppendPaymentState(payment.ID, constants.PAYMENT_STATE_HOLD, 0))

	lnMock.On("CancelHoldInvoice", mock.Anything, payment.PaymentHash).Return(nil)

	engine.OnProvisioningFailed(context.Background(), order.UUID, "insufficient onchain funds")

	state, err := store.CurrentOrderState(order.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.ORDER_STATE_FAILED, state)

	paymentState, err := store.CurrentPaymentState(payment.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.PAYMENT_STATE_REFUNDED, paymentState.State)

	_, err = store.GetChannelByOrderID(order.ID)
	require.ErrorIs(t, err, persist.ErrNotFound)
	lnMock.AssertExpectations(t)
}

func TestOnProvisioningFailed_PaymentAlreadyPaid(t *testing.T) {
	lnMock := mocks.NewMockLNClient()
	engine, store := newTestEngine(t, lnMock, testConfig())

	order, payment := seedOrder(t, store, time.Now().Add(time.Hour))
	require.NoError(t, store.AppendPaymentState(payment.ID, constants.PAYMENT_STATE_HOLD, 0))
	require.NoError(t, store.AppendPaymentState(payment.ID, constants.PAYMENT_STATE_PAID, 1))

	engine.OnProvisioningFailed(context.Background(), order.UUID, "late failure")

	// a settled payment is never cancelled
	lnMock.AssertNotCalled(t, "CancelHoldInvoice")
	paymentState, err := store.CurrentPaymentState(payment.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.PAYMENT_STATE_PAID, paymentState.State)
}

func TestOnFundingConfirmed_SettleFailureKeepsHold(t *testing.T) {
	lnMock := mocks.NewMockLNClient()
	engine, store := newTestEngine(t, lnMock, testConfig())

	order, payment := seedOrder(t, store, time.Now().Add(time.Hour))
	require.NoError(t, store.AppendPaymentState(payment.ID, constants.PAYMENT_STATE_HOLD, 0))

	lnMock.On("SettleHoldInvoice", mock.Anything, payment.Preimage).
		Return(errors.New("node unavailable"))

	err := engine.OnFundingConfirmed(context.Background(), order.UUID, "feedface", 0)
	require.Error(t, err)

	// the channel record is durable, the payment stays held for retry
	channel, chanErr := store.GetChannelByOrderID(order.ID)
	require.NoError(t, chanErr)
	assert.Equal(t, "feedface", channel.FundingTxID)

	paymentState, err := store.CurrentPaymentState(payment.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.PAYMENT_STATE_HOLD, paymentState.State)

	state, err := store.CurrentOrderState(order.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.ORDER_STATE_CREATED, state)
}

func TestRecover_MidHoldResumesConfirmationWatch(t *testing.T) {
	lnMock := mocks.NewMockLNClient()
	engine, store := newTestEngine(t, lnMock, testConfig())

	order, payment := seedOrder(t, store, time.Now().Add(time.Hour))
	require.NoError(t, store.AppendPaymentState(payment.ID, constants.PAYMENT_STATE_HOLD, 0))
	require.NoError(t, store.CreateChannel(&db.Channel{
		OrderID:       order.ID,
		FundingTxID:   "feedface",
		FundingOutnum: 1,
		FundedAt:      time.Now(),
	}))

	idleSubscription(lnMock)
	confChan := make(chan lnclient.ConfirmationEvent, 1)
	confChan <- lnclient.ConfirmationEvent{TxID: "feedface", BlockHeight: 800_006}
	lnMock.On("SubscribeConfirmations", mock.Anything, "feedface", uint32(6)).
		Return((<-chan lnclient.ConfirmationEvent)(confChan), (<-chan error)(make(chan error)), nil)
	lnMock.On("SettleHoldInvoice", mock.Anything, payment.Preimage).Return(nil)

	require.NoError(t, engine.Recover(context.Background()))

	require.Eventually(t, func() bool {
		state, err := store.CurrentOrderState(order.ID)
		return err == nil && state == constants.ORDER_STATE_COMPLETED
	}, 2*time.Second, 10*time.Millisecond)

	// recovery never repeats external calls already on record
	lnMock.AssertNotCalled(t, "MakeHoldInvoice")
	lnMock.AssertNotCalled(t, "OpenChannel")
}

func TestRecover_MidHoldWithoutChannelReprovisionsOnce(t *testing.T) {
	lnMock := mocks.NewMockLNClient()
	engine, store := newTestEngine(t, lnMock, testConfig())

	order, payment := seedOrder(t, store, time.Now().Add(time.Hour))
	require.NoError(t, store.AppendPaymentState(payment.ID, constants.PAYMENT_STATE_HOLD, 0))

	idleSubscription(lnMock)
	lnMock.On("OpenChannel", mock.Anything, mock.Anything).
		Return(&lnclient.OpenChannelResponse{FundingTxID: "feedface", FundingOutnum: 0}, nil)
	confChan := make(chan lnclient.ConfirmationEvent, 1)
	confChan <- lnclient.ConfirmationEvent{TxID: "feedface", BlockHeight: 800_006}
	lnMock.On("SubscribeConfirmations", mock.Anything, "feedface", uint32(6)).
		Return((<-chan lnclient.ConfirmationEvent)(confChan), (<-chan error)(make(chan error)), nil)
	lnMock.On("SettleHoldInvoice", mock.Anything, payment.Preimage).Return(nil)

	require.NoError(t, engine.Recover(context.Background()))

	require.Eventually(t, func() bool {
		state, err := store.CurrentOrderState(order.ID)
		return err == nil && state == constants.ORDER_STATE_COMPLETED
	}, 2*time.Second, 10*time.Millisecond)

	lnMock.AssertNumberOfCalls(t, "OpenChannel", 1)
	lnMock.AssertNotCalled(t, "MakeHoldInvoice")
}

func TestRecover_ReplayedHoldEventDoesNotReopenChannel(t *testing.T) {
	lnMock := mocks.NewMockLNClient()
	engine, store := newTestEngine(t, lnMock, testConfig())

	order, payment := seedOrder(t, store, time.Now().Add(time.Hour))
	require.NoError(t, store.AppendPaymentState(payment.ID, constants.PAYMENT_STATE_HOLD, 0))

	// the node replays the current ACCEPTED state as soon as the recovered
	// watcher re-subscribes
	updates := make(chan lnclient.InvoiceUpdate, 1)
	updates <- lnclient.InvoiceUpdate{
		PaymentHash: payment.PaymentHash,
		State:       lnclient.INVOICE_STATE_ACCEPTED,
	}
	lnMock.On("SubscribeSingleInvoice", mock.Anything, mock.Anything).
		Return((<-chan lnclient.InvoiceUpdate)(updates), (<-chan error)(make(chan error)), nil)

	// a slow open keeps the channel row absent while the replay arrives
	lnMock.On("OpenChannel", mock.Anything, mock.Anything).
		Return(&lnclient.OpenChannelResponse{FundingTxID: "feedface", FundingOutnum: 0}, nil).
		After(300 * time.Millisecond)
	confChan := make(chan lnclient.ConfirmationEvent, 1)
	confChan <- lnclient.ConfirmationEvent{TxID: "feedface", BlockHeight: 800_006}
	lnMock.On("SubscribeConfirmations", mock.Anything, "feedface", uint32(6)).
		Return((<-chan lnclient.ConfirmationEvent)(confChan), (<-chan error)(make(chan error)), nil)
	lnMock.On("SettleHoldInvoice", mock.Anything, payment.Preimage).Return(nil)

	require.NoError(t, engine.Recover(context.Background()))

	require.Eventually(t, func() bool {
		state, err := store.CurrentOrderState(order.ID)
		return err == nil && state == constants.ORDER_STATE_COMPLETED
	}, 3*time.Second, 10*time.Millisecond)

	// one funding transaction per order, replay or not
	lnMock.AssertNumberOfCalls(t, "OpenChannel", 1)
}

func TestSweep_RefundDuringOpenAbandonsFundingOutput(t *testing.T) {
	lnMock := mocks.NewMockLNClient()
	engine, store := newTestEngine(t, lnMock, testConfig())

	order, payment := seedOrder(t, store, time.Now().Add(-time.Minute))

	opened := make(chan struct{})
	lnMock.On("OpenChannel", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { <-opened }).
		Return(&lnclient.OpenChannelResponse{FundingTxID: "feedface", FundingOutnum: 0}, nil)
	lnMock.On("CancelHoldInvoice", mock.Anything, payment.PaymentHash).Return(nil)

	// the HTLC is held, provisioning blocks inside the node's open call
	engine.OnPaymentEvent(context.Background(), payment.Bolt11InvoiceLabel, lnclient.InvoiceUpdate{
		PaymentHash: payment.PaymentHash,
		State:       lnclient.INVOICE_STATE_ACCEPTED,
	})

	// the expiry sweep wins the refund while the open is still in flight
	require.NoError(t, engine.SweepExpiredOrders(context.Background()))
	close(opened)

	engine.Stop()

	paymentState, err := store.CurrentPaymentState(payment.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.PAYMENT_STATE_REFUNDED, paymentState.State)

	state, err := store.CurrentOrderState(order.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.ORDER_STATE_FAILED, state)

	// the refunded order never gets a channel record or a settlement
	_, err = store.GetChannelByOrderID(order.ID)
	require.ErrorIs(t, err, persist.ErrNotFound)
	lnMock.AssertNotCalled(t, "SubscribeConfirmations")
	lnMock.AssertNotCalled(t, "SettleHoldInvoice")
	lnMock.AssertNumberOfCalls(t, "CancelHoldInvoice", 1)
}

func TestOnPaymentEvent_CanceledRefundsOrder(t *testing.T) {
	lnMock := mocks.NewMockLNClient()
	engine, store := newTestEngine(t, lnMock, testConfig())

	order, payment := seedOrder(t, store, time.Now().Add(time.Hour))

	lnMock.On("CancelHoldInvoice", mock.Anything, payment.PaymentHash).Return(nil)

	engine.OnPaymentEvent(context.Background(), payment.Bolt11InvoiceLabel, lnclient.InvoiceUpdate{
		PaymentHash: payment.PaymentHash,
		State:       lnclient.INVOICE_STATE_CANCELED,
	})

	state, err := store.CurrentOrderState(order.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.ORDER_STATE_FAILED, state)

	paymentState, err := store.CurrentPaymentState(payment.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.PAYMENT_STATE_REFUNDED, paymentState.State)
}

func TestGetOrder(t *testing.T) {
	lnMock := mocks.NewMockLNClient()
	engine, store := newTestEngine(t, lnMock, testConfig())

	order, payment := seedOrder(t, store, time.Now().Add(time.Hour))

	info, err := engine.GetOrder(order.UUID)
	require.NoError(t, err)
	assert.Equal(t, constants.ORDER_STATE_CREATED, info.OrderState)
	assert.Equal(t, payment.Bolt11Invoice, info.Payment.Bolt11Invoice)
	assert.Equal(t, constants.PAYMENT_STATE_EXPECT_PAYMENT, info.PaymentState.State)
	assert.Nil(t, info.Channel)

	_, err = engine.GetOrder("00000000-0000-0000-0000-000000000000")
	require.ErrorIs(t, err, ErrOrderNotFound)
}

func TestFeeCalculators(t *testing.T) {
	fixed := &FixedFeeCalculator{FixedFeeSat: 2000}
	fee, total := fixed.Calculate(100_000, 10_000, 4320)
	assert.Equal(t, uint64(2000), fee)
	assert.Equal(t, uint64(12_000), total)

	linear := &LinearFeeCalculator{BaseFeeSat: 2000, OnchainPpm: 1_000_000, LiquidityPpb: 400}
	fee, total = linear.Calculate(100_000, 0, 51_260)
	// 2000 onchain + 100000*51260*400/1e9 = 2000 + 2050
	assert.Equal(t, uint64(4050), fee)
	assert.Equal(t, uint64(4050), total)
}
