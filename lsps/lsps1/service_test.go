package lsps1

import (
	"context"
	"encoding/json"
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
	"github.com/flokiorg/lokilsp/lsps/common"
	"github.com/flokiorg/lokilsp/lsps/engine"
	"github.com/flokiorg/lokilsp/lsps/events"
	"github.com/flokiorg/lokilsp/lsps/funding"
	"github.com/flokiorg/lokilsp/lsps/holdinvoice"
	"github.com/flokiorg/lokilsp/lsps/lsps0"
	"github.com/flokiorg/lokilsp/lsps/persist"
	"github.com/flokiorg/lokilsp/lsps/transport"
)

type recordingTransport struct {
	sent [][]byte
}

func (t *recordingTransport) SendCustomMessage(ctx context.Context, peerPubkey string, msgType uint32, data []byte) error {
	t.sent = append(t.sent, data)
	return nil
}

func (t *recordingTransport) SubscribeCustomMessages(ctx context.Context) (<-chan transport.CustomMessage, <-chan error, error) {
	return nil, nil, nil
}

type testHarness struct {
	dispatcher *lsps0.ServiceHandler
	rec        *recordingTransport
	lnMock     *mocks.MockLNClient
	store      *persist.Store
}

func setup(t *testing.T) *testHarness {
	gormDB, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, gormDB.AutoMigrate(
		&db.Order{}, &db.OrderState{}, &db.PaymentDetails{}, &db.PaymentState{}, &db.Channel{},
	))

	cfg := &config.AppConfig{
		MinInitialLspBalanceSat: 100_000,
		MaxInitialLspBalanceSat: 100_000_000,
		MinChannelBalanceSat:    100_000,
		MaxChannelBalanceSat:    100_000_000,
		MinChannelConfirmations: 6,
		MaxChannelExpiryBlocks:  51_260,
		OrderLifetimeSeconds:    3600,
		FeeBaseSat:              2000,
		FeeOnchainPpm:           1_000_000,
		FeeLiquidityPpb:         400,
	}

	store := persist.NewStore(gormDB)
	lnMock := mocks.NewMockLNClient()
	queue := events.NewEventQueue(100)
	t.Cleanup(queue.Close)

	eng := engine.NewEngine(
		store,
		holdinvoice.NewService(lnMock),
		funding.NewService(lnMock),
		&engine.LinearFeeCalculator{BaseFeeSat: cfg.FeeBaseSat, OnchainPpm: cfg.FeeOnchainPpm, LiquidityPpb: cfg.FeeLiquidityPpb},
		cfg,
		&chaincfg.MainNetParams,
		queue,
	)
	eng.Start(context.Background())
	t.Cleanup(eng.Stop)

	rec := &recordingTransport{}
	dispatcher := lsps0.NewServiceHandler(rec, []int{1})
	NewServiceHandler(dispatcher, eng, cfg)

	return &testHarness{dispatcher: dispatcher, rec: rec, lnMock: lnMock, store: store}
}

func (h *testHarness) request(t *testing.T, peer, method, params string) *common.JsonRpcResponse {
	msg := fmt.Sprintf(`{"jsonrpc":"2.0","method":"%s","params":%s,"id":"req-1"}`, method, params)
	require.NoError(t, h.dispatcher.HandleMessage(context.Background(), peer, []byte(msg)))
	require.NotEmpty(t, h.rec.sent)

	var resp common.JsonRpcResponse
	require.NoError(t, json.Unmarshal(h.rec.sent[len(h.rec.sent)-1], &resp))
	return &resp
}

func TestGetInfo(t *testing.T) {
	h := setup(t)

	resp := h.request(t, "02abcdef", MethodGetInfo, "{}")
	require.Nil(t, resp.Error)

	var info GetInfoResponse
	require.NoError(t, json.Unmarshal(resp.Result, &info))
	assert.Equal(t, []uint16{1}, info.SupportedVersions)
	assert.Equal(t, common.Amount(100_000), info.Options.MinInitialLspBalanceSat)
	assert.Equal(t, uint32(51_260), info.Options.MaxChannelExpiryBlocks)
	assert.Equal(t, uint16(6), info.Options.MinimumChannelConfirmations)
}

func TestCreateOrder(t *testing.T) {
	h := setup(t)

	expiresAt := time.Now().Add(time.Hour).Unix()
	h.lnMock.On("MakeHoldInvoice", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&lnclient.Transaction{Invoice: "lnfl1testinvoice", ExpiresAt: &expiresAt}, nil)
	updates := make(chan lnclient.InvoiceUpdate)
	errs := make(chan error)
	h.lnMock.On("SubscribeSingleInvoice", mock.Anything, mock.Anything).
		Return((<-chan lnclient.InvoiceUpdate)(updates), (<-chan error)(errs), nil)

	resp := h.request(t, "02abcdef", MethodCreateOrder, `{
		"api_version": 1,
		"lsp_balance_sat": "100000",
		"client_balance_sat": "0",
		"confirms_within_blocks": 6,
		"channel_expiry_blocks": 4320,
		"announceChannel": true
	}`)
	require.Nil(t, resp.Error)

	var order OrderResponse
	require.NoError(t, json.Unmarshal(resp.Result, &order))
	assert.NotEmpty(t, order.OrderID)
	assert.Equal(t, constants.ORDER_STATE_CREATED, order.OrderState)
	assert.Equal(t, constants.PAYMENT_STATE_EXPECT_PAYMENT, order.Payment.State)
	assert.Equal(t, "lnfl1testinvoice", order.Payment.Bolt11Invoice)
	// 2000 base + 100000*4320*400/1e9 = 2000 + 172
	assert.Equal(t, common.Amount(2172), order.Payment.FeeTotalSat)
	assert.Nil(t, order.Channel)

	// the order must be readable back by the same peer
	getResp := h.request(t, "02abcdef", MethodGetOrder, fmt.Sprintf(`{"order_id":"%s"}`, order.OrderID))
	require.Nil(t, getResp.Error)
}

func TestCreateOrder_OptionMismatch(t *testing.T) {
	h := setup(t)

	resp := h.request(t, "02abcdef", MethodCreateOrder, `{
		"api_version": 1,
		"lsp_balance_sat": "1000",
		"client_balance_sat": "0",
		"confirms_within_blocks": 6,
		"channel_expiry_blocks": 4320,
		"announceChannel": true
	}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeOptionMismatch, resp.Error.Code)

	var data OptionMismatchData
	require.NoError(t, json.Unmarshal(resp.Error.Data, &data))
	assert.Equal(t, "min_initial_lsp_balance_sat", data.Property)

	h.lnMock.AssertNotCalled(t, "MakeHoldInvoice")
}

func TestCreateOrder_UnsupportedVersion(t *testing.T) {
	h := setup(t)

	resp := h.request(t, "02abcdef", MethodCreateOrder, `{
		"api_version": 2,
		"lsp_balance_sat": "100000",
		"client_balance_sat": "0",
		"confirms_within_blocks": 6,
		"channel_expiry_blocks": 4320,
		"announceChannel": true
	}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidParams, resp.Error.Code)
}

func TestGetOrder_NotFound(t *testing.T) {
	h := setup(t)

	resp := h.request(t, "02abcdef", MethodGetOrder, `{"order_id":"00000000-0000-0000-0000-000000000000"}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeNotFound, resp.Error.Code)
}

func TestGetOrder_WrongPeer(t *testing.T) {
	h := setup(t)

	expiresAt := time.Now().Add(time.Hour).Unix()
	h.lnMock.On("MakeHoldInvoice", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&lnclient.Transaction{Invoice: "lnfl1testinvoice", ExpiresAt: &expiresAt}, nil)
	updates := make(chan lnclient.InvoiceUpdate)
	errs := make(chan error)
	h.lnMock.On("SubscribeSingleInvoice", mock.Anything, mock.Anything).
		Return((<-chan lnclient.InvoiceUpdate)(updates), (<-chan error)(errs), nil)

	resp := h.request(t, "02abcdef", MethodCreateOrder, `{
		"api_version": 1,
		"lsp_balance_sat": "100000",
		"client_balance_sat": "0",
		"confirms_within_blocks": 6,
		"channel_expiry_blocks": 4320,
		"announceChannel": true
	}`)
	require.Nil(t, resp.Error)
	var order OrderResponse
	require.NoError(t, json.Unmarshal(resp.Result, &order))

	// another peer must not see the order
	getResp := h.request(t, "03ffffff", MethodGetOrder, fmt.Sprintf(`{"order_id":"%s"}`, order.OrderID))
	require.NotNil(t, getResp.Error)
	assert.Equal(t, ErrCodeNotFound, getResp.Error.Code)
}
