// Package mocks provides a testify mock of the LNClient interface for tests.
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/flokiorg/lokilsp/lnclient"
)

type MockLNClient struct {
	mock.Mock
}

func NewMockLNClient() *MockLNClient {
	return &MockLNClient{}
}

func (m *MockLNClient) GetInfo(ctx context.Context) (*lnclient.NodeInfo, error) {
	args := m.Called(ctx)
	info, _ := args.Get(0).(*lnclient.NodeInfo)
	return info, args.Error(1)
}

func (m *MockLNClient) IsPeerConnected(ctx context.Context, pubkey string) (bool, error) {
	args := m.Called(ctx, pubkey)
	return args.Bool(0), args.Error(1)
}

func (m *MockLNClient) MakeHoldInvoice(ctx context.Context, amountMsat int64, description string, expiry int64, paymentHash string) (*lnclient.Transaction, error) {
	args := m.Called(ctx, amountMsat, description, expiry, paymentHash)
	tx, _ := args.Get(0).(*lnclient.Transaction)
	return tx, args.Error(1)
}

func (m *MockLNClient) SettleHoldInvoice(ctx context.Context, preimage string) error {
	args := m.Called(ctx, preimage)
	return args.Error(0)
}

func (m *MockLNClient) CancelHoldInvoice(ctx context.Context, paymentHash string) error {
	args := m.Called(ctx, paymentHash)
	return args.Error(0)
}

func (m *MockLNClient) SubscribeSingleInvoice(ctx context.Context, paymentHash string) (<-chan lnclient.InvoiceUpdate, <-chan error, error) {
	args := m.Called(ctx, paymentHash)
	updates, _ := args.Get(0).(<-chan lnclient.InvoiceUpdate)
	errs, _ := args.Get(1).(<-chan error)
	return updates, errs, args.Error(2)
}

func (m *MockLNClient) OpenChannel(ctx context.Context, req *lnclient.OpenChannelRequest) (*lnclient.OpenChannelResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*lnclient.OpenChannelResponse)
	return resp, args.Error(1)
}

func (m *MockLNClient) SubscribeConfirmations(ctx context.Context, txid string, numConfs uint32) (<-chan lnclient.ConfirmationEvent, <-chan error, error) {
	args := m.Called(ctx, txid, numConfs)
	confs, _ := args.Get(0).(<-chan lnclient.ConfirmationEvent)
	errs, _ := args.Get(1).(<-chan error)
	return confs, errs, args.Error(2)
}

func (m *MockLNClient) SendCustomMessage(ctx context.Context, peerPubkey string, msgType uint32, data []byte) error {
	args := m.Called(ctx, peerPubkey, msgType, data)
	return args.Error(0)
}

func (m *MockLNClient) SubscribeCustomMessages(ctx context.Context) (<-chan lnclient.CustomMessage, <-chan error, error) {
	args := m.Called(ctx)
	msgs, _ := args.Get(0).(<-chan lnclient.CustomMessage)
	errs, _ := args.Get(1).(<-chan error)
	return msgs, errs, args.Error(2)
}

func (m *MockLNClient) Shutdown() error {
	args := m.Called()
	return args.Error(0)
}
