package lnd

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/flokiorg/flnd/lnrpc"
	"github.com/flokiorg/flnd/lnrpc/chainrpc"
	"github.com/flokiorg/flnd/lnrpc/invoicesrpc"

	"github.com/flokiorg/lokilsp/lnclient"
	"github.com/flokiorg/lokilsp/lnclient/lnd/wrapper"
	"github.com/flokiorg/lokilsp/logger"
)

type LNDService struct {
	client   *wrapper.LNDWrapper
	nodeInfo *lnclient.NodeInfo
}

func NewLNDService(ctx context.Context, lndAddress, lndCertHex, lndMacaroonHex string) (lnclient.LNClient, error) {
	if lndAddress == "" || lndMacaroonHex == "" {
		return nil, errors.New("one or more required LND configuration values are missing")
	}

	lndClient, err := wrapper.NewLNDclient(wrapper.LNDoptions{
		Address:     lndAddress,
		CertHex:     lndCertHex,
		MacaroonHex: lndMacaroonHex,
	})
	if err != nil {
		logger.Logger.Error().Err(err).Msg("Failed to create new LND client")
		return nil, err
	}

	var nodeInfo *lnclient.NodeInfo
	maxRetries := 5
	for i := range maxRetries {
		nodeInfo, err = fetchNodeInfo(ctx, lndClient)
		if err == nil {
			break
		}
		logger.Logger.Error().Err(err).
			Int("iteration", i).
			Msg("Failed to connect to LND, retrying in 2s")

		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	logger.Logger.Info().
		Str("pubkey", nodeInfo.Pubkey).
		Str("network", nodeInfo.Network).
		Msg("Connected to LND")

	return &LNDService{
		client:   lndClient,
		nodeInfo: nodeInfo,
	}, nil
}

func fetchNodeInfo(ctx context.Context, client *wrapper.LNDWrapper) (*lnclient.NodeInfo, error) {
	resp, err := client.Client.GetInfo(ctx, &lnrpc.GetInfoRequest{})
	if err != nil {
		return nil, err
	}
	network := "mainnet"
	if len(resp.Chains) > 0 {
		network = resp.Chains[0].Network
	}
	return &lnclient.NodeInfo{
		Pubkey:      resp.IdentityPubkey,
		Alias:       resp.Alias,
		Network:     network,
		BlockHeight: resp.BlockHeight,
	}, nil
}

func (svc *LNDService) GetInfo(ctx context.Context) (*lnclient.NodeInfo, error) {
	return fetchNodeInfo(ctx, svc.client)
}

func (svc *LNDService) IsPeerConnected(ctx context.Context, pubkey string) (bool, error) {
	resp, err := svc.client.Client.ListPeers(ctx, &lnrpc.ListPeersRequest{})
	if err != nil {
		return false, err
	}
	for _, peer := range resp.Peers {
		if strings.EqualFold(peer.PubKey, pubkey) {
			return true, nil
		}
	}
	return false, nil
}

func (svc *LNDService) MakeHoldInvoice(ctx context.Context, amountMsat int64, description string, expiry int64, paymentHash string) (*lnclient.Transaction, error) {
	paymentHashBytes, err := hex.DecodeString(paymentHash)
	if err != nil || len(paymentHashBytes) != 32 {
		if err == nil {
			err = errors.New("payment hash must be 32 bytes hex")
		}
		logger.Logger.Error().Err(err).
			Str("paymentHash", paymentHash).
			Msg("Invalid payment hash")
		return nil, err
	}

	if expiry == 0 {
		expiry = lnclient.DEFAULT_INVOICE_EXPIRY
	}

	addInvoiceRequest := &invoicesrpc.AddHoldInvoiceRequest{
		ValueMsat: amountMsat,
		Memo:      description,
		Expiry:    expiry,
		Hash:      paymentHashBytes,
	}

	resp, err := svc.client.InvoiceClient.AddHoldInvoice(ctx, addInvoiceRequest)
	if err != nil {
		logger.Logger.Error().Err(err).Msg("Failed to create hold invoice")
		return nil, err
	}

	now := time.Now().Unix()
	expiresAt := now + expiry
	return &lnclient.Transaction{
		Invoice:     resp.PaymentRequest,
		PaymentHash: paymentHash,
		AmountMsat:  amountMsat,
		CreatedAt:   now,
		ExpiresAt:   &expiresAt,
	}, nil
}

func (svc *LNDService) SettleHoldInvoice(ctx context.Context, preimage string) error {
	preimageBytes, err := hex.DecodeString(preimage)
	if err != nil || len(preimageBytes) != 32 {
		if err == nil {
			err = errors.New("preimage must be 32 bytes hex")
		}
		logger.Logger.Error().Err(err).Msg("Invalid preimage")
		return err
	}

	_, err = svc.client.InvoiceClient.SettleInvoice(ctx, &invoicesrpc.SettleInvoiceMsg{
		Preimage: preimageBytes,
	})
	if err != nil {
		logger.Logger.Error().Err(err).Msg("Failed to settle hold invoice")
		return err
	}
	return nil
}

func (svc *LNDService) CancelHoldInvoice(ctx context.Context, paymentHash string) error {
	paymentHashBytes, err := hex.DecodeString(paymentHash)
	if err != nil || len(paymentHashBytes) != 32 {
		if err == nil {
			err = errors.New("payment hash must be 32 bytes hex")
		}
		logger.Logger.Error().Err(err).
			Str("paymentHash", paymentHash).
			Msg("Invalid payment hash")
		return err
	}

	_, err = svc.client.InvoiceClient.CancelInvoice(ctx, &invoicesrpc.CancelInvoiceMsg{
		PaymentHash: paymentHashBytes,
	})
	if err != nil {
		logger.Logger.Error().Err(err).
			Str("paymentHash", paymentHash).
			Msg("Failed to cancel hold invoice")
		return err
	}
	return nil
}

func (svc *LNDService) SubscribeSingleInvoice(ctx context.Context, paymentHash string) (<-chan lnclient.InvoiceUpdate, <-chan error, error) {
	paymentHashBytes, err := hex.DecodeString(paymentHash)
	if err != nil || len(paymentHashBytes) != 32 {
		if err == nil {
			err = errors.New("payment hash must be 32 bytes hex")
		}
		return nil, nil, err
	}

	stream, err := svc.client.InvoiceClient.SubscribeSingleInvoice(ctx, &invoicesrpc.SubscribeSingleInvoiceRequest{
		RHash: paymentHashBytes,
	})
	if err != nil {
		return nil, nil, err
	}

	updateChan := make(chan lnclient.InvoiceUpdate, 4)
	errChan := make(chan error, 1)

	go func() {
		defer close(updateChan)
		for {
			invoice, err := stream.Recv()
			if err != nil {
				if ctx.Err() == nil {
					errChan <- err
				}
				return
			}

			update := lnclient.InvoiceUpdate{
				PaymentHash: paymentHash,
				State:       lndInvoiceState(invoice.State),
			}
			if invoice.State == lnrpc.Invoice_ACCEPTED {
				// block height by which the held HTLC must be resolved
				for _, htlc := range invoice.Htlcs {
					deadline := htlc.ExpiryHeight
					if deadline > 0 {
						d := uint32(deadline)
						update.SettleDeadline = &d
						break
					}
				}
			}

			select {
			case updateChan <- update:
			case <-ctx.Done():
				return
			}

			if invoice.State == lnrpc.Invoice_SETTLED || invoice.State == lnrpc.Invoice_CANCELED {
				return
			}
		}
	}()

	return updateChan, errChan, nil
}

func lndInvoiceState(state lnrpc.Invoice_InvoiceState) lnclient.InvoiceState {
	switch state {
	case lnrpc.Invoice_ACCEPTED:
		return lnclient.INVOICE_STATE_ACCEPTED
	case lnrpc.Invoice_SETTLED:
		return lnclient.INVOICE_STATE_SETTLED
	case lnrpc.Invoice_CANCELED:
		return lnclient.INVOICE_STATE_CANCELED
	default:
		return lnclient.INVOICE_STATE_OPEN
	}
}

func (svc *LNDService) OpenChannel(ctx context.Context, openChannelRequest *lnclient.OpenChannelRequest) (*lnclient.OpenChannelResponse, error) {
	connected, err := svc.IsPeerConnected(ctx, openChannelRequest.Pubkey)
	if err != nil {
		return nil, errors.New("failed to list peers")
	}
	if !connected {
		return nil, lnclient.ErrPeerNotConnected
	}

	logger.Logger.Info().
		Str("peer_id", openChannelRequest.Pubkey).
		Int64("local_amount_sat", openChannelRequest.LocalAmountSat).
		Msg("Opening channel")

	nodePub, err := hex.DecodeString(openChannelRequest.Pubkey)
	if err != nil {
		return nil, errors.New("failed to decode pubkey")
	}

	req := &lnrpc.OpenChannelRequest{
		NodePubkey:         nodePub,
		Private:            !openChannelRequest.Public,
		LocalFundingAmount: openChannelRequest.LocalAmountSat,
		PushSat:            openChannelRequest.PushAmountSat,
	}

	channel, err := svc.client.Client.OpenChannelSync(ctx, req)
	if err != nil {
		logger.Logger.Error().Err(err).Msg("Failed to open channel")
		return nil, fmt.Errorf("failed to open channel with %s: %s", openChannelRequest.Pubkey, err)
	}

	fundingTxidBytes := channel.GetFundingTxidBytes()

	// we get the funding transaction id bytes in reverse
	for i, j := 0, len(fundingTxidBytes)-1; i < j; i, j = i+1, j-1 {
		fundingTxidBytes[i], fundingTxidBytes[j] = fundingTxidBytes[j], fundingTxidBytes[i]
	}

	return &lnclient.OpenChannelResponse{
		FundingTxID:   hex.EncodeToString(fundingTxidBytes),
		FundingOutnum: channel.OutputIndex,
	}, nil
}

func (svc *LNDService) SubscribeConfirmations(ctx context.Context, txid string, numConfs uint32) (<-chan lnclient.ConfirmationEvent, <-chan error, error) {
	txidBytes, err := hex.DecodeString(txid)
	if err != nil || len(txidBytes) != 32 {
		if err == nil {
			err = errors.New("txid must be 32 bytes hex")
		}
		return nil, nil, err
	}

	// the chain notifier expects the txid in little-endian byte order
	for i, j := 0, len(txidBytes)-1; i < j; i, j = i+1, j-1 {
		txidBytes[i], txidBytes[j] = txidBytes[j], txidBytes[i]
	}

	info, err := svc.GetInfo(ctx)
	if err != nil {
		return nil, nil, err
	}

	stream, err := svc.client.ChainClient.RegisterConfirmationsNtfn(ctx, &chainrpc.ConfRequest{
		Txid:       txidBytes,
		NumConfs:   numConfs,
		HeightHint: info.BlockHeight,
	})
	if err != nil {
		return nil, nil, err
	}

	confChan := make(chan lnclient.ConfirmationEvent, 1)
	errChan := make(chan error, 1)

	go func() {
		defer close(confChan)
		for {
			event, err := stream.Recv()
			if err != nil {
				if ctx.Err() == nil {
					errChan <- err
				}
				return
			}
			if conf := event.GetConf(); conf != nil {
				select {
				case confChan <- lnclient.ConfirmationEvent{
					TxID:        txid,
					BlockHeight: conf.BlockHeight,
				}:
				case <-ctx.Done():
				}
				return
			}
		}
	}()

	return confChan, errChan, nil
}

func (svc *LNDService) SendCustomMessage(ctx context.Context, peerPubkey string, msgType uint32, data []byte) error {
	peerBytes, err := hex.DecodeString(peerPubkey)
	if err != nil {
		return fmt.Errorf("failed to decode peer pubkey: %w", err)
	}

	_, err = svc.client.Client.SendCustomMessage(ctx, &lnrpc.SendCustomMessageRequest{
		Peer: peerBytes,
		Type: msgType,
		Data: data,
	})
	return err
}

func (svc *LNDService) SubscribeCustomMessages(ctx context.Context) (<-chan lnclient.CustomMessage, <-chan error, error) {
	stream, err := svc.client.Client.SubscribeCustomMessages(ctx, &lnrpc.SubscribeCustomMessagesRequest{})
	if err != nil {
		return nil, nil, err
	}

	msgChan := make(chan lnclient.CustomMessage, 100)
	errChan := make(chan error, 1)

	go func() {
		defer close(msgChan)
		for {
			msg, err := stream.Recv()
			if err != nil {
				if ctx.Err() == nil {
					errChan <- err
				}
				return
			}
			select {
			case msgChan <- lnclient.CustomMessage{
				PeerPubkey: hex.EncodeToString(msg.Peer),
				Type:       msg.Type,
				Data:       msg.Data,
			}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return msgChan, errChan, nil
}

func (svc *LNDService) Shutdown() error {
	return svc.client.Close()
}
