// Package funding opens the purchased channel and watches the funding
// transaction until it reaches the confirmation depth the client asked for.
package funding

import (
	"context"
	"fmt"

	"github.com/flokiorg/lokilsp/lnclient"
	"github.com/flokiorg/lokilsp/logger"
)

type OpenRequest struct {
	ClientNodeID     string
	LspBalanceSat    uint64
	ClientBalanceSat uint64
	AnnounceChannel  bool
}

// FundingOutpoint identifies the channel funding output on chain.
type FundingOutpoint struct {
	TxID   string
	Outnum uint32
}

type Service struct {
	lnClient lnclient.LNClient
}

func NewService(lnClient lnclient.LNClient) *Service {
	return &Service{lnClient: lnClient}
}

// OpenChannel opens the channel towards the client. The client balance is
// pushed to the remote side at open, so the local funding amount covers the
// whole capacity.
func (svc *Service) OpenChannel(ctx context.Context, req *OpenRequest) (*FundingOutpoint, error) {
	capacity := req.LspBalanceSat + req.ClientBalanceSat

	resp, err := svc.lnClient.OpenChannel(ctx, &lnclient.OpenChannelRequest{
		Pubkey:         req.ClientNodeID,
		LocalAmountSat: int64(capacity),
		PushAmountSat:  int64(req.ClientBalanceSat),
		Public:         req.AnnounceChannel,
	})
	if err != nil {
		logger.Logger.Error().Err(err).
			Str("peer_id", req.ClientNodeID).
			Msg("Failed to open channel")
		return nil, err
	}

	logger.Logger.Info().
		Str("peer_id", req.ClientNodeID).
		Str("funding_txid", resp.FundingTxID).
		Uint32("outnum", resp.FundingOutnum).
		Msg("Channel funding transaction broadcast")

	return &FundingOutpoint{
		TxID:   resp.FundingTxID,
		Outnum: resp.FundingOutnum,
	}, nil
}

// AwaitConfirmation blocks until the funding transaction reaches numConfs
// confirmations or the context is cancelled. Re-invocable after a restart
// with the persisted funding txid.
func (svc *Service) AwaitConfirmation(ctx context.Context, txid string, numConfs uint32) error {
	confChan, errChan, err := svc.lnClient.SubscribeConfirmations(ctx, txid, numConfs)
	if err != nil {
		return err
	}

	select {
	case event, ok := <-confChan:
		if !ok {
			return fmt.Errorf("confirmation stream for %s closed", txid)
		}
		logger.Logger.Info().
			Str("funding_txid", txid).
			Uint32("block_height", event.BlockHeight).
			Uint32("num_confs", numConfs).
			Msg("Channel funding confirmed")
		return nil
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
