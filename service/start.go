package service

import (
	"context"
	"time"

	"github.com/flokiorg/lokilsp/logger"
	"github.com/flokiorg/lokilsp/lsps/events"
	"github.com/flokiorg/lokilsp/lsps/transport"
)

// Start brings the daemon online: the engine is bound to ctx, in-flight
// orders are recovered, the custom-message dispatch loop and the expiry sweep
// start, and lifecycle events are consumed for logging.
func (svc *Service) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	svc.cancel = cancel

	svc.engine.Start(ctx)

	if err := svc.engine.Recover(ctx); err != nil {
		cancel()
		return err
	}

	msgChan, errChan, err := svc.transport.SubscribeCustomMessages(ctx)
	if err != nil {
		cancel()
		return err
	}

	svc.wg.Add(1)
	go func() {
		defer svc.wg.Done()
		svc.dispatchLoop(ctx, msgChan, errChan)
	}()

	svc.wg.Add(1)
	go func() {
		defer svc.wg.Done()
		svc.sweepLoop(ctx)
	}()

	svc.wg.Add(1)
	go func() {
		defer svc.wg.Done()
		svc.consumeEvents(ctx)
	}()

	logger.Logger.Info().Msg("LSP daemon started")
	return nil
}

func (svc *Service) dispatchLoop(ctx context.Context, msgChan <-chan transport.CustomMessage, errChan <-chan error) {
	for {
		select {
		case msg, ok := <-msgChan:
			if !ok {
				return
			}
			if err := svc.dispatcher.HandleMessage(ctx, msg.PeerPubkey, msg.Data); err != nil {
				logger.Logger.Error().Err(err).
					Str("peer", msg.PeerPubkey).
					Msg("Failed to handle LSPS message")
			}
		case err := <-errChan:
			logger.Logger.Error().Err(err).Msg("Custom message subscription failed")
			return
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown stops all loops, drains the engine's watchers and disconnects
// from the node.
func (svc *Service) Shutdown() {
	logger.Logger.Info().Msg("Shutting down")
	if svc.cancel != nil {
		svc.cancel()
	}
	svc.wg.Wait()
	svc.engine.Stop()
	svc.eventQueue.Close()
	if err := svc.lnClient.Shutdown(); err != nil {
		logger.Logger.Error().Err(err).Msg("Failed to disconnect from node")
	}
}

func (svc *Service) sweepLoop(ctx context.Context) {
	interval := time.Duration(svc.cfg.SweepIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := svc.engine.SweepExpiredOrders(ctx); err != nil {
				logger.Logger.Error().Err(err).Msg("Expiry sweep failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (svc *Service) consumeEvents(ctx context.Context) {
	for {
		event, err := svc.eventQueue.NextEvent(ctx)
		if err != nil {
			return
		}
		switch ev := event.(type) {
		case *events.OrderCreatedEvent:
			logger.Logger.Info().
				Str("order_uuid", ev.OrderUUID).
				Str("payment_hash", ev.PaymentHash).
				Msg("Order created")
		case *events.PaymentHeldEvent:
			logger.Logger.Info().
				Str("order_uuid", ev.OrderUUID).
				Msg("Order payment held")
		case *events.OrderCompletedEvent:
			logger.Logger.Info().
				Str("order_uuid", ev.OrderUUID).
				Str("funding_txid", ev.FundingTxID).
				Uint32("outnum", ev.FundingOutnum).
				Msg("Order completed")
		case *events.OrderFailedEvent:
			logger.Logger.Warn().
				Str("order_uuid", ev.OrderUUID).
				Str("reason", ev.Reason).
				Msg("Order failed")
		}
	}
}
