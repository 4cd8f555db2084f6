package engine

// FeeCalculator prices an order. It returns the total fee charged by the LSP
// and the order total the client has to pay (fee plus any pushed client
// balance).
type FeeCalculator interface {
	Calculate(lspBalanceSat, clientBalanceSat uint64, channelExpiryBlocks uint32) (feeTotalSat, orderTotalSat uint64)
}

// FixedFeeCalculator charges the same fee for every order.
type FixedFeeCalculator struct {
	FixedFeeSat uint64
}

func (c *FixedFeeCalculator) Calculate(lspBalanceSat, clientBalanceSat uint64, channelExpiryBlocks uint32) (uint64, uint64) {
	feeTotal := c.FixedFeeSat
	return feeTotal, feeTotal + clientBalanceSat
}

// LinearFeeCalculator prices an order from an onchain cost component and a
// liquidity cost component weighted by capacity and lease duration.
//
//	fee = base * onchain_ppm / 1e6 + capacity * expiry_blocks * liquidity_ppb / 1e9
type LinearFeeCalculator struct {
	BaseFeeSat   uint64
	OnchainPpm   uint64
	LiquidityPpb uint64
}

func (c *LinearFeeCalculator) Calculate(lspBalanceSat, clientBalanceSat uint64, channelExpiryBlocks uint32) (uint64, uint64) {
	capacity := lspBalanceSat + clientBalanceSat
	onchainCost := c.BaseFeeSat * c.OnchainPpm / 1_000_000
	liquidityCost := capacity * uint64(channelExpiryBlocks) * c.LiquidityPpb / 1_000_000_000
	feeTotal := onchainCost + liquidityCost
	return feeTotal, feeTotal + clientBalanceSat
}
