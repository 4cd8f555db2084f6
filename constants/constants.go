package constants

// shared constants used by multiple packages

const (
	ORDER_STATE_CREATED   = "CREATED"
	ORDER_STATE_COMPLETED = "COMPLETED"
	ORDER_STATE_FAILED    = "FAILED"

	PAYMENT_STATE_EXPECT_PAYMENT = "EXPECT_PAYMENT"
	PAYMENT_STATE_HOLD           = "HOLD"
	PAYMENT_STATE_PAID           = "PAID"
	PAYMENT_STATE_REFUNDED       = "REFUNDED"
)

// LSPS0 custom message type carrying JSON-RPC payloads between peers.
const LSPS_MESSAGE_TYPE_ID = 37913

// Prefix for invoice labels registered with the node. The full label is
// INVOICE_LABEL_PREFIX + the order uuid.
const INVOICE_LABEL_PREFIX = "lsps1_"

func OrderStateTerminal(state string) bool {
	return state == ORDER_STATE_COMPLETED || state == ORDER_STATE_FAILED
}

func PaymentStateTerminal(state string) bool {
	return state == PAYMENT_STATE_PAID || state == PAYMENT_STATE_REFUNDED
}
