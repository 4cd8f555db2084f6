package db

import (
	"time"

	"gorm.io/datatypes"
)

// Order is one request to purchase inbound channel capacity. The row itself
// never changes after creation; progress is recorded in the append-only
// OrderState history.
type Order struct {
	ID                   uint
	UUID                 string `validate:"required" gorm:"unique;not null"`
	ClientNodeID         string `gorm:"index;not null"`
	LspBalanceSat        uint64
	ClientBalanceSat     uint64
	ConfirmsWithinBlocks uint16
	ChannelExpiryBlocks  uint32
	Token                string
	RefundOnchainAddress string
	AnnounceChannel      bool
	CreatedAt            time.Time
	ExpiresAt            time.Time
	RawRequest           datatypes.JSON
}

func (Order) TableName() string {
	return "lsps1_orders"
}

// OrderState is one row per order transition. The current state of an order
// is the row with the highest ID for that order. Rows are never updated.
type OrderState struct {
	ID        uint
	OrderID   uint  `gorm:"index;not null"`
	Order     Order `gorm:"constraint:OnDelete:CASCADE;"`
	State     string
	CreatedAt time.Time
}

func (OrderState) TableName() string {
	return "lsps1_order_states"
}

// PaymentDetails fixes the payment terms of an order once. The preimage is
// kept so the hold invoice can be settled after the channel confirms; the
// onchain fields stay empty because onchain settlement is not offered.
type PaymentDetails struct {
	ID                 uint
	OrderID            uint  `gorm:"uniqueIndex;not null"`
	Order              Order `gorm:"constraint:OnDelete:CASCADE;"`
	FeeTotalSat        uint64
	OrderTotalSat      uint64
	Bolt11Invoice      string
	Bolt11InvoiceLabel string `gorm:"uniqueIndex;not null"`
	PaymentHash        string `gorm:"index"`
	Preimage           string
	OnchainAddress     string
	OnchainConfsNeeded *uint16
	MinFeeFor0ConfSat  *uint64
	CreatedAt          time.Time
}

func (PaymentDetails) TableName() string {
	return "lsps1_payment_details"
}

// PaymentState is one row per payment transition. The unique index on
// (payment_details_id, generation) is the optimistic-concurrency guard: a
// writer appends generation = last+1 and loses the race if that row already
// exists.
type PaymentState struct {
	ID               uint
	PaymentDetailsID uint           `gorm:"not null;uniqueIndex:idx_payment_generation"`
	PaymentDetails   PaymentDetails `gorm:"constraint:OnDelete:CASCADE;"`
	State            string
	Generation       uint64 `gorm:"not null;uniqueIndex:idx_payment_generation"`
	CreatedAt        time.Time
}

func (PaymentState) TableName() string {
	return "lsps1_payment_states"
}

// Channel is written exactly once per order, when the funding transaction is
// known. Its existence is the signal that provisioning succeeded.
type Channel struct {
	ID            uint
	OrderID       uint  `gorm:"uniqueIndex;not null"`
	Order         Order `gorm:"constraint:OnDelete:CASCADE;"`
	FundingTxID   string
	FundingOutnum uint32
	FundedAt      time.Time
}

func (Channel) TableName() string {
	return "lsps1_channels"
}
