// Package persist is the storage layer for LSPS1 orders. It is the only
// writer of order, payment and channel rows; everything else reads through it.
package persist

import (
	"errors"
	"fmt"
	"time"

	"github.com/flokiorg/lokilsp/constants"
	"github.com/flokiorg/lokilsp/db"
	"gorm.io/gorm"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrStaleGeneration is returned when a payment-state append carries a
	// generation that is no longer the latest. The caller decides whether to
	// re-read and retry.
	ErrStaleGeneration = errors.New("stale payment state generation")
	// ErrTerminalState is returned when a transition is attempted on an
	// order or payment that already reached a terminal state.
	ErrTerminalState = errors.New("entity is in a terminal state")
	// ErrChannelExists is returned on a second channel insert for an order.
	ErrChannelExists = errors.New("channel already recorded for order")
)

type Store struct {
	db *gorm.DB
}

func NewStore(gormDB *gorm.DB) *Store {
	return &Store{db: gormDB}
}

// CreateOrder inserts the order together with its initial CREATED state in
// one transaction.
func (s *Store) CreateOrder(order *db.Order) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(order).Error; err != nil {
			return fmt.Errorf("failed to insert order: %w", err)
		}
		state := &db.OrderState{
			OrderID:   order.ID,
			State:     constants.ORDER_STATE_CREATED,
			CreatedAt: time.Now(),
		}
		if err := tx.Create(state).Error; err != nil {
			return fmt.Errorf("failed to insert initial order state: %w", err)
		}
		return nil
	})
}

// ListOrders returns orders newest first, for the admin API.
func (s *Store) ListOrders(limit, offset int) ([]db.Order, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	var orders []db.Order
	err := s.db.Order("id DESC").Limit(limit).Offset(offset).Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

func (s *Store) GetOrderByID(id uint) (*db.Order, error) {
	var order db.Order
	result := s.db.Where("id = ?", id).Find(&order)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return &order, nil
}

func (s *Store) GetOrderByUUID(uuid string) (*db.Order, error) {
	var order db.Order
	result := s.db.Where("uuid = ?", uuid).Find(&order)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return &order, nil
}

// CurrentOrderState returns the latest appended state for the order.
func (s *Store) CurrentOrderState(orderID uint) (string, error) {
	return currentOrderState(s.db, orderID)
}

func currentOrderState(tx *gorm.DB, orderID uint) (string, error) {
	var state db.OrderState
	result := tx.Where("order_id = ?", orderID).Order("id DESC").Limit(1).Find(&state)
	if result.Error != nil {
		return "", result.Error
	}
	if result.RowsAffected == 0 {
		return "", ErrNotFound
	}
	return state.State, nil
}

// AppendOrderState records a transition. Appending onto a terminal state is
// refused; history rows are never modified.
func (s *Store) AppendOrderState(orderID uint, state string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		current, err := currentOrderState(tx, orderID)
		if err != nil {
			return err
		}
		if constants.OrderStateTerminal(current) {
			return fmt.Errorf("order %d is already %s: %w", orderID, current, ErrTerminalState)
		}
		return tx.Create(&db.OrderState{
			OrderID:   orderID,
			State:     state,
			CreatedAt: time.Now(),
		}).Error
	})
}

// OrderStateHistory returns all transitions for an order, oldest first.
func (s *Store) OrderStateHistory(orderID uint) ([]db.OrderState, error) {
	var states []db.OrderState
	err := s.db.Where("order_id = ?", orderID).Order("id ASC").Find(&states).Error
	return states, err
}

// CreatePaymentDetails inserts the payment terms together with the initial
// EXPECT_PAYMENT state at generation zero.
func (s *Store) CreatePaymentDetails(payment *db.PaymentDetails) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(payment).Error; err != nil {
			return fmt.Errorf("failed to insert payment details: %w", err)
		}
		state := &db.PaymentState{
			PaymentDetailsID: payment.ID,
			State:            constants.PAYMENT_STATE_EXPECT_PAYMENT,
			Generation:       0,
			CreatedAt:        time.Now(),
		}
		if err := tx.Create(state).Error; err != nil {
			return fmt.Errorf("failed to insert initial payment state: %w", err)
		}
		return nil
	})
}

func (s *Store) GetPaymentByLabel(label string) (*db.PaymentDetails, error) {
	var payment db.PaymentDetails
	result := s.db.Where("bolt11_invoice_label = ?", label).Find(&payment)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return &payment, nil
}

func (s *Store) GetPaymentByOrderID(orderID uint) (*db.PaymentDetails, error) {
	var payment db.PaymentDetails
	result := s.db.Where("order_id = ?", orderID).Find(&payment)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return &payment, nil
}

// CurrentPaymentState returns the generation-latest state row.
func (s *Store) CurrentPaymentState(paymentDetailsID uint) (*db.PaymentState, error) {
	return currentPaymentState(s.db, paymentDetailsID)
}

func currentPaymentState(tx *gorm.DB, paymentDetailsID uint) (*db.PaymentState, error) {
	var state db.PaymentState
	result := tx.Where("payment_details_id = ?", paymentDetailsID).
		Order("generation DESC").Limit(1).Find(&state)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return &state, nil
}

// AppendPaymentState appends a transition at generation expectedGeneration+1.
// The append only succeeds if expectedGeneration is still the latest stored
// generation; otherwise ErrStaleGeneration is returned. The unique index on
// (payment_details_id, generation) backs the check against writers racing
// between the read and the insert, so the guard also holds across processes.
func (s *Store) AppendPaymentState(paymentDetailsID uint, state string, expectedGeneration uint64) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		current, err := currentPaymentState(tx, paymentDetailsID)
		if err != nil {
			return err
		}
		if current.Generation != expectedGeneration {
			return ErrStaleGeneration
		}
		if constants.PaymentStateTerminal(current.State) {
			return fmt.Errorf("payment %d is already %s: %w", paymentDetailsID, current.State, ErrTerminalState)
		}
		return tx.Create(&db.PaymentState{
			PaymentDetailsID: paymentDetailsID,
			State:            state,
			Generation:       expectedGeneration + 1,
			CreatedAt:        time.Now(),
		}).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// Another writer inserted the same generation first.
		return ErrStaleGeneration
	}
	return err
}

// PaymentStateHistory returns all transitions for a payment, oldest first.
func (s *Store) PaymentStateHistory(paymentDetailsID uint) ([]db.PaymentState, error) {
	var states []db.PaymentState
	err := s.db.Where("payment_details_id = ?", paymentDetailsID).
		Order("generation ASC").Find(&states).Error
	return states, err
}

// CreateChannel records the funded channel for an order. Written exactly
// once; a second insert fails on the unique order_id index.
func (s *Store) CreateChannel(channel *db.Channel) error {
	err := s.db.Create(channel).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrChannelExists
	}
	return err
}

func (s *Store) GetChannelByOrderID(orderID uint) (*db.Channel, error) {
	var channel db.Channel
	result := s.db.Where("order_id = ?", orderID).Find(&channel)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return &channel, nil
}

// ListNonTerminalOrders returns every order whose latest state is not
// COMPLETED or FAILED. Used by the recovery supervisor and the expiry sweep.
func (s *Store) ListNonTerminalOrders() ([]db.Order, error) {
	var orders []db.Order
	err := s.db.
		Joins("JOIN lsps1_order_states ON lsps1_order_states.order_id = lsps1_orders.id").
		Where("lsps1_order_states.id = (SELECT MAX(id) FROM lsps1_order_states s WHERE s.order_id = lsps1_orders.id)").
		Where("lsps1_order_states.state NOT IN ?", []string{
			constants.ORDER_STATE_COMPLETED,
			constants.ORDER_STATE_FAILED,
		}).
		Find(&orders).Error
	return orders, err
}
