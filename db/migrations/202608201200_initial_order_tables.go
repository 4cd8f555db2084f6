package migrations

import (
	"github.com/flokiorg/lokilsp/db"
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

var _202608201200_initial_order_tables = &gormigrate.Migration{
	ID: "202608201200_initial_order_tables",
	Migrate: func(tx *gorm.DB) error {
		return tx.AutoMigrate(
			&db.Order{},
			&db.OrderState{},
			&db.PaymentDetails{},
			&db.PaymentState{},
			&db.Channel{},
		)
	},
	Rollback: func(tx *gorm.DB) error {
		return tx.Migrator().DropTable(
			&db.Channel{},
			&db.PaymentState{},
			&db.PaymentDetails{},
			&db.OrderState{},
			&db.Order{},
		)
	},
}
