package migrations

import (
	"github.com/flokiorg/lokilsp/db"
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// Migrate runs the versioned migrations and then auto-migrates the core
// models. AutoMigrate is a no-op for columns the migrations already created.
func Migrate(gormDB *gorm.DB) error {
	m := gormigrate.New(gormDB, gormigrate.DefaultOptions, []*gormigrate.Migration{
		_202608201200_initial_order_tables,
	})

	if err := m.Migrate(); err != nil {
		return err
	}

	return gormDB.AutoMigrate(
		&db.Order{},
		&db.OrderState{},
		&db.PaymentDetails{},
		&db.PaymentState{},
		&db.Channel{},
	)
}
