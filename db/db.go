package db

import (
	"fmt"
	"time"

	"github.com/flokiorg/lokilsp/logger"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gorm_logger "gorm.io/gorm/logger"
)

type gormZerologAdapter struct {
	logger zerolog.Logger
}

func (g *gormZerologAdapter) Printf(format string, args ...interface{}) {
	g.logger.Info().Msgf(format, args...)
}

// NewDB opens the sqlite database at uri. The busy timeout keeps
// concurrent order handlers from failing on transient locks.
func NewDB(uri string, logDBQueries bool) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		TranslateError: true,
	}
	if logDBQueries {
		gormConfig.Logger = gorm_logger.New(
			&gormZerologAdapter{logger: logger.Logger},
			gorm_logger.Config{
				SlowThreshold: time.Second,
				LogLevel:      gorm_logger.Info,
			},
		)
	}

	gormDB, err := gorm.Open(sqlite.Open(uri), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := gormDB.Exec("PRAGMA foreign_keys = ON", nil).Error; err != nil {
		return nil, err
	}
	if err := gormDB.Exec("PRAGMA busy_timeout = 5000", nil).Error; err != nil {
		return nil, err
	}

	return gormDB, nil
}
