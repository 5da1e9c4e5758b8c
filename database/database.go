package database

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/lhquant/dtsync/config"
	"github.com/lhquant/dtsync/logger"
	"github.com/lhquant/dtsync/models"
)

var DB *gorm.DB

// InitDB connects, tunes the pool, and migrates the schema. The gorm logger
// stays silent: the application logs through zap.
func InitDB(cfg config.Database) error {
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s TimeZone=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode, cfg.TimeZone)

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}

	// Modest pool: the writer works in large chunks, not many connections.
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(25)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)

	if err := DB.AutoMigrate(
		&models.CoreQuote{},
		&models.ExtraQuote{},
		&models.TradeFlow{},
		&models.SeatFlow{},
		&models.NameHistory{},
		&models.SyncExecutionRecord{},
		&models.SyncLease{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	if err := OptimizeIndexes(DB); err != nil {
		logger.L().Warn("failed to optimize indexes", zap.Error(err))
	}

	logger.L().Info("database connected and migrated",
		zap.String("host", cfg.Host),
		zap.String("name", cfg.Name))
	return nil
}
