package database

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/zhouzirui/z-tavern/npc/internal/config"
	"github.com/zhouzirui/z-tavern/npc/pkg/logger"
)

// Open 根据 DB_TYPE 建立 gorm 连接，sqlite 会自动创建数据目录。
func Open(cfg config.StoreConfig, logg *logger.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.DBType {
	case "postgres":
		dialector = postgres.Open(cfg.DBURL)
	case "sqlite":
		if dir := filepath.Dir(cfg.DBURL); dir != "." && !strings.HasPrefix(cfg.DBURL, "file:") {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		dialector = sqlite.Open(cfg.DBURL)
	default:
		return nil, fmt.Errorf("unsupported DB_TYPE %q", cfg.DBType)
	}

	gormLog := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(dialector, &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLog,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.DBType, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.DBType == "sqlite" {
		// sqlite 只允许单写者
		sqlDB.SetMaxOpenConns(1)
	} else if cfg.PoolSize > 0 {
		sqlDB.SetMaxOpenConns(cfg.PoolSize)
		sqlDB.SetMaxIdleConns(cfg.PoolSize)
	}

	logg.Info("database connected", "type", cfg.DBType)
	return db, nil
}

// Ping checks connectivity for the health endpoint.
func Ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// IsPostgres reports whether db talks to Postgres.
func IsPostgres(db *gorm.DB) bool {
	return db.Dialector.Name() == "postgres"
}
