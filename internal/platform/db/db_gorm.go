// Package db opens the application database connection.
package db

import (
	"log"
	"os"
	"time"

	gpostgres "gorm.io/driver/postgres"
	gsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"

	alertadapters "tradecoach_backend/internal/feature/alerts/adapters"
	authentity "tradecoach_backend/internal/feature/auth/domain/entity"
	behavioradapters "tradecoach_backend/internal/feature/behavior/adapters"
	chatadapters "tradecoach_backend/internal/feature/chat/adapters"
)

// OpenDB connects to Postgres when DATABASE_URL is set, otherwise falls
// back to a local SQLite file. The connection is retried for up to 60s so
// the process survives a database that is still starting.
func OpenDB() *gorm.DB {
	dsn := os.Getenv("DATABASE_URL")

	open := func() (*gorm.DB, error) {
		// TranslateError で重複キー違反をドライバ非依存の gorm.ErrDuplicatedKey に正規化する
		cfg := &gorm.Config{TranslateError: true}
		if dsn != "" {
			return gorm.Open(gpostgres.Open(dsn), cfg)
		}
		path := os.Getenv("SQLITE_PATH")
		if path == "" {
			path = "./tradecoach.db"
		}
		return gorm.Open(gsqlite.Open(path), cfg)
	}

	var (
		conn *gorm.DB
		err  error
	)
	deadline := time.Now().Add(60 * time.Second)
	for {
		conn, err = open()
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			log.Fatalf("DB connect failed after 60s: %v", err)
		}
		log.Printf("DB connect failed, retrying...: %v", err)
		time.Sleep(3 * time.Second)
	}

	if os.Getenv("RUN_MIGRATIONS") == "true" {
		if err := conn.AutoMigrate(
			&authentity.User{},
			&behavioradapters.TradeModel{},
			&alertadapters.AlertModel{},
			&chatadapters.ChatMessageModel{},
		); err != nil {
			log.Fatalf("failed to migrate: %v", err)
		}
	}

	return conn
}
