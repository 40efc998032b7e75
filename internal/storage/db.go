package storage

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"relaychat/internal/auth"
	"relaychat/internal/logx"
	. "relaychat/pkg/chat"
)

// Connect opens the credential/audit database and migrates its schema.
func Connect(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	// Every pooled connection to an in-memory database is a separate database.
	if strings.Contains(path, ":memory:") {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(&User{}, &AuditLog{}); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return db, nil
}

// SeedUsers registers every missing username with password. Existing users
// are left untouched.
func SeedUsers(db *gorm.DB, usernames []string, password string) error {
	log := logx.Component("storage")
	service := auth.NewAuthService(db)

	for _, name := range usernames {
		var existing User
		err := db.First(&existing, "username = ?", name).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("lookup user %s: %w", name, err)
		}

		log.Debug().Str("user", name).Msg("inserting seed user")

		if _, err := service.Register(name, password); err != nil {
			return fmt.Errorf("seed user %s: %w", name, err)
		}
	}

	return nil
}

func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
