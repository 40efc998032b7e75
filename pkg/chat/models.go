package chat

import (
	"time"

	nanoid "github.com/matoous/go-nanoid/v2"
	"gorm.io/gorm"
)

// User is a credential-store entry. Hash is the shared-salt credential hash
// clients send in their LOGIN line.
type User struct {
	ID        string `gorm:"primaryKey"`
	Username  string `gorm:"uniqueIndex;not null"`
	Hash      string `gorm:"not null"`
	CreatedAt time.Time
}

// AuditLog records session lifecycle events. Message text is never stored.
type AuditLog struct {
	ID          uint   `gorm:"primaryKey"`
	Action      string `gorm:"index;not null"`
	Username    string `gorm:"index;not null"`
	Room        string
	ServerID    string `gorm:"index"`
	Description string
	CreatedAt   time.Time `gorm:"index"`
}

func (u *User) BeforeCreate(tx *gorm.DB) (err error) {
	if u.ID == "" {
		u.ID, err = nanoid.New(8)
	}
	return
}
