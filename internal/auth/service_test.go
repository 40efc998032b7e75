package auth

import (
	"errors"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	. "relaychat/pkg/chat"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("Failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&User{}); err != nil {
		t.Fatalf("Failed to migrate database: %v", err)
	}

	return db
}

func TestAuthService_Register(t *testing.T) {
	db := setupTestDB(t)
	service := NewAuthService(db)

	tests := []struct {
		name        string
		username    string
		password    string
		expectError bool
		errorMsg    string
	}{
		{name: "valid registration", username: "testuser", password: "testpassword"},
		{name: "empty username", username: "", password: "testpassword", expectError: true, errorMsg: "username cannot be empty"},
		{name: "empty password", username: "testuser", password: "", expectError: true, errorMsg: "password cannot be empty"},
		{name: "whitespace in username", username: "test user", password: "pw", expectError: true, errorMsg: "username cannot contain whitespace"},
		{name: "second valid user", username: "testuser2", password: "testpassword2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, err := service.Register(tt.username, tt.password)

			if tt.expectError {
				if err == nil {
					t.Fatalf("Expected error but got none")
				}
				if tt.errorMsg != "" && err.Error() != tt.errorMsg {
					t.Errorf("Expected error message '%s', got '%s'", tt.errorMsg, err.Error())
				}
				return
			}

			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if user.Username != tt.username {
				t.Errorf("Expected username '%s', got '%s'", tt.username, user.Username)
			}
			if user.Hash != HashString(tt.password) {
				t.Error("Stored hash should be the shared-salt hash of the password")
			}
			if user.ID == "" {
				t.Error("User ID should be generated")
			}
		})
	}

	t.Run("duplicate username", func(t *testing.T) {
		if _, err := service.Register("testuser", "differentpassword"); err == nil {
			t.Error("Expected error for duplicate username")
		}
	})
}

func TestAuthService_Authenticate(t *testing.T) {
	db := setupTestDB(t)
	service := NewAuthService(db)

	user, err := service.Register("a", "1")
	if err != nil {
		t.Fatalf("Failed to create test user: %v", err)
	}

	tests := []struct {
		name     string
		username string
		hash     string
		wantErr  error
	}{
		{name: "valid login", username: "a", hash: HashString("1")},
		{name: "unknown user", username: "nobody", hash: HashString("1"), wantErr: ErrAuthFailed},
		{name: "wrong hash", username: "a", hash: HashString("2"), wantErr: ErrAuthFailed},
		{name: "plaintext instead of hash", username: "a", hash: "1", wantErr: ErrAuthFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := service.Authenticate(tt.username, tt.hash)

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Expected %v, got %v", tt.wantErr, err)
				}
				return
			}

			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got.ID != user.ID {
				t.Errorf("Expected user ID '%s', got '%s'", user.ID, got.ID)
			}
		})
	}
}

func TestAuthService_ExistsAndUsernames(t *testing.T) {
	db := setupTestDB(t)
	service := NewAuthService(db)

	for _, name := range []string{"c", "a", "b"} {
		if _, err := service.Register(name, "1"); err != nil {
			t.Fatalf("Failed to register %s: %v", name, err)
		}
	}

	ok, err := service.Exists("b")
	if err != nil || !ok {
		t.Errorf("Exists(b) = %v, %v; want true, nil", ok, err)
	}
	ok, err = service.Exists("z")
	if err != nil || ok {
		t.Errorf("Exists(z) = %v, %v; want false, nil", ok, err)
	}

	names, err := service.Usernames()
	if err != nil {
		t.Fatalf("Usernames() error: %v", err)
	}
	if len(names) != 3 || names[0] != "a" || names[2] != "c" {
		t.Errorf("Usernames() = %v, want sorted [a b c]", names)
	}
}
