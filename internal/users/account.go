package users

import (
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/registry/internal/auth"
	"github.com/MarcoPoloResearchLab/registry/internal/database"
	"github.com/MarcoPoloResearchLab/registry/internal/records"
)

// Roles and approval states.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"

	StatusPending = "pending"
	StatusActive  = "active"
)

// Record fields of the users collection.
const (
	fieldUsername     = "username"
	fieldPassword     = "password"
	fieldPasswordHash = "password_hash"
	fieldName         = "name"
	fieldAddress      = "address"
	fieldContact      = "contact"
	fieldRole         = "role"
	fieldStatus       = "status"
)

// Account is a registered user.
type Account struct {
	ID           string    `gorm:"column:id;primaryKey;size:64"`
	Username     string    `gorm:"column:username;size:190;not null;uniqueIndex"`
	PasswordHash string    `gorm:"column:password_hash;size:128;not null"`
	Name         string    `gorm:"column:name;size:320"`
	Address      string    `gorm:"column:address;size:512"`
	Contact      string    `gorm:"column:contact;size:128"`
	Role         string    `gorm:"column:role;size:32;not null"`
	Status       string    `gorm:"column:status;size:32;not null"`
	Modified     string    `gorm:"column:modified;size:64"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing accounts.
func (Account) TableName() string {
	return "accounts"
}

// Schema describes the tables the accounts service needs.
func Schema() database.Schema {
	return database.Schema{Models: []any{&Account{}}}
}

// Identity returns the token principal for the account.
func (a Account) Identity() auth.Identity {
	return auth.Identity{UserID: a.ID, Username: a.Username, Role: a.Role}
}

// Record renders the account as a users collection record. The password hash is only included
// when withHash is set.
func (a Account) Record(withHash bool) records.Record {
	record := records.Record{
		records.FieldID: a.ID,
		fieldUsername:   a.Username,
		fieldRole:       a.Role,
		fieldStatus:     a.Status,
	}
	if a.Name != "" {
		record[fieldName] = a.Name
	}
	if a.Address != "" {
		record[fieldAddress] = a.Address
	}
	if a.Contact != "" {
		record[fieldContact] = a.Contact
	}
	if a.Modified != "" {
		record[records.FieldModified] = a.Modified
	}
	if withHash {
		record[fieldPasswordHash] = a.PasswordHash
	}
	return record
}

func isAdmin(viewer *auth.Identity) bool {
	return viewer != nil && viewer.Role == RoleAdmin
}

func text(record records.Record, key string) string {
	value, _ := record[key].(string)
	return strings.TrimSpace(value)
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
