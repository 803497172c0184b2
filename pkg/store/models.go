package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID           int64     `gorm:"primaryKey;autoIncrement"`
	Username     string    `gorm:"uniqueIndex;not null"`
	Email        string    `gorm:"uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	Role         string    `gorm:"not null;index"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time
}

func (UserModel) TableName() string { return "users" }

type ListingModel struct {
	ID           int64      `gorm:"primaryKey;autoIncrement"`
	OwnerID      int64      `gorm:"not null;index"`
	Owner        *UserModel `gorm:"foreignKey:OwnerID;constraint:OnDelete:RESTRICT"`
	Title        string     `gorm:"not null"`
	Description  string     `gorm:"type:text"`
	ImageRef     string
	Price        int64 `gorm:"not null"`
	LocationText string
	City         string `gorm:"index"`
	AreaText     string
	Beds         int       `gorm:"not null;default:1"`
	Baths        int       `gorm:"not null;default:1"`
	HasParking   bool      `gorm:"not null;default:false"`
	Category     string    `gorm:"index"`
	Status       string    `gorm:"not null;index"`
	Verified     bool      `gorm:"not null;default:false"`
	CreatedAt    time.Time `gorm:"not null;index"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (ListingModel) TableName() string { return "listings" }

type ListingEventModel struct {
	ID         int64  `gorm:"primaryKey;autoIncrement"`
	ListingID  int64  `gorm:"not null;index"`
	Type       string `gorm:"not null"`
	ActorID    int64  `gorm:"not null"`
	FromStatus string
	ToStatus   string
	Changes    datatypes.JSON `gorm:"type:json"`
	CreatedAt  time.Time      `gorm:"not null;index"`
}

func (ListingEventModel) TableName() string { return "listing_events" }

// BootstrapMarkerModel records one-time setup steps. The primary key makes
// each step claimable once.
type BootstrapMarkerModel struct {
	Name      string    `gorm:"primaryKey"`
	UserID    int64     `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (BootstrapMarkerModel) TableName() string { return "bootstrap_markers" }
