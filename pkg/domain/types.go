package domain

import "time"

type ListingStatus string

const (
	StatusPending  ListingStatus = "pending"
	StatusActive   ListingStatus = "active"
	StatusRented   ListingStatus = "rented"
	StatusRejected ListingStatus = "rejected"
)

// Valid reports whether s is one of the known listing states.
func (s ListingStatus) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusRented, StatusRejected:
		return true
	}
	return false
}

type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

const (
	DefaultCategory  = "Room"
	PlaceholderImage = "https://via.placeholder.com/300x200?text=Property"
)

// Principal is the authenticated caller of an operation.
type Principal struct {
	ID   int64    `json:"id"`
	Role UserRole `json:"role"`
}

// IsAdmin reports whether the principal carries the admin role.
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

type Listing struct {
	ID           int64         `json:"id"`
	OwnerID      int64         `json:"ownerId"`
	Title        string        `json:"title"`
	Description  string        `json:"description"`
	ImageRef     string        `json:"image"`
	Price        int64         `json:"price"`
	LocationText string        `json:"location"`
	City         string        `json:"city"`
	AreaText     string        `json:"area"`
	Beds         int           `json:"beds"`
	Baths        int           `json:"baths"`
	HasParking   bool          `json:"parking"`
	Category     string        `json:"category"`
	Status       ListingStatus `json:"status"`
	Verified     bool          `json:"verified"`
	Owner        *OwnerSummary `json:"owner,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// OwnerSummary is the minimal owner projection attached to public listings.
type OwnerSummary struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// ListingFilter narrows listing queries. Empty fields are ignored.
type ListingFilter struct {
	Status   ListingStatus
	OwnerID  int64
	City     string
	Category string
	MinPrice int64
	MaxPrice int64
}

type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         UserRole  `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Principal returns the caller identity for u.
func (u User) Principal() Principal {
	return Principal{ID: u.ID, Role: u.Role}
}

type EventType string

const (
	EventCreated  EventType = "listing.created"
	EventUpdated  EventType = "listing.updated"
	EventApproved EventType = "listing.approved"
	EventRejected EventType = "listing.rejected"
	EventDeleted  EventType = "listing.deleted"
)

// ListingEvent records one lifecycle transition of a listing.
type ListingEvent struct {
	ID         int64         `json:"id"`
	ListingID  int64         `json:"listingId"`
	Type       EventType     `json:"type"`
	ActorID    int64         `json:"actorId"`
	FromStatus ListingStatus `json:"fromStatus,omitempty"`
	ToStatus   ListingStatus `json:"toStatus,omitempty"`
	Changes    []string      `json:"changes,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
}

// ChangedFields lists the json names of the editable fields that differ
// between before and after.
func ChangedFields(before, after Listing) []string {
	var out []string
	add := func(changed bool, name string) {
		if changed {
			out = append(out, name)
		}
	}
	add(before.Title != after.Title, "title")
	add(before.Description != after.Description, "description")
	add(before.ImageRef != after.ImageRef, "image")
	add(before.Price != after.Price, "price")
	add(before.LocationText != after.LocationText, "location")
	add(before.City != after.City, "city")
	add(before.AreaText != after.AreaText, "area")
	add(before.Beds != after.Beds, "beds")
	add(before.Baths != after.Baths, "baths")
	add(before.HasParking != after.HasParking, "parking")
	add(before.Category != after.Category, "category")
	add(before.Status != after.Status, "status")
	add(before.Verified != after.Verified, "verified")
	return out
}

// ModerationStats is the admin dashboard summary.
type ModerationStats struct {
	TotalUsers       int64 `json:"totalUsers"`
	TotalOwners      int64 `json:"totalOwners"`
	ActiveListings   int64 `json:"activeListings"`
	PendingApprovals int64 `json:"pendingApprovals"`
	MonthlyRevenue   int64 `json:"monthlyRevenue"`
}
