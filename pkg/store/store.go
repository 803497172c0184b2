package store

import (
	"context"
	"errors"

	"rentalhub/pkg/domain"
)

var (
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a unique column (email, username) already exists.
	ErrDuplicate = errors.New("duplicate record")
	// ErrAdminExists is returned by CreateFirstAdmin once any admin exists.
	ErrAdminExists = errors.New("an admin already exists")
)

// ListingMutation edits a locked listing in place and returns the event type
// to record for the change. Returning an error aborts the mutation.
type ListingMutation func(current *domain.Listing) (domain.EventType, error)

// ListingCheck inspects a locked listing before it is removed.
type ListingCheck func(current domain.Listing) error

// Store defines persistence operations for users, listings, and their audit trail.
type Store interface {
	// users
	CreateUser(ctx context.Context, u domain.User) (domain.User, error)
	UpdateUser(ctx context.Context, u domain.User) (domain.User, error)
	GetUserByID(ctx context.Context, id int64) (domain.User, bool, error)
	GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error)
	ListUsers(ctx context.Context) ([]domain.User, error)
	DeleteUser(ctx context.Context, id int64) error
	CountUsersByRole(ctx context.Context, role domain.UserRole) (int64, error)
	// CreateFirstAdmin inserts u as an admin only while no admin exists. Of
	// concurrent callers at most one succeeds.
	CreateFirstAdmin(ctx context.Context, u domain.User) (domain.User, error)

	// listings
	CreateListing(ctx context.Context, l domain.Listing, actorID int64) (domain.Listing, error)
	GetListing(ctx context.Context, id int64) (domain.Listing, bool, error)
	// MutateListing loads the listing under a row lock, applies fn and saves
	// the result together with an audit event in one transaction.
	MutateListing(ctx context.Context, id, actorID int64, fn ListingMutation) (domain.Listing, error)
	// DeleteListing removes the listing if check passes, atomically.
	DeleteListing(ctx context.Context, id, actorID int64, check ListingCheck) (domain.Listing, error)
	ListListings(ctx context.Context, filter domain.ListingFilter, withOwner bool) ([]domain.Listing, error)
	CountListings(ctx context.Context, filter domain.ListingFilter) (int64, error)
	ListEvents(ctx context.Context, listingID int64) ([]domain.ListingEvent, error)
}
