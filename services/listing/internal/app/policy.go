package app

import "rentalhub/pkg/domain"

// Authorization policy shared by every lifecycle and account operation.

func requireAuthenticated(p domain.Principal) error {
	if p.ID <= 0 {
		return ErrForbidden
	}
	return nil
}

func requireAdmin(p domain.Principal) error {
	if err := requireAuthenticated(p); err != nil {
		return err
	}
	if !p.IsAdmin() {
		return ErrForbidden
	}
	return nil
}

// requireOwner allows content mutation only by the listing owner. Admin role
// grants no content rights.
func requireOwner(p domain.Principal, l domain.Listing) error {
	if err := requireAuthenticated(p); err != nil {
		return err
	}
	if l.OwnerID != p.ID {
		return ErrForbidden
	}
	return nil
}
