package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"rentalhub/pkg/domain"
)

const migrateLockID int64 = 51420917

// GormStore implements Store using GORM. Postgres in production, sqlite in tests.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens a Postgres DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	return OpenGormStore(postgres.Open(dsn))
}

// OpenGormStore opens a store on an arbitrary dialector and migrates it.
func OpenGormStore(dialector gorm.Dialector) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	s := &GormStore{db: db}
	if err := s.Migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Migrate creates or updates the schema. On Postgres it runs under an advisory
// lock so concurrent replicas do not race.
func (s *GormStore) Migrate() error {
	migrate := func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &ListingModel{}, &ListingEventModel{}, &BootstrapMarkerModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}
	if s.db.Dialector.Name() != "postgres" {
		return migrate(s.db)
	}
	return withMigrationLock(s.db, migrate)
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicate
	default:
		return err
	}
}

// CreateUser inserts a new user and returns it with its assigned ID.
func (s *GormStore) CreateUser(ctx context.Context, u domain.User) (domain.User, error) {
	model := userToModel(u)
	model.ID = 0
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.User{}, translate(err)
	}
	return userFromModel(model), nil
}

const firstAdminMarker = "first_admin"

// CreateFirstAdmin claims the first_admin marker and inserts the user in one
// transaction. A second claimant fails on the marker's primary key.
func (s *GormStore) CreateFirstAdmin(ctx context.Context, u domain.User) (domain.User, error) {
	u.Role = domain.RoleAdmin
	model := userToModel(u)
	model.ID = 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var admins int64
		if err := tx.Model(&UserModel{}).Where("role = ?", string(domain.RoleAdmin)).Count(&admins).Error; err != nil {
			return err
		}
		if admins > 0 {
			return ErrAdminExists
		}
		marker := BootstrapMarkerModel{Name: firstAdminMarker, CreatedAt: model.CreatedAt}
		if err := tx.Create(&marker).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrAdminExists
			}
			return err
		}
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		return tx.Model(&marker).Update("user_id", model.ID).Error
	})
	if err != nil {
		return domain.User{}, translate(err)
	}
	return userFromModel(model), nil
}

// UpdateUser overwrites the mutable columns of an existing user.
func (s *GormStore) UpdateUser(ctx context.Context, u domain.User) (domain.User, error) {
	model := userToModel(u)
	res := s.db.WithContext(ctx).Model(&UserModel{}).
		Where("id = ?", u.ID).
		Updates(map[string]any{
			"username":      model.Username,
			"email":         model.Email,
			"password_hash": model.PasswordHash,
			"role":          model.Role,
			"updated_at":    model.UpdatedAt,
		})
	if res.Error != nil {
		return domain.User{}, translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.User{}, ErrNotFound
	}
	out, _, err := s.GetUserByID(ctx, u.ID)
	return out, err
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(ctx context.Context, id int64) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// ListUsers returns all users ordered by created_at.
func (s *GormStore) ListUsers(ctx context.Context) ([]domain.User, error) {
	var models []UserModel
	if err := s.db.WithContext(ctx).Order("created_at ASC").Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.User, 0, len(models))
	for _, m := range models {
		res = append(res, userFromModel(m))
	}
	return res, nil
}

// DeleteUser removes a user. Listings are not cascaded.
func (s *GormStore) DeleteUser(ctx context.Context, id int64) error {
	res := s.db.WithContext(ctx).Delete(&UserModel{}, "id = ?", id)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountUsersByRole counts users with role. An empty role counts everyone.
func (s *GormStore) CountUsersByRole(ctx context.Context, role domain.UserRole) (int64, error) {
	var count int64
	tx := s.db.WithContext(ctx).Model(&UserModel{})
	if role != "" {
		tx = tx.Where("role = ?", string(role))
	}
	if err := tx.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// CreateListing inserts l and its creation event in one transaction.
func (s *GormStore) CreateListing(ctx context.Context, l domain.Listing, actorID int64) (domain.Listing, error) {
	model := listingToModel(l)
	model.ID = 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(&model).Error; err != nil {
			return err
		}
		ev := domain.ListingEvent{
			ListingID: model.ID,
			Type:      domain.EventCreated,
			ActorID:   actorID,
			ToStatus:  domain.ListingStatus(model.Status),
			CreatedAt: model.CreatedAt,
		}
		return appendEvent(tx, ev)
	})
	if err != nil {
		return domain.Listing{}, translate(err)
	}
	return listingFromModel(model), nil
}

// GetListing returns a listing by ID with its owner projection.
func (s *GormStore) GetListing(ctx context.Context, id int64) (domain.Listing, bool, error) {
	var model ListingModel
	err := s.db.WithContext(ctx).
		Preload("Owner", selectOwnerColumns).
		First(&model, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Listing{}, false, nil
		}
		return domain.Listing{}, false, err
	}
	return listingFromModel(model), true, nil
}

// MutateListing locks the row, applies fn and persists the result with its event.
func (s *GormStore) MutateListing(ctx context.Context, id, actorID int64, fn ListingMutation) (domain.Listing, error) {
	var out domain.Listing
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model ListingModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&model, "id = ?", id).Error; err != nil {
			return err
		}
		before := listingFromModel(model)
		after := before
		evType, err := fn(&after)
		if err != nil {
			return err
		}
		after.ID = before.ID
		after.OwnerID = before.OwnerID
		after.CreatedAt = before.CreatedAt
		updated := listingToModel(after)
		if err := tx.Omit(clause.Associations).Save(&updated).Error; err != nil {
			return err
		}
		ev := domain.ListingEvent{
			ListingID:  id,
			Type:       evType,
			ActorID:    actorID,
			FromStatus: before.Status,
			ToStatus:   after.Status,
			Changes:    domain.ChangedFields(before, after),
			CreatedAt:  after.UpdatedAt,
		}
		if err := appendEvent(tx, ev); err != nil {
			return err
		}
		out = listingFromModel(updated)
		return nil
	})
	if err != nil {
		return domain.Listing{}, translate(err)
	}
	return out, nil
}

// DeleteListing locks the row, runs check and removes it.
func (s *GormStore) DeleteListing(ctx context.Context, id, actorID int64, check ListingCheck) (domain.Listing, error) {
	var out domain.Listing
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model ListingModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&model, "id = ?", id).Error; err != nil {
			return err
		}
		current := listingFromModel(model)
		if check != nil {
			if err := check(current); err != nil {
				return err
			}
		}
		if err := tx.Delete(&ListingModel{}, "id = ?", id).Error; err != nil {
			return err
		}
		ev := domain.ListingEvent{
			ListingID:  id,
			Type:       domain.EventDeleted,
			ActorID:    actorID,
			FromStatus: current.Status,
			CreatedAt:  time.Now().UTC(),
		}
		if err := appendEvent(tx, ev); err != nil {
			return err
		}
		out = current
		return nil
	})
	if err != nil {
		return domain.Listing{}, translate(err)
	}
	return out, nil
}

// ListListings returns listings matching filter, newest first.
func (s *GormStore) ListListings(ctx context.Context, filter domain.ListingFilter, withOwner bool) ([]domain.Listing, error) {
	var models []ListingModel
	tx := applyListingFilter(s.db.WithContext(ctx).Model(&ListingModel{}), filter)
	if withOwner {
		tx = tx.Preload("Owner", selectOwnerColumns)
	}
	if err := tx.Order("created_at DESC").Order("id DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Listing, 0, len(models))
	for _, m := range models {
		res = append(res, listingFromModel(m))
	}
	return res, nil
}

// CountListings counts listings matching filter.
func (s *GormStore) CountListings(ctx context.Context, filter domain.ListingFilter) (int64, error) {
	var count int64
	tx := applyListingFilter(s.db.WithContext(ctx).Model(&ListingModel{}), filter)
	if err := tx.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// ListEvents returns the audit trail of a listing in insertion order.
func (s *GormStore) ListEvents(ctx context.Context, listingID int64) ([]domain.ListingEvent, error) {
	var models []ListingEventModel
	if err := s.db.WithContext(ctx).
		Where("listing_id = ?", listingID).
		Order("id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.ListingEvent, 0, len(models))
	for _, m := range models {
		res = append(res, eventFromModel(m))
	}
	return res, nil
}

func selectOwnerColumns(db *gorm.DB) *gorm.DB {
	return db.Select("id", "username")
}

func applyListingFilter(tx *gorm.DB, filter domain.ListingFilter) *gorm.DB {
	if filter.Status != "" {
		tx = tx.Where("status = ?", string(filter.Status))
	}
	if filter.OwnerID != 0 {
		tx = tx.Where("owner_id = ?", filter.OwnerID)
	}
	if city := strings.TrimSpace(filter.City); city != "" {
		tx = tx.Where("LOWER(city) = ?", strings.ToLower(city))
	}
	if category := strings.TrimSpace(filter.Category); category != "" {
		tx = tx.Where("LOWER(category) = ?", strings.ToLower(category))
	}
	if filter.MinPrice > 0 {
		tx = tx.Where("price >= ?", filter.MinPrice)
	}
	if filter.MaxPrice > 0 {
		tx = tx.Where("price <= ?", filter.MaxPrice)
	}
	return tx
}

func appendEvent(tx *gorm.DB, ev domain.ListingEvent) error {
	model, err := eventToModel(ev)
	if err != nil {
		return err
	}
	return tx.Create(&model).Error
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Username:     u.Username,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		Role:         string(u.Role),
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		Username:     m.Username,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		Role:         domain.UserRole(m.Role),
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func listingToModel(l domain.Listing) ListingModel {
	return ListingModel{
		ID:           l.ID,
		OwnerID:      l.OwnerID,
		Title:        l.Title,
		Description:  l.Description,
		ImageRef:     l.ImageRef,
		Price:        l.Price,
		LocationText: l.LocationText,
		City:         l.City,
		AreaText:     l.AreaText,
		Beds:         l.Beds,
		Baths:        l.Baths,
		HasParking:   l.HasParking,
		Category:     l.Category,
		Status:       string(l.Status),
		Verified:     l.Verified,
		CreatedAt:    l.CreatedAt,
		UpdatedAt:    l.UpdatedAt,
	}
}

func listingFromModel(m ListingModel) domain.Listing {
	l := domain.Listing{
		ID:           m.ID,
		OwnerID:      m.OwnerID,
		Title:        m.Title,
		Description:  m.Description,
		ImageRef:     m.ImageRef,
		Price:        m.Price,
		LocationText: m.LocationText,
		City:         m.City,
		AreaText:     m.AreaText,
		Beds:         m.Beds,
		Baths:        m.Baths,
		HasParking:   m.HasParking,
		Category:     m.Category,
		Status:       domain.ListingStatus(m.Status),
		Verified:     m.Verified,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
	if m.Owner != nil {
		l.Owner = &domain.OwnerSummary{ID: m.Owner.ID, Username: m.Owner.Username}
	}
	return l
}

func eventToModel(ev domain.ListingEvent) (ListingEventModel, error) {
	var changes datatypes.JSON
	if len(ev.Changes) > 0 {
		raw, err := json.Marshal(ev.Changes)
		if err != nil {
			return ListingEventModel{}, fmt.Errorf("marshal event changes: %w", err)
		}
		changes = datatypes.JSON(raw)
	}
	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return ListingEventModel{
		ListingID:  ev.ListingID,
		Type:       string(ev.Type),
		ActorID:    ev.ActorID,
		FromStatus: string(ev.FromStatus),
		ToStatus:   string(ev.ToStatus),
		Changes:    changes,
		CreatedAt:  createdAt,
	}, nil
}

func eventFromModel(m ListingEventModel) domain.ListingEvent {
	ev := domain.ListingEvent{
		ID:         m.ID,
		ListingID:  m.ListingID,
		Type:       domain.EventType(m.Type),
		ActorID:    m.ActorID,
		FromStatus: domain.ListingStatus(m.FromStatus),
		ToStatus:   domain.ListingStatus(m.ToStatus),
		CreatedAt:  m.CreatedAt,
	}
	if len(m.Changes) > 0 {
		_ = json.Unmarshal(m.Changes, &ev.Changes)
	}
	return ev
}
