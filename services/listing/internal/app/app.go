package app

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"rentalhub/internal/metrics"
	"rentalhub/internal/util"
	"rentalhub/pkg/domain"
	"rentalhub/pkg/events"
	"rentalhub/pkg/notify"
	"rentalhub/pkg/storage"
	"rentalhub/pkg/store"
)

// DefaultMonthlyRevenue is the dashboard revenue figure until billing exists.
const DefaultMonthlyRevenue int64 = 2450000

var tracer = otel.Tracer("rentalhub/listing")

// ImageStore keeps uploaded listing images and returns their references.
type ImageStore interface {
	Save(ctx context.Context, filename string, r io.Reader) (string, error)
	Remove(ctx context.Context, ref string) error
	// Owns reports whether ref points at a blob held by the store.
	Owns(ref string) bool
}

// TokenIssuer signs access tokens for authenticated users.
type TokenIssuer interface {
	Issue(p domain.Principal) (string, time.Time, error)
}

// RevenueSource supplies the monthly revenue shown on the admin dashboard.
type RevenueSource interface {
	MonthlyRevenue(ctx context.Context) (int64, error)
}

// StaticRevenue reports a fixed revenue figure.
type StaticRevenue int64

func (s StaticRevenue) MonthlyRevenue(context.Context) (int64, error) { return int64(s), nil }

// Config holds the collaborators of the listing service. Only Store is required.
type Config struct {
	Store     store.Store
	Images    ImageStore
	Publisher events.Publisher
	Notifier  notify.Notifier
	Tokens    TokenIssuer
	Metrics   *metrics.Registry
	Revenue   RevenueSource
	Now       func() time.Time
}

// App is the listing lifecycle manager plus account operations.
type App struct {
	store     store.Store
	images    ImageStore
	publisher events.Publisher
	notifier  notify.Notifier
	tokens    TokenIssuer
	metrics   *metrics.Registry
	revenue   RevenueSource
	now       func() time.Time

	background sync.WaitGroup
}

func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	a := &App{
		store:     cfg.Store,
		images:    cfg.Images,
		publisher: cfg.Publisher,
		notifier:  cfg.Notifier,
		tokens:    cfg.Tokens,
		metrics:   cfg.Metrics,
		revenue:   cfg.Revenue,
		now:       cfg.Now,
	}
	if a.publisher == nil {
		a.publisher = events.NopPublisher{}
	}
	if a.notifier == nil {
		a.notifier = notify.Nop{}
	}
	if a.revenue == nil {
		a.revenue = StaticRevenue(DefaultMonthlyRevenue)
	}
	if a.now == nil {
		a.now = func() time.Time { return time.Now().UTC() }
	}
	return a, nil
}

// Wait blocks until background notifications have finished.
func (a *App) Wait() {
	a.background.Wait()
}

// Create validates input and stores a new pending listing owned by the caller.
func (a *App) Create(ctx context.Context, p domain.Principal, in ListingInput) (l domain.Listing, err error) {
	ctx, span := a.startSpan(ctx, "Create")
	defer func() { a.endSpan(span, "create", err) }()

	if err := requireAuthenticated(p); err != nil {
		return domain.Listing{}, err
	}
	fields, err := normalize(in, true)
	if err != nil {
		return domain.Listing{}, err
	}
	if in.Upload == nil && a.ownsImage(fields.imageRef) {
		return domain.Listing{}, errForeignImage()
	}
	listing := fields.newListing(p.ID)
	if in.Upload != nil {
		ref, err := a.saveUpload(ctx, in.Upload)
		if err != nil {
			return domain.Listing{}, err
		}
		listing.ImageRef = ref
	}
	now := a.now()
	listing.CreatedAt = now
	listing.UpdatedAt = now

	created, err := a.store.CreateListing(ctx, listing, p.ID)
	if err != nil {
		if in.Upload != nil {
			a.removeImage(ctx, listing.ImageRef)
		}
		return domain.Listing{}, a.storeErr(ctx, "create listing", err)
	}
	util.LoggerFromContext(ctx).Info("listing created", "listing_id", created.ID, "owner_id", created.OwnerID)
	a.emit(ctx, events.NewMessage(domain.EventCreated, created, p.ID, "", nil))
	return created, nil
}

// Update applies the present fields of in to a listing owned by the caller.
func (a *App) Update(ctx context.Context, p domain.Principal, id int64, in ListingInput) (l domain.Listing, err error) {
	ctx, span := a.startSpan(ctx, "Update", attribute.Int64("listing.id", id))
	defer func() { a.endSpan(span, "update", err) }()

	if err := requireAuthenticated(p); err != nil {
		return domain.Listing{}, err
	}
	fields, err := normalize(in, false)
	if err != nil {
		return domain.Listing{}, err
	}
	var newRef string
	if in.Upload != nil {
		ref, err := a.saveUpload(ctx, in.Upload)
		if err != nil {
			return domain.Listing{}, err
		}
		newRef = ref
		fields.imageRef = &newRef
	}

	var previous domain.Listing
	updated, err := a.store.MutateListing(ctx, id, p.ID, func(cur *domain.Listing) (domain.EventType, error) {
		if err := requireOwner(p, *cur); err != nil {
			return "", err
		}
		if newRef == "" && a.ownsImage(fields.imageRef) && *fields.imageRef != cur.ImageRef {
			return "", errForeignImage()
		}
		previous = *cur
		fields.apply(cur)
		cur.UpdatedAt = a.now()
		return domain.EventUpdated, nil
	})
	if err != nil {
		if newRef != "" {
			a.removeImage(ctx, newRef)
		}
		return domain.Listing{}, a.storeErr(ctx, "update listing", err)
	}
	if previous.ImageRef != updated.ImageRef {
		a.removeImage(ctx, previous.ImageRef)
	}
	util.LoggerFromContext(ctx).Info("listing updated", "listing_id", id, "owner_id", p.ID)
	a.emit(ctx, events.NewMessage(domain.EventUpdated, updated, p.ID, previous.Status, domain.ChangedFields(previous, updated)))
	return updated, nil
}

// Delete permanently removes a listing owned by the caller.
func (a *App) Delete(ctx context.Context, p domain.Principal, id int64) (err error) {
	ctx, span := a.startSpan(ctx, "Delete", attribute.Int64("listing.id", id))
	defer func() { a.endSpan(span, "delete", err) }()

	if err := requireAuthenticated(p); err != nil {
		return err
	}
	removed, err := a.store.DeleteListing(ctx, id, p.ID, func(cur domain.Listing) error {
		return requireOwner(p, cur)
	})
	if err != nil {
		return a.storeErr(ctx, "delete listing", err)
	}
	a.removeImage(ctx, removed.ImageRef)
	util.LoggerFromContext(ctx).Info("listing deleted", "listing_id", id, "owner_id", p.ID)
	a.emit(ctx, events.NewMessage(domain.EventDeleted, removed, p.ID, removed.Status, nil))
	return nil
}

// Approve makes a listing publicly visible and marks it verified. Admin only.
// Re-approving a listing in any state is allowed.
func (a *App) Approve(ctx context.Context, p domain.Principal, id int64) (domain.Listing, error) {
	return a.moderate(ctx, p, id, domain.EventApproved, domain.StatusActive, true)
}

// Reject hides a listing from the public catalogue. Admin only. A rejected
// listing is never verified, so rejecting an active listing clears verified.
func (a *App) Reject(ctx context.Context, p domain.Principal, id int64) (domain.Listing, error) {
	return a.moderate(ctx, p, id, domain.EventRejected, domain.StatusRejected, false)
}

func (a *App) moderate(ctx context.Context, p domain.Principal, id int64, ev domain.EventType, to domain.ListingStatus, verified bool) (l domain.Listing, err error) {
	op := string(ev)
	ctx, span := a.startSpan(ctx, op, attribute.Int64("listing.id", id))
	defer func() { a.endSpan(span, op, err) }()

	if err := requireAdmin(p); err != nil {
		return domain.Listing{}, err
	}
	var from domain.ListingStatus
	updated, err := a.store.MutateListing(ctx, id, p.ID, func(cur *domain.Listing) (domain.EventType, error) {
		from = cur.Status
		cur.Status = to
		cur.Verified = verified
		cur.UpdatedAt = a.now()
		return ev, nil
	})
	if err != nil {
		return domain.Listing{}, a.storeErr(ctx, op, err)
	}
	util.LoggerFromContext(ctx).Info("listing moderated",
		"listing_id", id, "admin_id", p.ID, "from", from, "to", to)
	a.emit(ctx, events.NewMessage(ev, updated, p.ID, from, []string{"status", "verified"}))
	a.notifyOwner(ctx, updated, ev)
	return updated, nil
}

// ListActive returns the public catalogue, newest first, with owner projections.
func (a *App) ListActive(ctx context.Context, f ActiveFilter) ([]domain.Listing, error) {
	items, err := a.store.ListListings(ctx, domain.ListingFilter{
		Status:   domain.StatusActive,
		City:     f.City,
		Category: f.Category,
		MinPrice: f.MinPrice,
		MaxPrice: f.MaxPrice,
	}, true)
	if err != nil {
		return nil, a.storeErr(ctx, "list active listings", err)
	}
	return items, nil
}

// ListPendingForModeration returns the moderation queue. Admin only.
func (a *App) ListPendingForModeration(ctx context.Context, p domain.Principal) ([]domain.Listing, error) {
	if err := requireAdmin(p); err != nil {
		return nil, err
	}
	items, err := a.store.ListListings(ctx, domain.ListingFilter{Status: domain.StatusPending}, true)
	if err != nil {
		return nil, a.storeErr(ctx, "list pending listings", err)
	}
	return items, nil
}

// ListOwnedBy returns every listing of the caller in any status.
func (a *App) ListOwnedBy(ctx context.Context, p domain.Principal) ([]domain.Listing, error) {
	if err := requireAuthenticated(p); err != nil {
		return nil, err
	}
	items, err := a.store.ListListings(ctx, domain.ListingFilter{OwnerID: p.ID}, false)
	if err != nil {
		return nil, a.storeErr(ctx, "list owned listings", err)
	}
	return items, nil
}

// GetByID returns a single listing regardless of status.
func (a *App) GetByID(ctx context.Context, id int64) (domain.Listing, error) {
	l, ok, err := a.store.GetListing(ctx, id)
	if err != nil {
		return domain.Listing{}, a.storeErr(ctx, "get listing", err)
	}
	if !ok {
		return domain.Listing{}, ErrNotFound
	}
	return l, nil
}

// ListEvents returns the audit trail of a listing, oldest first. Admin only.
// Trails outlive deleted listings.
func (a *App) ListEvents(ctx context.Context, p domain.Principal, id int64) ([]domain.ListingEvent, error) {
	if err := requireAdmin(p); err != nil {
		return nil, err
	}
	items, err := a.store.ListEvents(ctx, id)
	if err != nil {
		return nil, a.storeErr(ctx, "list listing events", err)
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	return items, nil
}

// ComputeModerationStats gathers the admin dashboard counters concurrently.
func (a *App) ComputeModerationStats(ctx context.Context, p domain.Principal) (domain.ModerationStats, error) {
	if err := requireAdmin(p); err != nil {
		return domain.ModerationStats{}, err
	}
	return a.moderationStats(ctx)
}

func (a *App) moderationStats(ctx context.Context) (domain.ModerationStats, error) {
	var stats domain.ModerationStats
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		stats.TotalUsers, err = a.store.CountUsersByRole(gctx, domain.RoleUser)
		return err
	})
	g.Go(func() (err error) {
		stats.ActiveListings, err = a.store.CountListings(gctx, domain.ListingFilter{Status: domain.StatusActive})
		return err
	})
	g.Go(func() (err error) {
		stats.PendingApprovals, err = a.store.CountListings(gctx, domain.ListingFilter{Status: domain.StatusPending})
		return err
	})
	g.Go(func() (err error) {
		stats.MonthlyRevenue, err = a.revenue.MonthlyRevenue(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return domain.ModerationStats{}, a.storeErr(ctx, "compute moderation stats", err)
	}
	// Owners are not a stored role; every user may list property.
	stats.TotalOwners = stats.TotalUsers
	return stats, nil
}

func (a *App) saveUpload(ctx context.Context, up *Upload) (string, error) {
	if a.images == nil {
		return "", invalid("image", "image uploads are not enabled")
	}
	ref, err := a.images.Save(ctx, up.Filename, up.Body)
	switch {
	case err == nil:
		return ref, nil
	case errors.Is(err, storage.ErrUnsupportedType):
		return "", invalid("image", "file type not allowed")
	case errors.Is(err, storage.ErrTooLarge):
		return "", invalid("image", "file too large")
	case errors.Is(err, storage.ErrInvalidContent):
		return "", invalid("image", "file content does not match its extension")
	default:
		return "", a.storeErr(ctx, "save image", err)
	}
}

// ownsImage reports whether a client-supplied ref names a stored upload.
// Listings may only reference stored uploads they made themselves.
func (a *App) ownsImage(ref *string) bool {
	return ref != nil && a.images != nil && a.images.Owns(*ref)
}

func errForeignImage() error {
	return invalid("image", "image must be uploaded with this listing")
}

func (a *App) removeImage(ctx context.Context, ref string) {
	if a.images == nil || ref == "" || ref == domain.PlaceholderImage {
		return
	}
	if err := a.images.Remove(ctx, ref); err != nil {
		util.LoggerFromContext(ctx).Warn("image cleanup failed", "ref", ref, "err", err)
	}
}

func (a *App) emit(ctx context.Context, msg events.Message) {
	a.metrics.ObserveTransition(string(msg.Type))
	if err := a.publisher.Publish(ctx, msg); err != nil {
		util.LoggerFromContext(ctx).Warn("publish listing event failed",
			"event", msg.Type, "listing_id", msg.ListingID, "err", err)
	}
}

func (a *App) notifyOwner(ctx context.Context, l domain.Listing, decision domain.EventType) {
	logger := util.LoggerFromContext(ctx)
	// Outlives the request.
	bg := context.WithoutCancel(ctx)
	a.background.Add(1)
	go func() {
		defer a.background.Done()
		ctx, cancel := context.WithTimeout(bg, 30*time.Second)
		defer cancel()
		owner, ok, err := a.store.GetUserByID(ctx, l.OwnerID)
		if err != nil || !ok {
			logger.Warn("moderation notice skipped: owner lookup failed", "listing_id", l.ID, "owner_id", l.OwnerID, "err", err)
			return
		}
		if err := a.notifier.ModerationDecided(ctx, owner, l, decision); err != nil {
			logger.Warn("moderation notice failed", "listing_id", l.ID, "owner_id", l.OwnerID, "err", err)
		}
	}()
}

// storeErr maps store failures onto the lifecycle error taxonomy. Policy and
// validation errors raised inside store callbacks pass through unchanged.
func (a *App) storeErr(ctx context.Context, op string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrValidation), errors.Is(err, ErrPersistence):
		return err
	}
	util.LoggerFromContext(ctx).Error("persistence failure", "op", op, "err", err)
	return &PersistenceError{Op: op, Err: err}
}

func (a *App) startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, "listing."+op, trace.WithAttributes(attrs...))
}

func (a *App) endSpan(span trace.Span, op string, err error) {
	if err != nil {
		a.metrics.ObserveFailure(op, errorKind(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, errorKind(err))
	}
	span.End()
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	default:
		return "internal"
	}
}
