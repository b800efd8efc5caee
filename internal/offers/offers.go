// Package offers manages makers' standing offers to sell an asset for fiat.
// Offers are never deleted: the owner can pause them or archive them, and an
// archived offer stays readable for the orders that reference it.
package offers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/p2pescrow/internal/chain"
	"github.com/mbd888/p2pescrow/internal/idgen"
	"github.com/mbd888/p2pescrow/internal/pagination"
	"github.com/shopspring/decimal"
)

var (
	ErrOfferNotFound = errors.New("offer not found")
	ErrUnauthorized  = errors.New("not authorized for this offer")
	ErrInvalidOffer  = errors.New("invalid offer")
	ErrArchived      = errors.New("offer is archived")
)

// Status is the visibility of an offer.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusPaused   Status = "PAUSED"
	StatusArchived Status = "ARCHIVED"
)

const (
	DefaultPaymentMethod = "PIX"
	FiatDecimals         = 2
	maxAutoReply         = 1000
	maxPaymentMethod     = 32
)

// Offer is a maker's standing intent to sell AssetType at a fixed price.
type Offer struct {
	ID               string          `json:"id"`
	OwnerID          string          `json:"ownerId"`
	AssetType        chain.Asset     `json:"assetType"`
	PriceFiatPerUnit decimal.Decimal `json:"priceFiatPerUnit"`
	MinFiat          decimal.Decimal `json:"minFiat"`
	MaxFiat          decimal.Decimal `json:"maxFiat"`
	PaymentMethod    string          `json:"paymentMethod"`
	AutoReply        string          `json:"autoReply,omitempty"`
	Status           Status          `json:"status"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// Active reports whether the offer accepts new orders.
func (o *Offer) Active() bool { return o.Status == StatusActive }

// InBounds reports whether fiat lies within [MinFiat, MaxFiat].
func (o *Offer) InBounds(fiat decimal.Decimal) bool {
	return fiat.GreaterThanOrEqual(o.MinFiat) && fiat.LessThanOrEqual(o.MaxFiat)
}

// CreateRequest contains the parameters for publishing an offer.
type CreateRequest struct {
	AssetType        string `json:"assetType" binding:"required"`
	PriceFiatPerUnit string `json:"priceFiatPerUnit" binding:"required"`
	MinFiat          string `json:"minFiat" binding:"required"`
	MaxFiat          string `json:"maxFiat" binding:"required"`
	PaymentMethod    string `json:"paymentMethod"`
	AutoReply        string `json:"autoReply"`
}

// UpdateRequest changes any subset of an offer's terms.
type UpdateRequest struct {
	PriceFiatPerUnit *string `json:"priceFiatPerUnit"`
	MinFiat          *string `json:"minFiat"`
	MaxFiat          *string `json:"maxFiat"`
	PaymentMethod    *string `json:"paymentMethod"`
	AutoReply        *string `json:"autoReply"`
}

// Store persists offers.
type Store interface {
	Create(ctx context.Context, o *Offer) error
	Get(ctx context.Context, id string) (*Offer, error)
	Update(ctx context.Context, o *Offer) error
	// ListActive returns ACTIVE offers newest first, optionally filtered by asset.
	ListActive(ctx context.Context, asset chain.Asset, after *pagination.Cursor, limit int) ([]*Offer, error)
	ListByOwner(ctx context.Context, ownerID string, after *pagination.Cursor, limit int) ([]*Offer, error)
}

// Page is one page of offers.
type Page struct {
	Offers     []*Offer `json:"offers"`
	NextCursor string   `json:"nextCursor,omitempty"`
	HasMore    bool     `json:"hasMore"`
}

// Service implements offer business logic.
type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a new offer service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger, now: time.Now}
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create publishes a new ACTIVE offer owned by ownerID.
func (s *Service) Create(ctx context.Context, ownerID string, req CreateRequest) (*Offer, error) {
	if ownerID == "" {
		return nil, ErrUnauthorized
	}
	asset := chain.Asset(req.AssetType)
	if !asset.Valid() {
		return nil, fmt.Errorf("%w: unknown asset type %q", ErrInvalidOffer, req.AssetType)
	}

	now := s.now().UTC()
	o := &Offer{
		ID:            idgen.Offer(),
		OwnerID:       ownerID,
		AssetType:     asset,
		PaymentMethod: DefaultPaymentMethod,
		Status:        StatusActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	terms := UpdateRequest{
		PriceFiatPerUnit: &req.PriceFiatPerUnit,
		MinFiat:          &req.MinFiat,
		MaxFiat:          &req.MaxFiat,
		AutoReply:        &req.AutoReply,
	}
	if req.PaymentMethod != "" {
		terms.PaymentMethod = &req.PaymentMethod
	}
	if err := applyTerms(o, terms); err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, o); err != nil {
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}
	s.logger.Info("offer created", "offer_id", o.ID, "owner_id", ownerID, "asset", asset)
	return o, nil
}

// Get returns an offer by id.
func (s *Service) Get(ctx context.Context, id string) (*Offer, error) {
	return s.store.Get(ctx, id)
}

// Update changes the terms of an offer. Only the owner may update, and
// archived offers are frozen.
func (s *Service) Update(ctx context.Context, id, callerID string, req UpdateRequest) (*Offer, error) {
	o, err := s.owned(ctx, id, callerID)
	if err != nil {
		return nil, err
	}
	if o.Status == StatusArchived {
		return nil, ErrArchived
	}
	if err := applyTerms(o, req); err != nil {
		return nil, err
	}
	return s.save(ctx, o)
}

// Toggle flips an offer between ACTIVE and PAUSED.
func (s *Service) Toggle(ctx context.Context, id, callerID string) (*Offer, error) {
	o, err := s.owned(ctx, id, callerID)
	if err != nil {
		return nil, err
	}
	switch o.Status {
	case StatusActive:
		o.Status = StatusPaused
	case StatusPaused:
		o.Status = StatusActive
	default:
		return nil, ErrArchived
	}
	return s.save(ctx, o)
}

// Archive deactivates an offer permanently. Archiving twice is a no-op.
func (s *Service) Archive(ctx context.Context, id, callerID string) (*Offer, error) {
	o, err := s.owned(ctx, id, callerID)
	if err != nil {
		return nil, err
	}
	if o.Status == StatusArchived {
		return o, nil
	}
	o.Status = StatusArchived
	return s.save(ctx, o)
}

// ListActive returns a page of the public offer book.
func (s *Service) ListActive(ctx context.Context, asset chain.Asset, cursor string, limit int) (*Page, error) {
	if asset != "" && !asset.Valid() {
		return nil, fmt.Errorf("%w: unknown asset type %q", ErrInvalidOffer, asset)
	}
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, err
	}
	items, err := s.store.ListActive(ctx, asset, after, limit+1)
	if err != nil {
		return nil, err
	}
	return toPage(items, limit), nil
}

// ListByOwner returns a page of the caller's own offers in every status.
func (s *Service) ListByOwner(ctx context.Context, ownerID, cursor string, limit int) (*Page, error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, err
	}
	items, err := s.store.ListByOwner(ctx, ownerID, after, limit+1)
	if err != nil {
		return nil, err
	}
	return toPage(items, limit), nil
}

func toPage(items []*Offer, limit int) *Page {
	items, next, more := pagination.ComputePage(items, limit, func(o *Offer) (time.Time, string) {
		return o.CreatedAt, o.ID
	})
	if items == nil {
		items = []*Offer{}
	}
	return &Page{Offers: items, NextCursor: next, HasMore: more}
}

func (s *Service) owned(ctx context.Context, id, callerID string) (*Offer, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.OwnerID != callerID {
		return nil, ErrUnauthorized
	}
	return o, nil
}

func (s *Service) save(ctx context.Context, o *Offer) (*Offer, error) {
	o.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, o); err != nil {
		return nil, fmt.Errorf("failed to update offer: %w", err)
	}
	s.logger.Info("offer updated", "offer_id", o.ID, "status", o.Status)
	return o, nil
}

// applyTerms validates and copies the set fields of req onto o.
func applyTerms(o *Offer, req UpdateRequest) error {
	if req.PriceFiatPerUnit != nil {
		d, err := parsePositive("priceFiatPerUnit", *req.PriceFiatPerUnit, chain.BaseUnitDecimals)
		if err != nil {
			return err
		}
		o.PriceFiatPerUnit = d
	}
	if req.MinFiat != nil {
		d, err := parsePositive("minFiat", *req.MinFiat, FiatDecimals)
		if err != nil {
			return err
		}
		o.MinFiat = d
	}
	if req.MaxFiat != nil {
		d, err := parsePositive("maxFiat", *req.MaxFiat, FiatDecimals)
		if err != nil {
			return err
		}
		o.MaxFiat = d
	}
	if o.MinFiat.GreaterThan(o.MaxFiat) {
		return fmt.Errorf("%w: minFiat exceeds maxFiat", ErrInvalidOffer)
	}
	if req.PaymentMethod != nil {
		pm := strings.TrimSpace(*req.PaymentMethod)
		if pm == "" || len(pm) > maxPaymentMethod {
			return fmt.Errorf("%w: paymentMethod must be 1-%d characters", ErrInvalidOffer, maxPaymentMethod)
		}
		o.PaymentMethod = strings.ToUpper(pm)
	}
	if req.AutoReply != nil {
		if len(*req.AutoReply) > maxAutoReply {
			return fmt.Errorf("%w: autoReply too long", ErrInvalidOffer)
		}
		o.AutoReply = strings.TrimSpace(*req.AutoReply)
	}
	return nil
}

func parsePositive(field, v string, scale int32) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(v))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s is not a number", ErrInvalidOffer, field)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s must be positive", ErrInvalidOffer, field)
	}
	if !d.Equal(d.Truncate(scale)) {
		return decimal.Zero, fmt.Errorf("%w: %s has more than %d decimals", ErrInvalidOffer, field, scale)
	}
	return d, nil
}
