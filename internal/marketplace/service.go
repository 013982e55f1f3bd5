package marketplace

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/agenthub/agenthub/internal/logging"
	"github.com/agenthub/agenthub/internal/metrics"
	"github.com/agenthub/agenthub/internal/revenue"
	"github.com/agenthub/agenthub/internal/security"
	"github.com/agenthub/agenthub/internal/syncutil"
	"github.com/agenthub/agenthub/internal/traces"
	"github.com/agenthub/agenthub/internal/units"
	"github.com/agenthub/agenthub/internal/validation"
)

const (
	ledgerName     = "marketplace"
	maxNameLength  = 200
	maxDescription = 2000
)

// RevenueRecorder receives the payment of every accepted request.
type RevenueRecorder interface {
	Record(ctx context.Context, req revenue.DistributeRequest) (*revenue.Distribution, error)
}

// Service implements marketplace business logic.
type Service struct {
	store   Store
	revenue RevenueRecorder
	locks   syncutil.ShardedMutex
	seqMu   sync.Mutex // serializes ordinal allocation
	now     func() time.Time
}

// NewService creates a marketplace service. rev may be nil.
func NewService(store Store, rev RevenueRecorder) *Service {
	return &Service{store: store, revenue: rev, now: time.Now}
}

// Publish creates an active listing owned by provider.
func (s *Service) Publish(ctx context.Context, provider string, req PublishRequest) (l *Listing, err error) {
	defer func() { metrics.RecordLedgerOp(ledgerName, "publish", err) }()

	if !validation.IsValidEthAddress(provider) || validation.IsZeroAddress(provider) {
		return nil, ErrInvalidAddress
	}
	price, err := parsePrice(req.Price)
	if err != nil {
		return nil, err
	}
	name := validation.SanitizeString(req.Name, maxNameLength)
	if name == "" {
		return nil, ErrNameRequired
	}
	description := validation.SanitizeString(req.Description, maxDescription)
	if description == "" {
		return nil, ErrDescriptionRequired
	}
	endpoint := strings.TrimSpace(req.Endpoint)
	if endpoint == "" {
		return nil, ErrEndpointRequired
	}
	if err := security.ValidateEndpointURL(endpoint); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}

	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	count, err := s.store.CountListings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count services: %w", err)
	}
	ordinal := count + 1
	provider = common.HexToAddress(provider).Hex()

	l = &Listing{
		ServiceID:       ServiceID(provider, name, ordinal),
		Provider:        provider,
		Name:            name,
		Description:     description,
		Endpoint:        endpoint,
		PricePerRequest: price,
		ServiceType:     validation.SanitizeString(req.ServiceType, 64),
		IsActive:        true,
		Ordinal:         ordinal,
		CreatedAt:       s.now(),
	}
	if err := s.store.CreateListing(ctx, l); err != nil {
		return nil, err
	}

	logging.L(ctx).Info("service published", "service_id", l.ServiceID, "provider", provider, "price", price)
	return l, nil
}

// RequestService records a paid request against an active listing and
// forwards the payment to the revenue ledger with the provider as creator.
func (s *Service) RequestService(ctx context.Context, consumer, serviceID string, body ServiceRequestBody) (req *Request, err error) {
	ctx, span := traces.StartSpan(ctx, "marketplace.RequestService",
		traces.ServiceID(serviceID), traces.Address(consumer), traces.Amount(body.AmountPaid))
	defer span.End()
	defer func() {
		traces.Fail(span, err, "request rejected")
		metrics.RecordLedgerOp(ledgerName, "request", err)
	}()

	if !validation.IsValidEthAddress(consumer) || validation.IsZeroAddress(consumer) {
		return nil, ErrInvalidAddress
	}
	serviceID = strings.ToLower(serviceID)

	unlock := s.locks.Lock(serviceID)
	defer unlock()

	l, err := s.store.GetListing(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	if !l.IsActive {
		return nil, ErrServiceInactive
	}
	if strings.EqualFold(l.Provider, consumer) {
		return nil, ErrOwnService
	}

	price, _ := units.ParseUSDC(l.PricePerRequest)
	paid := price
	if body.AmountPaid != "" {
		paid, err = units.ParseUSDC(body.AmountPaid)
		if err != nil {
			return nil, ErrInsufficientPayment
		}
	}
	if paid.Cmp(price) < 0 {
		return nil, fmt.Errorf("%w: paid %s, price %s", ErrInsufficientPayment, units.FormatUSDC(paid), l.PricePerRequest)
	}

	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	count, err := s.store.CountRequests(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count requests: %w", err)
	}
	ordinal := count + 1
	consumer = common.HexToAddress(consumer).Hex()

	req = &Request{
		RequestID:  RequestID(serviceID, consumer, ordinal),
		ServiceID:  serviceID,
		Consumer:   consumer,
		AmountPaid: units.FormatUSDC(paid),
		Ordinal:    ordinal,
		CreatedAt:  s.now(),
	}

	// Credit first: a failed credit leaves nothing recorded. The request id
	// is the revenue reference, so a retry after a failed write is not
	// credited twice.
	if s.revenue != nil {
		_, err := s.revenue.Record(ctx, revenue.DistributeRequest{
			Creator:   l.Provider,
			Amount:    req.AmountPaid,
			Reference: req.RequestID,
		})
		if err != nil && !errors.Is(err, revenue.ErrDuplicateReference) {
			return nil, fmt.Errorf("failed to credit revenue: %w", err)
		}
	}

	l.TotalRequests++
	if err := s.store.CreateRequest(ctx, req, l); err != nil {
		logging.L(ctx).Error("revenue credited but request not recorded",
			"request_id", req.RequestID, "provider", l.Provider, "amount", req.AmountPaid, "error", err)
		return nil, fmt.Errorf("failed to record request: %w", err)
	}
	return req, nil
}

// CompleteRequest closes a request with a 1-5 star rating and folds it into
// the listing's average. Only the consumer may complete, and only once.
func (s *Service) CompleteRequest(ctx context.Context, consumer, requestID string, rating int) (req *Request, err error) {
	defer func() { metrics.RecordLedgerOp(ledgerName, "complete", err) }()

	if rating < MinRating || rating > MaxRating {
		return nil, ErrInvalidRating
	}
	requestID = strings.ToLower(requestID)

	req, err = s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(req.ServiceID)
	defer unlock()

	// Re-read under the listing lock.
	req, err = s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(req.Consumer, consumer) {
		return nil, ErrNotConsumer
	}
	if req.Completed {
		return nil, ErrAlreadyCompleted
	}
	l, err := s.store.GetListing(ctx, req.ServiceID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	req.Completed = true
	req.Rating = rating
	req.CompletedAt = &now
	l.RatingTotal += int64(rating)
	l.RatingCount++
	l.Rating = averageRating(l.RatingTotal, l.RatingCount)

	if err := s.store.CompleteRequest(ctx, req, l); err != nil {
		return nil, err
	}
	return req, nil
}

// Deactivate stops a listing from accepting requests. Provider only.
func (s *Service) Deactivate(ctx context.Context, provider, serviceID string) (l *Listing, err error) {
	defer func() { metrics.RecordLedgerOp(ledgerName, "deactivate", err) }()
	return s.mutate(ctx, provider, serviceID, func(l *Listing) error {
		if !l.IsActive {
			return ErrServiceInactive
		}
		l.IsActive = false
		return nil
	})
}

// Reactivate reopens a listing. Provider only.
func (s *Service) Reactivate(ctx context.Context, provider, serviceID string) (l *Listing, err error) {
	defer func() { metrics.RecordLedgerOp(ledgerName, "reactivate", err) }()
	return s.mutate(ctx, provider, serviceID, func(l *Listing) error {
		if l.IsActive {
			return ErrServiceActive
		}
		l.IsActive = true
		return nil
	})
}

// UpdatePrice changes a listing's price. Provider only.
func (s *Service) UpdatePrice(ctx context.Context, provider, serviceID, newPrice string) (l *Listing, err error) {
	defer func() { metrics.RecordLedgerOp(ledgerName, "update_price", err) }()

	price, err := parsePrice(newPrice)
	if err != nil {
		return nil, err
	}
	return s.mutate(ctx, provider, serviceID, func(l *Listing) error {
		l.PricePerRequest = price
		return nil
	})
}

func (s *Service) mutate(ctx context.Context, provider, serviceID string, fn func(*Listing) error) (*Listing, error) {
	serviceID = strings.ToLower(serviceID)

	unlock := s.locks.Lock(serviceID)
	defer unlock()

	l, err := s.store.GetListing(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(l.Provider, provider) {
		return nil, ErrNotProvider
	}
	if err := fn(l); err != nil {
		return nil, err
	}
	if err := s.store.UpdateListing(ctx, l); err != nil {
		return nil, fmt.Errorf("failed to update service: %w", err)
	}
	return l, nil
}

// Get returns a listing by ID.
func (s *Service) Get(ctx context.Context, serviceID string) (*Listing, error) {
	return s.store.GetListing(ctx, strings.ToLower(serviceID))
}

// List returns listings matching filter in publication order.
func (s *Service) List(ctx context.Context, filter ListingFilter) ([]*Listing, error) {
	return s.store.ListListings(ctx, filter)
}

// ListByProvider returns every listing published by provider.
func (s *Service) ListByProvider(ctx context.Context, provider string) ([]*Listing, error) {
	return s.store.ListListings(ctx, ListingFilter{Provider: provider})
}

// Count returns the total number of published listings.
func (s *Service) Count(ctx context.Context) (int64, error) {
	return s.store.CountListings(ctx)
}

// GetRequest returns a request by ID.
func (s *Service) GetRequest(ctx context.Context, requestID string) (*Request, error) {
	return s.store.GetRequest(ctx, strings.ToLower(requestID))
}

// ListConsumerRequests returns a consumer's requests, newest first.
func (s *Service) ListConsumerRequests(ctx context.Context, consumer string, limit int) ([]*Request, error) {
	return s.store.ListRequestsByConsumer(ctx, consumer, limit)
}

func parsePrice(raw string) (string, error) {
	price, err := units.ParseUSDC(raw)
	if err != nil || price.Sign() <= 0 {
		return "", ErrInvalidPrice
	}
	return units.FormatUSDC(price), nil
}
