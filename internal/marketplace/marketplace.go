// Package marketplace is the service marketplace: providers publish paid
// API listings, consumers request them, and completed requests feed a
// rolling star rating.
package marketplace

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrServiceNotFound     = errors.New("marketplace: service not found")
	ErrRequestNotFound     = errors.New("marketplace: request not found")
	ErrInvalidPrice        = errors.New("marketplace: price must be positive")
	ErrNameRequired        = errors.New("marketplace: name required")
	ErrDescriptionRequired = errors.New("marketplace: description required")
	ErrEndpointRequired    = errors.New("marketplace: endpoint URL required")
	ErrInvalidEndpoint     = errors.New("marketplace: invalid endpoint URL")
	ErrInvalidAddress      = errors.New("marketplace: invalid address")
	ErrServiceInactive     = errors.New("marketplace: service not active")
	ErrServiceActive       = errors.New("marketplace: service already active")
	ErrOwnService          = errors.New("marketplace: cannot request own service")
	ErrInsufficientPayment = errors.New("marketplace: payment below service price")
	ErrNotProvider         = errors.New("marketplace: caller is not the service provider")
	ErrNotConsumer         = errors.New("marketplace: caller is not the request owner")
	ErrInvalidRating       = errors.New("marketplace: rating must be between 1 and 5")
	ErrAlreadyCompleted    = errors.New("marketplace: request already completed")
)

const (
	MinRating = 1
	MaxRating = 5
	// starBasisPoints converts an average star rating to basis points
	// (5 stars = 10000).
	starBasisPoints = 2000
)

// Listing is a published service. PricePerRequest is USDC.
type Listing struct {
	ServiceID       string    `json:"serviceId"`
	Provider        string    `json:"provider"`
	Name            string    `json:"name"`
	Description     string    `json:"description"`
	Endpoint        string    `json:"endpoint"`
	PricePerRequest string    `json:"pricePerRequest"`
	ServiceType     string    `json:"serviceType"`
	IsActive        bool      `json:"isActive"`
	TotalRequests   int64     `json:"totalRequests"`
	Rating          int       `json:"rating"`
	RatingCount     int64     `json:"ratingCount"`
	RatingTotal     int64     `json:"-"`
	Ordinal         int64     `json:"-"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Request is one consumer call against a listing.
type Request struct {
	RequestID   string     `json:"requestId"`
	ServiceID   string     `json:"serviceId"`
	Consumer    string     `json:"consumer"`
	AmountPaid  string     `json:"amountPaid"`
	Completed   bool       `json:"completed"`
	Rating      int        `json:"rating"`
	Ordinal     int64      `json:"-"`
	CreatedAt   time.Time  `json:"timestamp"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// ListingFilter narrows ListListings. Zero values match everything.
type ListingFilter struct {
	Provider    string
	ServiceType string
	ActiveOnly  bool
	Limit       int
}

// Store persists listings and requests.
type Store interface {
	CreateListing(ctx context.Context, l *Listing) error
	GetListing(ctx context.Context, serviceID string) (*Listing, error)
	UpdateListing(ctx context.Context, l *Listing) error
	ListListings(ctx context.Context, filter ListingFilter) ([]*Listing, error)
	CountListings(ctx context.Context) (int64, error)

	// CreateRequest inserts req and saves the listing's updated counters
	// atomically.
	CreateRequest(ctx context.Context, req *Request, l *Listing) error
	GetRequest(ctx context.Context, requestID string) (*Request, error)
	// CompleteRequest saves the completed request and the listing's updated
	// rating atomically.
	CompleteRequest(ctx context.Context, req *Request, l *Listing) error
	ListRequestsByConsumer(ctx context.Context, consumer string, limit int) ([]*Request, error)
	CountRequests(ctx context.Context) (int64, error)
}

// PublishRequest publishes a new listing. Price is USDC.
type PublishRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Endpoint    string `json:"endpoint"`
	ServiceType string `json:"serviceType"`
	Price       string `json:"pricePerRequest" binding:"required"`
}

// ServiceRequestBody requests a listing. AmountPaid defaults to the price.
type ServiceRequestBody struct {
	AmountPaid string `json:"amountPaid"`
}

// CompleteRequestBody closes a request with a 1-5 star rating.
type CompleteRequestBody struct {
	Rating int `json:"rating"`
}

// PriceRequest changes a listing's price.
type PriceRequest struct {
	Price string `json:"pricePerRequest" binding:"required"`
}

// ServiceID derives a listing ID as keccak256(provider ‖ name ‖ ordinal),
// with the ordinal as a 32-byte big-endian integer.
func ServiceID(provider, name string, ordinal int64) string {
	return crypto.Keccak256Hash(
		common.HexToAddress(provider).Bytes(),
		[]byte(name),
		common.LeftPadBytes(big.NewInt(ordinal).Bytes(), 32),
	).Hex()
}

// RequestID derives a request ID as keccak256(serviceId ‖ consumer ‖ ordinal).
func RequestID(serviceID, consumer string, ordinal int64) string {
	return crypto.Keccak256Hash(
		common.HexToHash(serviceID).Bytes(),
		common.HexToAddress(consumer).Bytes(),
		common.LeftPadBytes(big.NewInt(ordinal).Bytes(), 32),
	).Hex()
}

// averageRating converts a star total over count ratings to basis points.
func averageRating(total, count int64) int {
	if count == 0 {
		return 0
	}
	return int(total * starBasisPoints / count)
}
