package marketplace

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthub/agenthub/internal/revenue"
)

const (
	testProvider = "0x1111111111111111111111111111111111111111"
	testConsumer = "0x2222222222222222222222222222222222222222"
	testOperator = "0x9999999999999999999999999999999999999999"
)

func validPublish() PublishRequest {
	return PublishRequest{
		Name:        "Weather API",
		Description: "Hourly forecasts",
		Endpoint:    "https://api.weather.example/v1",
		ServiceType: "weather",
		Price:       "0.5",
	}
}

func newTestService() (*Service, *revenue.Service) {
	rev := revenue.NewService(revenue.NewMemoryStore(), testOperator)
	return NewService(NewMemoryStore(), rev), rev
}

func TestPublish(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	l, err := svc.Publish(ctx, testProvider, validPublish())
	require.NoError(t, err)
	assert.Equal(t, ServiceID(testProvider, "Weather API", 1), l.ServiceID)
	assert.Equal(t, "0.500000", l.PricePerRequest)
	assert.True(t, l.IsActive)

	second, err := svc.Publish(ctx, testProvider, validPublish())
	require.NoError(t, err)
	assert.NotEqual(t, l.ServiceID, second.ServiceID, "same name gets a fresh ordinal")

	n, err := svc.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	mine, err := svc.ListByProvider(ctx, testProvider)
	require.NoError(t, err)
	assert.Len(t, mine, 2)
}

func TestPublishValidation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*PublishRequest)
		want   error
	}{
		{"zero price", func(r *PublishRequest) { r.Price = "0" }, ErrInvalidPrice},
		{"bad price", func(r *PublishRequest) { r.Price = "free" }, ErrInvalidPrice},
		{"no name", func(r *PublishRequest) { r.Name = "" }, ErrNameRequired},
		{"no description", func(r *PublishRequest) { r.Description = "  " }, ErrDescriptionRequired},
		{"no endpoint", func(r *PublishRequest) { r.Endpoint = "" }, ErrEndpointRequired},
		{"loopback endpoint", func(r *PublishRequest) { r.Endpoint = "http://127.0.0.1/x" }, ErrInvalidEndpoint},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validPublish()
			tt.mutate(&req)
			_, err := svc.Publish(ctx, testProvider, req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRequestAndRating(t *testing.T) {
	svc, rev := newTestService()
	ctx := context.Background()
	l, err := svc.Publish(ctx, testProvider, validPublish())
	require.NoError(t, err)

	_, err = svc.RequestService(ctx, testProvider, l.ServiceID, ServiceRequestBody{})
	assert.ErrorIs(t, err, ErrOwnService)

	_, err = svc.RequestService(ctx, testConsumer, l.ServiceID, ServiceRequestBody{AmountPaid: "0.1"})
	assert.ErrorIs(t, err, ErrInsufficientPayment)

	first, err := svc.RequestService(ctx, testConsumer, l.ServiceID, ServiceRequestBody{})
	require.NoError(t, err)
	assert.Equal(t, "0.500000", first.AmountPaid)
	second, err := svc.RequestService(ctx, testConsumer, l.ServiceID, ServiceRequestBody{})
	require.NoError(t, err)

	_, err = svc.CompleteRequest(ctx, testConsumer, first.RequestID, 6)
	assert.ErrorIs(t, err, ErrInvalidRating)
	_, err = svc.CompleteRequest(ctx, testProvider, first.RequestID, 5)
	assert.ErrorIs(t, err, ErrNotConsumer)

	_, err = svc.CompleteRequest(ctx, testConsumer, first.RequestID, 5)
	require.NoError(t, err)
	got, _ := svc.Get(ctx, l.ServiceID)
	assert.Equal(t, 10000, got.Rating)

	_, err = svc.CompleteRequest(ctx, testConsumer, first.RequestID, 1)
	assert.ErrorIs(t, err, ErrAlreadyCompleted)

	_, err = svc.CompleteRequest(ctx, testConsumer, second.RequestID, 3)
	require.NoError(t, err)

	got, err = svc.Get(ctx, l.ServiceID)
	require.NoError(t, err)
	assert.Equal(t, 8000, got.Rating)
	assert.Equal(t, int64(2), got.RatingCount)
	assert.Equal(t, int64(2), got.TotalRequests)

	reqs, err := svc.ListConsumerRequests(ctx, testConsumer, 10)
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, second.RequestID, reqs[0].RequestID)

	// Each request credited the provider 70% of 0.5 USDC.
	pending, err := rev.Pending(ctx, testProvider)
	require.NoError(t, err)
	assert.Equal(t, "0.700000", pending.Creator)
}

type failingRecorder struct{ calls int }

func (f *failingRecorder) Record(context.Context, revenue.DistributeRequest) (*revenue.Distribution, error) {
	f.calls++
	return nil, errors.New("db down")
}

func TestRequestService_RevenueFailureRecordsNothing(t *testing.T) {
	rec := &failingRecorder{}
	svc := NewService(NewMemoryStore(), rec)
	ctx := context.Background()
	l, err := svc.Publish(ctx, testProvider, validPublish())
	require.NoError(t, err)

	req, err := svc.RequestService(ctx, testConsumer, l.ServiceID, ServiceRequestBody{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
	assert.Nil(t, req)
	assert.Equal(t, 1, rec.calls)

	got, err := svc.Get(ctx, l.ServiceID)
	require.NoError(t, err)
	assert.Zero(t, got.TotalRequests)
	reqs, err := svc.ListConsumerRequests(ctx, testConsumer, 10)
	require.NoError(t, err)
	assert.Empty(t, reqs)
}

// failingCreate loses the request write after revenue was credited.
type failingCreate struct {
	*MemoryStore
	fail bool
}

func (f *failingCreate) CreateRequest(ctx context.Context, req *Request, l *Listing) error {
	if f.fail {
		return errors.New("write timeout")
	}
	return f.MemoryStore.CreateRequest(ctx, req, l)
}

func TestRequestService_RetryAfterFailedWriteCreditsOnce(t *testing.T) {
	rev := revenue.NewService(revenue.NewMemoryStore(), testOperator)
	store := &failingCreate{MemoryStore: NewMemoryStore()}
	svc := NewService(store, rev)
	ctx := context.Background()
	l, err := svc.Publish(ctx, testProvider, validPublish())
	require.NoError(t, err)

	store.fail = true
	_, err = svc.RequestService(ctx, testConsumer, l.ServiceID, ServiceRequestBody{})
	require.Error(t, err)

	store.fail = false
	req, err := svc.RequestService(ctx, testConsumer, l.ServiceID, ServiceRequestBody{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), req.Ordinal)

	dists, err := rev.ListDistributions(ctx, testProvider, 10)
	require.NoError(t, err)
	require.Len(t, dists, 1)
	assert.Equal(t, req.RequestID, dists[0].Reference)
}

func TestProviderControls(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	l, err := svc.Publish(ctx, testProvider, validPublish())
	require.NoError(t, err)

	_, err = svc.Deactivate(ctx, testConsumer, l.ServiceID)
	assert.ErrorIs(t, err, ErrNotProvider)

	_, err = svc.Deactivate(ctx, testProvider, l.ServiceID)
	require.NoError(t, err)
	_, err = svc.RequestService(ctx, testConsumer, l.ServiceID, ServiceRequestBody{})
	assert.ErrorIs(t, err, ErrServiceInactive)

	active, err := svc.List(ctx, ListingFilter{ActiveOnly: true})
	require.NoError(t, err)
	assert.Empty(t, active)

	_, err = svc.Reactivate(ctx, testProvider, l.ServiceID)
	require.NoError(t, err)
	_, err = svc.Reactivate(ctx, testProvider, l.ServiceID)
	assert.ErrorIs(t, err, ErrServiceActive)

	_, err = svc.UpdatePrice(ctx, testProvider, l.ServiceID, "0")
	assert.ErrorIs(t, err, ErrInvalidPrice)
	updated, err := svc.UpdatePrice(ctx, testProvider, l.ServiceID, "2.25")
	require.NoError(t, err)
	assert.Equal(t, "2.250000", updated.PricePerRequest)

	_, err = svc.Get(ctx, "0xdeadbeef")
	assert.ErrorIs(t, err, ErrServiceNotFound)
}

func TestListFilters(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	weather := validPublish()
	_, err := svc.Publish(ctx, testProvider, weather)
	require.NoError(t, err)

	compute := validPublish()
	compute.Name = "GPU"
	compute.ServiceType = "compute"
	_, err = svc.Publish(ctx, testConsumer, compute)
	require.NoError(t, err)

	got, err := svc.List(ctx, ListingFilter{ServiceType: "compute"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "GPU", got[0].Name)

	got, err = svc.List(ctx, ListingFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Weather API", got[0].Name)
}
