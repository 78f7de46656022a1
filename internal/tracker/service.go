package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	maxNameLength     = 255
	maxPlatformLength = 50
	maxCurrencyLength = 8
)

// ProductCreator is the slice of Store the service writes through.
type ProductCreator interface {
	CreateProduct(ctx context.Context, p NewProduct) (Product, error)
	SetTrackingTask(ctx context.Context, productID int64, jobID string) error
}

// Service registers products and schedules price checks without waiting for
// them to run.
type Service struct {
	store          ProductCreator
	queue          Enqueuer
	clock          Clock
	logger         *zap.Logger
	enqueueTimeout time.Duration
}

// NewService wires the tracking service.
func NewService(store ProductCreator, queue Enqueuer, clock Clock, logger *zap.Logger, enqueueTimeout time.Duration) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if enqueueTimeout <= 0 {
		enqueueTimeout = 5 * time.Second
	}
	return &Service{
		store:          store,
		queue:          queue,
		clock:          clock,
		logger:         logger,
		enqueueTimeout: enqueueTimeout,
	}
}

// RegisterProduct validates and persists a product, then schedules an
// immediate price check. An enqueue failure does not undo the registration;
// the product is returned without a tracking task and the next scheduler
// tick picks it up.
func (s *Service) RegisterProduct(ctx context.Context, in NewProduct) (Product, error) {
	normalized, err := NormalizeNewProduct(in)
	if err != nil {
		return Product{}, err
	}
	product, err := s.store.CreateProduct(ctx, normalized)
	if err != nil {
		return Product{}, err
	}
	jobID, err := s.SchedulePriceCheck(ctx, product.ID, JobKindImmediate)
	if err != nil {
		s.logger.Warn("initial price check not scheduled",
			zap.Int64("product_id", product.ID),
			zap.Error(err),
		)
		return product, nil
	}
	product.TrackingTaskID = &jobID
	return product, nil
}

// SchedulePriceCheck enqueues one job for the product and records its id on
// the product. It returns as soon as the broker accepted the job.
func (s *Service) SchedulePriceCheck(ctx context.Context, productID int64, kind JobKind) (string, error) {
	enqueueCtx, cancel := context.WithTimeout(ctx, s.enqueueTimeout)
	defer cancel()

	jobID, err := s.queue.Enqueue(enqueueCtx, Job{
		ProductID:  productID,
		Kind:       kind,
		Attempt:    1,
		EnqueuedAt: s.clock.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, ErrQueue) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", ErrQueue, err)
	}

	if err := s.store.SetTrackingTask(ctx, productID, jobID); err != nil {
		s.logger.Warn("tracking task not recorded",
			zap.Int64("product_id", productID),
			zap.String("job_id", jobID),
			zap.Error(err),
		)
	}
	return jobID, nil
}

// NormalizeNewProduct trims and validates registration input and lower-cases
// the platform.
func NormalizeNewProduct(in NewProduct) (NewProduct, error) {
	out := NewProduct{
		URL:      strings.TrimSpace(in.URL),
		Platform: strings.ToLower(strings.TrimSpace(in.Platform)),
	}
	if err := validateURL(out.URL); err != nil {
		return NewProduct{}, err
	}
	if out.Platform == "" {
		return NewProduct{}, fmt.Errorf("%w: platform is required", ErrInvalid)
	}
	if len(out.Platform) > maxPlatformLength {
		return NewProduct{}, fmt.Errorf("%w: platform exceeds %d characters", ErrInvalid, maxPlatformLength)
	}
	name, err := normalizeName(in.Name)
	if err != nil {
		return NewProduct{}, err
	}
	out.Name = name
	currency, err := normalizeCurrency(in.Currency)
	if err != nil {
		return NewProduct{}, err
	}
	out.Currency = currency
	if in.TargetPrice != nil {
		tp, err := NormalizePrice(*in.TargetPrice)
		if err != nil {
			return NewProduct{}, fmt.Errorf("%w: target_price: %w", ErrInvalid, err)
		}
		out.TargetPrice = &tp
	}
	return out, nil
}

// NormalizeProductUpdate validates the optional fields of an update.
func NormalizeProductUpdate(in ProductUpdate) (ProductUpdate, error) {
	out := ProductUpdate{IsActive: in.IsActive}
	name, err := normalizeName(in.Name)
	if err != nil {
		return ProductUpdate{}, err
	}
	out.Name = name
	currency, err := normalizeCurrency(in.Currency)
	if err != nil {
		return ProductUpdate{}, err
	}
	out.Currency = currency
	if in.TargetPrice != nil {
		tp, err := NormalizePrice(*in.TargetPrice)
		if err != nil {
			return ProductUpdate{}, fmt.Errorf("%w: target_price: %w", ErrInvalid, err)
		}
		out.TargetPrice = &tp
	}
	return out, nil
}

func validateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: url is required", ErrInvalid)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: url: %w", ErrInvalid, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: url must use http or https", ErrInvalid)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: url must be absolute", ErrInvalid)
	}
	return nil
}

func normalizeName(name *string) (*string, error) {
	if name == nil {
		return nil, nil
	}
	trimmed := strings.TrimSpace(*name)
	if len(trimmed) > maxNameLength {
		return nil, fmt.Errorf("%w: name exceeds %d characters", ErrInvalid, maxNameLength)
	}
	return &trimmed, nil
}

func normalizeCurrency(currency *string) (*string, error) {
	if currency == nil {
		return nil, nil
	}
	code := strings.ToUpper(strings.TrimSpace(*currency))
	if code == "" {
		return nil, nil
	}
	if len(code) > maxCurrencyLength {
		return nil, fmt.Errorf("%w: currency exceeds %d characters", ErrInvalid, maxCurrencyLength)
	}
	return &code, nil
}
