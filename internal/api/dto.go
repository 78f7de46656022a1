package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/JakeFAU/pricepulse/internal/tracker"
)

type createProductRequest struct {
	Name        *string          `json:"name"`
	URL         string           `json:"url"`
	Platform    string           `json:"platform"`
	TargetPrice *decimal.Decimal `json:"target_price"`
	Currency    *string          `json:"currency"`
}

type updateProductRequest struct {
	Name        *string          `json:"name"`
	TargetPrice *decimal.Decimal `json:"target_price"`
	Currency    *string          `json:"currency"`
	IsActive    *bool            `json:"is_active"`
}

type productResponse struct {
	ID             int64     `json:"id"`
	Name           *string   `json:"name"`
	URL            string    `json:"url"`
	Platform       string    `json:"platform"`
	TargetPrice    *string   `json:"target_price"`
	LastPrice      *string   `json:"last_price"`
	Currency       *string   `json:"currency"`
	IsActive       bool      `json:"is_active"`
	TrackingTaskID *string   `json:"tracking_task_id"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type productWithHistoryResponse struct {
	productResponse
	PriceHistory []priceHistoryResponse `json:"price_history"`
}

type priceHistoryResponse struct {
	ID        int64     `json:"id"`
	ProductID int64     `json:"product_id"`
	Price     string    `json:"price"`
	CheckedAt time.Time `json:"checked_at"`
}

type jobResponse struct {
	JobID     string    `json:"job_id"`
	Status    string    `json:"status"`
	ProductID int64     `json:"product_id"`
	Price     *string   `json:"price,omitempty"`
	CheckedAt *string   `json:"checked_at,omitempty"`
	Error     string    `json:"error,omitempty"`
	Attempts  int       `json:"attempts"`
	Terminal  bool      `json:"terminal"`
	UpdatedAt time.Time `json:"updated_at"`
}

func money(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.StringFixed(2)
	return &s
}

func toProductResponse(p tracker.Product) productResponse {
	return productResponse{
		ID:             p.ID,
		Name:           p.Name,
		URL:            p.URL,
		Platform:       p.Platform,
		TargetPrice:    money(p.TargetPrice),
		LastPrice:      money(p.LastPrice),
		Currency:       p.Currency,
		IsActive:       p.IsActive,
		TrackingTaskID: p.TrackingTaskID,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

func toProductWithHistory(p tracker.Product) productWithHistoryResponse {
	return productWithHistoryResponse{
		productResponse: toProductResponse(p),
		PriceHistory:    toHistoryResponse(p.PriceHistory),
	}
}

func toHistoryResponse(entries []tracker.PriceHistory) []priceHistoryResponse {
	out := make([]priceHistoryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, priceHistoryResponse{
			ID:        e.ID,
			ProductID: e.ProductID,
			Price:     e.Price.StringFixed(2),
			CheckedAt: e.CheckedAt,
		})
	}
	return out
}

func toJobResponse(res tracker.JobResult) jobResponse {
	out := jobResponse{
		JobID:     res.JobID,
		Status:    string(res.Status),
		ProductID: res.ProductID,
		Price:     money(res.Price),
		Error:     res.Error,
		Attempts:  res.Attempts,
		Terminal:  res.Status.IsTerminal(),
		UpdatedAt: res.UpdatedAt,
	}
	if res.CheckedAt != nil {
		ts := res.CheckedAt.UTC().Format(time.RFC3339Nano)
		out.CheckedAt = &ts
	}
	return out
}
