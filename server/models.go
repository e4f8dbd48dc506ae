package main

import "time"

const (
	deliveryProcessing  = "processing"
	deliveryProcessed   = "processed"
	deliverySkipped     = "skipped"
	deliveryFailed      = "failed"
	deliveryRateLimited = "rate_limited"
)

// WebhookDelivery records one GitHub delivery and what the relay did with it.
type WebhookDelivery struct {
	ID          uint       `gorm:"primaryKey" json:"-"`
	DeliveryID  string     `gorm:"uniqueIndex" json:"delivery_id"`
	Event       string     `gorm:"index" json:"event"`
	Action      string     `json:"action,omitempty"`
	Repository  string     `json:"repository,omitempty"`
	IssueKey    string     `gorm:"index" json:"issue_key,omitempty"`
	Status      string     `gorm:"index" json:"status"`
	Message     string     `json:"message,omitempty"`
	Error       string     `gorm:"type:text" json:"error,omitempty"`
	Attempts    int        `json:"attempts"`
	ReceivedAt  time.Time  `gorm:"index" json:"received_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"-"`
	UpdatedAt   time.Time  `json:"-"`
}
