package main

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrDuplicateDelivery = errors.New("duplicate delivery")

// DeliveryStore provides persistent delivery dedup and history using the database.
type DeliveryStore struct {
	db        *gorm.DB
	retention time.Duration
	now       func() time.Time
}

func NewDeliveryStore(db *gorm.DB, retention time.Duration) *DeliveryStore {
	return &DeliveryStore{db: db, retention: retention, now: time.Now}
}

// Begin claims a delivery for processing, returning ErrDuplicateDelivery when
// it was already handled. Failed and rate-limited deliveries can be claimed
// again so GitHub redeliveries get another attempt.
func (s *DeliveryStore) Begin(ctx context.Context, d *WebhookDelivery) error {
	if d.DeliveryID == "" {
		return errors.New("missing delivery id")
	}
	db := s.db.WithContext(ctx)
	now := s.now()

	if s.retention > 0 {
		if err := db.Where("received_at < ?", now.Add(-s.retention)).Delete(&WebhookDelivery{}).Error; err != nil {
			return err
		}
	}

	d.Status = deliveryProcessing
	d.ReceivedAt = now
	d.Attempts = 1
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(d)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}

	res = db.Model(&WebhookDelivery{}).
		Where("delivery_id = ? AND status IN ?", d.DeliveryID, []string{deliveryFailed, deliveryRateLimited}).
		Updates(map[string]any{
			"status":      deliveryProcessing,
			"attempts":    gorm.Expr("attempts + 1"),
			"error":       "",
			"received_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrDuplicateDelivery
	}
	return db.Where("delivery_id = ?", d.DeliveryID).First(d).Error
}

// Finish stores the final status of a claimed delivery.
func (s *DeliveryStore) Finish(ctx context.Context, deliveryID, status, issueKey, message string, cause error) error {
	now := s.now()
	updates := map[string]any{
		"status":       status,
		"issue_key":    issueKey,
		"message":      message,
		"error":        "",
		"completed_at": &now,
	}
	if cause != nil {
		updates["error"] = cause.Error()
	}
	return s.db.WithContext(ctx).Model(&WebhookDelivery{}).
		Where("delivery_id = ?", deliveryID).
		Updates(updates).Error
}

type DeliveryFilter struct {
	Status   string
	IssueKey string
	Limit    int
}

func (s *DeliveryStore) List(ctx context.Context, f DeliveryFilter) ([]WebhookDelivery, error) {
	q := s.db.WithContext(ctx).Order("received_at desc")
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.IssueKey != "" {
		q = q.Where("issue_key = ?", f.IssueKey)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var out []WebhookDelivery
	if err := q.Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *DeliveryStore) Get(ctx context.Context, deliveryID string) (*WebhookDelivery, error) {
	var d WebhookDelivery
	if err := s.db.WithContext(ctx).Where("delivery_id = ?", deliveryID).First(&d).Error; err != nil {
		return nil, err
	}
	return &d, nil
}
