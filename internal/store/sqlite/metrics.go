package sqlite

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"votedispatch/internal/domain"
	"votedispatch/internal/store"
)

func (s *Store) AddMetric(ctx context.Context, in store.MetricDelta) error {
	m := metricModel{
		Channel:         string(in.Channel),
		Hour:            store.HourBucket(in.At),
		Sent:            in.Sent,
		Succeeded:       in.Succeeded,
		Failed:          in.Failed,
		Throttled:       in.Throttled,
		ThrottleDelayMs: in.ThrottleDelay.Milliseconds(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "channel"}, {Name: "hour"}},
		DoUpdates: clause.Assignments(map[string]any{
			"sent":              gorm.Expr("sent + excluded.sent"),
			"succeeded":         gorm.Expr("succeeded + excluded.succeeded"),
			"failed":            gorm.Expr("failed + excluded.failed"),
			"throttled":         gorm.Expr("throttled + excluded.throttled"),
			"throttle_delay_ms": gorm.Expr("throttle_delay_ms + excluded.throttle_delay_ms"),
		}),
	}).Create(&m).Error
	return translate(err)
}

func (s *Store) ListMetrics(ctx context.Context, channel domain.Channel, since time.Time) ([]domain.MetricSample, error) {
	var rows []metricModel
	err := s.db.WithContext(ctx).
		Where("channel = ? AND hour >= ?", string(channel), store.HourBucket(since)).
		Order("hour").
		Find(&rows).Error
	if err != nil {
		return nil, translate(err)
	}
	out := make([]domain.MetricSample, 0, len(rows))
	for _, m := range rows {
		out = append(out, domain.MetricSample{
			Channel:       channel,
			Hour:          m.Hour,
			Sent:          m.Sent,
			Succeeded:     m.Succeeded,
			Failed:        m.Failed,
			Throttled:     m.Throttled,
			ThrottleDelay: time.Duration(m.ThrottleDelayMs) * time.Millisecond,
		}.Rate())
	}
	return out, nil
}
