package pg

import (
	"context"
	"time"

	"votedispatch/internal/domain"
	"votedispatch/internal/store"
)

func (s *Store) AddMetric(ctx context.Context, in store.MetricDelta) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO dispatch_metrics (channel, hour, sent, succeeded, failed, throttled, throttle_delay_ms)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (channel, hour) DO UPDATE SET
			sent = dispatch_metrics.sent + EXCLUDED.sent,
			succeeded = dispatch_metrics.succeeded + EXCLUDED.succeeded,
			failed = dispatch_metrics.failed + EXCLUDED.failed,
			throttled = dispatch_metrics.throttled + EXCLUDED.throttled,
			throttle_delay_ms = dispatch_metrics.throttle_delay_ms + EXCLUDED.throttle_delay_ms
	`, string(in.Channel), store.HourBucket(in.At), in.Sent, in.Succeeded, in.Failed, in.Throttled, in.ThrottleDelay.Milliseconds())
	return err
}

func (s *Store) ListMetrics(ctx context.Context, channel domain.Channel, since time.Time) ([]domain.MetricSample, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT hour, sent, succeeded, failed, throttled, throttle_delay_ms
		FROM dispatch_metrics WHERE channel=$1 AND hour >= $2
		ORDER BY hour
	`, string(channel), store.HourBucket(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.MetricSample
	for rows.Next() {
		m := domain.MetricSample{Channel: channel}
		var delayMs int64
		if err := rows.Scan(&m.Hour, &m.Sent, &m.Succeeded, &m.Failed, &m.Throttled, &delayMs); err != nil {
			return nil, err
		}
		m.ThrottleDelay = time.Duration(delayMs) * time.Millisecond
		out = append(out, m.Rate())
	}
	return out, rows.Err()
}
