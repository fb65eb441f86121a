package models

import "time"

// BehaviorBaseline is the running statistical profile of one entity (usually a user).
//
// AvgHourlyActivity and StdDevHourlyActivity describe the hour-of-day of observed
// activity and are maintained with Welford's online algorithm (HourM2 holds the
// running sum of squared deviations).
type BehaviorBaseline struct {
	EntityType string `json:"entity_type"`
	Entity     string `json:"entity"`
	Samples    int    `json:"samples"`

	HourlyStats          map[int]int `json:"hourly_stats"`
	AvgHourlyActivity    float64     `json:"avg_hourly_activity"`
	StdDevHourlyActivity float64     `json:"std_dev_hourly_activity"`
	HourM2               float64     `json:"hour_m2"`

	KnownIPs        []string `json:"known_ips"`
	KnownUserAgents []string `json:"known_user_agents"`

	RecentRequestTimestamps []int64 `json:"recent_request_timestamps"`
	AvgRequestsPerMinute    float64 `json:"avg_requests_per_minute"`
	MaxRequestsPerMinute    float64 `json:"max_requests_per_minute"`
	CompletedMinutes        int     `json:"completed_minutes"`

	AvgSessionMinutes float64 `json:"avg_session_minutes"`
	SessionSamples    int     `json:"session_samples"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewBehaviorBaseline returns an empty baseline for entity.
func NewBehaviorBaseline(entityType, entity string, now time.Time) *BehaviorBaseline {
	return &BehaviorBaseline{
		EntityType:  entityType,
		Entity:      entity,
		HourlyStats: make(map[int]int),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Clone returns a deep copy safe to hand to readers outside the owning lock.
func (b *BehaviorBaseline) Clone() *BehaviorBaseline {
	if b == nil {
		return nil
	}
	c := *b
	c.HourlyStats = make(map[int]int, len(b.HourlyStats))
	for k, v := range b.HourlyStats {
		c.HourlyStats[k] = v
	}
	c.KnownIPs = append([]string(nil), b.KnownIPs...)
	c.KnownUserAgents = append([]string(nil), b.KnownUserAgents...)
	c.RecentRequestTimestamps = append([]int64(nil), b.RecentRequestTimestamps...)
	return &c
}
