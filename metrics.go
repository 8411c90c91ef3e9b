package identity

import "sync/atomic"

// MetricID indexes one engine counter.
type MetricID uint16

const (
	// MetricRegisterSuccess counts successful local registrations.
	MetricRegisterSuccess MetricID = iota
	// MetricRegisterConflict counts registrations rejected on a uniqueness conflict.
	MetricRegisterConflict
	// MetricLoginSuccess counts successful logins across credential sources.
	MetricLoginSuccess
	// MetricLoginFailure counts rejected credentials.
	MetricLoginFailure
	// MetricLoginDeviceLimited counts logins rejected by the device cap.
	MetricLoginDeviceLimited
	// MetricOAuthMerge counts provider identities merged into existing accounts.
	MetricOAuthMerge
	// MetricRefreshSuccess counts successful refresh rotations.
	MetricRefreshSuccess
	// MetricRefreshFailure counts rejected refresh attempts.
	MetricRefreshFailure
	// MetricLogout counts single-device logouts.
	MetricLogout
	// MetricLogoutAll counts mass logouts.
	MetricLogoutAll
	// MetricConfirmationIssued counts newly issued confirmation codes.
	MetricConfirmationIssued
	// MetricConfirmationCooldown counts requests answered with an existing live code.
	MetricConfirmationCooldown
	// MetricConfirmationSuccess counts successful email confirmations.
	MetricConfirmationSuccess
	// MetricConfirmationFailure counts rejected confirmation attempts.
	MetricConfirmationFailure

	metricCount
)

var metricNames = [metricCount]string{
	MetricRegisterSuccess:      "register_success",
	MetricRegisterConflict:     "register_conflict",
	MetricLoginSuccess:         "login_success",
	MetricLoginFailure:         "login_failure",
	MetricLoginDeviceLimited:   "login_device_limited",
	MetricOAuthMerge:           "oauth_merge",
	MetricRefreshSuccess:       "refresh_success",
	MetricRefreshFailure:       "refresh_failure",
	MetricLogout:               "logout",
	MetricLogoutAll:            "logout_all",
	MetricConfirmationIssued:   "confirmation_issued",
	MetricConfirmationCooldown: "confirmation_cooldown",
	MetricConfirmationSuccess:  "confirmation_success",
	MetricConfirmationFailure:  "confirmation_failure",
}

// String reports the counter's stable export name.
func (id MetricID) String() string {
	if id >= metricCount {
		return "unknown"
	}
	return metricNames[id]
}

// Metrics is a fixed array of atomic counters. All methods are safe for
// concurrent use and are no-ops on a nil receiver so disabled metrics cost a
// single branch.
type Metrics struct {
	counters [metricCount]atomic.Uint64
}

func newMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return nil
	}
	return &Metrics{}
}

// Inc increments a counter.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || id >= metricCount {
		return
	}
	m.counters[id].Add(1)
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	Counters map[MetricID]uint64
}

// Snapshot copies the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{Counters: make(map[MetricID]uint64, metricCount)}
	if m == nil {
		return snap
	}
	for id := MetricID(0); id < metricCount; id++ {
		snap.Counters[id] = m.counters[id].Load()
	}
	return snap
}
