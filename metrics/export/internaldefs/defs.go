package internaldefs

import (
	"strconv"

	"github.com/medibridge/authcore"
)

// CounterDef names one engine counter for exporters.
type CounterDef struct {
	ID   authcore.MetricID
	Name string
	Help string
}

// HistogramDef names one engine latency histogram for exporters.
type HistogramDef struct {
	ID   authcore.MetricID
	Name string
	Help string
}

// AuditDroppedName is exported alongside the engine counters.
const (
	AuditDroppedName = "authcore_audit_dropped_total"
	AuditDroppedHelp = "Audit events dropped because the dispatcher buffer was full."
)

var CounterDefs = []CounterDef{
	{ID: authcore.MetricLoginSuccess, Name: "authcore_login_success_total", Help: "Successful logins."},
	{ID: authcore.MetricLoginFailure, Name: "authcore_login_failure_total", Help: "Logins rejected for bad credentials."},
	{ID: authcore.MetricLoginLocked, Name: "authcore_login_locked_total", Help: "Logins rejected while the account was locked."},
	{ID: authcore.MetricLoginInactive, Name: "authcore_login_inactive_total", Help: "Logins rejected for an inactive account."},
	{ID: authcore.MetricAccountLockout, Name: "authcore_account_lockout_total", Help: "Lockouts engaged by the failure threshold."},
	{ID: authcore.MetricVerifySuccess, Name: "authcore_verify_success_total", Help: "Access tokens accepted."},
	{ID: authcore.MetricVerifyFailure, Name: "authcore_verify_failure_total", Help: "Access tokens rejected."},
	{ID: authcore.MetricRefreshSuccess, Name: "authcore_refresh_success_total", Help: "Successful refreshes."},
	{ID: authcore.MetricRefreshFailure, Name: "authcore_refresh_failure_total", Help: "Rejected refreshes."},
	{ID: authcore.MetricRefreshReuseDetected, Name: "authcore_refresh_reuse_detected_total", Help: "Rotated refresh tokens presented again."},
	{ID: authcore.MetricSessionCreated, Name: "authcore_session_created_total", Help: "Sessions created."},
	{ID: authcore.MetricSessionRevoked, Name: "authcore_session_revoked_total", Help: "Sessions revoked."},
	{ID: authcore.MetricRevokeAll, Name: "authcore_revoke_all_total", Help: "Revoke-all operations."},
	{ID: authcore.MetricPasswordResetRequest, Name: "authcore_password_reset_request_total", Help: "Password reset tokens issued."},
	{ID: authcore.MetricPasswordResetSuccess, Name: "authcore_password_reset_success_total", Help: "Password resets completed."},
	{ID: authcore.MetricPasswordResetFailure, Name: "authcore_password_reset_failure_total", Help: "Password resets rejected."},
	{ID: authcore.MetricSweepRun, Name: "authcore_sweep_run_total", Help: "Sweep passes executed."},
	{ID: authcore.MetricSweepDeleted, Name: "authcore_sweep_deleted_total", Help: "Session records deleted by the sweeper."},
	{ID: authcore.MetricStoreUnavailable, Name: "authcore_store_unavailable_total", Help: "Backend failures and timeouts."},
}

var HistogramDefs = []HistogramDef{
	{ID: authcore.MetricVerifyLatency, Name: "authcore_verify_latency_seconds", Help: "VerifyAccessToken latency."},
}

// BucketCount includes the trailing +Inf bucket.
const BucketCount = len(authcore.HistBucketBounds) + 1

// UpperBoundsSeconds are the finite bucket bounds in seconds.
func UpperBoundsSeconds() []float64 {
	out := make([]float64, len(authcore.HistBucketBounds))
	for i, ms := range authcore.HistBucketBounds {
		out[i] = float64(ms) / 1000
	}
	return out
}

// BoundSuffix renders bucket i as a metric-name-safe suffix, e.g. "0_005".
func BoundSuffix(i int) string {
	if i >= len(authcore.HistBucketBounds) {
		return "inf"
	}
	s := strconv.FormatFloat(float64(authcore.HistBucketBounds[i])/1000, 'f', -1, 64)
	out := []byte(s)
	for j := range out {
		if out[j] == '.' {
			out[j] = '_'
		}
	}
	return string(out)
}

// NormalizeBuckets copies raw into a fixed-size array, tolerating short
// or nil slices from a disabled collector.
func NormalizeBuckets(raw []uint64) [BucketCount]uint64 {
	var out [BucketCount]uint64
	copy(out[:], raw)
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [BucketCount]uint64) [BucketCount]uint64 {
	var out [BucketCount]uint64
	var running uint64
	for i := range raw {
		running += raw[i]
		out[i] = running
	}
	return out
}
