package internaldefs

import (
	"strconv"
	"strings"

	agendador "github.com/DanielMarcoD/agendador"
)

// Def binds a client metric to its exported name and help text.
type Def struct {
	ID   agendador.MetricID
	Name string
	Help string
}

var CounterDefs = []Def{
	{ID: agendador.MetricLoginSuccess, Name: "agendador_login_success_total", Help: "Logins that stored a session."},
	{ID: agendador.MetricLoginFailure, Name: "agendador_login_failure_total", Help: "Failed login attempts."},
	{ID: agendador.MetricRegisterSuccess, Name: "agendador_register_success_total", Help: "Successful registrations."},
	{ID: agendador.MetricRegisterFailure, Name: "agendador_register_failure_total", Help: "Failed registrations."},
	{ID: agendador.MetricLogout, Name: "agendador_logout_total", Help: "Logouts."},
	{ID: agendador.MetricRefreshRequested, Name: "agendador_refresh_requested_total", Help: "Callers asking for a refresh, including joined exchanges."},
	{ID: agendador.MetricRefreshSuccess, Name: "agendador_refresh_success_total", Help: "Refresh exchanges that stored a new pair."},
	{ID: agendador.MetricRefreshRejected, Name: "agendador_refresh_rejected_total", Help: "Refresh exchanges refused by the server."},
	{ID: agendador.MetricRefreshUnavailable, Name: "agendador_refresh_unavailable_total", Help: "Refresh exchanges that failed transiently."},
	{ID: agendador.MetricRefreshNoToken, Name: "agendador_refresh_no_token_total", Help: "Refreshes attempted with no refresh token stored."},
	{ID: agendador.MetricRequestRetried, Name: "agendador_request_retried_total", Help: "API calls retried after a refresh."},
	{ID: agendador.MetricRequestConnectivityFailure, Name: "agendador_request_connectivity_failure_total", Help: "API calls that never reached the server."},
	{ID: agendador.MetricAuthFailure, Name: "agendador_auth_failure_total", Help: "Signals asking the user to log in again."},
	{ID: agendador.MetricSessionCleared, Name: "agendador_session_cleared_total", Help: "Sessions cleared after a rejected refresh."},
	{ID: agendador.MetricRenewerTick, Name: "agendador_renewer_tick_total", Help: "Background renewer checks."},
	{ID: agendador.MetricRenewerRenewed, Name: "agendador_renewer_renewed_total", Help: "Background renewer checks that renewed the session."},
	{ID: agendador.MetricKeyFetchSuccess, Name: "agendador_key_fetch_success_total", Help: "Encryption key fetches."},
	{ID: agendador.MetricKeyFetchFailure, Name: "agendador_key_fetch_failure_total", Help: "Failed encryption key fetches."},
}

var HistogramDefs = []Def{
	{ID: agendador.MetricRequestLatency, Name: "agendador_request_latency_seconds", Help: "API attempt latency."},
	{ID: agendador.MetricRefreshLatency, Name: "agendador_refresh_latency_seconds", Help: "Refresh exchange latency."},
}

// AuditDroppedName is exported alongside the counters.
const AuditDroppedName = "agendador_audit_dropped_total"

// HistogramBounds are the finite upper bounds, in seconds, of the client's
// latency buckets. One more bucket, +Inf, follows them.
var HistogramBounds = [...]float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}

const BucketCount = len(HistogramBounds) + 1

// BucketSuffix names bucket i for exporters without native histograms:
// "0_025" for the 25ms bound, "inf" for the last.
func BucketSuffix(i int) string {
	if i >= len(HistogramBounds) {
		return "inf"
	}
	return strings.ReplaceAll(strconv.FormatFloat(HistogramBounds[i], 'f', -1, 64), ".", "_")
}

// Cumulative turns per-bucket counts into running totals over exactly
// BucketCount buckets. Missing trailing buckets count as zero.
func Cumulative(raw []uint64) [BucketCount]uint64 {
	var out [BucketCount]uint64
	var running uint64
	for i := range out {
		if i < len(raw) {
			running += raw[i]
		}
		out[i] = running
	}
	return out
}
