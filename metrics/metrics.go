// Package metrics contains all application-logic metrics
package metrics

import "github.com/VictoriaMetrics/metrics"

var (
	intentsReceived           = metrics.NewCounter("txsched_intents_received_total")
	intentsAccepted           = metrics.NewCounter("txsched_intents_accepted_total")
	intentsRejectedOverloaded = metrics.NewCounter("txsched_intents_rejected_overloaded_total")
	intentsCancelled          = metrics.NewCounter("txsched_intents_cancelled_total")

	decisionsSubmit      = metrics.NewCounter(`txsched_decisions_total{kind="submit"}`)
	decisionsSubmitAtCap = metrics.NewCounter(`txsched_decisions_total{kind="submit_at_cap"}`)
	decisionsDefer       = metrics.NewCounter(`txsched_decisions_total{kind="defer"}`)
	decisionsReprice     = metrics.NewCounter(`txsched_decisions_total{kind="reprice"}`)
	decisionsExpire      = metrics.NewCounter(`txsched_decisions_total{kind="expire"}`)

	rateLimitRejections = metrics.NewCounter("txsched_rate_limit_rejections_total")
	modeFlips           = metrics.NewCounter("txsched_mode_flips_total")
	regimeChanges       = metrics.NewCounter("txsched_regime_changes_total")
	nonceStateErrors    = metrics.NewCounter("txsched_nonce_state_errors_total")
	broadcastFailures   = metrics.NewCounter("txsched_broadcast_failures_total")
	staleBlockEvents    = metrics.NewCounter("txsched_stale_block_events_total")

	decisionDuration = metrics.GetOrCreateSummary("txsched_decision_duration_milliseconds")
	rpcCallDuration  = metrics.GetOrCreateSummary("txsched_rpc_call_duration_milliseconds")
)

func IncIntentsReceived() {
	intentsReceived.Inc()
}

func IncIntentsAccepted() {
	intentsAccepted.Inc()
}

func IncIntentsRejectedOverloaded() {
	intentsRejectedOverloaded.Inc()
}

func IncIntentsCancelled() {
	intentsCancelled.Inc()
}

func IncDecisionSubmit() {
	decisionsSubmit.Inc()
}

func IncDecisionSubmitAtCap() {
	decisionsSubmitAtCap.Inc()
}

func IncDecisionDefer() {
	decisionsDefer.Inc()
}

func IncDecisionReprice() {
	decisionsReprice.Inc()
}

func IncDecisionExpire() {
	decisionsExpire.Inc()
}

func IncRateLimitRejections() {
	rateLimitRejections.Inc()
}

func IncModeFlips() {
	modeFlips.Inc()
}

func IncRegimeChanges() {
	regimeChanges.Inc()
}

func IncNonceStateErrors() {
	nonceStateErrors.Inc()
}

func IncBroadcastFailures() {
	broadcastFailures.Inc()
}

func IncStaleBlockEvents() {
	staleBlockEvents.Inc()
}

func RecordDecisionDuration(millis int64) {
	decisionDuration.Update(float64(millis))
}

func RecordRPCCallDuration(millis int64) {
	rpcCallDuration.Update(float64(millis))
}
