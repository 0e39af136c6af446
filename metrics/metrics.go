// Package metrics contains all application-logic metrics
package metrics

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

var (
	blocksProcessed     = metrics.NewCounter("broadcaster_blocks_processed_total")
	blocksSkipped       = metrics.NewCounter("broadcaster_blocks_skipped_total")
	bundlesSubmitted    = metrics.NewCounter("broadcaster_bundles_submitted_total")
	bundlesIncluded     = metrics.NewCounter("broadcaster_bundles_included_total")
	simulationReverts   = metrics.NewCounter("broadcaster_simulation_reverts_total")
	itemsMatched        = metrics.NewCounter("broadcaster_items_matched_total")
	orderMatchesUpdated = metrics.NewCounter("broadcaster_order_matches_updated_total")
	orderMatchesRemoved = metrics.NewCounter("broadcaster_order_matches_removed_total")
	webhookFailures     = metrics.NewCounter("broadcaster_webhook_failures_total")
)

const (
	bundlesNotIncludedLabel = `broadcaster_bundles_not_included_total{reason="%s"}`
	invalidItemsLabel       = `broadcaster_invalid_items_total{code="%s"}`
	relayErrorsLabel        = `broadcaster_relay_errors_total{method="%s"}`
	poolSizeLabel           = `broadcaster_pool_items{bundle_type="%s"}`

	cycleDurationLabel           = `broadcaster_cycle_duration_milliseconds`
	getTransactionsDurationLabel = `broadcaster_get_transactions_duration_milliseconds`
	relayCallDurationLabel       = `broadcaster_relay_call_duration_milliseconds{method="%s"}`
)

func IncBlocksProcessed() {
	blocksProcessed.Inc()
}

// IncBlocksSkipped counts blocks that arrived while a cycle was still running
func IncBlocksSkipped() {
	blocksSkipped.Inc()
}

func IncBundlesSubmitted() {
	bundlesSubmitted.Inc()
}

func IncBundlesIncluded() {
	bundlesIncluded.Inc()
}

func IncBundlesNotIncluded(reason string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(bundlesNotIncludedLabel, reason)).Inc()
}

func AddSimulationReverts(n int) {
	simulationReverts.Add(n)
}

func AddItemsMatched(n int) {
	itemsMatched.Add(n)
}

func IncInvalidItems(code string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(invalidItemsLabel, code)).Inc()
}

func IncRelayErrors(method string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(relayErrorsLabel, method)).Inc()
}

func IncOrderMatchesUpdated() {
	orderMatchesUpdated.Inc()
}

func IncOrderMatchesRemoved() {
	orderMatchesRemoved.Inc()
}

func IncWebhookFailures() {
	webhookFailures.Inc()
}

func SetPoolSize(bundleType string, size int) {
	metrics.GetOrCreateFloatCounter(fmt.Sprintf(poolSizeLabel, bundleType)).Set(float64(size))
}

func RecordCycleDuration(ms int64) {
	metrics.GetOrCreateSummary(cycleDurationLabel).Update(float64(ms))
}

func RecordGetTransactionsDuration(ms int64) {
	metrics.GetOrCreateSummary(getTransactionsDurationLabel).Update(float64(ms))
}

func RecordRelayCallDuration(method string, ms int64) {
	metrics.GetOrCreateSummary(fmt.Sprintf(relayCallDurationLabel, method)).Update(float64(ms))
}
