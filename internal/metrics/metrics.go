// Package metrics holds the gateway's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label values shared by several collectors.
const (
	DirectionOutbound = "or_to_rfc822"
	DirectionInbound  = "rfc822_to_or"

	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Address mapping metrics
var (
	AddressMappings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "x400gw_address_mappings_total",
			Help: "Total number of address translations by direction and result",
		},
		[]string{"direction", "result"},
	)
)

// Delivery metrics
var (
	OutboundMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "x400gw_outbound_total",
			Help: "Total number of outbound messages by result code",
		},
		[]string{"result"},
	)

	InboundFetched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "x400gw_inbound_fetched_total",
			Help: "Total number of messages fetched from the mailbox",
		},
	)

	Reports = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "x400gw_reports_total",
			Help: "Total number of mapped delivery and disposition reports by status class",
		},
		[]string{"kind", "class"},
	)
)

// Relay metrics
var (
	RelayHistorySize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "x400gw_relay_history_size",
			Help: "Number of messages held in the relay history",
		},
		[]string{"relay"},
	)

	RelaySendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "x400gw_relay_send_duration_seconds",
			Help:    "Duration of relay deliveries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"relay"},
	)
)

// MappingResult returns the result label for an address translation.
func MappingResult(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}
