package services

import "github.com/prometheus/client_golang/prometheus"

var (
	statusTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "procurement_status_transitions_total",
			Help: "Application status transitions applied.",
		},
		[]string{"from", "to"},
	)

	searchRounds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "procurement_supplier_search_rounds_total",
			Help: "Supplier search rounds by outcome (found, empty, error).",
		},
		[]string{"outcome"},
	)

	negotiationEmails = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "procurement_negotiation_emails_total",
			Help: "Negotiation e-mails recorded by direction and outcome.",
		},
		[]string{"direction", "outcome"},
	)

	inboundMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "procurement_inbound_messages_total",
			Help: "Inbox messages seen by the correlator by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(statusTransitions, searchRounds, negotiationEmails, inboundMessages)
}
