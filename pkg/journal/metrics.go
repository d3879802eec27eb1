package journal

import "github.com/prometheus/client_golang/prometheus"

var (
	// JournalEnvelopes counts envelopes recorded per room
	JournalEnvelopes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowboard_journal_envelopes_total",
			Help: "Total number of envelopes recorded in the journal",
		},
		[]string{"room"},
	)

	// JournalArchived counts envelopes moved to the archive per room
	JournalArchived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowboard_journal_archived_total",
			Help: "Total number of envelopes moved from the journal to the archive",
		},
		[]string{"room"},
	)

	// JournalAppendErrors counts envelopes that could not be recorded
	JournalAppendErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flowboard_journal_append_errors_total",
			Help: "Total number of envelopes that failed to be recorded",
		},
	)
)

func init() {
	prometheus.MustRegister(JournalEnvelopes)
	prometheus.MustRegister(JournalArchived)
	prometheus.MustRegister(JournalAppendErrors)
}
