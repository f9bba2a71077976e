package metrics

// Registry operation outcome labels.
const (
	OutcomeCommitted = "committed"
	OutcomeRejected  = "rejected"
)

// LedgerMetrics provides observability for registry mutations.
//
// Implementations count committed and rejected operations, track the
// quantity moved by transfers and the number of live entities.
type LedgerMetrics interface {
	// RecordOperation counts a registry operation.
	//
	// Parameters:
	//   - op: Operation name (e.g., "TRANSFER", "BORROW", "CREATE")
	//   - outcome: OutcomeCommitted or OutcomeRejected
	RecordOperation(op string, outcome string)

	// RecordTransferred adds a committed transfer's quantity.
	RecordTransferred(quantity int64)

	// SetEntities updates the live entity gauge.
	SetEntities(count int64)
}

type noopLedgerMetrics struct{}

// NewNoopLedgerMetrics returns a LedgerMetrics that records nothing.
func NewNoopLedgerMetrics() LedgerMetrics {
	return noopLedgerMetrics{}
}

func (noopLedgerMetrics) RecordOperation(string, string) {}
func (noopLedgerMetrics) RecordTransferred(int64)        {}
func (noopLedgerMetrics) SetEntities(int64)              {}
