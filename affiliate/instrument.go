package affiliate

import "time"

// Instrumentation receives engine signals. The metrics package implements
// it with prometheus collectors; NopInstrumentation is the default.
type Instrumentation interface {
	EntryAppended(kind Kind)
	AppendRetried(kind Kind)
	ConsistencyViolation(err *ConsistencyViolationError)
	RankChanged(ev RankChanged)
	SaleProcessed(outcome string, elapsed time.Duration)
	ResetRun(report ResetReport)
	ResetLeaseForced()

	// EventSkipped counts an inbound event committed without being
	// applied; reason is rejected, conflict, consistency or transient.
	EventSkipped(reason string)
}

type NopInstrumentation struct{}

func (NopInstrumentation) EntryAppended(Kind)                              {}
func (NopInstrumentation) AppendRetried(Kind)                              {}
func (NopInstrumentation) ConsistencyViolation(*ConsistencyViolationError) {}
func (NopInstrumentation) RankChanged(RankChanged)                         {}
func (NopInstrumentation) SaleProcessed(string, time.Duration)             {}
func (NopInstrumentation) ResetRun(ResetReport)                            {}
func (NopInstrumentation) ResetLeaseForced()                               {}
func (NopInstrumentation) EventSkipped(string)                             {}

var _ Instrumentation = NopInstrumentation{}
