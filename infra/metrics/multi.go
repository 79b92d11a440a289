package metrics

import coremetrics "github.com/evjund/capguard/core/metrics"

// MultiSink fans records out to multiple sinks.
type MultiSink struct {
	Sinks []coremetrics.Sink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...coremetrics.Sink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordSample forwards the record to all sinks, returning the first error
// encountered.
func (m *MultiSink) RecordSample(rec coremetrics.SampleRecord) error {
	for _, s := range m.Sinks {
		if err := s.RecordSample(rec); err != nil {
			return err
		}
	}
	return nil
}

// RecordRebuild forwards the record to all sinks.
func (m *MultiSink) RecordRebuild(rec coremetrics.RebuildRecord) error {
	for _, s := range m.Sinks {
		if err := s.RecordRebuild(rec); err != nil {
			return err
		}
	}
	return nil
}

// RecordBudget forwards the record to all sinks.
func (m *MultiSink) RecordBudget(rec coremetrics.BudgetRecord) error {
	for _, s := range m.Sinks {
		if err := s.RecordBudget(rec); err != nil {
			return err
		}
	}
	return nil
}

// RecordCoefficient forwards the record to all sinks.
func (m *MultiSink) RecordCoefficient(rec coremetrics.CoefficientRecord) error {
	for _, s := range m.Sinks {
		if err := s.RecordCoefficient(rec); err != nil {
			return err
		}
	}
	return nil
}

// RecordCoalesced forwards the count to all sinks.
func (m *MultiSink) RecordCoalesced() error {
	for _, s := range m.Sinks {
		if err := s.RecordCoalesced(); err != nil {
			return err
		}
	}
	return nil
}

// RecordDroppedSample forwards the count to all sinks.
func (m *MultiSink) RecordDroppedSample(reason string) error {
	for _, s := range m.Sinks {
		if err := s.RecordDroppedSample(reason); err != nil {
			return err
		}
	}
	return nil
}
