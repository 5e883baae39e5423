package record

import "time"

type (
	// Stage is one processing step a batch passed through.
	Stage struct {
		Name   string    `json:"name"`
		Detail string    `json:"detail,omitempty"`
		At     time.Time `json:"at"`
	}

	// Lineage is the ordered list of stages (source, schema, enrichment) a
	// batch has passed through, retained for audit.
	Lineage struct {
		Stages []Stage `json:"stages"`
	}
)

// Append adds a stage and returns the lineage for chaining.
func (l *Lineage) Append(name, detail string, at time.Time) *Lineage {
	l.Stages = append(l.Stages, Stage{Name: name, Detail: detail, At: at.UTC()})

	return l
}

// Names returns the stage names in order.
func (l Lineage) Names() []string {
	out := make([]string, 0, len(l.Stages))
	for _, s := range l.Stages {
		out = append(out, s.Name)
	}

	return out
}

// Clone returns an independent copy.
func (l Lineage) Clone() Lineage {
	return Lineage{Stages: append([]Stage(nil), l.Stages...)}
}
