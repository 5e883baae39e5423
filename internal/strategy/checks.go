package strategy

import (
	"errors"
	"fmt"

	"github.com/correlator-io/seeder/internal/record"
)

var (
	// ErrUnknownCheck is returned for a validation rule name with no check.
	ErrUnknownCheck = errors.New("unknown batch check")

	// ErrCheckFailed is returned when a batch check rejects the whole batch.
	ErrCheckFailed = errors.New("batch check failed")
)

// Check filters or rejects a collected batch. It returns the records to keep.
type Check func(records []*record.Record) ([]*record.Record, error)

// Batch check names usable in a strategy's validation_rules.
const (
	CheckNonEmpty         = "non_empty"
	CheckHasID            = "has_id"
	CheckDedupeByID       = "dedupe_by_id"
	CheckDropEmptyRecords = "drop_empty_records"
)

var checks = map[string]Check{
	CheckNonEmpty: func(records []*record.Record) ([]*record.Record, error) {
		if len(records) == 0 {
			return nil, fmt.Errorf("%w: %s: batch is empty", ErrCheckFailed, CheckNonEmpty)
		}

		return records, nil
	},
	CheckHasID: keep(func(r *record.Record) bool { return r.ID() != "" }),
	CheckDedupeByID: func(records []*record.Record) ([]*record.Record, error) {
		seen := make(map[string]struct{}, len(records))
		out := make([]*record.Record, 0, len(records))

		for _, r := range records {
			id := r.ID()
			if id != "" {
				if _, dup := seen[id]; dup {
					continue
				}

				seen[id] = struct{}{}
			}

			out = append(out, r)
		}

		return out, nil
	},
	CheckDropEmptyRecords: keep(func(r *record.Record) bool {
		for _, k := range r.Keys() {
			if r.Has(k) {
				return true
			}
		}

		return false
	}),
}

func keep(pred func(*record.Record) bool) Check {
	return func(records []*record.Record) ([]*record.Record, error) {
		out := make([]*record.Record, 0, len(records))

		for _, r := range records {
			if r != nil && pred(r) {
				out = append(out, r)
			}
		}

		return out, nil
	}
}

// CheckReport counts what each check removed.
type CheckReport struct {
	Dropped map[string]int `json:"dropped"`
}

// ApplyChecks runs the strategy's validation rules in order.
func (s Strategy) ApplyChecks(records []*record.Record) ([]*record.Record, CheckReport, error) {
	report := CheckReport{Dropped: map[string]int{}}

	for _, name := range s.ValidationRules {
		check, ok := checks[name]
		if !ok {
			return records, report, fmt.Errorf("%w: %s", ErrUnknownCheck, name)
		}

		before := len(records)

		out, err := check(records)
		if err != nil {
			return records, report, err
		}

		report.Dropped[name] = before - len(out)
		records = out
	}

	return records, report, nil
}
