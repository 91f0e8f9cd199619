package ingestkit

import (
	"math/big"
	"sort"
	"time"

	"github.com/pkg/errors"
)

// FieldStatistics holds the accreted metadata for one output field
// ordinal. Every slot is absent (nil pointer / false / empty) until the
// first applicable value is observed. Once a numeric bound is set it
// only widens: min only decreases, max only increases. NullSeen is
// monotonic true-once-observed.
type FieldStatistics struct {
	Field Field

	MinInt *int64
	MaxInt *int64

	MinDecimal *big.Rat
	MaxDecimal *big.Rat

	NullSeen bool

	// DistinctEnums holds the sorted set of values observed for an enum
	// field with no schema-declared enumeration bound.
	DistinctEnums []string
}

// StatsAccretor computes FieldStatistics online, one update per record
// per field, during the finalizer's single write pass. It is not safe
// for concurrent use; the owning finalizer serializes access.
type StatsAccretor struct {
	fields Fields
	stats  []FieldStatistics
	enums  []map[string]struct{}
	bounds []map[string]struct{}
	frozen bool
}

// NewStatsAccretor builds an empty accretor for the given schema.
func NewStatsAccretor(fields Fields) *StatsAccretor {
	a := &StatsAccretor{
		fields: fields,
		stats:  make([]FieldStatistics, len(fields)),
		enums:  make([]map[string]struct{}, len(fields)),
		bounds: make([]map[string]struct{}, len(fields)),
	}
	for i, f := range fields {
		a.stats[i].Field = f
		if f.Type == EnumType {
			a.enums[i] = make(map[string]struct{})
			if f.HasEnumBound() {
				bound := make(map[string]struct{}, len(f.Enumerations))
				for _, e := range f.Enumerations {
					bound[e] = struct{}{}
				}
				a.bounds[i] = bound
			}
		}
	}
	return a
}

// Accrete folds one record into the statistics. The record must be
// positional, aligned with the schema the accretor was built with.
func (a *StatsAccretor) Accrete(rec []interface{}) error {
	if a.frozen {
		return errors.New("statistics are frozen")
	}
	if len(rec) != len(a.fields) {
		return errors.Errorf("record has %d values, schema has %d fields", len(rec), len(a.fields))
	}
	for i, val := range rec {
		if err := a.accreteValue(i, val); err != nil {
			return errors.Wrapf(err, "field %q (ordinal %d)", a.fields[i].Name, i)
		}
	}
	return nil
}

func (a *StatsAccretor) accreteValue(i int, val interface{}) error {
	st := &a.stats[i]
	if val == nil {
		st.NullSeen = true
		return nil
	}

	f := a.fields[i]
	switch {
	case f.Type.IntBacked():
		v, err := intStatValue(f.Type, val)
		if err != nil {
			return err
		}
		if st.MinInt == nil || v < *st.MinInt {
			min := v
			st.MinInt = &min
		}
		if st.MaxInt == nil || v > *st.MaxInt {
			max := v
			st.MaxInt = &max
		}

	case f.Type.DecimalBacked():
		v, err := toRat(val)
		if err != nil {
			return err
		}
		if st.MinDecimal == nil || v.Cmp(st.MinDecimal) < 0 {
			st.MinDecimal = new(big.Rat).Set(v)
		}
		if st.MaxDecimal == nil || v.Cmp(st.MaxDecimal) > 0 {
			st.MaxDecimal = new(big.Rat).Set(v)
		}

	case f.Type == EnumType:
		s, err := toString(val)
		if err != nil {
			return err
		}
		if bound := a.bounds[i]; bound != nil {
			if _, ok := bound[s]; !ok {
				return errors.Wrapf(ErrEnumBound, "%q", s)
			}
			return nil
		}
		a.enums[i][s] = struct{}{}
	}

	return nil
}

// intStatValue reduces an int-backed value to the int64 used for bound
// comparison. Temporal types compare on their container representation:
// days for dates, milliseconds for times and timestamps.
func intStatValue(t TypeTag, val interface{}) (int64, error) {
	switch t {
	case DateType:
		if ts, ok := val.(time.Time); ok {
			return EpochDays(ts), nil
		}
	case TimeType:
		if d, ok := val.(time.Duration); ok {
			return d.Milliseconds(), nil
		}
	case TimestampType:
		if ts, ok := val.(time.Time); ok {
			return ts.UnixMilli(), nil
		}
	}
	return toInt64(val)
}

// EpochDays reduces a timestamp to whole days since the Unix epoch.
// Division floors, so a pre-epoch instant lands on the day it falls
// in rather than one day late.
func EpochDays(ts time.Time) int64 {
	secs := ts.Unix()
	days := secs / (24 * 60 * 60)
	if secs < 0 && secs%(24*60*60) != 0 {
		days--
	}
	return days
}

// Statistics freezes the accreted metadata and returns it, one entry
// per field ordinal.
func (a *StatsAccretor) Statistics() []FieldStatistics {
	if !a.frozen {
		a.frozen = true
		for i := range a.stats {
			if a.enums[i] != nil && a.bounds[i] == nil {
				seen := make([]string, 0, len(a.enums[i]))
				for s := range a.enums[i] {
					seen = append(seen, s)
				}
				sort.Strings(seen)
				a.stats[i].DistinctEnums = seen
			}
		}
	}
	return a.stats
}
