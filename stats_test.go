package ingestkit

import (
	"math/big"
	"math/rand"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestStatsAccretorIntBounds(t *testing.T) {
	fields := Fields{{Name: "age", Type: IntType}}

	// bounds must not depend on record order
	values := []int64{7, 13, 6, 9, 11}
	for trial := 0; trial < 5; trial++ {
		a := NewStatsAccretor(fields)
		shuffled := append([]int64(nil), values...)
		rand.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		for _, v := range shuffled {
			if err := a.Accrete([]interface{}{v}); err != nil {
				t.Fatal(err)
			}
		}
		stats := a.Statistics()
		if len(stats) != 1 {
			t.Fatalf("expected 1 stat entry, got %d", len(stats))
		}
		st := stats[0]
		if st.MinInt == nil || *st.MinInt != 6 {
			t.Errorf("expected min 6, got %v", st.MinInt)
		}
		if st.MaxInt == nil || *st.MaxInt != 13 {
			t.Errorf("expected max 13, got %v", st.MaxInt)
		}
		if st.NullSeen {
			t.Error("expected nullSeen absent for all non-null stream")
		}
	}
}

func TestStatsAccretorDecimalBounds(t *testing.T) {
	fields := Fields{{Name: "price", Type: DecimalType}}
	a := NewStatsAccretor(fields)
	for _, v := range []*big.Rat{
		big.NewRat(5, 2),
		big.NewRat(1, 3),
		big.NewRat(99, 10),
	} {
		if err := a.Accrete([]interface{}{v}); err != nil {
			t.Fatal(err)
		}
	}
	st := a.Statistics()[0]
	if st.MinDecimal.Cmp(big.NewRat(1, 3)) != 0 {
		t.Errorf("expected min 1/3, got %v", st.MinDecimal)
	}
	if st.MaxDecimal.Cmp(big.NewRat(99, 10)) != 0 {
		t.Errorf("expected max 99/10, got %v", st.MaxDecimal)
	}
}

func TestStatsAccretorNullTracking(t *testing.T) {
	fields := Fields{
		{Name: "a", Type: IntType, Nullable: true},
		{Name: "b", Type: IntType, Nullable: true},
	}
	a := NewStatsAccretor(fields)
	records := [][]interface{}{
		{int64(1), int64(1)},
		{nil, int64(2)},
		{int64(3), int64(3)},
	}
	for _, rec := range records {
		if err := a.Accrete(rec); err != nil {
			t.Fatal(err)
		}
	}
	stats := a.Statistics()
	if !stats[0].NullSeen {
		t.Error("field a saw a null, NullSeen should be true")
	}
	if stats[1].NullSeen {
		t.Error("field b never saw a null, NullSeen should be false")
	}
	// a null must not disturb the numeric bounds
	if *stats[0].MinInt != 1 || *stats[0].MaxInt != 3 {
		t.Errorf("expected bounds [1,3], got [%v,%v]", *stats[0].MinInt, *stats[0].MaxInt)
	}
}

func TestStatsAccretorTemporal(t *testing.T) {
	fields := Fields{
		{Name: "day", Type: DateType},
		{Name: "at", Type: TimestampType},
		{Name: "tod", Type: TimeType},
	}
	a := NewStatsAccretor(fields)
	day1 := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	day2 := time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC)
	for _, rec := range [][]interface{}{
		{day2, day2, 90 * time.Minute},
		{day1, day1, 30 * time.Minute},
	} {
		if err := a.Accrete(rec); err != nil {
			t.Fatal(err)
		}
	}
	stats := a.Statistics()
	if *stats[0].MinInt != day1.Unix()/(24*60*60) {
		t.Errorf("expected min date in epoch days, got %d", *stats[0].MinInt)
	}
	if *stats[1].MaxInt != day2.UnixMilli() {
		t.Errorf("expected max timestamp in millis, got %d", *stats[1].MaxInt)
	}
	if *stats[2].MinInt != (30 * time.Minute).Milliseconds() {
		t.Errorf("expected min time-of-day in millis, got %d", *stats[2].MinInt)
	}
}

func TestEpochDays(t *testing.T) {
	tests := []struct {
		at  time.Time
		exp int64
	}{
		{time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC), 0},
		{time.Date(1970, 1, 1, 23, 59, 59, 0, time.UTC), 0},
		{time.Date(1970, 1, 2, 0, 0, 0, 0, time.UTC), 1},
		// pre-epoch instants floor to the day they fall in
		{time.Date(1969, 12, 31, 12, 0, 0, 0, time.UTC), -1},
		{time.Date(1969, 12, 31, 0, 0, 0, 0, time.UTC), -1},
		{time.Date(1969, 12, 30, 23, 59, 59, 0, time.UTC), -2},
	}
	for _, test := range tests {
		if got := EpochDays(test.at); got != test.exp {
			t.Errorf("EpochDays(%v): got %d, want %d", test.at, got, test.exp)
		}
	}
}

func TestStatsAccretorPreEpochDateBounds(t *testing.T) {
	fields := Fields{{Name: "day", Type: DateType}}
	a := NewStatsAccretor(fields)
	for _, rec := range [][]interface{}{
		{time.Date(1969, 12, 31, 12, 0, 0, 0, time.UTC)},
		{time.Date(1970, 1, 2, 0, 0, 0, 0, time.UTC)},
	} {
		if err := a.Accrete(rec); err != nil {
			t.Fatal(err)
		}
	}
	stats := a.Statistics()
	if *stats[0].MinInt != -1 {
		t.Errorf("expected pre-epoch date on day -1, got %d", *stats[0].MinInt)
	}
	if *stats[0].MaxInt != 1 {
		t.Errorf("expected max day 1, got %d", *stats[0].MaxInt)
	}
}

func TestStatsAccretorEnumDiscovery(t *testing.T) {
	fields := Fields{{Name: "color", Type: EnumType}}
	a := NewStatsAccretor(fields)
	for _, v := range []string{"red", "blue", "red", "green"} {
		if err := a.Accrete([]interface{}{v}); err != nil {
			t.Fatal(err)
		}
	}
	st := a.Statistics()[0]
	exp := []string{"blue", "green", "red"}
	if !reflect.DeepEqual(st.DistinctEnums, exp) {
		t.Errorf("expected %v, got %v", exp, st.DistinctEnums)
	}
}

func TestStatsAccretorEnumBound(t *testing.T) {
	fields := Fields{{Name: "color", Type: EnumType, Enumerations: []string{"red", "blue"}}}
	a := NewStatsAccretor(fields)
	if err := a.Accrete([]interface{}{"red"}); err != nil {
		t.Fatal(err)
	}
	err := a.Accrete([]interface{}{"chartreuse"})
	if !errors.Is(err, ErrEnumBound) {
		t.Fatalf("expected ErrEnumBound, got %v", err)
	}
	// bounded enums record no discovery set
	if got := a.Statistics()[0].DistinctEnums; got != nil {
		t.Errorf("expected no discovery set for bounded enum, got %v", got)
	}
}

func TestStatsAccretorFrozen(t *testing.T) {
	a := NewStatsAccretor(Fields{{Name: "age", Type: IntType}})
	if err := a.Accrete([]interface{}{int64(1)}); err != nil {
		t.Fatal(err)
	}
	a.Statistics()
	if err := a.Accrete([]interface{}{int64(2)}); err == nil {
		t.Fatal("expected error accreting after freeze")
	}
}

func TestStatsAccretorErrorNamesField(t *testing.T) {
	a := NewStatsAccretor(Fields{{Name: "age", Type: IntType}})
	err := a.Accrete([]interface{}{"not a number at all"})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := err.Error(); !strings.Contains(got, `"age"`) || !strings.Contains(got, "ordinal 0") {
		t.Errorf("error should identify field and ordinal, got %q", got)
	}
}
