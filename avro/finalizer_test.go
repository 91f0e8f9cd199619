package avro

import (
	"context"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/linkedin/goavro/v2"
	"github.com/pkg/errors"

	"github.com/datalith/ingestkit"
)

type stubRecord struct {
	data []interface{}
}

func (r stubRecord) Data() []interface{}              { return r.data }
func (r stubRecord) Commit(ctx context.Context) error { return nil }

type stubSource struct {
	fields  ingestkit.Fields
	records [][]interface{}
	next    int
}

func (s *stubSource) Record() (ingestkit.Record, error) {
	if s.next >= len(s.records) {
		return nil, io.EOF
	}
	rec := stubRecord{data: s.records[s.next]}
	s.next++
	return rec, nil
}
func (s *stubSource) Schema() ingestkit.Fields { return s.fields }
func (s *stubSource) Close() error             { return nil }

func TestFinalizerTargetExists(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.avro")
	if err := os.WriteFile(target, []byte("occupied"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := NewFinalizer(target, Config{Fields: ingestkit.Fields{{Name: "n", Type: ingestkit.IntType}}})
	if !errors.Is(err, ingestkit.ErrTargetExists) {
		t.Fatalf("expected ErrTargetExists, got %v", err)
	}
}

func TestFinalizerRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	if _, err := NewFinalizer(filepath.Join(dir, "a.avro"), Config{
		Fields:     ingestkit.Fields{{Name: "n", Type: ingestkit.IntType}},
		RowsToSkip: -1,
	}); err == nil {
		t.Error("expected error for negative rows to skip")
	}
	if _, err := NewFinalizer(filepath.Join(dir, "b.avro"), Config{
		Fields: ingestkit.Fields{{Name: "n", Type: "mystery"}},
	}); err == nil {
		t.Error("expected error for unknown type tag")
	}
}

// TestFinalizerEndToEnd runs the full pipeline over an 8 field schema
// with one skipped leading row and checks the accreted statistics and
// the written container.
func TestFinalizerEndToEnd(t *testing.T) {
	fields := ingestkit.Fields{
		{Name: "id", Type: ingestkit.KeyType},
		{Name: "age", Type: ingestkit.IntType},
		{Name: "name", Type: ingestkit.StringType, Nullable: true},
		{Name: "active", Type: ingestkit.BoolType},
		{Name: "price", Type: ingestkit.DecimalType},
		{Name: "day", Type: ingestkit.DateType},
		{Name: "at", Type: ingestkit.TimestampType},
		{Name: "color", Type: ingestkit.EnumType, Enumerations: []string{"red", "green", "blue"}},
	}

	day := time.Date(2020, 6, 1, 0, 0, 0, 0, time.UTC)
	at := time.Date(2020, 6, 1, 12, 30, 0, 0, time.UTC)

	src := &stubSource{fields: fields}
	// a header-ish leading row that the skip contract must drop
	src.records = append(src.records, []interface{}{"id", int64(99999), "bogus", false, big.NewRat(0, 1), day, at, "red"})
	for i := 0; i < 8; i++ {
		var name interface{} = "row"
		if i == 3 {
			name = nil
		}
		src.records = append(src.records, []interface{}{
			"user|" + string(rune('a'+i)),
			int64(6 + i),
			name,
			i%2 == 0,
			big.NewRat(int64(i)+1, 2),
			day.AddDate(0, 0, i),
			at.Add(time.Duration(i) * time.Hour),
			[]string{"red", "green", "blue"}[i%3],
		})
	}

	dir := t.TempDir()
	target := filepath.Join(dir, "out.avro")
	fin, err := NewFinalizer(target, Config{Fields: fields, RowsToSkip: 1, Name: "person"})
	if err != nil {
		t.Fatal(err)
	}

	written, err := ingestkit.RunPipeline(context.Background(), src, nil, fin)
	if err != nil {
		t.Fatal(err)
	}
	if written != 8 {
		t.Fatalf("expected 8 written records, got %d", written)
	}

	stats := fin.Statistics()
	if len(stats) != 8 {
		t.Fatalf("expected 8 stat entries, got %d", len(stats))
	}
	age := stats[1]
	if age.MinInt == nil || *age.MinInt != 6 {
		t.Errorf("expected min 6, got %v", age.MinInt)
	}
	if age.MaxInt == nil || *age.MaxInt != 13 {
		t.Errorf("expected max 13, got %v", age.MaxInt)
	}
	if !stats[2].NullSeen {
		t.Error("name field saw a null, NullSeen should be true")
	}
	if stats[0].NullSeen {
		t.Error("id field never saw a null")
	}
	if stats[4].MinDecimal.Cmp(big.NewRat(1, 2)) != 0 {
		t.Errorf("expected min price 1/2, got %v", stats[4].MinDecimal)
	}

	// the container must hold exactly the non-skipped rows
	f, err := os.Open(target)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	ocf, err := goavro.NewOCFReader(f)
	if err != nil {
		t.Fatal(err)
	}
	count := 0
	var first map[string]interface{}
	for ocf.Scan() {
		datum, err := ocf.Read()
		if err != nil {
			t.Fatal(err)
		}
		if count == 0 {
			first = datum.(map[string]interface{})
		}
		count++
	}
	if count != 8 {
		t.Errorf("expected 8 container records, got %d", count)
	}
	if got := first["id"]; got != "user|a" {
		t.Errorf("expected id user|a, got %v", got)
	}
	if got := first["age"]; got != int32(6) {
		t.Errorf("expected age int32(6), got %v (%T)", got, got)
	}
	if got := first["name"]; got == nil {
		t.Error("first row name should be non-null")
	}
}

func TestFinalizerEnumBoundFailsTheWrite(t *testing.T) {
	fields := ingestkit.Fields{
		{Name: "color", Type: ingestkit.EnumType, Enumerations: []string{"red", "blue"}},
	}
	dir := t.TempDir()
	fin, err := NewFinalizer(filepath.Join(dir, "out.avro"), Config{Fields: fields})
	if err != nil {
		t.Fatal(err)
	}
	defer fin.Close()

	if err := fin.WriteRecord([]interface{}{"red"}); err != nil {
		t.Fatal(err)
	}
	err = fin.WriteRecord([]interface{}{"mauve"})
	if !errors.Is(err, ingestkit.ErrEnumBound) {
		t.Fatalf("expected ErrEnumBound, got %v", err)
	}
	// the failed write must not have disturbed the statistics
	if err := fin.WriteRecord([]interface{}{"blue"}); err != nil {
		t.Fatal(err)
	}
}

func TestFinalizerEnumDiscovery(t *testing.T) {
	fields := ingestkit.Fields{{Name: "tag", Type: ingestkit.EnumType}}
	dir := t.TempDir()
	fin, err := NewFinalizer(filepath.Join(dir, "out.avro"), Config{Fields: fields})
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range []string{"beta", "alpha", "beta"} {
		if err := fin.WriteRecord([]interface{}{v}); err != nil {
			t.Fatal(err)
		}
	}
	if err := fin.Close(); err != nil {
		t.Fatal(err)
	}
	got := fin.Statistics()[0].DistinctEnums
	if len(got) != 2 || got[0] != "alpha" || got[1] != "beta" {
		t.Errorf("expected sorted discoveries [alpha beta], got %v", got)
	}
}

func TestFinalizerNullableValues(t *testing.T) {
	fields := ingestkit.Fields{
		{Name: "n", Type: ingestkit.IntType, Nullable: true},
	}
	dir := t.TempDir()
	target := filepath.Join(dir, "out.avro")
	fin, err := NewFinalizer(target, Config{Fields: fields})
	if err != nil {
		t.Fatal(err)
	}
	if err := fin.WriteRecord([]interface{}{int64(4)}); err != nil {
		t.Fatal(err)
	}
	if err := fin.WriteRecord([]interface{}{nil}); err != nil {
		t.Fatal(err)
	}
	if err := fin.Close(); err != nil {
		t.Fatal(err)
	}

	st := fin.Statistics()[0]
	if !st.NullSeen {
		t.Error("expected NullSeen after a null write")
	}
	if *st.MinInt != 4 || *st.MaxInt != 4 {
		t.Errorf("expected bounds [4,4], got [%v,%v]", st.MinInt, st.MaxInt)
	}

	f, err := os.Open(target)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	ocf, err := goavro.NewOCFReader(f)
	if err != nil {
		t.Fatal(err)
	}
	var got []interface{}
	for ocf.Scan() {
		datum, err := ocf.Read()
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, datum.(map[string]interface{})["n"])
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[0] == nil || got[1] != nil {
		t.Errorf("expected [non-null nil], got %v", got)
	}
}

func TestDateValuesFloorToDay(t *testing.T) {
	tests := []struct {
		in  time.Time
		exp time.Time
	}{
		{time.Date(2020, 6, 15, 23, 30, 0, 0, time.UTC), time.Date(2020, 6, 15, 0, 0, 0, 0, time.UTC)},
		// a pre-epoch instant belongs to the day it falls in, not the
		// day after
		{time.Date(1969, 12, 31, 12, 0, 0, 0, time.UTC), time.Date(1969, 12, 31, 0, 0, 0, 0, time.UTC)},
	}
	for _, test := range tests {
		got, err := asDate(test.in)
		if err != nil {
			t.Fatal(err)
		}
		if !got.Equal(test.exp) {
			t.Errorf("asDate(%v): got %v, want %v", test.in, got, test.exp)
		}
	}
}

func TestFinalizerNonNullableRejectsNull(t *testing.T) {
	fields := ingestkit.Fields{{Name: "n", Type: ingestkit.IntType}}
	dir := t.TempDir()
	fin, err := NewFinalizer(filepath.Join(dir, "out.avro"), Config{Fields: fields})
	if err != nil {
		t.Fatal(err)
	}
	defer fin.Close()

	if err := fin.WriteRecord([]interface{}{nil}); err == nil {
		t.Fatal("expected error writing null to non-nullable field")
	}
}

func TestFinalizerCloseIsIdempotent(t *testing.T) {
	fields := ingestkit.Fields{{Name: "n", Type: ingestkit.IntType}}
	dir := t.TempDir()
	fin, err := NewFinalizer(filepath.Join(dir, "out.avro"), Config{Fields: fields})
	if err != nil {
		t.Fatal(err)
	}
	if err := fin.Close(); err != nil {
		t.Fatal(err)
	}
	if err := fin.Close(); err != nil {
		t.Fatal(err)
	}
	if err := fin.WriteRecord([]interface{}{int64(1)}); err == nil {
		t.Error("expected error writing after close")
	}
}
