package avro

import (
	"encoding/json"
	"math/big"
	"os"
	"time"

	"github.com/linkedin/goavro/v2"
	"github.com/pkg/errors"

	"github.com/datalith/ingestkit"
)

// decimalScale is the scale used for decimal columns in the container
// schema. Values are stored as unscaled two's-complement bytes, so the
// scale bounds how many fractional digits survive finalization.
const decimalScale = 9

// Config configures a Finalizer.
type Config struct {
	// Fields is the outbound schema, in ordinal order.
	Fields ingestkit.Fields

	// RowsToSkip is the number of leading records the surrounding loop
	// must drop before the first WriteRecord call.
	RowsToSkip int

	// Name is the record schema name written into the container.
	// Defaults to "row".
	Name string
}

// Finalizer writes records to an Avro object container file while
// accreting per-field statistics. One finalizer owns its target path
// for its whole lifetime; pointing it at an existing file fails
// immediately with ErrTargetExists.
type Finalizer struct {
	path   string
	file   *os.File
	writer *goavro.OCFWriter
	fields ingestkit.Fields
	cols   []column
	stats  *ingestkit.StatsAccretor
	skip   int
	seen   int64
	closed bool
}

// column is the precomputed write plan for one field.
type column struct {
	field    ingestkit.Field
	unionKey string
	enums    map[string]struct{}
}

var _ ingestkit.Finalizer = (*Finalizer)(nil)

// NewFinalizer opens path for writing and lays down the container
// header for cfg.Fields. The target must not exist.
func NewFinalizer(path string, cfg Config) (*Finalizer, error) {
	if err := cfg.Fields.Validate(); err != nil {
		return nil, errors.Wrap(err, "validating fields")
	}
	if cfg.RowsToSkip < 0 {
		return nil, errors.Errorf("rows to skip must not be negative, got %d", cfg.RowsToSkip)
	}
	name := cfg.Name
	if name == "" {
		name = "row"
	}

	if _, err := os.Stat(path); err == nil {
		return nil, errors.Wrap(ingestkit.ErrTargetExists, path)
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "checking target %s", path)
	}

	schema, cols, err := containerSchema(name, cfg.Fields)
	if err != nil {
		return nil, errors.Wrap(err, "building container schema")
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "creating %s", path)
	}

	writer, err := goavro.NewOCFWriter(goavro.OCFConfig{
		W:      f,
		Schema: schema,
	})
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, errors.Wrap(err, "opening container writer")
	}

	return &Finalizer{
		path:   path,
		file:   f,
		writer: writer,
		fields: cfg.Fields,
		cols:   cols,
		stats:  ingestkit.NewStatsAccretor(cfg.Fields),
		skip:   cfg.RowsToSkip,
	}, nil
}

// RowsToSkip declares how many leading records the caller must drop.
func (fin *Finalizer) RowsToSkip() int { return fin.skip }

// WriteRecord appends one record to the container and folds it into
// the running statistics. The record is validated and encoded in full
// before any bytes are written, so a failed call leaves both the
// container and the statistics untouched.
func (fin *Finalizer) WriteRecord(rec []interface{}) error {
	if fin.closed {
		return errors.New("write on closed finalizer")
	}
	if len(rec) != len(fin.cols) {
		return errors.Errorf("record has %d values, schema has %d fields", len(rec), len(fin.cols))
	}

	native := make(map[string]interface{}, len(fin.cols))
	for i, col := range fin.cols {
		val, err := col.nativeValue(rec[i])
		if err != nil {
			return errors.Wrapf(err, "record %d field %q (ordinal %d)", fin.seen, col.field.Name, i)
		}
		native[col.field.Name] = val
	}

	if err := fin.writer.Append([]interface{}{native}); err != nil {
		return errors.Wrapf(err, "appending record %d", fin.seen)
	}
	if err := fin.stats.Accrete(rec); err != nil {
		return errors.Wrapf(err, "accreting record %d", fin.seen)
	}
	fin.seen++
	return nil
}

// Statistics returns one entry per schema field, in ordinal order.
func (fin *Finalizer) Statistics() []ingestkit.FieldStatistics {
	return fin.stats.Statistics()
}

// Close flushes and closes the container. It is safe to call on every
// exit path; only the first call does any work.
func (fin *Finalizer) Close() error {
	if fin.closed {
		return nil
	}
	fin.closed = true
	if err := fin.file.Close(); err != nil {
		return errors.Wrapf(err, "closing %s", fin.path)
	}
	return nil
}

// containerSchema renders the Avro record schema JSON for fields and
// returns the per-column write plans.
func containerSchema(name string, fields ingestkit.Fields) (string, []column, error) {
	specs := make([]interface{}, len(fields))
	cols := make([]column, len(fields))
	for i, f := range fields {
		spec, col, err := columnSchema(f)
		if err != nil {
			return "", nil, err
		}
		entry := map[string]interface{}{
			"name": f.Name,
			"type": spec,
		}
		if f.Nullable {
			entry["default"] = nil
		}
		if f.Description != "" {
			entry["doc"] = f.Description
		}
		specs[i] = entry
		cols[i] = col
	}

	record := map[string]interface{}{
		"type":   "record",
		"name":   name,
		"fields": specs,
	}
	buf, err := json.Marshal(record)
	if err != nil {
		return "", nil, errors.Wrap(err, "marshalling schema")
	}
	return string(buf), cols, nil
}

func columnSchema(f ingestkit.Field) (interface{}, column, error) {
	col := column{field: f}
	var spec interface{}

	switch f.Type {
	case ingestkit.BoolType:
		spec, col.unionKey = "boolean", "boolean"
	case ingestkit.StringType, ingestkit.KeyType:
		spec, col.unionKey = "string", "string"
	case ingestkit.FloatType:
		spec, col.unionKey = "float", "float"
	case ingestkit.DoubleType:
		spec, col.unionKey = "double", "double"
	case ingestkit.IntType, ingestkit.UnsignedIntType:
		spec, col.unionKey = "int", "int"
	case ingestkit.LongType, ingestkit.UnsignedLongType:
		spec, col.unionKey = "long", "long"
	case ingestkit.BytesType:
		spec, col.unionKey = "bytes", "bytes"
	case ingestkit.DateType:
		spec = map[string]interface{}{"type": "int", "logicalType": "date"}
		col.unionKey = "int.date"
	case ingestkit.TimeType:
		spec = map[string]interface{}{"type": "int", "logicalType": "time-millis"}
		col.unionKey = "int.time-millis"
	case ingestkit.TimestampType:
		spec = map[string]interface{}{"type": "long", "logicalType": "timestamp-millis"}
		col.unionKey = "long.timestamp-millis"
	case ingestkit.DecimalType:
		spec = map[string]interface{}{
			"type":        "bytes",
			"logicalType": "decimal",
			"precision":   DecimalPrecision,
			"scale":       decimalScale,
		}
		col.unionKey = "bytes.decimal"
	case ingestkit.EnumType:
		if f.HasEnumBound() {
			enumName := f.Name + "_values"
			spec = map[string]interface{}{
				"type":    "enum",
				"name":    enumName,
				"symbols": f.Enumerations,
			}
			col.unionKey = enumName
			col.enums = make(map[string]struct{}, len(f.Enumerations))
			for _, symbol := range f.Enumerations {
				col.enums[symbol] = struct{}{}
			}
		} else {
			spec, col.unionKey = "string", "string"
		}
	default:
		return nil, column{}, errors.Wrapf(ingestkit.ErrUnknownTypeTag, "field %q type %q", f.Name, f.Type)
	}

	if f.Nullable {
		spec = []interface{}{"null", spec}
	}
	return spec, col, nil
}

// nativeValue converts one canonical value to the form the container
// codec expects, wrapping it for union columns.
func (c column) nativeValue(val interface{}) (interface{}, error) {
	if val == nil {
		if !c.field.Nullable {
			return nil, errors.New("null value for non-nullable field")
		}
		return nil, nil
	}

	var converted interface{}
	var err error
	switch c.field.Type {
	case ingestkit.BoolType:
		converted, err = asBool(val)
	case ingestkit.StringType, ingestkit.KeyType:
		converted, err = asString(val)
	case ingestkit.EnumType:
		var s string
		s, err = asString(val)
		if err == nil && c.enums != nil {
			if _, ok := c.enums[s]; !ok {
				err = errors.Wrap(ingestkit.ErrEnumBound, s)
			}
		}
		converted = s
	case ingestkit.FloatType, ingestkit.DoubleType:
		converted, err = asFloat64(val)
	case ingestkit.IntType, ingestkit.UnsignedIntType, ingestkit.LongType, ingestkit.UnsignedLongType:
		converted, err = asInt64(val)
	case ingestkit.BytesType:
		converted, err = asBytes(val)
	case ingestkit.DateType:
		converted, err = asDate(val)
	case ingestkit.TimeType:
		converted, err = asTimeOfDay(val)
	case ingestkit.TimestampType:
		converted, err = asTimestamp(val)
	case ingestkit.DecimalType:
		converted, err = asRat(val)
	default:
		err = errors.Wrapf(ingestkit.ErrUnknownTypeTag, "%q", c.field.Type)
	}
	if err != nil {
		return nil, err
	}

	if c.field.Nullable {
		return map[string]interface{}{c.unionKey: converted}, nil
	}
	return converted, nil
}

func asBool(val interface{}) (bool, error) {
	b, ok := val.(bool)
	if !ok {
		return false, errors.Errorf("expected bool, got %T", val)
	}
	return b, nil
}

func asString(val interface{}) (string, error) {
	switch v := val.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	}
	return "", errors.Errorf("expected string, got %T", val)
}

func asBytes(val interface{}) ([]byte, error) {
	switch v := val.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	}
	return nil, errors.Errorf("expected bytes, got %T", val)
}

func asFloat64(val interface{}) (float64, error) {
	switch v := val.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case int:
		return float64(v), nil
	}
	return 0, errors.Errorf("expected float, got %T", val)
}

func asInt64(val interface{}) (int64, error) {
	switch v := val.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case uint64:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	}
	return 0, errors.Errorf("expected integer, got %T", val)
}

func asDate(val interface{}) (time.Time, error) {
	switch v := val.(type) {
	case time.Time:
		return time.Unix(ingestkit.EpochDays(v)*24*60*60, 0).UTC(), nil
	case int64:
		return time.Unix(v*24*60*60, 0).UTC(), nil
	case int:
		return time.Unix(int64(v)*24*60*60, 0).UTC(), nil
	}
	return time.Time{}, errors.Errorf("expected date, got %T", val)
}

func asTimeOfDay(val interface{}) (time.Duration, error) {
	switch v := val.(type) {
	case time.Duration:
		return v, nil
	case int64:
		return time.Duration(v) * time.Millisecond, nil
	case int:
		return time.Duration(v) * time.Millisecond, nil
	}
	return 0, errors.Errorf("expected time of day, got %T", val)
}

func asTimestamp(val interface{}) (time.Time, error) {
	switch v := val.(type) {
	case time.Time:
		return v.UTC(), nil
	case int64:
		return time.UnixMilli(v).UTC(), nil
	case int:
		return time.UnixMilli(int64(v)).UTC(), nil
	}
	return time.Time{}, errors.Errorf("expected timestamp, got %T", val)
}

func asRat(val interface{}) (*big.Rat, error) {
	switch v := val.(type) {
	case *big.Rat:
		return v, nil
	case big.Rat:
		return &v, nil
	case float64:
		return new(big.Rat).SetFloat64(v), nil
	case float32:
		return new(big.Rat).SetFloat64(float64(v)), nil
	case string:
		r, ok := new(big.Rat).SetString(v)
		if !ok {
			return nil, errors.Errorf("cannot interpret %q as decimal", v)
		}
		return r, nil
	}
	return nil, errors.Errorf("expected decimal, got %T", val)
}
