package ingestkit

import (
	"regexp"

	"github.com/pkg/errors"
)

// TypeTag identifies the semantic type of a canonical field. The set is
// closed: translators must map every external type onto exactly one of
// these, or fail.
type TypeTag string

const (
	BoolType         TypeTag = "bool"
	DoubleType       TypeTag = "double"
	FloatType        TypeTag = "float"
	EnumType         TypeTag = "enum"
	StringType       TypeTag = "string"
	IntType          TypeTag = "int"
	UnsignedIntType  TypeTag = "uint"
	LongType         TypeTag = "long"
	UnsignedLongType TypeTag = "ulong"
	BytesType        TypeTag = "bytes"
	DateType         TypeTag = "date"
	DecimalType      TypeTag = "decimal"
	TimeType         TypeTag = "time"
	TimestampType    TypeTag = "timestamp"
	KeyType          TypeTag = "key"
)

// TypeTags lists every member of the closed set, in a stable order.
var TypeTags = []TypeTag{
	BoolType, DoubleType, FloatType, EnumType, StringType,
	IntType, UnsignedIntType, LongType, UnsignedLongType, BytesType,
	DateType, DecimalType, TimeType, TimestampType, KeyType,
}

var typeTagSet = func() map[TypeTag]struct{} {
	m := make(map[TypeTag]struct{}, len(TypeTags))
	for _, t := range TypeTags {
		m[t] = struct{}{}
	}
	return m
}()

// Valid reports whether t is a member of the closed TypeTag set.
func (t TypeTag) Valid() bool {
	_, ok := typeTagSet[t]
	return ok
}

// IntBacked reports whether values of this type accrete into the
// integer min/max statistics slots.
func (t TypeTag) IntBacked() bool {
	switch t {
	case IntType, UnsignedIntType, LongType, UnsignedLongType, DateType, TimeType, TimestampType:
		return true
	}
	return false
}

// DecimalBacked reports whether values of this type accrete into the
// decimal min/max statistics slots.
func (t TypeTag) DecimalBacked() bool {
	switch t {
	case FloatType, DoubleType, DecimalType:
		return true
	}
	return false
}

// Field is the format-neutral description of one record field. It is
// produced by a format translator and never mutated afterward;
// reconfiguration always builds a new value.
type Field struct {
	Name            string
	Type            TypeTag
	Nullable        bool
	Description     string
	Enumerations    []string
	VersionAppeared string
}

var (
	ErrInvalidFieldName = errors.New("field name must match [a-z][a-z0-9_-]{0,229}")
	ErrUnknownTypeTag   = errors.New("unknown type tag")
)

var fieldNameRegexp = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,229}$`)

// ValidateName checks a destination field name against the same rules
// the container format enforces.
func ValidateName(name string) error {
	if !fieldNameRegexp.MatchString(name) {
		return errors.Wrapf(ErrInvalidFieldName, "%q", name)
	}
	return nil
}

// Validate checks the field for internal consistency.
func (f Field) Validate() error {
	if err := ValidateName(f.Name); err != nil {
		return err
	}
	if !f.Type.Valid() {
		return errors.Wrapf(ErrUnknownTypeTag, "%q on field %q", f.Type, f.Name)
	}
	if len(f.Enumerations) > 0 && f.Type != EnumType {
		return errors.Errorf("field %q carries enumerations but is of type %q", f.Name, f.Type)
	}
	return nil
}

// HasEnumBound reports whether the field declares a closed enumeration
// set. An enum field without one accretes observed values as
// discoveries instead.
func (f Field) HasEnumBound() bool {
	return f.Type == EnumType && len(f.Enumerations) > 0
}

// Fields is a list of Field, representing a schema.
type Fields []Field

// Validate checks every field and rejects duplicate names.
func (f Fields) Validate() error {
	seen := make(map[string]int, len(f))
	for i, fld := range f {
		if err := fld.Validate(); err != nil {
			return errors.Wrapf(err, "field %d", i)
		}
		if prev, ok := seen[fld.Name]; ok {
			return errors.Errorf("schema field %d duplicates name of field %d (%s)", i, prev, fld.Name)
		}
		seen[fld.Name] = i
	}
	return nil
}

// Names returns the field names in ordinal order.
func (f Fields) Names() []string {
	names := make([]string, len(f))
	for i := range f {
		names[i] = f[i].Name
	}
	return names
}

// Ordinal returns the position of the named field, or -1.
func (f Fields) Ordinal(name string) int {
	for i := range f {
		if f[i].Name == name {
			return i
		}
	}
	return -1
}
