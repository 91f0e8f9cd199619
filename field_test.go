package ingestkit

import (
	"strings"
	"testing"

	"github.com/pkg/errors"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"a", true},
		{"age", true},
		{"first_name", true},
		{"zip-code", true},
		{"a1234", true},
		{"", false},
		{"Age", false},
		{"1age", false},
		{"_age", false},
		{"-age", false},
		{"first name", false},
		{strings.Repeat("a", 230), true},
		{strings.Repeat("a", 231), false},
	}

	for _, test := range tests {
		err := ValidateName(test.name)
		if test.valid && err != nil {
			t.Errorf("name %q: unexpected error %v", test.name, err)
		}
		if !test.valid && !errors.Is(err, ErrInvalidFieldName) {
			t.Errorf("name %q: expected ErrInvalidFieldName, got %v", test.name, err)
		}
	}
}

func TestTypeTagValid(t *testing.T) {
	for _, tag := range TypeTags {
		if !tag.Valid() {
			t.Errorf("tag %q should be valid", tag)
		}
	}
	for _, tag := range []TypeTag{"", "integer", "varchar", "INT"} {
		if tag.Valid() {
			t.Errorf("tag %q should not be valid", tag)
		}
	}
}

func TestFieldValidate(t *testing.T) {
	tests := []struct {
		field  Field
		expErr error
	}{
		{field: Field{Name: "age", Type: IntType}},
		{field: Field{Name: "age", Type: "number"}, expErr: ErrUnknownTypeTag},
		{field: Field{Name: "Age", Type: IntType}, expErr: ErrInvalidFieldName},
		{field: Field{Name: "color", Type: EnumType, Enumerations: []string{"red", "blue"}}},
	}

	for _, test := range tests {
		err := test.field.Validate()
		if test.expErr == nil && err != nil {
			t.Errorf("field %+v: unexpected error %v", test.field, err)
		}
		if test.expErr != nil && !errors.Is(err, test.expErr) {
			t.Errorf("field %+v: expected %v, got %v", test.field, test.expErr, err)
		}
	}
}

func TestFieldsValidateDuplicates(t *testing.T) {
	fields := Fields{
		{Name: "age", Type: IntType},
		{Name: "name", Type: StringType},
		{Name: "age", Type: LongType},
	}
	if err := fields.Validate(); err == nil {
		t.Fatal("expected duplicate name error")
	}
}

func TestFieldsOrdinal(t *testing.T) {
	fields := Fields{
		{Name: "age", Type: IntType},
		{Name: "name", Type: StringType},
	}
	if got := fields.Ordinal("name"); got != 1 {
		t.Errorf("expected ordinal 1, got %d", got)
	}
	if got := fields.Ordinal("missing"); got != -1 {
		t.Errorf("expected -1 for missing field, got %d", got)
	}
}

func TestTypeTagBacking(t *testing.T) {
	intBacked := []TypeTag{IntType, UnsignedIntType, LongType, UnsignedLongType, DateType, TimeType, TimestampType}
	for _, tag := range intBacked {
		if !tag.IntBacked() {
			t.Errorf("tag %q should be int backed", tag)
		}
		if tag.DecimalBacked() {
			t.Errorf("tag %q should not be decimal backed", tag)
		}
	}
	decimalBacked := []TypeTag{FloatType, DoubleType, DecimalType}
	for _, tag := range decimalBacked {
		if !tag.DecimalBacked() {
			t.Errorf("tag %q should be decimal backed", tag)
		}
		if tag.IntBacked() {
			t.Errorf("tag %q should not be int backed", tag)
		}
	}
}
