// Package avro maps Avro record schemas to and from the canonical field
// model, and finalizes record streams into Avro object container files.
package avro

import (
	avrolib "github.com/go-avro/avro"
	"github.com/pkg/errors"

	"github.com/datalith/ingestkit"
)

// Schema field property keys carried on the Avro side. Logical types
// live on the field properties; fieldType disambiguates string-backed
// canonical types the way the source schemas annotate them.
const (
	propLogicalType     = "logicalType"
	propFieldType       = "fieldType"
	propUnsigned        = "unsigned"
	propVersionAppeared = "versionAppeared"
	propPrecision       = "precision"

	fieldTypeKey  = "key"
	fieldTypeEnum = "enum"
)

// DecimalPrecision is the precision recorded for decimal fields.
const DecimalPrecision = 18

// Options configures a Translator.
type Options struct {
	// LogicalTypes maps additional logical type names onto canonical
	// type tags, merged over the defaults. This is the injectable
	// lookup table: each translator owns its own copy, there is no
	// process-wide registry.
	LogicalTypes map[string]ingestkit.TypeTag
}

// Translator converts between Avro schema fields and the canonical
// field model. It is an immutable value; Configure returns a fresh
// instance.
type Translator struct {
	logical map[string]ingestkit.TypeTag
}

func defaultLogicalTypes() map[string]ingestkit.TypeTag {
	return map[string]ingestkit.TypeTag{
		"date":             ingestkit.DateType,
		"time-millis":      ingestkit.TimeType,
		"time-micros":      ingestkit.TimeType,
		"timestamp-millis": ingestkit.TimestampType,
		"timestamp-micros": ingestkit.TimestampType,
		"decimal":          ingestkit.DecimalType,
	}
}

// NewTranslator returns a translator with the default logical type
// table.
func NewTranslator() Translator {
	return Translator{logical: defaultLogicalTypes()}
}

// Configure returns a new translator with opts merged over the
// defaults. The receiver is never mutated.
func (tr Translator) Configure(opts Options) Translator {
	merged := defaultLogicalTypes()
	for name, tag := range opts.LogicalTypes {
		merged[name] = tag
	}
	return Translator{logical: merged}
}

// ToCanonical maps one Avro schema field onto exactly one canonical
// field. Logical types take priority over the base storage type; an
// unknown logical or base type fails, never defaults.
func (tr Translator) ToCanonical(sf *avrolib.SchemaField) (ingestkit.Field, error) {
	field := ingestkit.Field{
		Name:        sf.Name,
		Description: sf.Doc,
	}
	if v, ok := stringProp(sf.Properties, propVersionAppeared); ok {
		field.VersionAppeared = v
	}

	base, nullable, err := unwrapNullable(sf.Type)
	if err != nil {
		return ingestkit.Field{}, errors.Wrapf(err, "field %q", sf.Name)
	}
	field.Nullable = nullable

	// Annotations can sit on the field or on the (possibly
	// union-wrapped) type itself; the Avro JSON form puts them on the
	// type.
	props := mergedProps(schemaProps(base), sf.Properties)

	if logical, ok := stringProp(props, propLogicalType); ok {
		tag, known := tr.logical[logical]
		if !known {
			return ingestkit.Field{}, errors.Errorf("unknown logical type %q for field %q", logical, sf.Name)
		}
		field.Type = tag
		return field, nil
	}

	switch schema := base.(type) {
	case *avrolib.BooleanSchema:
		field.Type = ingestkit.BoolType
	case *avrolib.DoubleSchema:
		field.Type = ingestkit.DoubleType
	case *avrolib.FloatSchema:
		field.Type = ingestkit.FloatType
	case *avrolib.IntSchema:
		field.Type = ingestkit.IntType
		if boolProp(props, propUnsigned) {
			field.Type = ingestkit.UnsignedIntType
		}
	case *avrolib.LongSchema:
		field.Type = ingestkit.LongType
		if boolProp(props, propUnsigned) {
			field.Type = ingestkit.UnsignedLongType
		}
	case *avrolib.BytesSchema:
		field.Type = ingestkit.BytesType
	case *avrolib.StringSchema:
		field.Type = ingestkit.StringType
		if ft, ok := stringProp(props, propFieldType); ok {
			switch ft {
			case fieldTypeKey:
				field.Type = ingestkit.KeyType
			case fieldTypeEnum:
				// enum with no declared symbol bound; values accrete
				// as discoveries
				field.Type = ingestkit.EnumType
			default:
				return ingestkit.Field{}, errors.Errorf("unknown fieldType %q for field %q", ft, sf.Name)
			}
		}
	case *avrolib.EnumSchema:
		field.Type = ingestkit.EnumType
		field.Enumerations = append([]string(nil), schema.Symbols...)
	case *avrolib.RecordSchema, *avrolib.ArraySchema, *avrolib.MapSchema:
		return ingestkit.Field{}, errors.Errorf("nested fields are not currently supported (field %q)", sf.Name)
	default:
		return ingestkit.Field{}, errors.Errorf("unknown Avro Schema type %T for field %q", base, sf.Name)
	}

	return field, nil
}

// FromCanonical constructs the Avro schema field for a canonical field,
// using the union-with-null variant when the field is nullable. A
// canonical type with no Avro rendering fails loudly.
func (tr Translator) FromCanonical(f ingestkit.Field) (*avrolib.SchemaField, error) {
	var base avrolib.Schema

	switch f.Type {
	case ingestkit.BoolType:
		base = &avrolib.BooleanSchema{}
	case ingestkit.DoubleType:
		base = &avrolib.DoubleSchema{}
	case ingestkit.FloatType:
		base = &avrolib.FloatSchema{}
	case ingestkit.StringType:
		base = &avrolib.StringSchema{}
	case ingestkit.KeyType:
		base = &avrolib.StringSchema{Properties: map[string]interface{}{
			propFieldType: fieldTypeKey,
		}}
	case ingestkit.IntType:
		base = &avrolib.IntSchema{}
	case ingestkit.UnsignedIntType:
		base = &avrolib.IntSchema{Properties: map[string]interface{}{
			propUnsigned: true,
		}}
	case ingestkit.LongType:
		base = &avrolib.LongSchema{}
	case ingestkit.UnsignedLongType:
		base = &avrolib.LongSchema{Properties: map[string]interface{}{
			propUnsigned: true,
		}}
	case ingestkit.BytesType:
		base = &avrolib.BytesSchema{}
	case ingestkit.DateType:
		base = &avrolib.IntSchema{Properties: map[string]interface{}{
			propLogicalType: "date",
		}}
	case ingestkit.TimeType:
		base = &avrolib.IntSchema{Properties: map[string]interface{}{
			propLogicalType: "time-millis",
		}}
	case ingestkit.TimestampType:
		base = &avrolib.LongSchema{Properties: map[string]interface{}{
			propLogicalType: "timestamp-millis",
		}}
	case ingestkit.DecimalType:
		base = &avrolib.BytesSchema{Properties: map[string]interface{}{
			propLogicalType: "decimal",
			propPrecision:   DecimalPrecision,
		}}
	case ingestkit.EnumType:
		if f.HasEnumBound() {
			base = &avrolib.EnumSchema{
				Name:    f.Name + "_values",
				Symbols: append([]string(nil), f.Enumerations...),
			}
		} else {
			base = &avrolib.StringSchema{Properties: map[string]interface{}{
				propFieldType: fieldTypeEnum,
			}}
		}
	default:
		return nil, errors.Errorf("cannot currently handle canonical type %q for field %q", f.Type, f.Name)
	}

	props := map[string]interface{}{}
	if f.VersionAppeared != "" {
		props[propVersionAppeared] = f.VersionAppeared
	}

	schema := base
	if f.Nullable {
		schema = &avrolib.UnionSchema{Types: []avrolib.Schema{&avrolib.NullSchema{}, base}}
	}

	return &avrolib.SchemaField{
		Name:       f.Name,
		Doc:        f.Description,
		Type:       schema,
		Properties: props,
	}, nil
}

// ToSchema translates a full Avro record schema into ordinal-ordered
// canonical fields. Non-record schemas are rejected.
func (tr Translator) ToSchema(schema avrolib.Schema) (ingestkit.Fields, error) {
	record, ok := schema.(*avrolib.RecordSchema)
	if !ok {
		return nil, errors.Errorf("unsupported Avro Schema type: %T", schema)
	}

	fields := make(ingestkit.Fields, len(record.Fields))
	for i, sf := range record.Fields {
		field, err := tr.ToCanonical(sf)
		if err != nil {
			return nil, err
		}
		fields[i] = field
	}
	return fields, nil
}

// FromSchema builds an Avro record schema named name from canonical
// fields.
func (tr Translator) FromSchema(name string, fields ingestkit.Fields) (*avrolib.RecordSchema, error) {
	record := &avrolib.RecordSchema{
		Name:   name,
		Fields: make([]*avrolib.SchemaField, len(fields)),
	}
	for i, f := range fields {
		sf, err := tr.FromCanonical(f)
		if err != nil {
			return nil, err
		}
		record.Fields[i] = sf
	}
	return record, nil
}

func unwrapNullable(schema avrolib.Schema) (avrolib.Schema, bool, error) {
	union, ok := schema.(*avrolib.UnionSchema)
	if !ok {
		return schema, false, nil
	}
	if len(union.Types) != 2 {
		return nil, false, errors.Errorf("only unions of null and one type are supported, got %d members", len(union.Types))
	}
	for i, member := range union.Types {
		if _, isNull := member.(*avrolib.NullSchema); isNull {
			return union.Types[1-i], true, nil
		}
	}
	return nil, false, errors.New("only unions including null are supported")
}

// schemaProps exposes the free-form properties of the schema types
// that carry them.
func schemaProps(schema avrolib.Schema) map[string]interface{} {
	switch s := schema.(type) {
	case *avrolib.BooleanSchema:
		return s.Properties
	case *avrolib.IntSchema:
		return s.Properties
	case *avrolib.LongSchema:
		return s.Properties
	case *avrolib.FloatSchema:
		return s.Properties
	case *avrolib.DoubleSchema:
		return s.Properties
	case *avrolib.BytesSchema:
		return s.Properties
	case *avrolib.StringSchema:
		return s.Properties
	}
	return nil
}

// mergedProps overlays field-level properties onto type-level ones.
func mergedProps(typeProps, fieldProps map[string]interface{}) map[string]interface{} {
	if len(fieldProps) == 0 {
		return typeProps
	}
	if len(typeProps) == 0 {
		return fieldProps
	}
	merged := make(map[string]interface{}, len(typeProps)+len(fieldProps))
	for k, v := range typeProps {
		merged[k] = v
	}
	for k, v := range fieldProps {
		merged[k] = v
	}
	return merged
}

func stringProp(props map[string]interface{}, key string) (string, bool) {
	if props == nil {
		return "", false
	}
	v, ok := props[key].(string)
	return v, ok && v != ""
}

func boolProp(props map[string]interface{}, key string) bool {
	if props == nil {
		return false
	}
	switch v := props[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	}
	return false
}
