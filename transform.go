package ingestkit

import (
	"encoding/base64"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/text/language"
)

// ParseOptions configures a ParseTransformer. The zero value means
// English-style numbers, ISO date layouts.
type ParseOptions struct {
	LocaleLanguage  string
	LocaleRegion    string
	DateLayout      string
	TimeLayout      string
	TimestampLayout string
}

// ParseTransformer turns inbound string-shaped records into typed
// outbound records following a canonical schema. It is an immutable
// value; Configure builds a fresh instance.
type ParseTransformer struct {
	fields   Fields
	tag      language.Tag
	decSep   string
	groupSep string

	dateLayout      string
	timeLayout      string
	timestampLayout string
}

// commaDecimalBases lists language bases whose conventional decimal
// separator is a comma.
var commaDecimalBases = map[string]bool{
	"de": true, "fr": true, "es": true, "it": true, "pt": true,
	"nl": true, "sv": true, "da": true, "fi": true, "nb": true,
	"no": true, "pl": true, "cs": true, "ru": true, "tr": true,
	"id": true, "vi": true, "el": true, "hu": true, "ro": true,
}

// NewParseTransformer builds a transformer for the given schema. The
// locale options drive numeric separators; an unknown locale is a
// configuration error, surfaced before any record flows.
func NewParseTransformer(fields Fields, opts ParseOptions) (ParseTransformer, error) {
	if err := fields.Validate(); err != nil {
		return ParseTransformer{}, errors.Wrap(err, "validating schema")
	}

	p := ParseTransformer{
		fields:          fields,
		tag:             language.AmericanEnglish,
		decSep:          ".",
		groupSep:        ",",
		dateLayout:      "2006-01-02",
		timeLayout:      "15:04:05",
		timestampLayout: time.RFC3339Nano,
	}

	if opts.LocaleLanguage != "" {
		ref := opts.LocaleLanguage
		if opts.LocaleRegion != "" {
			ref += "-" + opts.LocaleRegion
		}
		tag, err := language.Parse(ref)
		if err != nil {
			return ParseTransformer{}, errors.Wrapf(err, "parsing locale %q", ref)
		}
		p.tag = tag
		if base, _ := tag.Base(); commaDecimalBases[base.String()] {
			p.decSep, p.groupSep = ",", "."
		}
	}
	if opts.DateLayout != "" {
		p.dateLayout = opts.DateLayout
	}
	if opts.TimeLayout != "" {
		p.timeLayout = opts.TimeLayout
	}
	if opts.TimestampLayout != "" {
		p.timestampLayout = opts.TimestampLayout
	}

	return p, nil
}

// Configure returns a new transformer for the same schema with fresh
// options applied.
func (p ParseTransformer) Configure(opts ParseOptions) (ParseTransformer, error) {
	return NewParseTransformer(p.fields, opts)
}

// Fields returns the schema the transformer parses against.
func (p ParseTransformer) Fields() Fields {
	return p.fields
}

// Transform parses one positional record. String values are parsed per
// the field's type tag; an empty string on a nullable field becomes
// nil; already-typed values pass through untouched.
func (p ParseTransformer) Transform(rec []interface{}) ([]interface{}, error) {
	if len(rec) != len(p.fields) {
		return nil, errors.Errorf("record has %d values, schema has %d fields", len(rec), len(p.fields))
	}

	out := make([]interface{}, len(rec))
	for i, val := range rec {
		f := p.fields[i]
		s, ok := val.(string)
		if !ok {
			if val == nil && !f.Nullable {
				return nil, errors.Errorf("null value for non-nullable field %q", f.Name)
			}
			out[i] = val
			continue
		}
		if s == "" {
			if !f.Nullable {
				return nil, errors.Errorf("empty value for non-nullable field %q", f.Name)
			}
			out[i] = nil
			continue
		}

		parsed, err := p.parse(f, s)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing field %q", f.Name)
		}
		out[i] = parsed
	}
	return out, nil
}

func (p ParseTransformer) parse(f Field, s string) (interface{}, error) {
	switch f.Type {
	case BoolType:
		return toBool(s)
	case IntType, LongType:
		return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	case UnsignedIntType, UnsignedLongType:
		v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return nil, err
		}
		// values land in an int64 container downstream, so the upper
		// half of the uint64 range cannot be represented
		if v > math.MaxInt64 {
			return nil, errors.Errorf("unsigned value %d overflows the signed container", v)
		}
		return int64(v), nil
	case FloatType:
		v, err := strconv.ParseFloat(p.normalizeNumber(s), 32)
		if err != nil {
			return nil, err
		}
		return float32(v), nil
	case DoubleType:
		return strconv.ParseFloat(p.normalizeNumber(s), 64)
	case DecimalType:
		r, okRat := new(big.Rat).SetString(p.normalizeNumber(s))
		if !okRat {
			return nil, errors.Errorf("couldn't parse %q as a decimal", s)
		}
		return r, nil
	case DateType:
		ts, err := time.Parse(p.dateLayout, strings.TrimSpace(s))
		if err != nil {
			return nil, err
		}
		return ts.UTC(), nil
	case TimeType:
		ts, err := time.Parse(p.timeLayout, strings.TrimSpace(s))
		if err != nil {
			return nil, err
		}
		midnight := time.Date(0, 1, 1, 0, 0, 0, 0, time.UTC)
		return time.Date(0, 1, 1, ts.Hour(), ts.Minute(), ts.Second(), ts.Nanosecond(), time.UTC).Sub(midnight), nil
	case TimestampType:
		ts, err := time.Parse(p.timestampLayout, strings.TrimSpace(s))
		if err != nil {
			return nil, err
		}
		return ts.UTC(), nil
	case BytesType:
		if b, err := base64.StdEncoding.DecodeString(s); err == nil {
			return b, nil
		}
		return []byte(s), nil
	case StringType, KeyType, EnumType:
		return s, nil
	default:
		return nil, errors.Wrapf(ErrUnknownTypeTag, "%q", f.Type)
	}
}

// normalizeNumber strips locale grouping and rewrites the decimal
// separator so strconv and big.Rat can parse it.
func (p ParseTransformer) normalizeNumber(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, p.groupSep, "")
	if p.decSep != "." {
		s = strings.ReplaceAll(s, p.decSep, ".")
	}
	return s
}
