package ingestkit

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

func toInt64(val interface{}) (int64, error) {
	switch vt := val.(type) {
	case uint:
		return int64(vt), nil
	case uint8:
		return int64(vt), nil
	case uint16:
		return int64(vt), nil
	case uint32:
		return int64(vt), nil
	case uint64:
		return int64(vt), nil
	case int:
		return int64(vt), nil
	case int8:
		return int64(vt), nil
	case int16:
		return int64(vt), nil
	case int32:
		return int64(vt), nil
	case int64:
		return vt, nil
	case float32:
		return int64(vt), nil
	case float64:
		return int64(vt), nil
	case string: // some drivers deliver integers as strings
		v, err := strconv.ParseInt(strings.TrimSpace(vt), 10, 64)
		if err != nil {
			return 0, err
		}
		return v, nil
	case []uint8:
		return toInt64(string(vt[:]))
	default:
		return 0, errors.Errorf("couldn't convert %v of %[1]T to int64", vt)
	}
}

func toBool(val interface{}) (bool, error) {
	switch vt := val.(type) {
	case bool:
		return vt, nil
	case byte:
		if vt == '0' || vt == 'f' || vt == 'F' {
			return false, nil
		}
		return vt != 0, nil
	case string:
		vt = strings.ToLower(strings.TrimSpace(vt))
		switch vt {
		case "", "0", "f", "false":
			return false, nil
		case "1", "t", "true":
			return true, nil
		}
		return false, errors.Errorf("couldn't convert %v of %[1]T to bool", vt)
	default:
		if vint, err := toInt64(val); err == nil {
			return vint != 0, nil
		}
		return false, errors.Errorf("couldn't convert %v of %[1]T to bool", vt)
	}
}

func toString(val interface{}) (string, error) {
	switch vt := val.(type) {
	case string:
		return vt, nil
	case []byte:
		return string(vt), nil
	default:
		if vt == nil {
			return "", nil
		}
		return fmt.Sprintf("%v", val), nil
	}
}

// toRat converts decimal-class values to a *big.Rat, which is the value
// representation the Avro codec uses for decimal logical types. Floats
// go through SetFloat64 so the comparison semantics stay exact.
func toRat(val interface{}) (*big.Rat, error) {
	switch vt := val.(type) {
	case *big.Rat:
		return vt, nil
	case big.Rat:
		return &vt, nil
	case float32:
		return new(big.Rat).SetFloat64(float64(vt)), nil
	case float64:
		return new(big.Rat).SetFloat64(vt), nil
	case string:
		r, ok := new(big.Rat).SetString(strings.TrimSpace(vt))
		if !ok {
			return nil, errors.Errorf("couldn't parse %q as a decimal", vt)
		}
		return r, nil
	default:
		if vint, err := toInt64(val); err == nil {
			return new(big.Rat).SetInt64(vint), nil
		}
		return nil, errors.Errorf("couldn't convert %v of %[1]T to a decimal", vt)
	}
}
