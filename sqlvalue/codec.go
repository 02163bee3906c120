// Package sqlvalue implements the bidirectional mapping between host Go
// values and SQLite storage classes: integer, real, text, blob, and
// null. It is used by command.Command when binding parameters and
// materializing result rows, and by schema when computing declared
// column types and default-value literals.
package sqlvalue

import (
	"database/sql/driver"
	"fmt"
	"math"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"go.litecore.dev/store/dberrors"
)

// StorageKind is one of SQLite's four storage classes plus null.
type StorageKind int

const (
	StorageNull StorageKind = iota
	StorageInteger
	StorageReal
	StorageText
	StorageBlob
)

// dateTimeLayout is the invariant-locale text form of a wall-clock
// date-time value
const dateTimeLayout = "2006-01-02T15:04:05.000"

// ToParam converts a host value into a database/sql/driver.Value ready to
// bind as a statement parameter. storeAsTicks controls the encoding of
// time.Time. Any other fmt.Stringer binds as its String() text; the
// name-or-ordinal encoding of a StoreAsText enum column is done by
// EnumToParam, not here.
func ToParam(v interface{}, storeAsTicks bool) (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case nil:
		return nil, nil
	case bool:
		if t {
			return int64(1), nil
		}
		return int64(0), nil
	case int:
		return int64(t), nil
	case int8:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	case uint32:
		return int64(t), nil
	case uint64:
		return int64(t), nil
	case float32:
		return float64(t), nil
	case float64:
		return t, nil
	case string:
		return t, nil
	case []byte:
		return t, nil
	case uuid.UUID:
		return t.String(), nil
	case *uuid.UUID:
		if t == nil {
			return nil, nil
		}
		return t.String(), nil
	case time.Duration:
		return int64(t), nil
	case *url.URL:
		if t == nil {
			return nil, nil
		}
		return t.String(), nil
	case time.Time:
		return timeToParam(t, storeAsTicks)
	case *time.Time:
		if t == nil {
			return nil, nil
		}
		return timeToParam(*t, storeAsTicks)
	case fmt.Stringer:
		return t.String(), nil
	default:
		return reflectToParam(v, storeAsTicks)
	}
}

// reflectToParam handles kinds that are more naturally reached via
// reflection: named integer/float/bool types (including enums with no
// StoreAsText marker, which bind as their underlying integer) and
// pointer-wrapped variants (nullable columns).
func reflectToParam(v interface{}, storeAsTicks bool) (driver.Value, error) {
	var rv = reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil, nil
		}
		return ToParam(rv.Elem().Interface(), storeAsTicks)
	}
	switch rv.Kind() {
	case reflect.Bool:
		if rv.Bool() {
			return int64(1), nil
		}
		return int64(0), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.String:
		return rv.String(), nil
	default:
		return nil, dberrors.Newf(dberrors.KindUnsupportedBinding, "",
			"unsupported binding for host type %s", rv.Type())
	}
}

// EnumToParam binds an enum value given its integer ordinal, its name,
// and whether the enum carries the "store as text" marker.
func EnumToParam(ordinal int64, name string, storeAsText bool) driver.Value {
	if storeAsText {
		return name
	}
	return ordinal
}

// EnumOrdinal extracts the integer ordinal behind an enum host value of
// any integer- or unsigned-integer-kinded type, for binding through
// EnumToParam.
func EnumOrdinal(v interface{}) (int64, error) {
	var rv = reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint()), nil
	default:
		return 0, dberrors.Newf(dberrors.KindUnsupportedBinding, "", "enum host type %s is not integer-kinded", rv.Type())
	}
}

// EnumFromName resolves name back to its ordinal via the column's
// memoized reverse name table, failing if the name is unrecognized.
func EnumFromName(name string, ordinals map[string]int64) (int64, error) {
	ordinal, ok := ordinals[name]
	if !ok {
		return 0, dberrors.Newf(dberrors.KindUnsupportedBinding, "", "unrecognized enum name %q", name)
	}
	return ordinal, nil
}

func timeToParam(t time.Time, storeAsTicks bool) (driver.Value, error) {
	if _, offset := t.Zone(); offset != 0 && t.Location() != time.Local {
		// A time with a fixed non-local UTC offset: always ticks
		return t.UTC().UnixNano() / 100, nil
	}
	if storeAsTicks {
		return t.UnixNano() / 100, nil
	}
	return t.Format(dateTimeLayout), nil
}

// FromColumn is the symmetric inverse of ToParam: it decodes a value read
// from a result column (as returned by database/sql's Rows.Scan into an
// interface{}) into dst, a pointer to the host field. storeAsTicks and
// defaultValue mirror the corresponding ColumnDescriptor fields;
// defaultValue is substituted when the stored ticks value falls outside
// the representable time.Time range.
func FromColumn(dst interface{}, src interface{}, storeAsTicks bool, defaultValue interface{}) error {
	var rv = reflect.ValueOf(dst)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return dberrors.Newf(dberrors.KindInvalidArgument, "", "FromColumn dst must be a non-nil pointer")
	}
	var elem = rv.Elem()

	if src == nil {
		elem.Set(reflect.Zero(elem.Type()))
		return nil
	}

	switch elem.Interface().(type) {
	case time.Time:
		t, err := columnToTime(src, storeAsTicks, defaultValue)
		if err != nil {
			return err
		}
		elem.Set(reflect.ValueOf(t))
		return nil
	case *time.Time:
		t, err := columnToTime(src, storeAsTicks, defaultValue)
		if err != nil {
			return err
		}
		elem.Set(reflect.ValueOf(&t))
		return nil
	case uuid.UUID:
		id, err := parseGUIDColumn(src)
		if err != nil {
			return err
		}
		elem.Set(reflect.ValueOf(id))
		return nil
	case *uuid.UUID:
		id, err := parseGUIDColumn(src)
		if err != nil {
			return err
		}
		elem.Set(reflect.ValueOf(&id))
		return nil
	}

	return assignScalar(elem, src)
}

func parseGUIDColumn(src interface{}) (uuid.UUID, error) {
	s, ok := src.(string)
	if !ok {
		return uuid.UUID{}, dberrors.Newf(dberrors.KindUnsupportedBinding, "", "GUID column is not text")
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.UUID{}, errors.WithMessage(err, "parsing GUID column")
	}
	return id, nil
}

func columnToTime(src interface{}, storeAsTicks bool, defaultValue interface{}) (time.Time, error) {
	switch v := src.(type) {
	case string:
		t, err := time.Parse(dateTimeLayout, v)
		if err != nil {
			return time.Time{}, errors.WithMessage(err, "parsing datetime column")
		}
		return t, nil
	case int64:
		// ticks are 100ns units since the .NET epoch is out of scope here;
		// this facade treats ticks as 100ns units since the Unix epoch.
		const maxTicks = math.MaxInt64
		if v < 0 || v > maxTicks/100 {
			if dt, ok := defaultValue.(time.Time); ok {
				return dt, nil
			}
			return time.Time{}, nil
		}
		return time.Unix(0, v*100).UTC(), nil
	default:
		return time.Time{}, dberrors.Newf(dberrors.KindUnsupportedBinding, "", "unrecognized datetime storage class %T", src)
	}
}

func assignScalar(elem reflect.Value, src interface{}) error {
	switch elem.Kind() {
	case reflect.Ptr:
		var target = reflect.New(elem.Type().Elem())
		if err := assignScalar(target.Elem(), src); err != nil {
			return err
		}
		elem.Set(target)
		return nil
	case reflect.Bool:
		i, err := asInt64(src)
		if err != nil {
			return err
		}
		elem.SetBool(i != 0)
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, err := asInt64(src)
		if err != nil {
			return err
		}
		elem.SetInt(i)
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		i, err := asInt64(src)
		if err != nil {
			return err
		}
		elem.SetUint(uint64(i))
		return nil
	case reflect.Float32, reflect.Float64:
		f, err := asFloat64(src)
		if err != nil {
			return err
		}
		elem.SetFloat(f)
		return nil
	case reflect.String:
		switch v := src.(type) {
		case string:
			elem.SetString(v)
		case []byte:
			elem.SetString(string(v))
		default:
			elem.SetString(fmt.Sprint(v))
		}
		return nil
	case reflect.Slice:
		if elem.Type().Elem().Kind() == reflect.Uint8 {
			b, ok := src.([]byte)
			if !ok {
				return dberrors.Newf(dberrors.KindUnsupportedBinding, "", "blob column is not []byte")
			}
			var cp = make([]byte, len(b))
			copy(cp, b)
			elem.SetBytes(cp)
			return nil
		}
		return dberrors.Newf(dberrors.KindUnsupportedBinding, "", "unsupported slice element type %s", elem.Type().Elem())
	default:
		return dberrors.Newf(dberrors.KindUnsupportedBinding, "", "unsupported host type %s", elem.Type())
	}
}

func asInt64(src interface{}) (int64, error) {
	switch v := src.(type) {
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	case string:
		var i int64
		if _, err := fmt.Sscanf(v, "%d", &i); err != nil {
			return 0, errors.WithMessage(err, "parsing integer column")
		}
		return i, nil
	default:
		return 0, dberrors.Newf(dberrors.KindUnsupportedBinding, "", "unrecognized integer storage class %T", src)
	}
}

func asFloat64(src interface{}) (float64, error) {
	switch v := src.(type) {
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	default:
		return 0, dberrors.Newf(dberrors.KindUnsupportedBinding, "", "unrecognized real storage class %T", src)
	}
}

// DefaultLiteral renders v as a SQL literal suitable for a column
// DEFAULT(...) clause
func DefaultLiteral(v interface{}) (string, error) {
	param, err := ToParam(v, false)
	if err != nil {
		return "", err
	}
	switch t := param.(type) {
	case nil:
		return "NULL", nil
	case int64:
		return fmt.Sprintf("%d", t), nil
	case float64:
		return fmt.Sprintf("%v", t), nil
	case string:
		return "'" + strings.ReplaceAll(t, "'", "''") + "'", nil
	case []byte:
		return fmt.Sprintf("x'%x'", t), nil
	default:
		return "", dberrors.Newf(dberrors.KindUnsupportedBinding, "", "unsupported default value type %T", v)
	}
}
