package sqlvalue

import (
	"reflect"
	"time"

	"github.com/google/uuid"

	"go.litecore.dev/store/dberrors"
)

var (
	timeType     = reflect.TypeOf(time.Time{})
	durationType = reflect.TypeOf(time.Duration(0))
	uuidType     = reflect.TypeOf(uuid.UUID{})
	bytesType    = reflect.TypeOf([]byte(nil))
)

// DefaultStorage computes the default StorageKind and declared SQL type
// string for a host Go type: "integer", "float", "varchar(N)",
// "varchar", "datetime", "bigint", "blob", "varchar(36)". Builders may
// override the declared type explicitly (eg MaxLength rewrites
// "varchar" to "varchar(N)").
func DefaultStorage(t reflect.Type) (StorageKind, string, error) {
	switch t {
	case timeType:
		return StorageText, "datetime", nil
	case durationType:
		return StorageInteger, "bigint", nil
	case uuidType:
		return StorageText, "varchar(36)", nil
	case bytesType:
		return StorageBlob, "blob", nil
	}

	switch t.Kind() {
	case reflect.Bool, reflect.Int8, reflect.Int16, reflect.Int32,
		reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return StorageInteger, "integer", nil
	case reflect.Int, reflect.Int64, reflect.Uint, reflect.Uint64:
		return StorageInteger, "bigint", nil
	case reflect.Float32, reflect.Float64:
		return StorageReal, "float", nil
	case reflect.String:
		return StorageText, "varchar", nil
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return StorageBlob, "blob", nil
		}
	}
	return StorageNull, "", dberrors.Newf(dberrors.KindUnsupportedBinding, "",
		"no default SQLite storage mapping for host type %s", t)
}
