package adapters

import (
	stderrors "errors"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/lucid-vigil/fleet/pkg/schema"
	"github.com/tidwall/gjson"
)

// FieldMap maps schema field names to a gjson path (JSON sources) or a
// column name (SQL sources).
type FieldMap map[string]string

// sortedFields keeps mapping order deterministic so that fields written by
// more than one source path always resolve the same way.
func (fm FieldMap) sortedFields() []string {
	fields := make([]string, 0, len(fm))
	for f := range fm {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// identity maps every declared field to a source key of the same name.
func identity(names []string) FieldMap {
	fm := make(FieldMap, len(names))
	for _, n := range names {
		fm[n] = n
	}
	return fm
}

// Fingerprint derives a stable id for records that carry none.
func Fingerprint(raw string) string {
	return "fp-" + strconv.FormatUint(xxhash.Sum64String(raw), 16)
}

func jsonFingerprint(rec gjson.Result) string {
	return Fingerprint(rec.Get("@ugly").Raw)
}

// MapJSONDevice builds a device from a JSON record. idPath selects the id;
// records without one get a fingerprint id. An empty field map maps
// declared field names one to one. Field conversion errors are returned
// joined next to the partially mapped device.
func MapJSONDevice(rec gjson.Result, idPath string, fm FieldMap) (*schema.Device, error) {
	if len(fm) == 0 {
		fm = identity(schema.DeviceFields())
	}

	d := &schema.Device{}
	var errs []error
	for _, field := range fm.sortedFields() {
		v := rec.Get(fm[field])
		if !v.Exists() || v.Type == gjson.Null {
			continue
		}
		if err := schema.SetDeviceField(d, field, v.Value()); err != nil {
			errs = append(errs, err)
		}
	}

	if idPath != "" {
		d.ID = schema.ToString(rec.Get(idPath).Value())
	}
	if d.ID == "" {
		d.ID = jsonFingerprint(rec)
	}
	return d, stderrors.Join(errs...)
}

// MapJSONUser is MapJSONDevice for users.
func MapJSONUser(rec gjson.Result, idPath string, fm FieldMap) (*schema.User, error) {
	if len(fm) == 0 {
		fm = identity(schema.UserFields())
	}

	u := &schema.User{}
	var errs []error
	for _, field := range fm.sortedFields() {
		v := rec.Get(fm[field])
		if !v.Exists() || v.Type == gjson.Null {
			continue
		}
		if err := schema.SetUserField(u, field, v.Value()); err != nil {
			errs = append(errs, err)
		}
	}

	if idPath != "" {
		u.ID = schema.ToString(rec.Get(idPath).Value())
	}
	if u.ID == "" {
		u.ID = jsonFingerprint(rec)
	}
	return u, stderrors.Join(errs...)
}

// MapRowDevice builds a device from a SQL row. Rows without a value in
// idColumn keep an empty id and fail validation.
func MapRowDevice(row map[string]interface{}, idColumn string, fm FieldMap) (*schema.Device, error) {
	if len(fm) == 0 {
		fm = identity(schema.DeviceFields())
	}

	d := &schema.Device{}
	var errs []error
	for _, field := range fm.sortedFields() {
		v, ok := row[fm[field]]
		if !ok || v == nil {
			continue
		}
		if err := schema.SetDeviceField(d, field, v); err != nil {
			errs = append(errs, err)
		}
	}
	if idColumn != "" {
		d.ID = schema.ToString(row[idColumn])
	}
	return d, stderrors.Join(errs...)
}

// MapRowUser is MapRowDevice for users.
func MapRowUser(row map[string]interface{}, idColumn string, fm FieldMap) (*schema.User, error) {
	if len(fm) == 0 {
		fm = identity(schema.UserFields())
	}

	u := &schema.User{}
	var errs []error
	for _, field := range fm.sortedFields() {
		v, ok := row[fm[field]]
		if !ok || v == nil {
			continue
		}
		if err := schema.SetUserField(u, field, v); err != nil {
			errs = append(errs, err)
		}
	}
	if idColumn != "" {
		u.ID = schema.ToString(row[idColumn])
	}
	return u, stderrors.Join(errs...)
}
