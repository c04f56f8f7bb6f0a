package schema

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// IDKey is the reserved JSON key carrying the record identifier.
const IDKey = "_id"

// Column names of the orders sheet.
const (
	FieldOrderDate    = "Дата заказа"
	FieldOrderNumber  = "Номер заказа"
	FieldClient       = "Клиент"
	FieldArea         = "Площадь"
	FieldMilling      = "Тип фрезеровки"
	FieldStatus       = "Статус"
	FieldPlannedDate  = "Планируемая дата"
	FieldNotes        = "Примечания"
	FieldCAD          = "CAD файлы"
	FieldPayment      = "Оплата"
	FieldDeliveryDate = "Дата выдачи"
)

// Columns lists the sheet columns in display order.
var Columns = []string{
	FieldOrderDate,
	FieldOrderNumber,
	FieldClient,
	FieldArea,
	FieldMilling,
	FieldStatus,
	FieldPlannedDate,
	FieldNotes,
	FieldCAD,
	FieldPayment,
	FieldDeliveryDate,
}

// Status values with special meaning for the board.
const (
	StatusDelivered = "Выдан"
	StatusReady     = "Готов"
)

// DateLayout is the DD.MM.YYYY format used by every date column.
const DateLayout = "02.01.2006"

// FormatDate renders t in DateLayout.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// ParseDate parses DD.MM.YYYY, tolerating single-digit day and month, and
// also accepts DD/MM/YYYY and YYYY-MM-DD.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{DateLayout, "2.1.2006", "02/01/2006", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q (want DD.MM.YYYY)", s)
}

// IsDelivered reports whether status marks a handed-over order.
func IsDelivered(status string) bool {
	return strings.EqualFold(strings.TrimSpace(status), StatusDelivered)
}

// Fields is an ordered mapping of field name to scalar value.
// The zero value is an empty, usable set.
type Fields struct {
	keys   []string
	values map[string]string
}

// NewFields builds Fields from name/value pairs.
func NewFields(pairs ...string) Fields {
	var f Fields
	for i := 0; i+1 < len(pairs); i += 2 {
		f.Set(pairs[i], pairs[i+1])
	}
	return f
}

// FieldsFromMap builds Fields from m, ordering keys by Columns first and
// then alphabetically.
func FieldsFromMap(m map[string]string) Fields {
	var f Fields
	for _, col := range Columns {
		if v, ok := m[col]; ok {
			f.Set(col, v)
		}
	}
	rest := make([]string, 0, len(m))
	for k := range m {
		if _, ok := f.values[k]; !ok {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		f.Set(k, m[k])
	}
	return f
}

// Get returns the value of name and whether it is present.
func (f Fields) Get(name string) (string, bool) {
	v, ok := f.values[name]
	return v, ok
}

// Value returns the value of name or "".
func (f Fields) Value(name string) string {
	return f.values[name]
}

// Set assigns value to name, appending name if it is new.
func (f *Fields) Set(name, value string) {
	if f.values == nil {
		f.values = make(map[string]string)
	}
	if _, ok := f.values[name]; !ok {
		f.keys = append(f.keys, name)
	}
	f.values[name] = value
}

// Delete removes name.
func (f *Fields) Delete(name string) {
	if _, ok := f.values[name]; !ok {
		return
	}
	delete(f.values, name)
	for i, k := range f.keys {
		if k == name {
			f.keys = append(f.keys[:i], f.keys[i+1:]...)
			break
		}
	}
}

// Has reports whether name is present.
func (f Fields) Has(name string) bool {
	_, ok := f.values[name]
	return ok
}

// Keys returns the field names in order.
func (f Fields) Keys() []string {
	out := make([]string, len(f.keys))
	copy(out, f.keys)
	return out
}

// Len returns the number of fields.
func (f Fields) Len() int {
	return len(f.keys)
}

// Clone returns a deep copy.
func (f Fields) Clone() Fields {
	out := Fields{keys: make([]string, len(f.keys))}
	copy(out.keys, f.keys)
	if f.values != nil {
		out.values = make(map[string]string, len(f.values))
		for k, v := range f.values {
			out.values[k] = v
		}
	}
	return out
}

// Merge copies every field of other into f. Values from other win.
func (f *Fields) Merge(other Fields) {
	for _, k := range other.keys {
		f.Set(k, other.values[k])
	}
}

// Map returns an unordered copy.
func (f Fields) Map() map[string]string {
	out := make(map[string]string, len(f.values))
	for k, v := range f.values {
		out[k] = v
	}
	return out
}

// Equal reports whether both sets have the same keys in the same order with
// the same values.
func (f Fields) Equal(other Fields) bool {
	if len(f.keys) != len(other.keys) {
		return false
	}
	for i, k := range f.keys {
		if other.keys[i] != k || other.values[k] != f.values[k] {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the fields as an ordered JSON object.
func (f Fields) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range f.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeKV(&buf, k, f.values[k]); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a flat JSON object, preserving key order.
func (f *Fields) UnmarshalJSON(data []byte) error {
	*f = Fields{}
	return decodeObject(data, func(key, value string) error {
		f.Set(key, value)
		return nil
	})
}

// Record is one row of the remote table.
type Record struct {
	ID     string
	Fields Fields
}

// Validate checks the record can be stored.
func (r Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if r.Fields.Has(IDKey) {
		return fmt.Errorf("field name %q is reserved", IDKey)
	}
	return nil
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	return Record{ID: r.ID, Fields: r.Fields.Clone()}
}

// MarshalJSON encodes the record as a flat object with "_id" first.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	if err := writeKV(&buf, IDKey, r.ID); err != nil {
		return nil, err
	}
	for _, k := range r.Fields.keys {
		buf.WriteByte(',')
		if err := writeKV(&buf, k, r.Fields.values[k]); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a flat object; "_id" becomes ID.
func (r *Record) UnmarshalJSON(data []byte) error {
	*r = Record{}
	return decodeObject(data, func(key, value string) error {
		if key == IDKey {
			r.ID = value
			return nil
		}
		r.Fields.Set(key, value)
		return nil
	})
}

// CloneAll deep-copies a slice of records.
func CloneAll(records []Record) []Record {
	out := make([]Record, len(records))
	for i, r := range records {
		out[i] = r.Clone()
	}
	return out
}

// Fingerprint returns a stable digest of a full snapshot.
func Fingerprint(records []Record) (string, error) {
	if records == nil {
		records = []Record{}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return "", fmt.Errorf("failed to encode snapshot: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func writeKV(buf *bytes.Buffer, key, value string) error {
	k, err := json.Marshal(key)
	if err != nil {
		return err
	}
	v, err := json.Marshal(value)
	if err != nil {
		return err
	}
	buf.Write(k)
	buf.WriteByte(':')
	buf.Write(v)
	return nil
}

// decodeObject walks a flat JSON object in document order and hands each
// scalar to fn as a string.
func decodeObject(data []byte, fn func(key, value string) error) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("failed to decode record: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("failed to decode record: expected object")
	}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("failed to decode record: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("failed to decode record: expected key")
		}

		tok, err = dec.Token()
		if err != nil {
			return fmt.Errorf("failed to decode field %q: %w", key, err)
		}
		var value string
		switch v := tok.(type) {
		case string:
			value = v
		case json.Number:
			value = v.String()
		case bool:
			if v {
				value = "true"
			} else {
				value = "false"
			}
		case nil:
			value = ""
		default:
			return fmt.Errorf("field %q: nested values are not supported", key)
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}

	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("failed to decode record: %w", err)
	}
	return nil
}
