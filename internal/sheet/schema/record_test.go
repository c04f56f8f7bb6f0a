package schema

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestFields_SetKeepsOrder(t *testing.T) {
	var f Fields
	f.Set(FieldStatus, "Готов")
	f.Set(FieldPayment, "оплачен")
	f.Set(FieldStatus, "Выдан")

	keys := f.Keys()
	if len(keys) != 2 || keys[0] != FieldStatus || keys[1] != FieldPayment {
		t.Fatalf("Keys() = %v, want [%s %s]", keys, FieldStatus, FieldPayment)
	}
	if got := f.Value(FieldStatus); got != "Выдан" {
		t.Errorf("Value(%q) = %q, want %q", FieldStatus, got, "Выдан")
	}
}

func TestFields_MergeLastWins(t *testing.T) {
	base := NewFields(FieldStatus, "Готов", FieldNotes, "old")
	base.Merge(NewFields(FieldNotes, "new", FieldPayment, "оплачен"))

	want := NewFields(FieldStatus, "Готов", FieldNotes, "new", FieldPayment, "оплачен")
	if !base.Equal(want) {
		t.Errorf("Merge() = %v, want %v", base.Map(), want.Map())
	}
}

func TestFields_CloneIsIndependent(t *testing.T) {
	orig := NewFields(FieldStatus, "Готов")
	clone := orig.Clone()
	clone.Set(FieldStatus, "Выдан")
	clone.Delete(FieldStatus)

	if got := orig.Value(FieldStatus); got != "Готов" {
		t.Errorf("original mutated: got %q", got)
	}
}

func TestRecord_JSON(t *testing.T) {
	input := `{"_id": 17, "Номер заказа": 1024, "Статус": "Готов", "Примечания": null, "Планируемая дата": "21.10.2026"}`

	var r Record
	if err := json.Unmarshal([]byte(input), &r); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	if r.ID != "17" {
		t.Errorf("ID = %q, want %q", r.ID, "17")
	}
	if got := r.Fields.Value(FieldOrderNumber); got != "1024" {
		t.Errorf("order number = %q, want %q", got, "1024")
	}
	if !r.Fields.Has(FieldNotes) || r.Fields.Value(FieldNotes) != "" {
		t.Errorf("null should decode to empty string")
	}

	out, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}
	want := `{"_id":"17","Номер заказа":"1024","Статус":"Готов","Примечания":"","Планируемая дата":"21.10.2026"}`
	if string(out) != want {
		t.Errorf("Marshal() = %s, want %s", out, want)
	}
}

func TestRecord_RejectsNested(t *testing.T) {
	var r Record
	err := json.Unmarshal([]byte(`{"_id":"1","x":{"y":1}}`), &r)
	if err == nil || !strings.Contains(err.Error(), "nested") {
		t.Errorf("Unmarshal() error = %v, want nested value error", err)
	}
}

func TestRecord_Validate(t *testing.T) {
	tests := []struct {
		name    string
		rec     Record
		wantErr bool
	}{
		{"valid", Record{ID: "1", Fields: NewFields(FieldStatus, "Готов")}, false},
		{"missing id", Record{Fields: NewFields(FieldStatus, "Готов")}, true},
		{"reserved field", Record{ID: "1", Fields: NewFields(IDKey, "2")}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rec.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFingerprint(t *testing.T) {
	a := []Record{{ID: "1", Fields: NewFields(FieldStatus, "Готов")}}
	b := []Record{{ID: "1", Fields: NewFields(FieldStatus, "Готов")}}
	c := []Record{{ID: "1", Fields: NewFields(FieldStatus, "Выдан")}}

	fa, err := Fingerprint(a)
	if err != nil {
		t.Fatalf("Fingerprint() failed: %v", err)
	}
	fb, _ := Fingerprint(b)
	fc, _ := Fingerprint(c)

	if fa != fb {
		t.Errorf("equal snapshots gave different fingerprints")
	}
	if fa == fc {
		t.Errorf("different snapshots gave the same fingerprint")
	}

	empty, _ := Fingerprint(nil)
	emptySlice, _ := Fingerprint([]Record{})
	if empty != emptySlice {
		t.Errorf("nil and empty snapshots should match")
	}
}

func TestFieldsFromMap_ColumnOrder(t *testing.T) {
	f := FieldsFromMap(map[string]string{
		"zeta":         "1",
		FieldPayment:   "оплачен",
		FieldOrderDate: "01.10.2026",
		"alpha":        "2",
	})
	want := []string{FieldOrderDate, FieldPayment, "alpha", "zeta"}
	got := f.Keys()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Keys() = %v, want %v", got, want)
		}
	}
}

func TestParseDate(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"21.10.2026", "21.10.2026", false},
		{"1.2.2026", "01.02.2026", false},
		{"2026-10-21", "21.10.2026", false},
		{"tomorrow", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDate(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && FormatDate(got) != tt.want {
				t.Errorf("ParseDate() = %s, want %s", FormatDate(got), tt.want)
			}
		})
	}

	if !IsDelivered(" выдан ") {
		t.Error("IsDelivered should ignore case and spaces")
	}
}
