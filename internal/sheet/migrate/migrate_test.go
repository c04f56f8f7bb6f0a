package migrate

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/rowstore"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/schema"
)

func sampleRecords() []schema.Record {
	return []schema.Record{
		{ID: "1", Fields: schema.NewFields(schema.FieldOrderNumber, "101", schema.FieldClient, "Иванов & сын", schema.FieldArea, "1,5")},
		{ID: "2", Fields: schema.NewFields(schema.FieldOrderNumber, "102", schema.FieldStatus, "Готов")},
	}
}

func TestJSONL_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteJSONL(&buf, sampleRecords()); err != nil {
		t.Fatalf("WriteJSONL() failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], `{"_id":"1"`) {
		t.Errorf("line 0 = %s, want _id first", lines[0])
	}
	if !strings.Contains(lines[0], "Иванов & сын") {
		t.Errorf("HTML characters should not be escaped: %s", lines[0])
	}

	got, err := ReadJSONL(&buf)
	if err != nil {
		t.Fatalf("ReadJSONL() failed: %v", err)
	}
	want := sampleRecords()
	for i := range want {
		if got[i].ID != want[i].ID || !got[i].Fields.Equal(want[i].Fields) {
			t.Errorf("record %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestReadJSONL_Invalid(t *testing.T) {
	_, err := ReadJSONL(strings.NewReader("{\"_id\":\"1\"}\n{broken\n"))
	if err == nil || !strings.Contains(err.Error(), "record 2") {
		t.Errorf("ReadJSONL() = %v, want error naming record 2", err)
	}
}

func TestYAML_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteYAML(&buf, sampleRecords()); err != nil {
		t.Fatalf("WriteYAML() failed: %v", err)
	}
	out := buf.String()
	if strings.Index(out, schema.FieldOrderNumber) > strings.Index(out, schema.FieldClient) {
		t.Errorf("YAML should keep column order:\n%s", out)
	}

	got, err := ReadYAML(&buf)
	if err != nil {
		t.Fatalf("ReadYAML() failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
	if got[1].ID != "2" || got[1].Fields.Value(schema.FieldStatus) != "Готов" {
		t.Errorf("record 1 = %+v", got[1])
	}
	if got[0].Fields.Value(schema.FieldArea) != "1,5" {
		t.Errorf("area = %q, want 1,5", got[0].Fields.Value(schema.FieldArea))
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"jsonl", FormatJSONL, false},
		{"YAML", FormatYAML, false},
		{"yml", FormatYAML, false},
		{"csv", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestExportFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "rows.yaml")
	if err := ExportFile(path, sampleRecords(), FormatFromPath(path)); err != nil {
		t.Fatalf("ExportFile() failed: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file should be gone")
	}
	got, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("got %d records, want 2", len(got))
	}
}

func TestImport(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rows.jsonl")
	data := `{"_id":"9","Номер заказа":"201"}
{"_id":"10"}
{"Номер заказа":"202","Статус":"Готов"}
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("failed to write input: %v", err)
	}

	t.Run("dry run", func(t *testing.T) {
		backend := rowstore.NewMemoryBackend()
		res, err := Import(context.Background(), backend, ImportOptions{From: path, DryRun: true, Backup: true})
		if err != nil {
			t.Fatalf("Import() failed: %v", err)
		}
		if res.Read != 3 || res.Created != 2 || res.Skipped != 1 {
			t.Errorf("result = %+v", res)
		}
		if res.BackupCreated != "" {
			t.Error("dry run should not back up")
		}
		rows, _ := backend.List(context.Background())
		if len(rows) != 0 {
			t.Errorf("dry run created %d rows", len(rows))
		}
	})

	t.Run("create", func(t *testing.T) {
		backend := rowstore.NewMemoryBackend()
		res, err := Import(context.Background(), backend, ImportOptions{From: path, Backup: true})
		if err != nil {
			t.Fatalf("Import() failed: %v", err)
		}
		if res.Created != 2 || len(res.Errors) != 0 {
			t.Errorf("result = %+v", res)
		}
		if res.BackupCreated == "" {
			t.Error("backup should be created")
		}
		rows, _ := backend.List(context.Background())
		if len(rows) != 2 {
			t.Fatalf("got %d rows, want 2", len(rows))
		}
		if rows[0].ID == "9" {
			t.Error("imported rows should get server-assigned ids")
		}
		if rows[1].Fields.Value(schema.FieldStatus) != "Готов" {
			t.Errorf("row 2 = %+v", rows[1])
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := Import(context.Background(), rowstore.NewMemoryBackend(), ImportOptions{From: filepath.Join(dir, "nope.jsonl")}); err == nil {
			t.Error("Import() with missing file should fail")
		}
	})
}
