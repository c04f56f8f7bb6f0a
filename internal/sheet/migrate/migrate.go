// Package migrate moves rows between the row store and flat files.
//
// Export writes a snapshot as JSONL (one record object per line, "_id"
// first) or YAML. Import reads JSONL or YAML and creates every row through a
// Creator; the server assigns new ids, so "_id" in the input is ignored.
package migrate

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/schema"
)

// Format is an export file format.
type Format string

const (
	FormatJSONL Format = "jsonl"
	FormatYAML  Format = "yaml"
)

// ParseFormat accepts "jsonl", "yaml" or "yml".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "jsonl", "ndjson":
		return FormatJSONL, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unsupported format %q (want jsonl or yaml)", s)
	}
}

// FormatFromPath infers the format from a file extension, defaulting to JSONL.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSONL
	}
}

// Export writes records to w in format.
func Export(w io.Writer, records []schema.Record, format Format) error {
	switch format {
	case FormatJSONL:
		return WriteJSONL(w, records)
	case FormatYAML:
		return WriteYAML(w, records)
	default:
		return fmt.Errorf("unsupported format %q", format)
	}
}

// ExportFile writes records to path atomically via a temp file.
func ExportFile(path string, records []schema.Record, format Format) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}
	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if err := Export(f, records, format); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// WriteJSONL writes one record per line.
func WriteJSONL(w io.Writer, records []schema.Record) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("failed to encode row %s: %w", rec.ID, err)
		}
	}
	return bw.Flush()
}

// WriteYAML writes records as a sequence of mappings in column order.
func WriteYAML(w io.Writer, records []schema.Record) error {
	seq := &yaml.Node{Kind: yaml.SequenceNode}
	for _, rec := range records {
		m := &yaml.Node{Kind: yaml.MappingNode}
		m.Content = append(m.Content, strNode(schema.IDKey), strNode(rec.ID))
		for _, k := range rec.Fields.Keys() {
			m.Content = append(m.Content, strNode(k), strNode(rec.Fields.Value(k)))
		}
		seq.Content = append(seq.Content, m)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(seq); err != nil {
		return fmt.Errorf("failed to encode yaml: %w", err)
	}
	return enc.Close()
}

func strNode(s string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: s}
}

// ReadJSONL parses one record object per line. Blank lines are skipped.
func ReadJSONL(r io.Reader) ([]schema.Record, error) {
	dec := json.NewDecoder(r)
	var records []schema.Record
	for line := 1; ; line++ {
		var rec schema.Record
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON in record %d: %w", line, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// ReadYAML parses a sequence of flat mappings. Scalars of any type are kept
// as their literal text.
func ReadYAML(r io.Reader) ([]schema.Record, error) {
	var rows []map[string]string
	if err := yaml.NewDecoder(r).Decode(&rows); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	records := make([]schema.Record, 0, len(rows))
	for _, row := range rows {
		id := row[schema.IDKey]
		delete(row, schema.IDKey)
		records = append(records, schema.Record{ID: id, Fields: schema.FieldsFromMap(row)})
	}
	return records, nil
}

// ReadFile reads records from path, choosing the parser by extension.
func ReadFile(path string) ([]schema.Record, error) {
	// #nosec G304 - controlled path from CLI
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	if FormatFromPath(path) == FormatYAML {
		return ReadYAML(f)
	}
	return ReadJSONL(f)
}

// Creator creates rows. rowstore.RowStore satisfies it.
type Creator interface {
	Create(ctx context.Context, fields schema.Fields) (schema.Record, error)
}

// ImportOptions configures Import.
type ImportOptions struct {
	From   string // Input JSONL or YAML file
	DryRun bool   // Parse and count without creating rows
	Backup bool   // Copy the input aside before importing
}

// ImportResult contains statistics about an import.
type ImportResult struct {
	Read          int
	Created       int
	Skipped       int
	BackupCreated string
	CreatedIDs    []string
	Errors        []string
}

// Import creates every row of opts.From through c. Rows without fields are
// skipped. A failed row is recorded in Errors and the import continues,
// unless ctx is done.
func Import(ctx context.Context, c Creator, opts ImportOptions) (*ImportResult, error) {
	if c == nil && !opts.DryRun {
		return nil, fmt.Errorf("creator cannot be nil")
	}
	if _, err := os.Stat(opts.From); err != nil {
		return nil, fmt.Errorf("input file does not exist: %w", err)
	}

	result := &ImportResult{}
	if opts.Backup && !opts.DryRun {
		backupPath := opts.From + ".backup." + time.Now().Format("20060102-150405")
		input, err := os.ReadFile(opts.From)
		if err != nil {
			return nil, fmt.Errorf("failed to read input for backup: %w", err)
		}
		if err := os.WriteFile(backupPath, input, 0o600); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
		result.BackupCreated = backupPath
	}

	records, err := ReadFile(opts.From)
	if err != nil {
		return nil, err
	}
	result.Read = len(records)

	for i, rec := range records {
		if rec.Fields.Len() == 0 {
			result.Skipped++
			continue
		}
		if opts.DryRun {
			result.Created++
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
		created, err := c.Create(ctx, rec.Fields)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("row %d: %v", i+1, err))
			continue
		}
		result.Created++
		result.CreatedIDs = append(result.CreatedIDs, created.ID)
	}
	return result, nil
}
