// Package schema defines the record model exchanged with the row store.
//
// # Overview
//
// A Record is one row of the remote table. It has an opaque identifier that
// never changes during the record's life and an ordered set of scalar fields.
// Field names are data, not schema: the engine never assumes a column exists
// except for the reserved grouping field (FieldPlannedDate).
//
// # Wire Format
//
// Records travel as flat JSON objects. The reserved key "_id" carries the
// identifier, every other key is a field:
//
//	{
//	  "_id": "17",
//	  "Номер заказа": "1024",
//	  "Статус": "Готов",
//	  "Планируемая дата": "21.10.2026"
//	}
//
// Key order is preserved on decode and encode. Numbers and booleans are
// normalised to their string form; null becomes the empty string. A numeric
// "_id" is accepted for compatibility with row-number identifiers.
//
// # Fingerprints
//
// Fingerprint hashes the encoded snapshot. Two snapshots with the same rows
// in the same order and the same field order yield the same fingerprint,
// which lets the reconciler skip redundant updates.
//
// # Field Options
//
// Options maps a field name to its allowed values. FallbackOptions is the
// hardcoded map used when neither the row store nor a local options file can
// provide one.
package schema
