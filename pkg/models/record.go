// Package models provides the data model shared by the ETL engine and its
// plugins: source records, transformed records, and the enums that describe
// a plugin run (operation kind, load strategy, execution mode, run status).
package models

// Record is a raw unit yielded by a plugin's extract stage. The payload shape
// is plugin-defined; Line carries the 1-based source position when the source
// has one (file line, row offset), or zero when it does not. Records are
// ephemeral and never persisted directly.
type Record struct {
	// Data holds the parsed record fields
	Data map[string]interface{}

	// Line is the 1-based position of the record in its source, when known
	Line int64
}

// NewRecord creates a record with the given payload and source position.
func NewRecord(data map[string]interface{}, line int64) *Record {
	return &Record{Data: data, Line: line}
}

// TransformedRecord is a persist-ready unit produced by a plugin's transform
// stage. ID is the stable record identifier (the same value the plugin's
// RecordID returns for the source record); Row is the column map handed to
// the session during load.
type TransformedRecord struct {
	// ID is the stable record identifier, used for checkpoints and diagnostics
	ID string

	// Row holds the persist-ready column values
	Row map[string]interface{}

	// Line is carried over from the source record for checkpointing
	Line int64
}
