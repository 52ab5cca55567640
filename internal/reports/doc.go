// Package reports persists state change reports and device errors to SQLite.
//
// SQLiteRepository is the storage layer. Recorder sits in front of it as an
// event observer: emitters call it synchronously from scheduling goroutines,
// so it only enqueues and a single worker does the writes.
//
// Tables (see migrations/):
//
//	state_reports    one row per executed state
//	command_reports  one row per command of a state, cascades on delete
//	device_errors    recovered errors by device and context
//
// Times are stored as unix milliseconds.
package reports
