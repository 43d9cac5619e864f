// Package returns applies bank return and reject files exactly once.
//
// A file is identified by the sha256 of its raw bytes. Processing holds a
// lock on that hash, skips files already in the FileLog, reverses the payment
// entry of every rejected record and isolates per-record failures so one bad
// line never blocks the rest of the file.
package returns
