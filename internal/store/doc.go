// Package store records what happens in conversations, using SQLite.
//
// # Architecture
//
// Sessions and the feedback loop depend only on the narrow Recorder
// interface. The wider Store interface adds the read queries used by the
// usage report and by tests. SQLiteStore implements both; MockStore is an
// in-memory stand-in for tests.
//
// # Tables
//
//   - conversation_messages: every history entry, with a per-thread seq
//     column so reads return entries in the order they were appended
//   - message_usage: token counts per completion, tagged with duck, agent
//     and engine
//   - feedback: reviewer scores; a NULL score is a skipped review
//
// # Schema Management
//
// The schema is created on open with CREATE TABLE IF NOT EXISTS. Column
// additions for older databases are applied by runMigrations, which checks
// pragma_table_info before each ALTER TABLE so it is safe to run repeatedly.
//
// # Concurrency
//
// Many sessions record at once. The database runs in WAL mode with a busy
// timeout, and recording is never rolled back if a session later fails.
package store
