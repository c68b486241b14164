// Package builtins provides local tools agents can call before answering.
//
// An agent lists the tools it may use by name in its configuration; the
// registry resolves the names against Tools at startup.
//
// Notes tools keep a small key-value scratchpad per conversation thread in
// the durable key-value store, so a resumed conversation still sees its
// notes:
//
//   - note_set: Store a note
//   - note_get: Retrieve a note
//   - note_list: List note keys
//   - note_delete: Delete a note
//
// Clock tools:
//
//   - current_time: Current date, time and weekday, optionally in a time zone
//
// Handlers return JSON text. Errors are shown to the model as tool output.
package builtins
