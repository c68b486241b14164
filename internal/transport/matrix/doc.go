// Package matrix connects the service to a Matrix homeserver.
//
// Client implements transport.Transport. Conversations live in m.thread
// threads: CreateThread posts a notice as the thread root and returns the
// address "<room id>|<root event id>", which every send method accepts in
// place of a room ID. Outgoing text is treated as markdown and sent with an
// HTML formatted body when it renders to more than a single paragraph.
//
// Bridge runs the sync loop. Messages and reactions from other users are
// converted to transport values and handed to a Handler; the bot's own
// events, events older than the bridge, and sync redeliveries are dropped.
//
// EnableCrypto adds end-to-end encryption backed by a SQLite olm store.
package matrix
