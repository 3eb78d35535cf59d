// Package websocket implements the real-time pub/sub hub that pushes backup
// lifecycle events to connected GUI clients. It uses gorilla/websocket under
// the hood and exposes a topic-based broadcast API consumed by the worker
// pool and the API layer.
//
// Topic naming convention:
//
//	backups          — every backup status transition, server-wide
//	database:<uuid>  — status transitions for one database's backups
package websocket

// MessageType identifies the kind of event carried by a Message.
// The GUI uses this field to route the payload to the correct store update.
type MessageType string

const (
	// MsgBackupStatus is sent when a backup transitions between states
	// (pending → in_progress → completed | failed).
	MsgBackupStatus MessageType = "backup.status"

	// MsgPing is sent by the hub periodically to keep the connection alive
	// and let the client detect stale connections.
	MsgPing MessageType = "ping"
)

// Message is the envelope for every WebSocket frame sent to clients.
// The GUI deserializes this struct and dispatches on Type.
//
// JSON example:
//
//	{"type":"backup.status","topic":"database:018f...","payload":{"status":"in_progress"}}
type Message struct {
	// Type identifies the kind of event so the client can route it correctly.
	Type MessageType `json:"type"`

	// Topic is the pub/sub channel this message was published on.
	Topic string `json:"topic"`

	// Payload carries the event-specific data. For backup.status:
	//
	//	{"backup_id":"...","database_id":"...","database_name":"...",
	//	 "status":"completed","tier":"daily","error_message":""}
	Payload any `json:"payload"`
}

// TopicBackups is the server-wide backup event feed.
const TopicBackups = "backups"

// TopicDatabase returns the per-database event topic.
func TopicDatabase(databaseID string) string {
	return "database:" + databaseID
}
