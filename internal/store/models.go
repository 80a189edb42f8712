package store

import "time"

// User is the durable identity keyed by email.
type User struct {
	ID       int64  `json:"id"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	Avatar   string `json:"avatar"`
	LastSeen int64  `json:"lastSeen"`
}

// PrivateMessage is a persisted direct message. Timestamp is unix milliseconds.
type PrivateMessage struct {
	ID         int64  `json:"id"`
	SenderID   int64  `json:"senderId"`
	ReceiverID int64  `json:"receiverId"`
	Message    string `json:"message"`
	Timestamp  int64  `json:"timestamp"`
}

// HistoryEntry is a PrivateMessage joined with the current display data of
// both participants.
type HistoryEntry struct {
	PrivateMessage
	SenderName     string `json:"senderName"`
	SenderAvatar   string `json:"senderAvatar"`
	ReceiverName   string `json:"receiverName"`
	ReceiverAvatar string `json:"receiverAvatar"`
}

// Upload records a file accepted by the upload endpoint.
type Upload struct {
	ID        int64  `json:"id"`
	Filename  string `json:"filename"`
	Timestamp int64  `json:"timestamp"`
}

// Millis converts t to the unix millisecond representation used in every
// timestamp column.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}
