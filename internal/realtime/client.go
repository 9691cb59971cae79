package realtime

import "github.com/google/uuid"

// Client is one connected consumer of realtime events. Implementations must
// make Send safe for concurrent use and must preserve the call order of Send
// in the delivery order on the wire.
type Client interface {
	ID() uuid.UUID
	UserID() uuid.UUID
	Send(ev Event)
	// SendError pushes a structured protocol error. When fatal is true the
	// transport closes the connection after flushing it.
	SendError(code, message string, fatal bool)
}
