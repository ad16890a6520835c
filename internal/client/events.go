package client

// Event is one tagged occurrence delivered to the Handler from the reader
// loop. Consumers type-switch on the concrete variants below.
type Event interface{ isEvent() }

// MessageEvent is an incoming text message.
type MessageEvent struct {
	Sender    string
	Topic     string
	Content   string
	Timestamp uint64
}

// FileEvent reports a fully received file, already written to Path.
type FileEvent struct {
	Sender   string
	Filename string
	Size     uint32
	Path     string
}

// FileProgressEvent reports bytes received so far for an active download.
type FileProgressEvent struct {
	Sender   string
	Filename string
	Received uint32
	Size     uint32
}

// UserStatusEvent reports a peer coming online or going offline.
type UserStatusEvent struct {
	Username string
	Online   bool
}

// UserListEvent carries the broker's online roster, excluding this client.
type UserListEvent struct {
	Users []string
}

// HistoryEvent is one replayed message from a REQUEST_HISTORY exchange.
type HistoryEvent struct {
	Sender    string
	Topic     string
	Content   string
	Timestamp uint64
}

// GroupCreatedEvent announces a newly created group.
type GroupCreatedEvent struct {
	Name    string
	Creator string
}

// GroupStatus pairs a group name with this client's membership.
type GroupStatus struct {
	Name   string
	Member bool
}

// GroupListEvent carries the persisted group roster.
type GroupListEvent struct {
	Groups []GroupStatus
}

// GameEvent is an opaque game payload relayed from a peer.
type GameEvent struct {
	From    string
	Payload string
}

// AckEvent is a per-request status reply from the broker.
type AckEvent struct {
	Status string
}

// ErrorEvent is an error reply from the broker.
type ErrorEvent struct {
	Reason string
}

// DisconnectedEvent reports that the reader loop stopped. Err is nil on a
// locally initiated close.
type DisconnectedEvent struct {
	Err error
}

func (MessageEvent) isEvent()      {}
func (FileEvent) isEvent()         {}
func (FileProgressEvent) isEvent() {}
func (UserStatusEvent) isEvent()   {}
func (UserListEvent) isEvent()     {}
func (HistoryEvent) isEvent()      {}
func (GroupCreatedEvent) isEvent() {}
func (GroupListEvent) isEvent()    {}
func (GameEvent) isEvent()         {}
func (AckEvent) isEvent()          {}
func (ErrorEvent) isEvent()        {}
func (DisconnectedEvent) isEvent() {}
