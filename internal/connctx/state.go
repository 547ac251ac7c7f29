package connctx

// State is the authentication progress of a Context against its last host.
type State int

const (
	NotAuthenticated State = iota
	Type1Sent
	Type2Received
	Authenticated
)

func (s State) String() string {
	switch s {
	case NotAuthenticated:
		return "NotAuthenticated"
	case Type1Sent:
		return "Type1Sent"
	case Type2Received:
		return "Type2Received"
	case Authenticated:
		return "Authenticated"
	default:
		return "Unknown"
	}
}
