package transport

// Events fired on a connection's callback registry. Handlers run on the
// connection's reactor.
const (
	// EventVersionNegotiated carries the server identification line
	EventVersionNegotiated = "version_negotiated"
	// EventAlgoInit fires after every completed key exchange
	EventAlgoInit = "algo_init"
	// EventPacket carries a *Packet allowed in the current kex phase
	EventPacket = "packet"
	// EventSessionPacket carries connection protocol packets, types 80 and up
	EventSessionPacket = "session_packet"
	// EventConnected carries the session built on top of the connection
	EventConnected = "connected"
	// EventError carries the error that failed the connection
	EventError = "error"
	// EventClosed fires exactly once when the connection is released
	EventClosed = "closed"
	// EventAuthBanner carries the text of a USERAUTH_BANNER
	EventAuthBanner = "auth_banner"
)
