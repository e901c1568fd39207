package types

// PtyRequest is the structure of an SSH_MSG_CHANNEL_REQUEST
// "pty-req" as described in RFC4254
// https://datatracker.ietf.org/doc/html/rfc4254#section-6.2
type PtyRequest struct {
	TermEnvVar       string
	TermWidthCols    uint32
	TermHeightRows   uint32
	TermWidthPixels  uint32
	TermHeightPixels uint32
	TerminalModes    string
}

// TcpIpChannelMsg is the structure of an SSH_MSG_CHANNEL_OPEN
// "direct-tcpip" and "forwarded-tcpip", as described in RFC4254
// https://datatracker.ietf.org/doc/html/rfc4254#section-7.2
type TcpIpChannelMsg struct {
	DstHost string
	DstPort uint32
	SrcHost string
	SrcPort uint32
}

// ExecRequest is the payload of an "exec" channel request
// https://datatracker.ietf.org/doc/html/rfc4254#section-6.5
type ExecRequest struct {
	Command string
}

// SubsystemRequest is the payload of a "subsystem" channel request
type SubsystemRequest struct {
	Name string
}

// EnvRequest is the payload of an "env" channel request
// https://datatracker.ietf.org/doc/html/rfc4254#section-6.4
type EnvRequest struct {
	Name  string
	Value string
}

// WindowChangeRequest is the payload of a "window-change" channel request
// https://datatracker.ietf.org/doc/html/rfc4254#section-6.7
type WindowChangeRequest struct {
	WidthColumns uint32
	HeightRows   uint32
	WidthPixels  uint32
	HeightPixels uint32
}

// ExitStatus is the payload of an "exit-status" channel request
// https://datatracker.ietf.org/doc/html/rfc4254#section-6.10
type ExitStatus struct {
	Status uint32
}

// ExitSignal is the payload of an "exit-signal" channel request
type ExitSignal struct {
	Signal     string
	CoreDumped bool
	Message    string
	Lang       string
}
