package conf

// Standard SSH Service names
const (
	SSHServiceUserAuth   = "ssh-userauth"
	SSHServiceConnection = "ssh-connection"
)

// Standard SSH Channel Types
const (
	SSHChannelSession     = "session"
	SSHChannelDirectTCPIP = "direct-tcpip"
)

// Standard SSH Request Types
const (
	SSHRequestExec         = "exec"
	SSHRequestShell        = "shell"
	SSHRequestSubsystem    = "subsystem"
	SSHRequestPTY          = "pty-req"
	SSHRequestWindowChange = "window-change"
	SSHRequestEnv          = "env"
	SSHRequestExitStatus   = "exit-status"
	SSHRequestExitSignal   = "exit-signal"
	SSHRequestKeepAlive    = "keepalive@openssh.com"
)

// Subsystems
const (
	SSHSubsystemSFTP = "sftp"
)

// Host key verification policies accepted by the "paranoid" option
const (
	ParanoidAcceptNewOrLocalTunnel = "accept-new-or-local-tunnel"
	ParanoidNever                  = "never"
	ParanoidAcceptNew              = "accept-new"
)

// Authentication methods
const (
	AuthMethodNone                = "none"
	AuthMethodPublicKey           = "publickey"
	AuthMethodPassword            = "password"
	AuthMethodKeyboardInteractive = "keyboard-interactive"
)
