package transport

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"slices"

	"evssh/pkg/conf"
	"evssh/pkg/metrics"
	"evssh/pkg/slog"

	"golang.org/x/crypto/ssh"
)

// hintAuthenticated is set on the packet stream after USERAUTH_SUCCESS
const hintAuthenticated = "authenticated"

// AuthSession drives the userauth protocol over an AUTHENTICATING
// connection
type AuthSession struct {
	conn    *Connection
	logger  *slog.Logger
	methods []string
	signers []ssh.Signer

	// allowed is what the last USERAUTH_FAILURE offered
	allowed []string
	tried   []string
}

func NewAuthSession(c *Connection, methods []string, signers []ssh.Signer) *AuthSession {
	if len(methods) == 0 {
		methods = conf.AuthMethods
	}
	return &AuthSession{
		conn:    c,
		logger:  c.logger.Named("auth"),
		methods: methods,
		signers: signers,
	}
}

// Allowed returns the methods the server accepts for continuing
func (a *AuthSession) Allowed() []string {
	return a.allowed
}

// Tried returns the methods attempted so far
func (a *AuthSession) Tried() []string {
	return a.tried
}

// Authenticate requests the userauth service and tries each configured
// method until one succeeds. service is the service started afterwards,
// normally ssh-connection. It returns false once every method failed.
func (a *AuthSession) Authenticate(ctx context.Context, service, user, password string) (bool, error) {
	if err := a.conn.Send(ctx, &serviceRequestMsg{Service: conf.SSHServiceUserAuth}); err != nil {
		return false, err
	}
	p, err := a.NextMessage(ctx)
	if err != nil {
		return false, err
	}
	if p.Type != MsgServiceAccept {
		return false, protocolErrorf("expected SERVICE_ACCEPT, got %s", p.Type)
	}

	ok, err := a.attempt(ctx, conf.AuthMethodNone, user, service, nil)
	if err != nil || ok {
		return ok, err
	}

	for _, method := range a.methods {
		if !slices.Contains(a.allowed, method) {
			a.logger.Debugf("Skipping %s, server allows %v", method, a.allowed)
			continue
		}
		switch method {
		case conf.AuthMethodPublicKey:
			for _, signer := range a.signers {
				if ok, err = a.publicKey(ctx, user, service, signer); err != nil || ok {
					return ok, err
				}
			}
		case conf.AuthMethodPassword:
			if password == "" {
				continue
			}
			payload := Marshal(&struct {
				Change   bool
				Password string
			}{Password: password})
			if ok, err = a.attempt(ctx, method, user, service, payload); err != nil || ok {
				return ok, err
			}
		case conf.AuthMethodKeyboardInteractive:
			if ok, err = a.keyboardInteractive(ctx, user, service, password); err != nil || ok {
				return ok, err
			}
		}
	}
	return false, nil
}

// attempt sends one USERAUTH_REQUEST and waits for its verdict
func (a *AuthSession) attempt(ctx context.Context, method, user, service string, payload []byte) (bool, error) {
	a.tried = append(a.tried, method)
	err := a.conn.Send(ctx, &userAuthRequestMsg{
		User:    user,
		Service: service,
		Method:  method,
		Payload: payload,
	})
	if err != nil {
		return false, err
	}
	p, err := a.NextMessage(ctx)
	if err != nil {
		return false, err
	}
	return a.verdict(method, p)
}

func (a *AuthSession) verdict(method string, p *Packet) (bool, error) {
	switch p.Type {
	case MsgUserAuthSuccess:
		metrics.AuthAttemptsTotal.WithLabelValues(method, "success").Inc()
		a.logger.DebugWith("Authenticated", slog.F("method", method))
		return true, nil
	case MsgUserAuthFailure:
		metrics.AuthAttemptsTotal.WithLabelValues(method, "failure").Inc()
		a.logger.DebugWith("Authentication method failed", slog.F("method", method), slog.F("allowed", a.allowed))
		return false, nil
	}
	return false, protocolErrorf("unexpected %s answering %s authentication", p.Type, method)
}

// NextMessage returns the next message relevant to authentication.
// Banners are reported through EventAuthBanner and skipped.
func (a *AuthSession) NextMessage(ctx context.Context) (*Packet, error) {
	for {
		p, err := a.conn.NextMessage(ctx)
		if err != nil {
			return nil, err
		}
		switch {
		case p.Type == MsgUserAuthBanner:
			var banner userAuthBannerMsg
			if err = p.Decode(&banner); err != nil {
				return nil, err
			}
			a.logger.Infof("%s", banner.Message)
			if err = a.conn.loop.Call(ctx, func() { a.conn.events.Fire(EventAuthBanner, banner.Message) }); err != nil {
				return nil, a.conn.callError(err)
			}
		case p.Type == MsgUserAuthFailure:
			var failure userAuthFailureMsg
			if err = p.Decode(&failure); err != nil {
				return nil, err
			}
			a.allowed = failure.Methods
			return p, nil
		case p.Type.IsUserAuthMethodSpecific(), p.Type == MsgServiceAccept:
			return p, nil
		case p.Type == MsgUserAuthSuccess:
			if err = a.conn.hint(ctx, hintAuthenticated); err != nil {
				return nil, err
			}
			return p, nil
		default:
			return nil, protocolErrorf("unexpected %s during authentication", p.Type)
		}
	}
}

func (a *AuthSession) publicKey(ctx context.Context, user, service string, signer ssh.Signer) (bool, error) {
	pub := signer.PublicKey()
	algo := pub.Type()
	sign := func(data []byte) (*ssh.Signature, error) {
		return signer.Sign(rand.Reader, data)
	}
	if algo == ssh.KeyAlgoRSA {
		if as, ok := signer.(ssh.AlgorithmSigner); ok {
			algo = ssh.KeyAlgoRSASHA256
			sign = func(data []byte) (*ssh.Signature, error) {
				return as.SignWithAlgorithm(rand.Reader, data, ssh.KeyAlgoRSASHA256)
			}
		}
	}

	pubBlob := pub.Marshal()
	data := Marshal(&struct {
		Session []byte
		Type    byte
		User    string
		Service string
		Method  string
		Sign    bool
		Algo    string
		PubKey  []byte
	}{
		Session: a.conn.SessionID(),
		Type:    byte(MsgUserAuthRequest),
		User:    user,
		Service: service,
		Method:  conf.AuthMethodPublicKey,
		Sign:    true,
		Algo:    algo,
		PubKey:  pubBlob,
	})
	sig, err := sign(data)
	if err != nil {
		return false, fmt.Errorf("signing with %s key: %w", pub.Type(), err)
	}
	payload := Marshal(&struct {
		Sign   bool
		Algo   string
		PubKey []byte
		Sig    []byte
	}{true, algo, pubBlob, ssh.Marshal(sig)})

	a.logger.DebugWith("Trying public key", slog.F("algo", algo), slog.F("fingerprint", ssh.FingerprintSHA256(pub)))
	return a.attempt(ctx, conf.AuthMethodPublicKey, user, service, payload)
}

// keyboardInteractive answers every prompt with password
func (a *AuthSession) keyboardInteractive(ctx context.Context, user, service, password string) (bool, error) {
	method := conf.AuthMethodKeyboardInteractive
	a.tried = append(a.tried, method)
	err := a.conn.Send(ctx, &userAuthRequestMsg{
		User:    user,
		Service: service,
		Method:  method,
		Payload: Marshal(&struct {
			Language   string
			Submethods string
		}{}),
	})
	if err != nil {
		return false, err
	}

	for {
		p, err := a.NextMessage(ctx)
		if err != nil {
			return false, err
		}
		if p.Type != MsgUserAuthInfoRequest {
			return a.verdict(method, p)
		}
		var req userAuthInfoRequestMsg
		if err = p.Decode(&req); err != nil {
			return false, err
		}
		prompts, err := parsePrompts(req.Prompts, req.NumPrompts)
		if err != nil {
			return false, err
		}
		a.logger.DebugWith("Keyboard interactive challenge", slog.F("name", req.Name), slog.F("prompts", prompts))
		answers := make([]string, len(prompts))
		for i := range answers {
			answers[i] = password
		}
		if err = a.conn.SendPayload(ctx, infoResponse(answers).payload()); err != nil {
			return false, err
		}
	}
}

// parsePrompts reads n prompts. Every count and length comes from the
// server and is checked against the bytes actually received.
func parsePrompts(rest []byte, n uint32) ([]string, error) {
	// A prompt takes at least 5 bytes: its length and its echo flag
	if uint64(n)*5 > uint64(len(rest)) {
		return nil, protocolErrorf("keyboard interactive request announces %d prompts in %d bytes", n, len(rest))
	}
	prompts := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(rest) < 4 {
			return nil, protocolErrorf("short keyboard interactive prompt")
		}
		l := binary.BigEndian.Uint32(rest)
		rest = rest[4:]
		// Each prompt is followed by its echo flag
		if uint64(len(rest)) < uint64(l)+1 {
			return nil, protocolErrorf("short keyboard interactive prompt")
		}
		prompts = append(prompts, string(rest[:l]))
		rest = rest[l+1:]
	}
	return prompts, nil
}

// infoResponse is a USERAUTH_INFO_RESPONSE, whose answer count is
// variable and so has no message struct
type infoResponse []string

func (r infoResponse) payload() []byte {
	out := []byte{byte(MsgUserAuthInfoResponse)}
	out = binary.BigEndian.AppendUint32(out, uint32(len(r)))
	for _, s := range r {
		out = binary.BigEndian.AppendUint32(out, uint32(len(s)))
		out = append(out, s...)
	}
	return out
}
