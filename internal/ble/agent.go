package ble

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"os"
)

// maxPasskey is the exclusive upper bound of a 6-digit PIN or passkey.
const maxPasskey = 1_000_000

// ErrRejected is returned when the operator declines a pairing request.
var ErrRejected = errors.New("ble: pairing rejected")

// TrustError reports a failure to mark a peer as trusted. It does not abort
// pairing.
type TrustError struct {
	Device string
	Err    error
}

func (e *TrustError) Error() string {
	return fmt.Sprintf("ble: trust %s: %v", e.Device, e.Err)
}

func (e *TrustError) Unwrap() error { return e.Err }

// PairingRequest identifies the adapter and peer a pairing callback is for.
type PairingRequest struct {
	Adapter string
	Device  string
}

// AgentSession is handed to every pairing callback so it can act on the
// adapter that invoked it.
type AgentSession interface {
	SetTrusted(ctx context.Context, req PairingRequest, trusted bool) error
}

// Authenticator asks the operator a yes/no question. Confirm blocks until
// the operator answers or ctx is done.
type Authenticator interface {
	Confirm(ctx context.Context, question string) (bool, error)
}

// PairingAgent implements the authentication callbacks BlueZ invokes while
// bonding with a peer. Callbacks may run concurrently with each other and
// with the ANCS session.
type PairingAgent struct {
	auth Authenticator
	out  io.Writer
	rand io.Reader
}

// NewPairingAgent creates an agent that prompts through auth and prints
// PINs and passkeys to out (os.Stdout if nil).
func NewPairingAgent(auth Authenticator, out io.Writer) *PairingAgent {
	if out == nil {
		out = os.Stdout
	}
	return &PairingAgent{auth: auth, out: out, rand: rand.Reader}
}

func (a *PairingAgent) randomCode() (uint32, error) {
	n, err := rand.Int(a.rand, big.NewInt(maxPasskey))
	if err != nil {
		return 0, fmt.Errorf("ble: generate code: %w", err)
	}
	return uint32(n.Int64()), nil
}

// RequestPinCode returns a random zero-padded 6-digit PIN.
func (a *PairingAgent) RequestPinCode(_ context.Context, _ AgentSession, req PairingRequest) (string, error) {
	code, err := a.randomCode()
	if err != nil {
		return "", err
	}
	slog.Debug("[AGENT] generated PIN code", "device", req.Device)
	return fmt.Sprintf("%06d", code), nil
}

// DisplayPinCode shows pin to the operator.
func (a *PairingAgent) DisplayPinCode(_ context.Context, _ AgentSession, req PairingRequest, pin string) error {
	fmt.Fprintf(a.out, "PIN code for device %s on %s is %q\n", req.Device, req.Adapter, pin)
	return nil
}

// RequestPasskey returns a random passkey in [0, 999999].
func (a *PairingAgent) RequestPasskey(_ context.Context, _ AgentSession, req PairingRequest) (uint32, error) {
	code, err := a.randomCode()
	if err != nil {
		return 0, err
	}
	slog.Debug("[AGENT] generated passkey", "device", req.Device)
	return code, nil
}

// DisplayPasskey shows passkey to the operator. entered is the number of
// digits typed on the remote side so far.
func (a *PairingAgent) DisplayPasskey(_ context.Context, _ AgentSession, req PairingRequest, passkey uint32, entered uint16) error {
	fmt.Fprintf(a.out, "Passkey for device %s on %s is \"%06d\" (%d digits entered)\n", req.Device, req.Adapter, passkey, entered)
	return nil
}

// RequestConfirmation asks the operator to confirm passkey. A "no" returns
// ErrRejected. On "yes" the peer is trusted; a trust failure is logged and
// pairing proceeds.
func (a *PairingAgent) RequestConfirmation(ctx context.Context, sess AgentSession, req PairingRequest, passkey uint32) error {
	question := fmt.Sprintf("Is passkey \"%06d\" correct for device %s on %s?", passkey, req.Device, req.Adapter)
	ok, err := a.auth.Confirm(ctx, question)
	if err != nil {
		return fmt.Errorf("ble: confirm passkey: %w", err)
	}
	if !ok {
		slog.Info("[AGENT] pairing rejected by operator", "device", req.Device)
		return ErrRejected
	}
	a.trust(ctx, sess, req)
	return nil
}

// RequestAuthorization trusts the peer without asking the operator.
func (a *PairingAgent) RequestAuthorization(ctx context.Context, sess AgentSession, req PairingRequest) error {
	a.trust(ctx, sess, req)
	return nil
}

func (a *PairingAgent) trust(ctx context.Context, sess AgentSession, req PairingRequest) {
	if err := sess.SetTrusted(ctx, req, true); err != nil {
		slog.Warn("[AGENT] cannot trust device", "error", &TrustError{Device: req.Device, Err: err})
		return
	}
	slog.Info("[AGENT] device trusted", "device", req.Device)
}
