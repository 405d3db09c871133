package ble

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
)

type mockAuthenticator struct {
	answer    bool
	err       error
	questions []string
}

func (m *mockAuthenticator) Confirm(_ context.Context, question string) (bool, error) {
	m.questions = append(m.questions, question)
	return m.answer, m.err
}

type mockAgentSession struct {
	mu      sync.Mutex
	err     error
	trusted []string
}

func (m *mockAgentSession) SetTrusted(_ context.Context, req PairingRequest, trusted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if trusted {
		m.trusted = append(m.trusted, req.Device)
	}
	return nil
}

var testRequest = PairingRequest{Adapter: "hci0", Device: "AA:BB:CC:DD:EE:FF"}

func TestRequestPinCodeRange(t *testing.T) {
	agent := NewPairingAgent(&mockAuthenticator{}, &bytes.Buffer{})
	for i := 0; i < 500; i++ {
		pin, err := agent.RequestPinCode(context.Background(), &mockAgentSession{}, testRequest)
		if err != nil {
			t.Fatalf("RequestPinCode() error = %v", err)
		}
		if len(pin) != 6 {
			t.Fatalf("RequestPinCode() = %q, want 6 digits", pin)
		}
		n, err := strconv.Atoi(pin)
		if err != nil || n < 0 || n > 999999 {
			t.Fatalf("RequestPinCode() = %q, not in [0, 999999]", pin)
		}
	}
}

func TestRequestPasskeyRange(t *testing.T) {
	agent := NewPairingAgent(&mockAuthenticator{}, &bytes.Buffer{})
	for i := 0; i < 500; i++ {
		passkey, err := agent.RequestPasskey(context.Background(), &mockAgentSession{}, testRequest)
		if err != nil {
			t.Fatalf("RequestPasskey() error = %v", err)
		}
		if passkey > 999999 {
			t.Fatalf("RequestPasskey() = %d, want <= 999999", passkey)
		}
	}
}

func TestRequestPinCodeZeroPadded(t *testing.T) {
	agent := NewPairingAgent(&mockAuthenticator{}, &bytes.Buffer{})
	agent.rand = bytes.NewReader(make([]byte, 64)) // all zeros
	pin, err := agent.RequestPinCode(context.Background(), &mockAgentSession{}, testRequest)
	if err != nil {
		t.Fatalf("RequestPinCode() error = %v", err)
	}
	if pin != "000000" {
		t.Errorf("RequestPinCode() = %q, want %q", pin, "000000")
	}
}

func TestDisplayDoesNotTrustOrPrompt(t *testing.T) {
	var out bytes.Buffer
	auth := &mockAuthenticator{answer: true}
	sess := &mockAgentSession{}
	agent := NewPairingAgent(auth, &out)

	if err := agent.DisplayPinCode(context.Background(), sess, testRequest, "012345"); err != nil {
		t.Fatalf("DisplayPinCode() error = %v", err)
	}
	if err := agent.DisplayPasskey(context.Background(), sess, testRequest, 42, 0); err != nil {
		t.Fatalf("DisplayPasskey() error = %v", err)
	}

	if len(auth.questions) != 0 || len(sess.trusted) != 0 {
		t.Error("display callbacks must not prompt or trust")
	}
	if !strings.Contains(out.String(), `"012345"`) {
		t.Errorf("output %q missing PIN", out.String())
	}
	if !strings.Contains(out.String(), `"000042"`) {
		t.Errorf("output %q missing zero-padded passkey", out.String())
	}
}

func TestRequestConfirmationAccepted(t *testing.T) {
	auth := &mockAuthenticator{answer: true}
	sess := &mockAgentSession{}
	agent := NewPairingAgent(auth, &bytes.Buffer{})

	if err := agent.RequestConfirmation(context.Background(), sess, testRequest, 123456); err != nil {
		t.Fatalf("RequestConfirmation() error = %v", err)
	}
	if len(auth.questions) != 1 || !strings.Contains(auth.questions[0], "123456") {
		t.Errorf("questions = %q, want one mentioning the passkey", auth.questions)
	}
	if len(sess.trusted) != 1 || sess.trusted[0] != testRequest.Device {
		t.Errorf("trusted = %v, want [%s]", sess.trusted, testRequest.Device)
	}
}

func TestRequestConfirmationRejected(t *testing.T) {
	sess := &mockAgentSession{}
	agent := NewPairingAgent(&mockAuthenticator{answer: false}, &bytes.Buffer{})

	err := agent.RequestConfirmation(context.Background(), sess, testRequest, 1)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("RequestConfirmation() error = %v, want ErrRejected", err)
	}
	if len(sess.trusted) != 0 {
		t.Error("rejected peer was trusted")
	}
}

func TestRequestConfirmationTrustFailureIsNotFatal(t *testing.T) {
	sess := &mockAgentSession{err: errors.New("mock: org.bluez.Error.Failed")}
	agent := NewPairingAgent(&mockAuthenticator{answer: true}, &bytes.Buffer{})

	if err := agent.RequestConfirmation(context.Background(), sess, testRequest, 1); err != nil {
		t.Errorf("RequestConfirmation() error = %v, want nil despite trust failure", err)
	}
}

func TestRequestConfirmationAuthenticatorError(t *testing.T) {
	agent := NewPairingAgent(&mockAuthenticator{err: context.Canceled}, &bytes.Buffer{})
	err := agent.RequestConfirmation(context.Background(), &mockAgentSession{}, testRequest, 1)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("RequestConfirmation() error = %v, want context.Canceled", err)
	}
}

func TestRequestAuthorizationTrustsWithoutPrompt(t *testing.T) {
	auth := &mockAuthenticator{answer: false}
	sess := &mockAgentSession{}
	agent := NewPairingAgent(auth, &bytes.Buffer{})

	if err := agent.RequestAuthorization(context.Background(), sess, testRequest); err != nil {
		t.Fatalf("RequestAuthorization() error = %v", err)
	}
	if len(auth.questions) != 0 {
		t.Error("RequestAuthorization prompted the operator")
	}
	if len(sess.trusted) != 1 {
		t.Errorf("trusted = %v, want one device", sess.trusted)
	}

	sess.err = errors.New("mock: trust failed")
	if err := agent.RequestAuthorization(context.Background(), sess, testRequest); err != nil {
		t.Errorf("RequestAuthorization() error = %v, want nil despite trust failure", err)
	}
}
