package channels

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/cyph3rasi/kyber/pkg/models"
)

func TestDeliveryErrorClassification(t *testing.T) {
	permanent := []ErrorCode{ErrCodeNotFound, ErrCodeForbidden, ErrCodeInvalidInput}
	for _, code := range permanent {
		err := PermanentDelivery(code, "nope", nil)
		if !err.Permanent() {
			t.Errorf("%s should be permanent", code)
		}
		if !IsPermanentDelivery(err) {
			t.Errorf("IsPermanentDelivery(%s) = false", code)
		}
	}

	transient := []ErrorCode{ErrCodeRateLimit, ErrCodeTimeout, ErrCodeConnection, ErrCodeUnavailable}
	for _, code := range transient {
		err := TemporaryDelivery(code, "later", nil)
		if err.Permanent() {
			t.Errorf("%s should be transient", code)
		}
		if IsPermanentDelivery(err) {
			t.Errorf("IsPermanentDelivery(%s) = true", code)
		}
	}
}

func TestIsPermanentDeliveryUnwraps(t *testing.T) {
	inner := PermanentDelivery(ErrCodeForbidden, "blocked", nil)
	wrapped := fmt.Errorf("send failed: %w", inner)
	if !IsPermanentDelivery(wrapped) {
		t.Error("wrapped permanent error not recognized")
	}
	if IsPermanentDelivery(errors.New("plain")) {
		t.Error("unclassified error treated as permanent; it must be retried")
	}
}

func TestAllowlist(t *testing.T) {
	var open Allowlist
	if !open.Allows("anyone") {
		t.Error("empty allowlist must admit everyone")
	}

	restricted := Allowlist{"111", "222"}
	if !restricted.Allows("111") {
		t.Error("listed sender rejected")
	}
	if restricted.Allows("333") {
		t.Error("unlisted sender admitted")
	}
}

// fakeAdapter is a minimal adapter for manager tests.
type fakeAdapter struct {
	name     string
	startErr error
	started  bool
	stopped  bool
}

func (f *fakeAdapter) Name() string { return f.name }
func (f *fakeAdapter) Start(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}
func (f *fakeAdapter) Stop(ctx context.Context) error {
	f.stopped = true
	return nil
}
func (f *fakeAdapter) Send(ctx context.Context, msg models.OutboundMessage) error { return nil }

func TestManagerLookup(t *testing.T) {
	m := NewManager(nil)
	m.Register(&fakeAdapter{name: "telegram"})

	if _, ok := m.Get("telegram"); !ok {
		t.Error("registered adapter not found")
	}
	if _, ok := m.Get("discord"); ok {
		t.Error("unregistered adapter found")
	}
}

func TestStartAllRollsBackOnFailure(t *testing.T) {
	good := &fakeAdapter{name: "good"}
	bad := &fakeAdapter{name: "bad", startErr: errors.New("no network")}

	m := NewManager(nil)
	m.Register(good)
	m.Register(bad)

	err := m.StartAll(context.Background())
	if err == nil {
		t.Fatal("StartAll should fail when one adapter fails")
	}
	// Whichever adapter started before the failure must be stopped again.
	if good.started && !good.stopped {
		t.Error("started adapter was not stopped after rollback")
	}
}
