package openpgp

import (
	"errors"
	"testing"

	"github.com/hwsecurity-go/hwsecurity/secret"
	"github.com/hwsecurity-go/hwsecurity/taxonomy"
)

func openTestConnection(t *testing.T, extra ...[]byte) *scriptedTransport {
	t.Helper()
	replies := [][]byte{okResponse(), applicationRelatedDataOK(t)}
	replies = append(replies, extra...)
	return &scriptedTransport{replies: replies}
}

func TestVerifiedRetries_AlreadyVerified(t *testing.T) {
	st := openTestConnection(t, okResponse())
	conn, err := Open(st)
	if err != nil {
		t.Fatal(err)
	}
	remaining, verified, err := conn.VerifiedRetries(PW1)
	if err != nil {
		t.Fatalf("VerifiedRetries() error = %v", err)
	}
	if !verified || remaining != 0 {
		t.Errorf("got (%d, %v), want (0, true)", remaining, verified)
	}
}

func TestVerifiedRetries_NotYetVerified(t *testing.T) {
	st := openTestConnection(t, []byte{0x63, 0xC3})
	conn, err := Open(st)
	if err != nil {
		t.Fatal(err)
	}
	remaining, verified, err := conn.VerifiedRetries(PW1)
	if err != nil {
		t.Fatalf("VerifiedRetries() error = %v", err)
	}
	if verified || remaining != 3 {
		t.Errorf("got (%d, %v), want (3, false)", remaining, verified)
	}
}

func TestModifyPin(t *testing.T) {
	st := openTestConnection(t, okResponse())
	conn, err := Open(st)
	if err != nil {
		t.Fatal(err)
	}
	conn.pw1Verified = true

	old := secret.FromString("123456")
	next := secret.FromString("654321")
	if err := conn.ModifyPin(PW1, old, next); err != nil {
		t.Fatalf("ModifyPin() error = %v", err)
	}
	if conn.pw1Verified {
		t.Error("pw1Verified should be cleared after CHANGE REFERENCE DATA, card requires re-verification")
	}

	sent := st.sent[len(st.sent)-1]
	wantData := append(append([]byte{}, old.Bytes()...), next.Bytes()...)
	gotData := sent[5:]
	if string(gotData) != string(wantData) {
		t.Errorf("data field = %x, want %x", gotData, wantData)
	}
}

func TestResetRetryCounter(t *testing.T) {
	st := openTestConnection(t, okResponse())
	conn, err := Open(st)
	if err != nil {
		t.Fatal(err)
	}
	conn.pw1Verified = true

	rc := secret.FromString("resetcode")
	newPIN := secret.FromString("999999")
	if err := conn.ResetRetryCounter(rc, newPIN); err != nil {
		t.Fatalf("ResetRetryCounter() error = %v", err)
	}
	if conn.pw1Verified {
		t.Error("pw1Verified should be cleared after RESET RETRY COUNTER")
	}
}

func TestResetRetryCounterWithAdmin_RequiresPW3(t *testing.T) {
	st := openTestConnection(t)
	conn, err := Open(st)
	if err != nil {
		t.Fatal(err)
	}

	newPIN := secret.FromString("999999")
	err = conn.ResetRetryCounterWithAdmin(newPIN)
	if !errors.Is(err, taxonomy.ErrSecurityNotSatisfied) {
		t.Fatalf("ResetRetryCounterWithAdmin() error = %v, want ErrSecurityNotSatisfied", err)
	}
}

func TestResetRetryCounterWithAdmin_Success(t *testing.T) {
	st := openTestConnection(t, okResponse())
	conn, err := Open(st)
	if err != nil {
		t.Fatal(err)
	}
	conn.pw3Verified = true

	newPIN := secret.FromString("999999")
	if err := conn.ResetRetryCounterWithAdmin(newPIN); err != nil {
		t.Fatalf("ResetRetryCounterWithAdmin() error = %v", err)
	}
}
