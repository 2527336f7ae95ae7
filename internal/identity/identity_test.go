package identity

import (
	"errors"
	"testing"
	"time"
)

func TestSession_SignInOut(t *testing.T) {
	s := NewSession()
	if _, ok := s.Current(); ok {
		t.Fatal("new session should be signed out")
	}

	type change struct {
		who string
		in  bool
	}
	var changes []change
	cancel := s.OnChange(func(p string, in bool) { changes = append(changes, change{p, in}) })

	s.SignIn("U1")
	s.SignIn("U1")
	s.SignIn("U2")
	s.SignOut()
	cancel()
	s.SignIn("U3")

	want := []change{{"U1", true}, {"U2", true}, {"", false}}
	if len(changes) != len(want) {
		t.Fatalf("expected %v, got %v", want, changes)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("change %d: expected %v, got %v", i, want[i], changes[i])
		}
	}
	if p, ok := s.Current(); !ok || p != "U3" {
		t.Errorf("Current() = %q, %v", p, ok)
	}
}

func TestJWTVerifier(t *testing.T) {
	v := NewJWTVerifier("s3cret", "yanyu")

	tok, err := v.Issue("U1", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	who, err := v.Verify(tok)
	if err != nil || who != "U1" {
		t.Fatalf("Verify = %q, %v", who, err)
	}

	expired, _ := v.Issue("U1", -time.Minute)
	otherKey, _ := NewJWTVerifier("other", "yanyu").Issue("U1", time.Minute)
	otherIss, _ := NewJWTVerifier("s3cret", "elsewhere").Issue("U1", time.Minute)
	noSubject, _ := v.Issue("", time.Minute)

	cases := map[string]string{
		"garbage":    "not.a.token",
		"expired":    expired,
		"wrong key":  otherKey,
		"wrong iss":  otherIss,
		"no subject": noSubject,
	}
	for name, tok := range cases {
		if _, err := v.Verify(tok); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
}
