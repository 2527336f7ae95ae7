package message

import (
	"errors"
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		want    string
		wantErr error
	}{
		{"plain", "hi", "hi", nil},
		{"trimmed", "  hello \n", "hello", nil},
		{"empty", "", "", ErrEmptyMessage},
		{"blank", " \t\n ", "", ErrEmptyMessage},
		{"invalid utf8", "ok\xff", "", ErrInvalidEncoding},
		{"too many bytes", strings.Repeat("é", MaxMessageBytes), "", ErrMessageTooLong},
		{"too many runes", strings.Repeat("a", MaxTextChars+1), "", ErrMessageTooLong},
		{"exactly max runes", strings.Repeat("a", MaxTextChars), strings.Repeat("a", MaxTextChars), nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Normalize(tc.in)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("expected %q, got %q", tc.want, got)
			}
		})
	}
}
