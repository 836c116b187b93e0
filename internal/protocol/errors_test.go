package protocol

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsFatalByClass(t *testing.T) {
	cases := []struct {
		err   error
		fatal bool
		class string
	}{
		{nil, false, "none"},
		{fmt.Errorf("%w: eof", ErrTransport), true, "transport"},
		{fmt.Errorf("%w: short header", ErrFraming), true, "framing"},
		{fmt.Errorf("%w: bad utf-8", ErrDecode), true, "decode"},
		{fmt.Errorf("%w: unknown object", ErrProtocol), true, "protocol"},
		{fmt.Errorf("%w: range exhausted", ErrResource), false, "resource"},
		{errors.New("other"), false, "other"},
	}
	for _, tc := range cases {
		if got := IsFatal(tc.err); got != tc.fatal {
			t.Fatalf("IsFatal(%v)=%v want %v", tc.err, got, tc.fatal)
		}
		if got := Class(tc.err); got != tc.class {
			t.Fatalf("Class(%v)=%q want %q", tc.err, got, tc.class)
		}
	}
}

func TestIDRangesDisjoint(t *testing.T) {
	if IsServerID(ClientIDMax) || IsClientID(ServerIDMin) {
		t.Fatalf("client and server ranges overlap")
	}
	if IsClientID(NullID) || IsServerID(NullID) {
		t.Fatalf("null id must not belong to any range")
	}
	if !IsClientID(DisplayID) {
		t.Fatalf("display id must be in client range")
	}
}
