package peer

import "testing"

func TestCanEmit(t *testing.T) {
	cases := []struct {
		state State
		want  bool
	}{
		{StateUninitialized, false},
		{StateConnecting, false},
		{StateConnected, true},
		{StateDisconnecting, true},
		{StateDisconnected, false},
	}
	for _, c := range cases {
		if got := canEmit(c.state); got != c.want {
			t.Errorf("canEmit(%s) = %v, want %v", c.state, got, c.want)
		}
	}
}

func TestState_String(t *testing.T) {
	if StateConnected.String() != "Connected" {
		t.Errorf("got %q, want %q", StateConnected.String(), "Connected")
	}
	if State(99).String() == "" {
		t.Errorf("unknown state should still render something")
	}
}
