package tailer

import (
	"testing"
	"time"
)

func TestParseLine(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name string
		line string
		ok   bool
		want Event
	}{
		{
			name: "join",
			line: "2024.01.15 12:34:56 Log        -  [Behaviour] OnPlayerJoined Alice (usr_aaa)",
			ok:   true,
			want: Event{Kind: EventJoin, DisplayName: "Alice", UserID: "usr_aaa"},
		},
		{
			name: "leave",
			line: "2024.01.15 12:35:00 Log        -  [Behaviour] OnPlayerLeft Alice (usr_aaa)",
			ok:   true,
			want: Event{Kind: EventLeave, DisplayName: "Alice", UserID: "usr_aaa"},
		},
		{
			name: "name with parentheses",
			line: "2024.01.15 12:34:56 Log        -  [Behaviour] OnPlayerJoined Bob (the builder) (usr_bbb)",
			ok:   true,
			want: Event{Kind: EventJoin, DisplayName: "Bob (the builder)", UserID: "usr_bbb"},
		},
		{
			name: "left room marker is not a leave",
			line: "2024.01.15 12:36:00 Log        -  [Behaviour] OnPlayerLeftRoom",
			ok:   false,
		},
		{
			name: "unrelated line",
			line: "2024.01.15 12:34:56 Log        -  [Network] something else entirely",
			ok:   false,
		},
		{
			name: "marker without identifier",
			line: "2024.01.15 12:34:56 Log        -  [Behaviour] OnPlayerJoined Alice",
			ok:   false,
		},
		{
			name: "empty identifier",
			line: "2024.01.15 12:34:56 Log        -  [Behaviour] OnPlayerJoined Alice ()",
			ok:   false,
		},
		{
			name: "windows line ending",
			line: "2024.01.15 12:34:56 Log        -  [Behaviour] OnPlayerJoined Alice (usr_aaa)\r",
			ok:   true,
			want: Event{Kind: EventJoin, DisplayName: "Alice", UserID: "usr_aaa"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := parseLine(tc.line, now)
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if !ok {
				return
			}
			if got.Kind != tc.want.Kind || got.DisplayName != tc.want.DisplayName || got.UserID != tc.want.UserID {
				t.Errorf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}
