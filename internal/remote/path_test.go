package remote

import (
	"errors"
	"testing"
)

func TestJoin(t *testing.T) {
	if got := Join("users", "u1"); got != "users/u1" {
		t.Errorf("Join = %q", got)
	}
	if got := Join("messages", "u1", "u2", "m1"); got != "messages/u1/u2/m1" {
		t.Errorf("Join = %q", got)
	}
}

func TestSplit(t *testing.T) {
	segments, err := Split("users/u1")
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(segments) != 2 || segments[0] != "users" || segments[1] != "u1" {
		t.Errorf("segments = %v", segments)
	}

	invalid := []string{"", "/users", "users/", "users//u1"}
	for _, path := range invalid {
		if _, err := Split(path); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("Split(%q) = %v, want ErrInvalidPath", path, err)
		}
	}
}

func TestIsPrefix(t *testing.T) {
	testCases := []struct {
		prefix string
		path   string
		want   bool
	}{
		{"users", "users/u1", true},
		{"users", "users", true},
		{"users/u1", "users/u1/name", true},
		{"users/u1", "users/u10", false},
		{"users", "chats/u1", false},
		{"users/u1", "users", false},
	}
	for _, tc := range testCases {
		if got := IsPrefix(tc.prefix, tc.path); got != tc.want {
			t.Errorf("IsPrefix(%q, %q) = %v, want %v", tc.prefix, tc.path, got, tc.want)
		}
	}
}

func TestPushKey_Ordered(t *testing.T) {
	prev := ""
	for i := 0; i < 50; i++ {
		key := PushKey()
		if key <= prev {
			t.Fatalf("push keys out of order: %q after %q", key, prev)
		}
		prev = key
	}
}
