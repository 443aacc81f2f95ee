package iface

import "testing"

func TestImplements(t *testing.T) {
	impl := New("nameio/block", 4, 0, 2)

	cases := []struct {
		req  Iface
		want bool
	}{
		{New("nameio/block", 4, 0, 0), true},
		{New("nameio/block", 3, 0, 0), true},
		{New("nameio/block", 2, 0, 0), true},
		{New("nameio/block", 1, 0, 0), false},
		{New("nameio/block", 5, 0, 0), false},
		{New("nameio/stream", 4, 0, 0), false},
	}
	for _, c := range cases {
		if got := impl.Implements(c.req); got != c.want {
			t.Errorf("%s.Implements(%s) = %v, want %v", impl, c.req, got, c.want)
		}
	}
}

func TestImplementsZeroAge(t *testing.T) {
	impl := New("cipher/aes-eme", 1, 0, 0)
	if !impl.Implements(New("cipher/aes-eme", 1, 5, 3)) {
		t.Error("same major version must match regardless of revision and age of the request")
	}
	if impl.Implements(New("cipher/aes-eme", 2, 0, 0)) {
		t.Error("newer major version must not match")
	}
}
