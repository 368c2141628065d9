package buffer

import "testing"

func TestAppendGrows(t *testing.T) {
	b := New(4)
	for i := 0; i < 20; i++ {
		b.AppendByte('a')
	}
	if b.Len() != 20 {
		t.Fatalf("len = %d, want 20", b.Len())
	}
	if b.Cap()%4 != 0 {
		t.Fatalf("cap %d not a multiple of increment 4", b.Cap())
	}
}

func TestAppendBoundedString(t *testing.T) {
	b := New(0)
	b.AppendBoundedString("hello world", 5)
	if b.String() != "hello" {
		t.Fatalf("got %q, want %q", b.String(), "hello")
	}
}

func TestAppendf(t *testing.T) {
	b := New(0)
	b.AppendString("250-")
	b.Appendf("%s\r\n", "example.org")
	if b.String() != "250-example.org\r\n" {
		t.Fatalf("got %q", b.String())
	}
}

func TestReset(t *testing.T) {
	b := New(0)
	b.AppendString("abc")
	cap1 := b.Cap()
	b.Reset()
	if b.Len() != 0 {
		t.Fatalf("len after reset = %d, want 0", b.Len())
	}
	if b.Cap() != cap1 {
		t.Fatalf("cap after reset = %d, want unchanged %d", b.Cap(), cap1)
	}
}
