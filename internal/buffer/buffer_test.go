package buffer

import "testing"

func TestBufferAppendAndSize(t *testing.T) {
	b := New(0)
	b.Append([]byte("hello"))
	b.Append([]byte(", world"))

	if got, want := b.Size(), len("hello, world"); got != want {
		t.Fatalf("Size() = %d, want %d", got, want)
	}
	if got, want := string(b.Data()), "hello, world"; got != want {
		t.Fatalf("Data() = %q, want %q", got, want)
	}
}

func TestBufferSetData(t *testing.T) {
	b := New(4)
	b.Append([]byte("xxxxxxxx"))
	b.SetData([]byte("abcdef"), 3)

	if got, want := string(b.Data()), "abc"; got != want {
		t.Fatalf("Data() = %q, want %q", got, want)
	}
}

func TestBufferRemoveHead(t *testing.T) {
	b := New(0)
	b.Append([]byte("0123456789"))
	b.RemoveHead(4)

	if got, want := string(b.Data()), "456789"; got != want {
		t.Fatalf("Data() = %q, want %q", got, want)
	}

	b.RemoveHead(100)
	if got := b.Size(); got != 0 {
		t.Fatalf("Size() after over-removal = %d, want 0", got)
	}
}

func TestBufferZeroize(t *testing.T) {
	b := New(0)
	b.Append([]byte("secret-key-material"))
	data := b.Data()

	b.Zeroize()

	for i, c := range data {
		if c != 0 {
			t.Fatalf("byte %d not zeroized: %v", i, c)
		}
	}
	if got := b.Size(); got != 0 {
		t.Fatalf("Size() after Zeroize = %d, want 0", got)
	}
}
