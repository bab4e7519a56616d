package health

import (
	"fmt"
	"reflect"
	"testing"
)

func TestLogBufferTail(t *testing.T) {
	b := NewLogBuffer(10)
	for i := 1; i <= 3; i++ {
		fmt.Fprintf(b, "line %d\n", i)
	}

	if got := b.Tail(2); !reflect.DeepEqual(got, []string{"line 2", "line 3"}) {
		t.Fatalf("Tail(2)=%v", got)
	}
	if got := b.Tail(0); len(got) != 3 {
		t.Fatalf("Tail(0)=%v, expected everything", got)
	}
	if got := b.Tail(100); len(got) != 3 {
		t.Fatalf("Tail(100)=%v, expected clamp to size", got)
	}
}

func TestLogBufferWrapsAround(t *testing.T) {
	b := NewLogBuffer(3)
	for i := 1; i <= 5; i++ {
		fmt.Fprintf(b, "line %d\n", i)
	}

	want := []string{"line 3", "line 4", "line 5"}
	if got := b.Tail(0); !reflect.DeepEqual(got, want) {
		t.Fatalf("Tail=%v, expected %v", got, want)
	}
}

func TestLogBufferHoldsPartialLines(t *testing.T) {
	b := NewLogBuffer(10)
	if _, err := b.Write([]byte("par")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := b.Tail(0); len(got) != 0 {
		t.Fatalf("Tail=%v, expected unterminated fragment held back", got)
	}

	if _, err := b.Write([]byte("tial\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := b.Tail(0); len(got) != 1 || got[0] != "partial" {
		t.Fatalf("Tail=%v", got)
	}
}

func TestLogBufferEmpty(t *testing.T) {
	b := NewLogBuffer(5)
	if got := b.Tail(10); len(got) != 0 {
		t.Fatalf("Tail on empty buffer=%v", got)
	}
}
