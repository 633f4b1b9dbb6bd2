package rterr

import (
	"errors"
	"strings"
	"testing"
)

func TestErrorFormatsWithoutContext(t *testing.T) {
	e := New(KindLoad, "bad magic %#x", 0x1234)
	got := e.Error()
	if got != "Load: bad magic 0x1234" {
		t.Fatalf("Error() = %q", got)
	}
}

func TestErrorFormatsWithContext(t *testing.T) {
	e := New(KindRuntime, "DIV_I32 by zero").WithContext(2, 13, "div.i32", "", 10, 4, []CallContext{
		{FuncIndex: 0, FuncName: "main", Line: 3, Column: 1},
	})
	got := e.Error()
	for _, want := range []string{"Runtime:", "func 2", "pc 13", "op div.i32", "line 10:4", "called from main"} {
		if !strings.Contains(got, want) {
			t.Fatalf("Error() = %q, missing %q", got, want)
		}
	}
}

func TestErrorFormatsDecodedOperands(t *testing.T) {
	e := New(KindRuntime, "call: method 7 does not exist").
		WithContext(1, 8, "call", "target 7 arity 2", 0, 0, []CallContext{
			{FuncIndex: 0, FuncName: "main", Operands: "target 1 arity 0"},
		})
	got := e.Error()
	for _, want := range []string{"op call", "target 7 arity 2", "called from main", "target 1 arity 0"} {
		if !strings.Contains(got, want) {
			t.Fatalf("Error() = %q, missing %q", got, want)
		}
	}
}

func TestWithContextCopies(t *testing.T) {
	base := New(KindTrap, "boom")
	ctx := base.WithContext(1, 2, "trap", "", 0, 0, nil)
	if base.FuncIndex != 0 || base.Opcode != "" {
		t.Fatal("WithContext mutated the original error")
	}
	if ctx.FuncIndex != 1 || ctx.Opcode != "trap" {
		t.Fatalf("context not applied: %+v", ctx)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk on fire")
	e := Wrap(KindHostImportError, cause, "resolving imports")
	if !errors.Is(e, cause) {
		t.Fatal("wrapped cause lost from the errors.Is chain")
	}
	if e.Cause() == nil {
		t.Fatal("Cause() is nil")
	}
}

func TestIsKind(t *testing.T) {
	e := New(KindVerify, "lane mismatch")
	if !IsKind(e, KindVerify) {
		t.Fatal("IsKind(KindVerify) = false")
	}
	if IsKind(e, KindLoad) {
		t.Fatal("IsKind(KindLoad) = true")
	}
	if IsKind(errors.New("plain"), KindLoad) {
		t.Fatal("plain errors have no kind")
	}
}
