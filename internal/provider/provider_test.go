package provider

import (
	"context"
	"testing"
)

func TestDefaultRegistryResolvesMock(t *testing.T) {
	r := Default()
	p, err := r.Build("mock", nil)
	if err != nil {
		t.Fatal(err)
	}
	text, usage, err := p.Call(context.Background(), "hello", "stage1")
	if err != nil {
		t.Fatal(err)
	}
	if text == "" || usage == nil {
		t.Fatal("expected non-empty text and usage")
	}
}

func TestRegistryUnknownProvider(t *testing.T) {
	r := NewRegistry()
	_, err := r.Build("nope", nil)
	if err == nil {
		t.Fatal("expected unknown-provider error")
	}
}
