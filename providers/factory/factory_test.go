package factory

import "testing"

func TestNew_Anthropic(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-anthropic-key")

	p, err := New("anthropic")
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if p.Name() != "anthropic" {
		t.Fatalf("expected anthropic provider, got %q", p.Name())
	}
}

func TestNew_OpenAI(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "test-openai-key")
	t.Setenv("OPENAI_MODEL", "gpt-4o-mini")

	p, err := New("openai")
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if p.Name() != "openai" {
		t.Fatalf("expected openai provider, got %q", p.Name())
	}
}

func TestNew_EmptyNameReadsEnv(t *testing.T) {
	t.Setenv("HERALD_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "test-openai-key")

	p, err := New("")
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if p.Name() != "openai" {
		t.Fatalf("expected openai provider, got %q", p.Name())
	}
}

func TestNew_UnsupportedProvider(t *testing.T) {
	if _, err := New("unknown-provider"); err == nil {
		t.Fatal("expected unsupported provider error")
	}
}

func TestNew_MissingKeyFails(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	if _, err := New("anthropic"); err == nil {
		t.Fatal("expected missing api key error")
	}
}
