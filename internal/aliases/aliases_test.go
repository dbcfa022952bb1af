package aliases

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestResolve_StaticTable(t *testing.T) {
	r := NewStatic(map[string]string{
		"fast": "openai:gpt-4o-mini",
		"best": "anthropic:claude-sonnet-4",
		"bare": "gpt-4o",
	})

	vendor, model, aliased := r.Resolve("fast")
	if !aliased || vendor != "openai" || model != "gpt-4o-mini" {
		t.Errorf("fast: got (%q, %q, %v)", vendor, model, aliased)
	}

	// A target without a vendor prefix resolves the model only.
	vendor, model, aliased = r.Resolve("bare")
	if !aliased || vendor != "" || model != "gpt-4o" {
		t.Errorf("bare: got (%q, %q, %v)", vendor, model, aliased)
	}
}

func TestResolve_UnknownPassesThrough(t *testing.T) {
	r := NewStatic(map[string]string{"fast": "openai:gpt-4o-mini"})

	vendor, model, aliased := r.Resolve("gpt-4o")
	if aliased || vendor != "" || model != "gpt-4o" {
		t.Errorf("unknown model must pass through unchanged, got (%q, %q, %v)", vendor, model, aliased)
	}
}

func TestNewFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aliases.yaml")
	content := "fast: openai:gpt-4o-mini\nbest: anthropic:claude-sonnet-4\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := NewFromFile(path, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if r.Len() != 2 {
		t.Errorf("expected 2 aliases, got %d", r.Len())
	}
	if _, model, _ := r.Resolve("best"); model != "claude-sonnet-4" {
		t.Errorf("best resolved to %q", model)
	}
}

func TestNewFromFile_RejectsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aliases.yaml")
	if err := os.WriteFile(path, []byte("fast: [not, a, string]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFromFile(path, nil); err == nil {
		t.Error("malformed alias file must be rejected")
	}
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aliases.yaml")
	if err := os.WriteFile(path, []byte("fast: openai:gpt-4o-mini\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := NewFromFile(path, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Watch(ctx)
	}()

	// Give the watcher a moment to register before rewriting the file.
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte("fast: groq:llama-3.3-70b\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(3 * time.Second)
	for {
		if vendor, _, _ := r.Resolve("fast"); vendor == "groq" {
			break
		}
		select {
		case <-deadline:
			t.Fatal("alias table did not reload within deadline")
		case <-time.After(20 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("watcher did not stop on context cancel")
	}
}

func TestWatch_KeepsPreviousTableOnBadUpdate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aliases.yaml")
	if err := os.WriteFile(path, []byte("fast: openai:gpt-4o-mini\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := NewFromFile(path, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Watch(ctx) }()

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte(":: not yaml ::\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)

	if vendor, model, _ := r.Resolve("fast"); vendor != "openai" || model != "gpt-4o-mini" {
		t.Errorf("previous table must survive a bad update, got (%q, %q)", vendor, model)
	}
}
