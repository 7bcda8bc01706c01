package notifier

import (
	"context"
	"strings"
	"testing"
)

func TestSplitMessageShort(t *testing.T) {
	chunks := splitMessage("hello", 4000)
	if len(chunks) != 1 || chunks[0] != "hello" {
		t.Fatalf("chunks = %v", chunks)
	}
}

func TestSplitMessagePrefersNewlines(t *testing.T) {
	lineA := strings.Repeat("a", 60) + "\n"
	lineB := strings.Repeat("b", 60) + "\n"
	text := lineA + lineB + lineA

	chunks := splitMessage(text, 100)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}
	if chunks[0] != lineA {
		t.Errorf("first chunk did not break at the newline: %q", chunks[0])
	}
	if got := strings.Join(chunks, ""); got != text {
		t.Error("chunks do not reassemble to the original text")
	}
}

func TestSplitMessageHardCutWithoutNewlines(t *testing.T) {
	text := strings.Repeat("x", 250)
	chunks := splitMessage(text, 100)

	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 100 {
			t.Errorf("chunk %d length %d exceeds limit", i, len(c))
		}
	}
	if got := strings.Join(chunks, ""); got != text {
		t.Error("chunks do not reassemble to the original text")
	}
}

func TestEscapeMarkdown(t *testing.T) {
	got := escapeMarkdown("task_1 *done* [ok] `x`")
	want := "task\\_1 \\*done\\* \\[ok] \\`x\\`"
	if got != want {
		t.Errorf("escapeMarkdown = %q, want %q", got, want)
	}
}

func TestNotifyRequiresChatID(t *testing.T) {
	s := NewTelegramSender("token", "", nil)
	if err := s.Notify(context.Background(), "subject", "body"); err == nil {
		t.Fatal("expected error for missing chat_id")
	}
}

func TestNoopNotifier(t *testing.T) {
	var n Noop
	if err := n.Notify(context.Background(), "s", "b"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if n.Type() != "noop" {
		t.Errorf("Type = %q", n.Type())
	}
}
