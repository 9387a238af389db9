package telegram

import (
	"context"
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"
)

func TestNew_RequiresToken(t *testing.T) {
	t.Parallel()

	if _, err := New("", map[string]int64{"Ops": 1}); err == nil {
		t.Fatal("expected missing token to be rejected")
	}
}

func TestSend_UnknownDestination(t *testing.T) {
	t.Parallel()

	s, err := New("ignored", map[string]int64{"Ops": -100}, WithBot(&tele.Bot{}))
	if err != nil {
		t.Fatalf("failed to build sink: %v", err)
	}

	err = s.Send(context.Background(), "Nowhere", "hello")
	if err == nil || !strings.Contains(err.Error(), "unknown destination") {
		t.Fatalf("expected unknown destination error, got %v", err)
	}
}

func TestSend_EmptyTextRejected(t *testing.T) {
	t.Parallel()

	s, err := New("ignored", map[string]int64{"Ops": -100}, WithBot(&tele.Bot{}))
	if err != nil {
		t.Fatalf("failed to build sink: %v", err)
	}

	if err := s.Send(context.Background(), "Ops", "   "); err == nil {
		t.Fatal("expected empty text to be rejected")
	}
}

func TestSend_DestinationNamesAreCaseInsensitive(t *testing.T) {
	t.Parallel()

	s, err := New("ignored", map[string]int64{" Ops ": -100}, WithBot(&tele.Bot{}))
	if err != nil {
		t.Fatalf("failed to build sink: %v", err)
	}

	if id, ok := s.chats["ops"]; !ok || id != -100 {
		t.Fatalf("expected trimmed lowercase destination key, got %v", s.chats)
	}
}
