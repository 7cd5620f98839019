package common

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestMessageBodyKind(t *testing.T) {
	t.Parallel()

	b, err := NewMessageFromBytes([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Text(); !errors.Is(err, ErrInvalidType) {
		t.Errorf("Text() on bytes = %v, want %v", err, ErrInvalidType)
	}

	s, err := NewMessageFromString("hello")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Bytes(); !errors.Is(err, ErrInvalidType) {
		t.Errorf("Bytes() on string = %v, want %v", err, ErrInvalidType)
	}
	if g, _ := s.Text(); g != "hello" {
		t.Errorf("Text() = %q, want %q", g, "hello")
	}
	if !bytes.Equal(s.Payload(), b.Payload()) {
		t.Error("payloads differ")
	}

	if _, err := NewMessageFromBytes(nil); !errors.Is(err, ErrInvalidArg) {
		t.Errorf("NewMessageFromBytes(nil) = %v, want %v", err, ErrInvalidArg)
	}
}

func TestMessageBytesRoundTrip(t *testing.T) {
	properties := gopter.NewProperties(nil)
	properties.Property("from bytes to bytes is identity", prop.ForAll(
		func(b []byte) bool {
			want := append([]byte(nil), b...)
			msg, err := NewMessageFromBytes(b)
			if err != nil {
				return false
			}
			b[0] ^= 0xff // the message owns a copy
			g, err := msg.Bytes()
			return err == nil && bytes.Equal(g, want)
		},
		gen.SliceOf(gen.UInt8()).SuchThat(func(b []byte) bool { return len(b) > 0 }),
	))
	properties.TestingRun(t)
}

func TestMessageCloneIndependence(t *testing.T) {
	t.Parallel()

	msg, err := NewMessageFromBytes([]byte{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	if err := msg.SetMessageID("mid"); err != nil {
		t.Fatal(err)
	}
	if err := msg.SetDiagnostic(&Diagnostic{ID: "d", CreationTime: time.Unix(1, 0)}); err != nil {
		t.Fatal(err)
	}
	if err := msg.Properties().Add("a", "1"); err != nil {
		t.Fatal(err)
	}

	c := msg.Clone()
	if err := c.Properties().AddOrUpdate("a", "2"); err != nil {
		t.Fatal(err)
	}
	if err := c.Properties().Add("b", "3"); err != nil {
		t.Fatal(err)
	}
	if err := c.SetMessageID("other"); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(map[string]string{"a": "1"}, msg.Properties().Snapshot()); diff != "" {
		t.Errorf("original properties changed (-want +got):\n%s", diff)
	}
	if msg.MessageID() != "mid" {
		t.Errorf("MessageID() = %q, want %q", msg.MessageID(), "mid")
	}
	if diff := cmp.Diff(msg.Diagnostic(), c.Diagnostic()); diff != "" {
		t.Errorf("diagnostic not cloned (-want +got):\n%s", diff)
	}
}

func TestMessagePropertiesView(t *testing.T) {
	t.Parallel()

	msg, _ := NewMessageFromString("x")
	v := msg.Properties()
	if err := v.Add("k", "v"); err != nil {
		t.Fatal(err)
	}
	v.Destroy()
	if !msg.Properties().ContainsKey("k") {
		t.Error("destroying a view released message properties")
	}
}

func TestMessageSetters(t *testing.T) {
	t.Parallel()

	msg, _ := NewMessageFromString("x")
	for name, fn := range map[string]func(string) error{
		"message id":     msg.SetMessageID,
		"correlation id": msg.SetCorrelationID,
		"content type":   msg.SetContentType,
		"output name":    msg.SetOutputName,
	} {
		if err := fn(""); !errors.Is(err, ErrInvalidArg) {
			t.Errorf("set %s to empty = %v, want %v", name, err, ErrInvalidArg)
		}
	}
	if err := msg.SetMessageID(strings.Repeat("x", 129)); !errors.Is(err, ErrInvalidArg) {
		t.Errorf("oversized message id = %v, want %v", err, ErrInvalidArg)
	}
	if g := MessageResultOf(msg.SetCorrelationID("")); g != MessageInvalidArg {
		t.Errorf("MessageResultOf = %s, want %s", g, MessageInvalidArg)
	}
}

func TestMessageInspect(t *testing.T) {
	t.Parallel()

	msg, _ := NewMessageFromString("hello")
	_ = msg.SetMessageID("1")
	_ = msg.Properties().Add("foo", "bar")
	s := msg.Inspect()
	for _, w := range []string{"hello", "foo : bar", "MessageID : 1"} {
		if !strings.Contains(s, w) {
			t.Errorf("Inspect() = %q, doesn't contain %q", s, w)
		}
	}
}
