package protocol

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
	}{
		{
			name: "chat with body",
			msg:  &Message{Kind: KindChat, Sender: 3, Receiver: 7, Body: []byte("hello from the void")},
		},
		{
			name: "synchronous save request",
			msg:  &Message{Kind: KindSaveGame, Flags: FlagSynchronous, Sender: 1, Receiver: NoPlayer, Body: []byte("autosave-042")},
		},
		{
			name: "server response flags",
			msg:  &Message{Kind: KindSaveGame, Flags: FlagResponse, Sender: NoPlayer, Receiver: 1, Body: []byte("autosave-042")},
		},
		{
			name: "empty body",
			msg:  &Message{Kind: KindEndGame, Sender: 2, Receiver: NoPlayer},
		},
		{
			name: "negative ids",
			msg:  &Message{Kind: KindJoinGame, Sender: NoPlayer, Receiver: NoPlayer, Body: []byte(`{"player_name":"Arkadi"}`)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := Encode(tt.msg)
			if err != nil {
				t.Fatalf("Encode returned an unexpected error: %v", err)
			}

			decoder := NewDecoder(0)
			decoder.Feed(frame)
			got, err := decoder.Next()
			if err != nil {
				t.Fatalf("Next returned an unexpected error: %v", err)
			}
			if got == nil {
				t.Fatal("Next returned nil for a complete frame")
			}
			if diff := cmp.Diff(tt.msg, got); diff != "" {
				t.Errorf("decoded message did not match (-want +got):\n%s", diff)
			}
			if decoder.Buffered() != 0 {
				t.Errorf("decoder kept %d bytes buffered after a full decode", decoder.Buffered())
			}
		})
	}
}

func TestDecoderReassemblesChunkedFrames(t *testing.T) {
	want := &Message{Kind: KindTurnOrders, Sender: 4, Receiver: NoPlayer, Body: []byte("move fleet 12 to delta pavonis")}
	frame, err := Encode(want)
	if err != nil {
		t.Fatalf("Encode returned an unexpected error: %v", err)
	}

	decoder := NewDecoder(0)
	for i, b := range frame {
		msg, err := decoder.Next()
		if err != nil {
			t.Fatalf("Next returned an error after %d bytes: %v", i, err)
		}
		if msg != nil {
			t.Fatalf("Next returned a message after only %d of %d bytes", i, len(frame))
		}
		decoder.Feed([]byte{b})
	}

	got, err := decoder.Next()
	if err != nil {
		t.Fatalf("Next returned an unexpected error: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("reassembled message did not match (-want +got):\n%s", diff)
	}
}

func TestDecoderSplitsCoalescedFrames(t *testing.T) {
	first := ChatMessage(1, 2, "ready when you are")
	second := ChatMessage(2, 1, "launching now")

	decoder := NewDecoder(0)
	for _, m := range []*Message{first, second} {
		frame, err := Encode(m)
		if err != nil {
			t.Fatalf("Encode returned an unexpected error: %v", err)
		}
		decoder.Feed(frame)
	}

	for i, want := range []*Message{first, second} {
		got, err := decoder.Next()
		if err != nil {
			t.Fatalf("Next returned an unexpected error on message %d: %v", i, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("message %d did not match (-want +got):\n%s", i, diff)
		}
	}

	if msg, err := decoder.Next(); msg != nil || err != nil {
		t.Errorf("expected an empty decoder, got msg=%v err=%v", msg, err)
	}
}

func TestDecoderWaitsForDeclaredLength(t *testing.T) {
	// A header declaring 10000 bytes followed by a short read is not an
	// error, just an incomplete frame.
	decoder := NewDecoder(0)
	decoder.Feed([]byte{0x10, 0x27, 0x00, 0x00, 0xde})

	msg, err := decoder.Next()
	if err != nil {
		t.Fatalf("Next returned an error for an incomplete frame: %v", err)
	}
	if msg != nil {
		t.Fatalf("Next returned a message from an incomplete frame: %v", msg)
	}
	if decoder.Buffered() != 5 {
		t.Errorf("expected 5 buffered bytes, got %d", decoder.Buffered())
	}
}

func TestDecoderRejectsOversizedFrames(t *testing.T) {
	msg := &Message{Kind: KindTurnUpdate, Receiver: 1, Body: make([]byte, 256)}
	frame, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode returned an unexpected error: %v", err)
	}

	decoder := NewDecoder(64)
	decoder.Feed(frame)

	if _, err := decoder.Next(); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}

	// The corrupt bytes stay put until the caller resets.
	if decoder.Buffered() != len(frame) {
		t.Errorf("expected %d buffered bytes, got %d", len(frame), decoder.Buffered())
	}
	decoder.Reset()
	if decoder.Buffered() != 0 {
		t.Errorf("expected an empty buffer after Reset, got %d bytes", decoder.Buffered())
	}
}

func TestDecoderRejectsUndersizedFrames(t *testing.T) {
	decoder := NewDecoder(0)
	// FrameLen of 5 cannot hold the 12 byte message header.
	decoder.Feed([]byte{0x05, 0x00, 0x00, 0x00})

	if _, err := decoder.Next(); !errors.Is(err, ErrFrameTooShort) {
		t.Fatalf("expected ErrFrameTooShort, got %v", err)
	}
}

func TestEncodeRejectsOversizedBody(t *testing.T) {
	msg := &Message{Kind: KindTurnUpdate, Body: make([]byte, DefaultMaxFrameLen)}
	if _, err := Encode(msg); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}
