package bus

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cyph3rasi/kyber/pkg/models"
)

func TestInboundFIFO(t *testing.T) {
	b := New(nil)
	for i := 0; i < 5; i++ {
		b.PublishInbound(models.InboundMessage{Content: fmt.Sprintf("msg-%d", i)})
	}

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		msg, err := b.ConsumeInbound(ctx)
		if err != nil {
			t.Fatalf("ConsumeInbound: %v", err)
		}
		want := fmt.Sprintf("msg-%d", i)
		if msg.Content != want {
			t.Errorf("message %d: got %q, want %q", i, msg.Content, want)
		}
	}
}

func TestConsumeBlocksUntilPublish(t *testing.T) {
	b := New(nil)

	got := make(chan models.OutboundMessage, 1)
	go func() {
		msg, err := b.ConsumeOutbound(context.Background())
		if err != nil {
			return
		}
		got <- msg
	}()

	time.Sleep(20 * time.Millisecond)
	b.PublishOutbound(models.OutboundMessage{Channel: "telegram", Content: "hello"})

	select {
	case msg := <-got:
		if msg.Content != "hello" {
			t.Errorf("got %q, want %q", msg.Content, "hello")
		}
	case <-time.After(time.Second):
		t.Fatal("consumer never woke up")
	}
}

func TestConsumeReturnsOnCancel(t *testing.T) {
	b := New(nil)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := b.ConsumeInbound(ctx)
		errCh <- err
	}()

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("got %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("consumer did not return after cancel")
	}
}

func TestStatusFanOutInOrder(t *testing.T) {
	b := New(nil)

	var telegramLines []string
	b.SubscribeStatus("telegram", func(ctx context.Context, u models.StatusUpdate) {
		telegramLines = append(telegramLines, u.Line)
	})
	var discordLines []string
	b.SubscribeStatus("discord", func(ctx context.Context, u models.StatusUpdate) {
		discordLines = append(discordLines, u.Line)
	})

	b.PublishStatus(models.StatusUpdate{Channel: "telegram", Line: "first"})
	b.PublishStatus(models.StatusUpdate{Channel: "telegram", Line: "second"})
	b.PublishStatus(models.StatusUpdate{Channel: "discord", Line: "other"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.DispatchStatus(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(telegramLines) == 2 && len(discordLines) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if len(telegramLines) != 2 || telegramLines[0] != "first" || telegramLines[1] != "second" {
		t.Errorf("telegram lines = %v, want [first second]", telegramLines)
	}
	if len(discordLines) != 1 || discordLines[0] != "other" {
		t.Errorf("discord lines = %v, want [other]", discordLines)
	}
}

func TestStatusNoSubscriberIsDropped(t *testing.T) {
	b := New(nil)
	b.PublishStatus(models.StatusUpdate{Channel: "nobody", Line: "x"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	b.DispatchStatus(ctx) // returns on ctx timeout without panicking
}
