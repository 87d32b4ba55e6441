/*
Copyright 2024 The MCI Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package bus

import (
	"fmt"
	"testing"
	"time"
)

func recv(t *testing.T, sub *Subscription) []byte {
	t.Helper()
	select {
	case msg, ok := <-sub.C:
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := NewInProcess()
	defer b.Close()

	s1 := b.Subscribe("t")
	s2 := b.Subscribe("t")
	other := b.Subscribe("other")
	defer s1.Close()
	defer s2.Close()
	defer other.Close()

	if err := b.Publish("t", []byte("hello")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	for _, s := range []*Subscription{s1, s2} {
		if got := string(recv(t, s)); got != "hello" {
			t.Errorf("got %q, want hello", got)
		}
	}
	select {
	case msg := <-other.C:
		t.Errorf("unrelated topic received %q", msg)
	default:
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewInProcess()
	defer b.Close()

	sub := b.Subscribe("t")
	defer sub.Close()

	// Overfill the buffer; Publish must never block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer*2; i++ {
			if err := b.Publish("t", []byte(fmt.Sprintf("%d", i))); err != nil {
				t.Errorf("Publish: %v", err)
				return
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	// The earliest messages survive, the overflow is gone.
	if got := string(recv(t, sub)); got != "0" {
		t.Errorf("first message: got %q, want 0", got)
	}
	count := 1
	for {
		select {
		case _, ok := <-sub.C:
			if !ok {
				t.Fatal("subscription closed")
			}
			count++
			continue
		default:
		}
		break
	}
	if count != subscriberBuffer {
		t.Errorf("buffered messages: got %d, want %d", count, subscriberBuffer)
	}
}

func TestCloseSubscription(t *testing.T) {
	b := NewInProcess()
	defer b.Close()

	sub := b.Subscribe("t")
	sub.Close()
	sub.Close() // idempotent

	if _, ok := <-sub.C; ok {
		t.Error("channel should be closed")
	}
	// Publishing after the only subscriber left must not panic.
	if err := b.Publish("t", []byte("x")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func TestCloseBus(t *testing.T) {
	b := NewInProcess()
	sub := b.Subscribe("t")
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-sub.C; ok {
		t.Error("subscriber channel should be closed")
	}
	if err := b.Publish("t", []byte("x")); err == nil {
		t.Error("publish after close should fail")
	}
	// Subscribing after close yields a dead subscription.
	dead := b.Subscribe("t")
	if _, ok := <-dead.C; ok {
		t.Error("post-close subscription should be closed")
	}
}
