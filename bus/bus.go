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

// Package bus fans messages out to topic subscribers. The in-process
// implementation backs a single control plane instance; the Redis
// implementation lets several instances share live log streams.
package bus

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber
// that falls further behind loses messages rather than stalling the
// publisher.
const subscriberBuffer = 64

// LogTopic names the live log channel of an execution.
func LogTopic(executionID uuid.UUID) string {
	return fmt.Sprintf("logs.%s", executionID)
}

// JobLogTopic names the live log channel of a single job.
func JobLogTopic(jobID uuid.UUID) string {
	return fmt.Sprintf("logs.job.%s", jobID)
}

// EventTopic names the status event channel of an execution.
func EventTopic(executionID uuid.UUID) string {
	return fmt.Sprintf("events.%s", executionID)
}

// Subscription is one subscriber's feed. Close releases it; C is
// closed afterwards.
type Subscription struct {
	C      <-chan []byte
	cancel func()
	once   sync.Once
}

// Close detaches the subscription from its topic.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}

// Bus is a topic publish/subscribe fan-out.
type Bus interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string) *Subscription
	Close() error
}

// InProcess is the single-instance Bus.
type InProcess struct {
	mu     sync.RWMutex
	topics map[string]map[int]chan []byte
	nextID int
	closed bool
	logger *logrus.Entry
}

// NewInProcess returns an empty in-process bus.
func NewInProcess() *InProcess {
	return &InProcess{
		topics: map[string]map[int]chan []byte{},
		logger: logrus.WithField("component", "bus"),
	}
}

var _ Bus = &InProcess{}

// Publish delivers the payload to every current subscriber of the
// topic. Delivery is non-blocking: a subscriber with a full buffer is
// skipped.
func (b *InProcess) Publish(topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus is closed")
	}
	for id, ch := range b.topics[topic] {
		select {
		case ch <- payload:
		default:
			b.logger.WithFields(logrus.Fields{"topic": topic, "subscriber": id}).Warning("Dropping message for slow subscriber.")
		}
	}
	return nil
}

// Subscribe attaches a new subscriber to the topic.
func (b *InProcess) Subscribe(topic string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan []byte, subscriberBuffer)
	if b.closed {
		close(ch)
		return &Subscription{C: ch, cancel: func() {}}
	}
	id := b.nextID
	b.nextID++
	if b.topics[topic] == nil {
		b.topics[topic] = map[int]chan []byte{}
	}
	b.topics[topic][id] = ch

	return &Subscription{
		C: ch,
		cancel: func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if subs, ok := b.topics[topic]; ok {
				if _, ok := subs[id]; ok {
					delete(subs, id)
					close(ch)
				}
				if len(subs) == 0 {
					delete(b.topics, topic)
				}
			}
		},
	}
}

// Close drops every subscriber and rejects further publishes.
func (b *InProcess) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for topic, subs := range b.topics {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.topics, topic)
	}
	return nil
}
