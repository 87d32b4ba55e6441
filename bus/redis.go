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
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Redis is a Bus backed by Redis pub/sub, for deployments running more
// than one control plane instance.
type Redis struct {
	pool   *redis.Pool
	logger *logrus.Entry
}

// NewRedis returns a Redis bus talking to the given address, e.g.
// "localhost:6379".
func NewRedis(address string) *Redis {
	return &Redis{
		pool: &redis.Pool{
			MaxIdle:     3,
			IdleTimeout: 240 * time.Second,
			Dial: func() (redis.Conn, error) {
				return redis.Dial("tcp", address)
			},
			TestOnBorrow: func(c redis.Conn, t time.Time) error {
				if time.Since(t) < time.Minute {
					return nil
				}
				_, err := c.Do("PING")
				return err
			},
		},
		logger: logrus.WithField("component", "redis-bus"),
	}
}

var _ Bus = &Redis{}

// Publish sends the payload through Redis.
func (r *Redis) Publish(topic string, payload []byte) error {
	conn := r.pool.Get()
	defer conn.Close()
	if _, err := conn.Do("PUBLISH", topic, payload); err != nil {
		return errors.Wrapf(err, "publishing to %s", topic)
	}
	return nil
}

// Subscribe opens a dedicated connection for the topic and forwards
// messages until Close. Messages that do not fit the subscriber's
// buffer are dropped, matching the in-process bus.
func (r *Redis) Subscribe(topic string) *Subscription {
	ch := make(chan []byte, subscriberBuffer)
	done := make(chan struct{})

	go func() {
		defer close(ch)
		conn := r.pool.Get()
		defer conn.Close()
		psc := redis.PubSubConn{Conn: conn}
		if err := psc.Subscribe(topic); err != nil {
			r.logger.WithError(err).WithField("topic", topic).Error("Failed to subscribe.")
			return
		}
		defer func() {
			if err := psc.Unsubscribe(topic); err != nil {
				r.logger.WithError(err).Debug("Unsubscribe failed.")
			}
		}()
		for {
			select {
			case <-done:
				return
			default:
			}
			switch msg := psc.Receive().(type) {
			case redis.Message:
				select {
				case ch <- msg.Data:
				default:
					r.logger.WithField("topic", topic).Warning("Dropping message for slow subscriber.")
				}
			case error:
				select {
				case <-done:
				default:
					r.logger.WithError(msg).WithField("topic", topic).Error("Subscription receive failed.")
				}
				return
			}
		}
	}()

	return &Subscription{
		C:      ch,
		cancel: func() { close(done) },
	}
}

// Close shuts the connection pool down.
func (r *Redis) Close() error {
	return r.pool.Close()
}
