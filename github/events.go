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

package github

import (
	"encoding/json"

	"github.com/sirupsen/logrus"
)

// ParseEvent unmarshals a webhook payload for the given event type.
// Push and pull_request payloads become *PushEvent / *PullRequestEvent,
// ping becomes *PingEvent, and any other event type returns (nil, nil):
// unknown events are ignored, not errors.
func ParseEvent(eventType, eventGUID string, payload []byte) (interface{}, error) {
	switch eventType {
	case "push":
		var pe PushEvent
		if err := json.Unmarshal(payload, &pe); err != nil {
			return nil, err
		}
		pe.GUID = eventGUID
		for i := range pe.Commits {
			pe.Commits[i].AuthorName = pe.Commits[i].Author.Name
			pe.Commits[i].AuthorEmail = pe.Commits[i].Author.Email
		}
		if pe.HeadCommit != nil {
			pe.HeadCommit.AuthorName = pe.HeadCommit.Author.Name
			pe.HeadCommit.AuthorEmail = pe.HeadCommit.Author.Email
		}
		return &pe, nil
	case "pull_request":
		var pre PullRequestEvent
		if err := json.Unmarshal(payload, &pre); err != nil {
			return nil, err
		}
		pre.GUID = eventGUID
		return &pre, nil
	case "ping":
		var pi PingEvent
		if err := json.Unmarshal(payload, &pi); err != nil {
			return nil, err
		}
		pi.GUID = eventGUID
		return &pi, nil
	default:
		logrus.WithFields(logrus.Fields{
			"event-type": eventType,
			EventGUID:    eventGUID,
		}).Debug("Ignoring unsupported event type.")
		return nil, nil
	}
}
