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

package hook

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Define all metrics for webhooks here.
	webhookCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mci_webhook_counter",
		Help: "A counter of the webhooks received, by event type.",
	}, []string{"event_type"})
	executionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mci_webhook_executions_triggered",
		Help: "A counter of executions created from webhooks, by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookCounter)
	prometheus.MustRegister(executionCounter)
}

type Metrics struct {
	WebhookCounter   *prometheus.CounterVec
	ExecutionCounter *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		WebhookCounter:   webhookCounter,
		ExecutionCounter: executionCounter,
	}
}
