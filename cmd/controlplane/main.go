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

// The controlplane command runs the whole CI control plane in one
// process: webhook ingestion, the REST API, runner sessions, the job
// scheduler, cron triggers and log streaming.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io/ioutil"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/mcihq/mci/api"
	"github.com/mcihq/mci/artifacts"
	"github.com/mcihq/mci/auth"
	"github.com/mcihq/mci/bus"
	"github.com/mcihq/mci/cron"
	"github.com/mcihq/mci/hook"
	"github.com/mcihq/mci/logrusutil"
	"github.com/mcihq/mci/logstream"
	"github.com/mcihq/mci/plan"
	"github.com/mcihq/mci/scheduler"
	"github.com/mcihq/mci/secrets"
	"github.com/mcihq/mci/session"
	"github.com/mcihq/mci/store"
	"github.com/mcihq/mci/tenant"
)

type options struct {
	port             int
	masterKeyFile    string
	jwtKeyFile       string
	redisAddress     string
	bucketURL        string
	selfHosted        bool
	defaultTenant     string
	webhookSecret     string
	heartbeatInterval time.Duration
	offlineThreshold  time.Duration
	gracePeriod       time.Duration
}

// Flag defaults come from the deployment environment so the binary
// runs unconfigured inside a container.
func gatherOptions(fs *flag.FlagSet, args ...string) options {
	var o options
	fs.IntVar(&o.port, "port", 8080, "Port to listen on.")
	fs.StringVar(&o.masterKeyFile, "master-key-file", "", "Path to the file containing the secret encryption master key. Falls back to $SECRET_ENCRYPTION_KEY.")
	fs.StringVar(&o.jwtKeyFile, "jwt-key-file", "", "Path to the file containing the JWT signing key. Falls back to $MCI_JWT_KEY.")
	fs.StringVar(&o.redisAddress, "redis-address", os.Getenv("REDIS_URL"), "Redis address for the log bus. Empty uses the in-process bus.")
	fs.StringVar(&o.bucketURL, "artifact-bucket", envOrDefault("ARTIFACT_STORAGE_BACKEND", "mem://"), "gocloud bucket URL for artifacts, e.g. file:///var/lib/mci/artifacts or s3://mci-artifacts.")
	fs.BoolVar(&o.selfHosted, "self-hosted", os.Getenv("DEPLOYMENT_MODE") == "self_hosted", "Resolve requests without tenant credentials to --default-tenant.")
	fs.StringVar(&o.defaultTenant, "default-tenant", os.Getenv("DEFAULT_TENANT_SLUG"), "Tenant slug used when --self-hosted is set.")
	fs.StringVar(&o.webhookSecret, "webhook-secret", os.Getenv("GITHUB_WEBHOOK_SECRET"), "Fallback HMAC secret for pipelines without their own webhook secret.")
	fs.DurationVar(&o.heartbeatInterval, "runner-heartbeat-interval", durationOrDefault("RUNNER_HEARTBEAT_INTERVAL", 30*time.Second), "Heartbeat interval advertised to connecting runners.")
	fs.DurationVar(&o.offlineThreshold, "runner-offline-threshold", durationOrDefault("RUNNER_OFFLINE_THRESHOLD", 90*time.Second), "Runners silent for longer than this are marked offline and their jobs requeued.")
	fs.DurationVar(&o.gracePeriod, "grace-period", 30*time.Second, "Graceful shutdown period.")
	fs.Parse(args)
	return o
}

func envOrDefault(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func durationOrDefault(name string, def time.Duration) time.Duration {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		logrus.WithField("var", name).Warning("Ignoring unparseable duration.")
	}
	return def
}

func (o options) validate() error {
	if o.selfHosted && o.defaultTenant == "" {
		return errors.New("--default-tenant is required with --self-hosted")
	}
	return nil
}

// loadKey reads a key from a file, falling back to an env var.
func loadKey(path, envVar string) ([]byte, error) {
	if path != "" {
		raw, err := ioutil.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return bytes.TrimSpace(raw), nil
	}
	if v := os.Getenv(envVar); v != "" {
		return []byte(v), nil
	}
	return nil, fmt.Errorf("no key file given and $%s is empty", envVar)
}

func main() {
	logrusutil.ComponentInit()
	o := gatherOptions(flag.NewFlagSet(os.Args[0], flag.ExitOnError), os.Args[1:]...)
	if err := o.validate(); err != nil {
		logrus.WithError(err).Fatal("Invalid options.")
	}

	masterKey, err := loadKey(o.masterKeyFile, "SECRET_ENCRYPTION_KEY")
	if err != nil {
		logrus.WithError(err).Fatal("Could not load master key.")
	}
	jwtKey, err := loadKey(o.jwtKeyFile, "MCI_JWT_KEY")
	if err != nil {
		logrus.WithError(err).Fatal("Could not load JWT signing key.")
	}

	keyring, err := secrets.NewKeyring(masterKey)
	if err != nil {
		logrus.WithError(err).Fatal("Could not build keyring.")
	}
	issuer, err := auth.NewJWTIssuer(jwtKey)
	if err != nil {
		logrus.WithError(err).Fatal("Could not build token issuer.")
	}

	db := store.NewMemory()

	var eventBus bus.Bus
	if o.redisAddress != "" {
		eventBus = bus.NewRedis(o.redisAddress)
		logrus.WithField("address", o.redisAddress).Info("Using redis log bus.")
	} else {
		eventBus = bus.NewInProcess()
	}
	defer eventBus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bucket, err := artifacts.OpenBucket(ctx, o.bucketURL)
	if err != nil {
		logrus.WithError(err).Fatal("Could not open artifact bucket.")
	}
	defer bucket.Close()
	artifactMgr := artifacts.NewManager(db, bucket)

	planner := plan.NewPlanner(db)
	registry := session.NewRegistry(db, planner, eventBus, keyring)
	registry.HeartbeatInterval = o.heartbeatInterval
	planner.Canceller = registry
	sched := scheduler.New(db, registry, planner)
	sched.OfflineAfter = o.offlineThreshold
	cronAgent := cron.NewAgent(db, planner)
	resolver := tenant.NewResolver(db, issuer)
	resolver.SelfHosted = o.selfHosted
	resolver.DefaultSlug = o.defaultTenant

	go sched.Run(ctx)
	go cronAgent.Run(ctx)

	router := mux.NewRouter()
	router.Handle("/hook", &hook.Server{Store: db, Planner: planner, Metrics: hook.NewMetrics(), FallbackSecret: o.webhookSecret})
	router.Handle("/ws/runner/{runner_id}", registry)
	logs := logstream.NewHandler(db, eventBus, issuer)
	router.Handle("/ws/executions/{execution_id}/logs", logs)
	router.Handle("/ws/executions/{execution_id}/logs/{job_id}", logs)
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	})
	api.NewServer(db, planner, issuer, keyring, artifactMgr, resolver).Register(router)

	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(o.port),
		Handler: router,
	}

	go func() {
		logrus.WithField("port", o.port).Info("Control plane listening.")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("Server exited.")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logrus.Info("Shutting down.")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), o.gracePeriod)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("Graceful shutdown failed.")
	}
}
