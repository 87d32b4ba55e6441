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

// Package artifacts stores job build artifacts in a blob bucket and
// tracks their metadata and retention in the store.
package artifacts

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/mcihq/mci/store"
)

// DefaultRetention is how long artifacts are kept before they expire.
const DefaultRetention = 90 * 24 * time.Hour

// ErrExpired is returned when an artifact is past its retention window.
// The blob may already be pruned, so expired artifacts are never served.
var ErrExpired = errors.New("artifact expired")

// OpenBucket opens the artifact bucket from a gocloud URL such as
// file:///var/lib/mci/artifacts, s3://mci-artifacts or mem://.
func OpenBucket(ctx context.Context, bucketURL string) (*blob.Bucket, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, errors.Wrapf(err, "open artifact bucket %q", bucketURL)
	}
	return bucket, nil
}

// Manager writes artifact content to the bucket and records metadata.
type Manager struct {
	store  store.Store
	bucket *blob.Bucket
	logger *logrus.Entry

	// Retention is applied to new artifacts. Zero means DefaultRetention.
	Retention time.Duration
}

// NewManager returns a manager over the store and an open bucket.
func NewManager(s store.Store, bucket *blob.Bucket) *Manager {
	return &Manager{
		store:  s,
		bucket: bucket,
		logger: logrus.WithField("component", "artifacts"),
	}
}

// objectKey is the bucket path of an artifact. Keys are namespaced by
// tenant and execution so listing and pruning stay cheap.
func objectKey(a *store.Artifact) string {
	return fmt.Sprintf("tenants/%s/executions/%s/jobs/%s/%s", a.TenantID, a.ExecutionID, a.JobID, a.Name)
}

// Upload streams content into the bucket and persists the metadata
// record. The artifact's Path, SizeBytes and ExpiresAt are filled in.
func (m *Manager) Upload(ctx context.Context, a *store.Artifact, r io.Reader) error {
	key := objectKey(a)
	w, err := m.bucket.NewWriter(ctx, key, &blob.WriterOptions{ContentType: a.ContentType})
	if err != nil {
		return errors.Wrapf(err, "open writer for %q", key)
	}
	n, err := io.Copy(w, r)
	if err != nil {
		w.Close()
		return errors.Wrapf(err, "write artifact %q", key)
	}
	if err := w.Close(); err != nil {
		return errors.Wrapf(err, "close artifact %q", key)
	}

	a.Path = key
	a.SizeBytes = n
	retention := m.Retention
	if retention == 0 {
		retention = DefaultRetention
	}
	a.ExpiresAt = time.Now().Add(retention)
	if err := m.store.CreateArtifact(a); err != nil {
		// The metadata write failed, don't leave an orphaned blob.
		if derr := m.bucket.Delete(ctx, key); derr != nil {
			m.logger.WithError(derr).WithField("key", key).Warn("Failed to clean up orphaned blob.")
		}
		return errors.Wrap(err, "record artifact")
	}
	return nil
}

// Open returns the artifact record and a reader over its content.
// Expired artifacts return ErrExpired, unknown ones store.ErrNotFound.
func (m *Manager) Open(ctx context.Context, tenantID, id uuid.UUID) (*store.Artifact, io.ReadCloser, error) {
	a, err := m.store.Artifact(tenantID, id)
	if err != nil {
		return nil, nil, err
	}
	if a.Expired(time.Now()) {
		return a, nil, ErrExpired
	}
	r, err := m.bucket.NewReader(ctx, a.Path, nil)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open artifact %q", a.Path)
	}
	return a, r, nil
}

// Delete removes the metadata record and the blob.
func (m *Manager) Delete(ctx context.Context, tenantID, id uuid.UUID) error {
	a, err := m.store.Artifact(tenantID, id)
	if err != nil {
		return err
	}
	if err := m.store.DeleteArtifact(tenantID, id); err != nil {
		return err
	}
	if err := m.bucket.Delete(ctx, a.Path); err != nil {
		m.logger.WithError(err).WithField("key", a.Path).Warn("Failed to delete blob.")
	}
	return nil
}

// PruneExpired deletes blobs and records of artifacts past retention.
// It returns how many artifacts were pruned.
func (m *Manager) PruneExpired(ctx context.Context, now time.Time) (int, error) {
	expired, err := m.store.ExpiredArtifacts(now)
	if err != nil {
		return 0, errors.Wrap(err, "list expired artifacts")
	}
	pruned := 0
	for _, a := range expired {
		if err := m.bucket.Delete(ctx, a.Path); err != nil {
			m.logger.WithError(err).WithField("key", a.Path).Warn("Failed to delete expired blob.")
		}
		if err := m.store.DeleteArtifact(a.TenantID, a.ID); err != nil {
			m.logger.WithError(err).WithField("artifact", a.ID).Warn("Failed to delete expired artifact record.")
			continue
		}
		pruned++
	}
	if pruned > 0 {
		m.logger.WithField("count", pruned).Info("Pruned expired artifacts.")
	}
	return pruned, nil
}
