package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/golang/glog"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cloudcrr/cloudcrr/crr/gateway"
	"github.com/cloudcrr/cloudcrr/crr/queue"
)

const (
	defaultPartConcurrency = 10

	// azure uploads are chunked into blocks of at most 100 MiB; the
	// completed part list carries the per-part block count
	azureMaxBlockSize = 100 << 20
)

// Source is the read surface of the source object service.
type Source interface {
	GetBucketReplication(ctx context.Context, bucket string) (*s3.ReplicationConfiguration, error)
	GetMetadata(ctx context.Context, bucket, key, versionID string) (*queue.ObjectMD, error)
	GetObject(ctx context.Context, bucket, key, versionID string, rng *gateway.Range, partNumber int) (io.ReadCloser, error)
}

// BackendClient is the cross-backend put surface bound to one host.
type BackendClient interface {
	PutObject(ctx context.Context, req *gateway.PutObjectRequest) (string, error)
	InitiateMPU(ctx context.Context, req *gateway.InitiateMPURequest) (string, error)
	PutMPUPart(ctx context.Context, req *gateway.PutPartRequest) (string, error)
	CompleteMPU(ctx context.Context, req *gateway.CompleteMPURequest) (string, error)
	AbortMPU(ctx context.Context, bucket, key, storageType, storageClass, uploadID string) error
	DeleteObject(ctx context.Context, bucket, key, storageType, storageClass, versionID string) error
	PutObjectTagging(ctx context.Context, bucket, key, storageType, storageClass, dataStoreVersionID string, tags map[string]string) (string, error)
	DeleteObjectTagging(ctx context.Context, bucket, key, storageType, storageClass, dataStoreVersionID string) (string, error)
}

// Target hands out a fresh client binding per attempt; Failover advances
// to the next destination host.
type Target interface {
	Client() BackendClient
	Failover()
}

type gatewayTarget struct {
	d *gateway.Destination
}

func (t gatewayTarget) Client() BackendClient { return t.d.Client() }
func (t gatewayTarget) Failover()             { t.d.Failover() }

func NewGatewayTarget(d *gateway.Destination) Target {
	return gatewayTarget{d: d}
}

// OutcomePublisher publishes site status back onto the log bus and emits
// metrics events at the task's boundary points.
type OutcomePublisher interface {
	Status(ctx context.Context, entry *queue.ObjectEntry) error
	Queued(entry *queue.ObjectEntry, bytes, ops int64)
	Completed(entry *queue.ObjectEntry, bytes int64)
	Failed(entry *queue.ObjectEntry, bytes int64)
}

// Outcome is what the worker harness acts on: the offset may only advance
// past a committable outcome.
type Outcome struct {
	Committable bool
	Status      queue.ReplicationStatus
	Err         error
}

// ReplicationTask reproduces one log entry at the configured site.
type ReplicationTask struct {
	source          Source
	target          Target
	publisher       OutcomePublisher
	site            string
	retry           RetryParams
	partConcurrency int
}

func NewReplicationTask(source Source, target Target, publisher OutcomePublisher, site string, retry RetryParams) *ReplicationTask {
	return &ReplicationTask{
		source:          source,
		target:          target,
		publisher:       publisher,
		site:            site,
		retry:           retry,
		partConcurrency: defaultPartConcurrency,
	}
}

func (t *ReplicationTask) Process(ctx context.Context, entry queue.Entry) Outcome {
	switch e := entry.(type) {
	case *queue.ObjectEntry:
		return t.handleOutcome(ctx, e, t.replicateObject(ctx, e))
	case *queue.ActionEntry:
		return t.processAction(ctx, e)
	case *queue.DeleteEntry, *queue.BucketEntry, *queue.BucketMdEntry:
		// consumed by the metadata mirror, not this processor
		return Outcome{Committable: true}
	}
	glog.Errorf("unhandled entry kind %T", entry)
	return Outcome{Committable: true}
}

func (t *ReplicationTask) replicateObject(ctx context.Context, e *queue.ObjectEntry) error {
	if err := t.checkPolicy(ctx, e); err != nil {
		return err
	}

	sourceMD, err := t.fetchSourceMetadata(ctx, e)
	if err != nil {
		if e.MD.IsDeleteMarker && gateway.KindOf(err) == gateway.KindObjNotFound {
			// delete markers over non-versioned objects have no source
			// object left to look up; the delete still propagates
			return t.putDeleteMarker(ctx, e)
		}
		return err
	}

	switch {
	case e.MD.IsDeleteMarker:
		return t.putDeleteMarker(ctx, e)
	case e.MD.SiteStatus(t.site) == queue.StatusCompleted && e.MD.HasContent(queue.ContentData):
		return gateway.NewInvalidObjectState(gateway.OriginSource, "AlreadyReplicated")
	case e.MD.HasContent(queue.ContentMPU):
		return t.replicateMultipart(ctx, e, sourceMD)
	case e.MD.HasContent(queue.ContentPutTagging):
		return t.putTagging(ctx, e)
	case e.MD.HasContent(queue.ContentDeleteTagging):
		return t.deleteTagging(ctx, e)
	default:
		return t.replicateData(ctx, e)
	}
}

// checkPolicy skips entries whose bucket no longer has an enabled rule
// covering the key.
func (t *ReplicationTask) checkPolicy(ctx context.Context, e *queue.ObjectEntry) error {
	var config *s3.ReplicationConfiguration
	err := t.retrySource(ctx, fmt.Sprintf("get replication policy of %s", e.Bucket), func() error {
		var err error
		config, err = t.source.GetBucketReplication(ctx, e.Bucket)
		return err
	})
	if err != nil {
		return err
	}
	if config == nil {
		glog.V(1).Infof("bucket %s has no replication configuration, skipping", e.Bucket)
		return gateway.NewInvalidObjectState(gateway.OriginSource, "PreconditionFailed")
	}
	for _, rule := range config.Rules {
		if rule.Status == nil || *rule.Status != s3.ReplicationRuleStatusEnabled {
			continue
		}
		prefix := ""
		if rule.Prefix != nil {
			prefix = *rule.Prefix
		} else if rule.Filter != nil && rule.Filter.Prefix != nil {
			prefix = *rule.Filter.Prefix
		}
		if strings.HasPrefix(e.Key, prefix) {
			return nil
		}
	}
	glog.V(1).Infof("no enabled replication rule covers %s/%s, skipping", e.Bucket, e.Key)
	return gateway.NewInvalidObjectState(gateway.OriginSource, "PreconditionFailed")
}

func (t *ReplicationTask) fetchSourceMetadata(ctx context.Context, e *queue.ObjectEntry) (*queue.ObjectMD, error) {
	var md *queue.ObjectMD
	err := t.retrySource(ctx, fmt.Sprintf("get metadata of %s/%s", e.Bucket, e.Key), func() error {
		var err error
		md, err = t.source.GetMetadata(ctx, e.Bucket, e.Key, e.VersionID)
		return err
	})
	if err != nil {
		if gateway.KindOf(err) == gateway.KindObjNotFound &&
			e.MD.Replication.IsNFS && !e.MD.IsDeleteMarker {
			// the mounted filesystem may have dropped the file under us
			return nil, gateway.NewInvalidObjectState(gateway.OriginSource, "SourceStateChanged")
		}
		return nil, err
	}
	return md, nil
}

// recheckSourceState re-reads the source metadata and compares the MD5;
// NFS-backed buckets may mutate mid-transfer.
func (t *ReplicationTask) recheckSourceState(ctx context.Context, e *queue.ObjectEntry) error {
	md, err := t.fetchSourceMetadata(ctx, e)
	if err != nil {
		return err
	}
	if md.ContentMD5 != e.MD.ContentMD5 {
		glog.V(1).Infof("source %s/%s changed mid-transfer (md5 %s -> %s)",
			e.Bucket, e.Key, e.MD.ContentMD5, md.ContentMD5)
		return gateway.NewInvalidObjectState(gateway.OriginSource, "SourceStateChanged")
	}
	return nil
}

func (t *ReplicationTask) replicateMultipart(ctx context.Context, e *queue.ObjectEntry, sourceMD *queue.ObjectMD) error {
	storageType := e.MD.Replication.StorageType
	family := ParseFamily(storageType)

	if e.MD.Replication.IsNFS && sourceMD.ContentMD5 != e.MD.ContentMD5 {
		return gateway.NewInvalidObjectState(gateway.OriginSource, "SourceStateChanged")
	}

	var uploadID string
	if family == FamilyAzure {
		// azure has no server-side upload session; the id only keys the
		// destination's block naming
		uploadID = localUploadID()
	} else {
		err := t.retryTarget(ctx, fmt.Sprintf("initiate mpu for %s/%s", e.Bucket, e.Key), func(c BackendClient) error {
			var err error
			uploadID, err = c.InitiateMPU(ctx, &gateway.InitiateMPURequest{
				Bucket:             e.Bucket,
				Key:                e.Key,
				StorageType:        storageType,
				StorageClass:       t.site,
				ContentType:        e.MD.ContentType,
				CacheControl:       e.MD.CacheControl,
				ContentDisposition: e.MD.ContentDisposition,
				ContentEncoding:    e.MD.ContentEncoding,
				UserMetadata:       e.MD.UserMetadata,
				Tags:               e.MD.Tags,
			})
			return err
		})
		if err != nil {
			return err
		}
	}

	ranges := PlanRanges(e.MD.ContentLength, family)
	t.publisher.Queued(e, e.MD.ContentLength, 1)

	parts := make([]gateway.CompletedPart, len(ranges))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.partConcurrency)
	for i, rng := range ranges {
		partNumber := i + 1
		rng := rng
		g.Go(func() error {
			size := rangeSize(rng)
			etag, err := t.uploadPart(gctx, e, uploadID, partNumber, rng, size, storageType)
			if err != nil {
				return err
			}
			part := gateway.CompletedPart{PartNumber: partNumber, ETag: etag}
			if family == FamilyAzure {
				part.NumberSubParts = azureSubParts(size)
			}
			parts[partNumber-1] = part
			t.publisher.Completed(e, size)
			if e.MD.Replication.IsNFS {
				return t.recheckSourceState(gctx, e)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.abortMPU(e, uploadID, storageType)
		return err
	}

	var versionID string
	err := t.retryTarget(ctx, fmt.Sprintf("complete mpu for %s/%s", e.Bucket, e.Key), func(c BackendClient) error {
		var err error
		versionID, err = c.CompleteMPU(ctx, &gateway.CompleteMPURequest{
			Bucket:       e.Bucket,
			Key:          e.Key,
			StorageType:  storageType,
			StorageClass: t.site,
			UploadID:     uploadID,
			Parts:        parts,
		})
		return err
	})
	if err != nil {
		t.abortMPU(e, uploadID, storageType)
		return err
	}
	e.MD.SetSiteDataStoreVersionID(t.site, versionID)
	return nil
}

func (t *ReplicationTask) uploadPart(ctx context.Context, e *queue.ObjectEntry, uploadID string, partNumber int, rng *gateway.Range, size int64, storageType string) (string, error) {
	var etag string
	err := t.retryTarget(ctx, fmt.Sprintf("put part %d of %s/%s", partNumber, e.Bucket, e.Key), func(c BackendClient) error {
		var body io.Reader
		if rng != nil {
			stream, err := t.source.GetObject(ctx, e.Bucket, e.Key, e.VersionID, rng, 0)
			if err != nil {
				return err
			}
			defer stream.Close()
			body = stream
		}
		var err error
		etag, err = c.PutMPUPart(ctx, &gateway.PutPartRequest{
			Bucket:        e.Bucket,
			Key:           e.Key,
			StorageType:   storageType,
			StorageClass:  t.site,
			UploadID:      uploadID,
			PartNumber:    partNumber,
			ContentLength: size,
			Body:          body,
		})
		return err
	})
	return etag, err
}

// abortMPU is best-effort cleanup; it runs on its own deadline so task
// cancellation still releases the destination's upload session.
func (t *ReplicationTask) abortMPU(e *queue.ObjectEntry, uploadID, storageType string) {
	if uploadID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	err := t.retryTarget(ctx, fmt.Sprintf("abort mpu for %s/%s", e.Bucket, e.Key), func(c BackendClient) error {
		return c.AbortMPU(ctx, e.Bucket, e.Key, storageType, t.site, uploadID)
	})
	if err != nil {
		glog.Errorf("abort mpu %s for %s/%s: %v", uploadID, e.Bucket, e.Key, err)
	}
}

func (t *ReplicationTask) replicateData(ctx context.Context, e *queue.ObjectEntry) error {
	for _, part := range e.MD.Location {
		if part.DataStoreETag == "" {
			return gateway.NewError(gateway.KindPermanentTarget, gateway.OriginSource, "InternalError",
				fmt.Errorf("part %d of %s/%s has no dataStoreETag", part.PartNumber, e.Bucket, e.Key))
		}
	}

	storageType := e.MD.Replication.StorageType
	t.publisher.Queued(e, e.MD.ContentLength, 1)

	if len(e.MD.Location) == 0 {
		// metadata-only mutation: no body to stream
		var versionID string
		err := t.retryTarget(ctx, fmt.Sprintf("put object md of %s/%s", e.Bucket, e.Key), func(c BackendClient) error {
			var err error
			versionID, err = c.PutObject(ctx, t.putObjectRequest(e, storageType, e.MD.ContentLength, nil))
			return err
		})
		if err != nil {
			return err
		}
		e.MD.SetSiteDataStoreVersionID(t.site, versionID)
		t.publisher.Completed(e, e.MD.ContentLength)
		return nil
	}

	reduced := e.MD.ReducedLocations()
	versionIDs := make([]string, len(reduced))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.partConcurrency)
	var start int64
	for i, part := range reduced {
		i, part := i, part
		var rng *gateway.Range
		if part.PartSize > 0 {
			rng = &gateway.Range{Start: start, End: start + part.PartSize - 1}
		}
		start += part.PartSize
		g.Go(func() error {
			err := t.retryTarget(gctx, fmt.Sprintf("put data of %s/%s", e.Bucket, e.Key), func(c BackendClient) error {
				var body io.Reader
				if rng != nil {
					stream, err := t.source.GetObject(gctx, e.Bucket, e.Key, e.VersionID, rng, 0)
					if err != nil {
						return err
					}
					defer stream.Close()
					body = stream
				}
				versionID, err := c.PutObject(gctx, t.putObjectRequest(e, storageType, part.PartSize, body))
				if err == nil {
					versionIDs[i] = versionID
				}
				return err
			})
			if err != nil {
				return err
			}
			t.publisher.Completed(e, part.PartSize)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, versionID := range versionIDs {
		if versionID != "" {
			e.MD.SetSiteDataStoreVersionID(t.site, versionID)
		}
	}
	return nil
}

func (t *ReplicationTask) putObjectRequest(e *queue.ObjectEntry, storageType string, size int64, body io.Reader) *gateway.PutObjectRequest {
	return &gateway.PutObjectRequest{
		Bucket:             e.Bucket,
		Key:                e.Key,
		StorageType:        storageType,
		StorageClass:       t.site,
		CanonicalID:        e.MD.OwnerID,
		ContentLength:      size,
		ContentMD5:         e.MD.ContentMD5,
		ContentType:        e.MD.ContentType,
		CacheControl:       e.MD.CacheControl,
		ContentDisposition: e.MD.ContentDisposition,
		ContentEncoding:    e.MD.ContentEncoding,
		UserMetadata:       e.MD.UserMetadata,
		Tags:               e.MD.Tags,
		Body:               body,
	}
}

func (t *ReplicationTask) putDeleteMarker(ctx context.Context, e *queue.ObjectEntry) error {
	storageType := e.MD.Replication.StorageType
	err := t.retryTarget(ctx, fmt.Sprintf("put delete marker of %s/%s", e.Bucket, e.Key), func(c BackendClient) error {
		return c.DeleteObject(ctx, e.Bucket, e.Key, storageType, t.site,
			e.MD.SiteDataStoreVersionID(t.site))
	})
	if err != nil && gateway.KindOf(err) == gateway.KindObjNotFound {
		// delete markers over non-versioned objects have nothing behind them
		glog.V(1).Infof("delete marker %s/%s: destination object already absent", e.Bucket, e.Key)
		return nil
	}
	return err
}

func (t *ReplicationTask) putTagging(ctx context.Context, e *queue.ObjectEntry) error {
	storageType := e.MD.Replication.StorageType
	dataStoreVersionID := e.MD.SiteDataStoreVersionID(t.site)
	var versionID string
	err := t.retryTarget(ctx, fmt.Sprintf("put tagging of %s/%s", e.Bucket, e.Key), func(c BackendClient) error {
		var err error
		versionID, err = c.PutObjectTagging(ctx, e.Bucket, e.Key, storageType, t.site,
			dataStoreVersionID, e.MD.Tags)
		return err
	})
	if err != nil {
		return err
	}
	if versionID != "" {
		e.MD.SetSiteDataStoreVersionID(t.site, versionID)
	}
	return nil
}

func (t *ReplicationTask) deleteTagging(ctx context.Context, e *queue.ObjectEntry) error {
	storageType := e.MD.Replication.StorageType
	dataStoreVersionID := e.MD.SiteDataStoreVersionID(t.site)
	var versionID string
	err := t.retryTarget(ctx, fmt.Sprintf("delete tagging of %s/%s", e.Bucket, e.Key), func(c BackendClient) error {
		var err error
		versionID, err = c.DeleteObjectTagging(ctx, e.Bucket, e.Key, storageType, t.site,
			dataStoreVersionID)
		return err
	})
	if err != nil {
		return err
	}
	if versionID != "" {
		e.MD.SetSiteDataStoreVersionID(t.site, versionID)
	}
	return nil
}

// processAction handles service-generated action entries; only copyData
// is understood.
func (t *ReplicationTask) processAction(ctx context.Context, action *queue.ActionEntry) Outcome {
	if action.ActionType != "copyData" {
		glog.V(1).Infof("ignoring action entry %q", action.ActionType)
		return Outcome{Committable: true}
	}
	target := action.Parameters
	if target.Site != "" && target.Site != t.site {
		glog.V(1).Infof("copyData for site %s ignored at %s", target.Site, t.site)
		return Outcome{Committable: true}
	}
	e := &queue.ObjectEntry{
		Bucket:    target.Bucket,
		Key:       target.Key,
		VersionID: target.VersionID,
		MD:        &queue.ObjectMD{},
	}
	md, err := t.fetchSourceMetadata(ctx, e)
	if err == nil {
		e.MD = md
		err = t.replicateData(ctx, e)
	}
	return t.handleOutcome(ctx, e, err)
}

// handleOutcome turns a terminal task error into publish-FAILED vs.
// silent skip, and publishes COMPLETED on success.
func (t *ReplicationTask) handleOutcome(ctx context.Context, e *queue.ObjectEntry, err error) Outcome {
	if err == nil {
		e.MD.SetSiteStatus(t.site, queue.StatusCompleted)
		if pubErr := t.publisher.Status(ctx, e); pubErr != nil {
			glog.Errorf("publish COMPLETED for %s/%s: %v", e.Bucket, e.Key, pubErr)
			return Outcome{Committable: false, Err: pubErr}
		}
		return Outcome{Committable: true, Status: queue.StatusCompleted}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// shutdown, not a replication verdict: leave the offset alone
		return Outcome{Committable: false, Err: err}
	}

	switch gateway.KindOf(err) {
	case gateway.KindPermanentSource, gateway.KindObjNotFound,
		gateway.KindInvalidObjectState, gateway.KindMalformed:
		glog.V(1).Infof("skipping %s/%s: %v", e.Bucket, e.Key, err)
		return Outcome{Committable: true, Err: err}
	}

	glog.Errorf("replication of %s/%s to %s failed: %v", e.Bucket, e.Key, t.site, err)
	e.MD.SetSiteStatus(t.site, queue.StatusFailed)
	t.publisher.Failed(e, e.MD.ContentLength)
	if pubErr := t.publisher.Status(ctx, e); pubErr != nil {
		glog.Errorf("publish FAILED for %s/%s: %v", e.Bucket, e.Key, pubErr)
		return Outcome{Committable: false, Err: err}
	}
	return Outcome{Committable: true, Status: queue.StatusFailed, Err: err}
}

func (t *ReplicationTask) retrySource(ctx context.Context, describe string, attempt func() error) error {
	return t.retry.Retry(ctx, Operation{
		Describe: describe,
		Attempt:  attempt,
		Classify: gateway.IsRetryable,
	})
}

func (t *ReplicationTask) retryTarget(ctx context.Context, describe string, attempt func(c BackendClient) error) error {
	return t.retry.Retry(ctx, Operation{
		Describe: describe,
		Attempt: func() error {
			return attempt(t.target.Client())
		},
		Classify: gateway.IsRetryable,
		OnRetry: func(err error) {
			if gateway.OriginOf(err) == gateway.OriginTarget {
				t.target.Failover()
			}
		},
	})
}

func rangeSize(rng *gateway.Range) int64 {
	if rng == nil {
		return 0
	}
	return rng.End - rng.Start + 1
}

func localUploadID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

func azureSubParts(size int64) int {
	if size <= 0 {
		return 1
	}
	return int((size + azureMaxBlockSize - 1) / azureMaxBlockSize)
}
