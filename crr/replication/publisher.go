package replication

import (
	"context"
	"time"

	"github.com/golang/glog"
	jsoniter "github.com/json-iterator/go"

	"github.com/cloudcrr/cloudcrr/crr/queue"
	"github.com/cloudcrr/cloudcrr/crr/queue/pub"
	"github.com/cloudcrr/cloudcrr/crr/stats"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	MetricsExtensionCRR       = "crr"
	MetricsExtensionIngestion = "ingestion"

	MetricsTypeQueued    = "queued"
	MetricsTypeCompleted = "completed"
	MetricsTypeFailed    = "failed"
)

// MetricsRecord is the JSON event appended to the metrics topic at the
// task's boundary points.
type MetricsRecord struct {
	Timestamp  int64  `json:"timestamp"`
	Ops        int64  `json:"ops"`
	Bytes      int64  `json:"bytes"`
	Extension  string `json:"extension"`
	Type       string `json:"type"`
	Site       string `json:"site"`
	BucketName string `json:"bucketName,omitempty"`
	ObjectKey  string `json:"objectKey,omitempty"`
	VersionID  string `json:"versionId,omitempty"`
}

// Publisher writes status records and metrics events to the log bus and
// mirrors the counters into prometheus and the optional redis sink.
type Publisher struct {
	site      string
	status    pub.Output
	metrics   pub.Output
	redisSink *stats.RedisSink
}

func NewPublisher(site string, status, metrics pub.Output, redisSink *stats.RedisSink) *Publisher {
	return &Publisher{
		site:      site,
		status:    status,
		metrics:   metrics,
		redisSink: redisSink,
	}
}

// Status republishes the entry with its updated per-site status. The
// caller treats a failure as non-committable.
func (p *Publisher) Status(ctx context.Context, entry *queue.ObjectEntry) error {
	value, err := queue.Serialize(entry)
	if err != nil {
		return err
	}
	return p.status.Send(entry.Bucket+"/"+entry.VersionedKey(), value)
}

func (p *Publisher) Queued(entry *queue.ObjectEntry, bytes, ops int64) {
	p.emit(MetricsTypeQueued, entry, bytes, ops)
}

func (p *Publisher) Completed(entry *queue.ObjectEntry, bytes int64) {
	p.emit(MetricsTypeCompleted, entry, bytes, 1)
}

func (p *Publisher) Failed(entry *queue.ObjectEntry, bytes int64) {
	p.emit(MetricsTypeFailed, entry, bytes, 1)
	stats.ReplicationErrorCounter.WithLabelValues(p.site).Inc()
}

// emit is best-effort: metrics loss never fails the task.
func (p *Publisher) emit(boundary string, entry *queue.ObjectEntry, bytes, ops int64) {
	stats.ReplicationOpsCounter.WithLabelValues(p.site, boundary).Add(float64(ops))
	stats.ReplicationBytesCounter.WithLabelValues(p.site, boundary).Add(float64(bytes))
	p.redisSink.Incr(p.site, boundary, ops, bytes)

	if p.metrics == nil {
		return
	}
	record := MetricsRecord{
		Timestamp:  time.Now().UnixMilli(),
		Ops:        ops,
		Bytes:      bytes,
		Extension:  MetricsExtensionCRR,
		Type:       boundary,
		Site:       p.site,
		BucketName: entry.Bucket,
		ObjectKey:  entry.Key,
		VersionID:  entry.VersionID,
	}
	value, err := json.Marshal(record)
	if err != nil {
		glog.Errorf("marshal metrics record: %v", err)
		return
	}
	if err := p.metrics.Send(entry.Bucket, value); err != nil {
		glog.V(1).Infof("publish %s metrics for %s/%s: %v", boundary, entry.Bucket, entry.Key, err)
	}
}
