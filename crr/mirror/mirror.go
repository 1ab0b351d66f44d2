package mirror

import (
	"context"
	"errors"
	"fmt"

	"github.com/Shopify/sarama"
	"github.com/golang/glog"
	jsoniter "github.com/json-iterator/go"

	"github.com/cloudcrr/cloudcrr/crr/queue"
	"github.com/cloudcrr/cloudcrr/crr/stats"
	"github.com/cloudcrr/cloudcrr/crr/util"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// usersBucket collects bucket-creation entries in the mirror, mirroring
// the source service's bucket namespace layout.
const usersBucket = "usersBucket"

// Processor projects log entries into the document-database mirror. It
// rewrites dataStoreName/dataStoreType into the mirror's canonical values
// before every object write.
type Processor struct {
	store                Store
	bucketPrefix         string
	canonicalDataStore   string
	canonicalStoreType   string
	processBucketEntries bool
	ownerID              string
	ownerDisplayName     string
}

func NewProcessor(store Store, config util.Configuration, prefix string) *Processor {
	config.SetDefault(prefix+"bucket_prefix", "mirror")
	config.SetDefault(prefix+"data_store_name", "mirror")
	config.SetDefault(prefix+"data_store_type", "mongodb")
	return &Processor{
		store:                store,
		bucketPrefix:         config.GetString(prefix + "bucket_prefix"),
		canonicalDataStore:   config.GetString(prefix + "data_store_name"),
		canonicalStoreType:   config.GetString(prefix + "data_store_type"),
		processBucketEntries: config.GetBool(prefix + "process_bucket_entries"),
		ownerID:              config.GetString(prefix + "owner_id"),
		ownerDisplayName:     config.GetString(prefix + "owner_display_name"),
	}
}

func (p *Processor) mirrorBucket(bucket string) string {
	return p.bucketPrefix + "-" + bucket
}

// Process projects one raw record. Malformed records are dropped; store
// errors surface so the offset is not advanced.
func (p *Processor) Process(ctx context.Context, rec queue.Record) error {
	entry, err := queue.ParseEntry(rec)
	if err != nil {
		if errors.Is(err, queue.ErrMalformed) {
			glog.Errorf("mirror: dropping %s[%d]@%d: %v", rec.Topic, rec.Partition, rec.Offset, err)
			return nil
		}
		return err
	}

	switch e := entry.(type) {
	case *queue.ObjectEntry:
		return p.putObject(ctx, e)
	case *queue.DeleteEntry:
		stats.MirrorWriteCounter.WithLabelValues("delete").Inc()
		return p.store.DeleteObjectNoVer(ctx, p.mirrorBucket(e.Bucket), e.VersionedKey)
	case *queue.BucketEntry:
		if !p.processBucketEntries {
			glog.V(2).Infof("mirror: bucket entry %s skipped", e.Name)
			return nil
		}
		stats.MirrorWriteCounter.WithLabelValues("bucket").Inc()
		return p.store.PutObjectNoVer(ctx, usersBucket, p.mirrorBucket(e.Name), nil)
	case *queue.BucketMdEntry:
		if !p.processBucketEntries {
			glog.V(2).Infof("mirror: bucket md entry %s skipped", e.Name)
			return nil
		}
		stats.MirrorWriteCounter.WithLabelValues("bucket_md").Inc()
		name := p.mirrorBucket(e.Name)
		return p.store.PutObjectNoVer(ctx, name, name, e.Value)
	case *queue.ActionEntry:
		return nil
	}
	return fmt.Errorf("mirror: unhandled entry kind %T", entry)
}

func (p *Processor) putObject(ctx context.Context, e *queue.ObjectEntry) error {
	for i := range e.MD.Location {
		e.MD.Location[i].DataStoreName = p.canonicalDataStore
		e.MD.Location[i].DataStoreType = p.canonicalStoreType
		if e.VersionID != "" {
			e.MD.Location[i].DataStoreVersionID = e.VersionID
		}
	}
	if p.ownerID != "" {
		e.MD.SetOwner(p.ownerID, p.ownerDisplayName)
	}

	value, err := json.Marshal(e.MD)
	if err != nil {
		return fmt.Errorf("mirror: serialize %s/%s: %v", e.Bucket, e.Key, err)
	}
	stats.MirrorWriteCounter.WithLabelValues("object").Inc()
	return p.store.PutObjectNoVer(ctx, p.mirrorBucket(e.Bucket), e.VersionedKey(), value)
}

// Handler adapts the Processor to a consumer group. Entries are applied
// serially per claim; the versioned key keeps writes idempotent.
type Handler struct {
	processor *Processor
}

func NewHandler(processor *Processor) *Handler {
	return &Handler{processor: processor}
}

func (h *Handler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *Handler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *Handler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for msg := range claim.Messages() {
		err := h.processor.Process(ctx, queue.Record{
			Topic:     msg.Topic,
			Partition: msg.Partition,
			Offset:    msg.Offset,
			Key:       msg.Key,
			Value:     msg.Value,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// leave the offset; the record is redelivered
			glog.Errorf("mirror: %s[%d]@%d: %v", msg.Topic, msg.Partition, msg.Offset, err)
			continue
		}
		session.MarkMessage(msg, "")
	}
	return nil
}
