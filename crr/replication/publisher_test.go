package replication

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudcrr/cloudcrr/crr/queue"
)

type fakeOutput struct {
	keys   []string
	values [][]byte
	err    error
}

func (o *fakeOutput) Send(key string, value []byte) error {
	if o.err != nil {
		return o.err
	}
	o.keys = append(o.keys, key)
	o.values = append(o.values, value)
	return nil
}

func (o *fakeOutput) Close() error { return nil }

func TestPublisherStatusRepublishesEntry(t *testing.T) {
	status := &fakeOutput{}
	p := NewPublisher(testSite, status, nil, nil)

	e := objectEntry(1024, queue.ContentData)
	e.MD.SetSiteStatus(testSite, queue.StatusCompleted)
	require.NoError(t, p.Status(context.Background(), e))

	require.Len(t, status.keys, 1)
	assert.Equal(t, "src-bucket/photos/cat.jpg\x00v1", status.keys[0])

	parsed, err := queue.ParseEntry(queue.Record{Value: status.values[0]})
	require.NoError(t, err)
	obj := parsed.(*queue.ObjectEntry)
	assert.Equal(t, queue.StatusCompleted, obj.MD.SiteStatus(testSite))
}

func TestPublisherStatusErrorSurfaces(t *testing.T) {
	status := &fakeOutput{err: assert.AnError}
	p := NewPublisher(testSite, status, nil, nil)

	err := p.Status(context.Background(), objectEntry(1024, queue.ContentData))
	assert.Error(t, err)
}

func TestPublisherMetricsRecords(t *testing.T) {
	metrics := &fakeOutput{}
	p := NewPublisher(testSite, &fakeOutput{}, metrics, nil)

	e := objectEntry(2048, queue.ContentData)
	p.Queued(e, 2048, 1)
	p.Completed(e, 2048)
	p.Failed(e, 2048)

	require.Len(t, metrics.values, 3)
	boundaries := []string{MetricsTypeQueued, MetricsTypeCompleted, MetricsTypeFailed}
	for i, value := range metrics.values {
		record := MetricsRecord{}
		require.NoError(t, json.Unmarshal(value, &record))
		assert.Equal(t, boundaries[i], record.Type)
		assert.Equal(t, MetricsExtensionCRR, record.Extension)
		assert.Equal(t, testSite, record.Site)
		assert.Equal(t, int64(2048), record.Bytes)
		assert.Equal(t, "src-bucket", record.BucketName)
		assert.NotZero(t, record.Timestamp)
	}
}

func TestPublisherWithoutMetricsOutput(t *testing.T) {
	p := NewPublisher(testSite, &fakeOutput{}, nil, nil)
	e := objectEntry(1, queue.ContentData)
	// must not panic without a metrics topic or redis sink
	p.Queued(e, 1, 1)
	p.Completed(e, 1)
	p.Failed(e, 1)
}
