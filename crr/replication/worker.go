package replication

import (
	"context"
	"sync"

	"github.com/Shopify/sarama"
	"github.com/golang/glog"

	"github.com/cloudcrr/cloudcrr/crr/queue"
	"github.com/cloudcrr/cloudcrr/crr/stats"
)

const defaultWorkerConcurrency = 10

// QueueProcessor binds the log-bus consumer to the replication task with
// a bounded number of in-flight entries per claim. It implements
// sarama.ConsumerGroupHandler; an offset is marked only when every entry
// at or below it has settled with a committable outcome.
type QueueProcessor struct {
	task        *ReplicationTask
	site        string
	concurrency int

	readyOnce sync.Once
	ready     chan struct{}
}

func NewQueueProcessor(task *ReplicationTask, site string, concurrency int) *QueueProcessor {
	if concurrency <= 0 {
		concurrency = defaultWorkerConcurrency
	}
	return &QueueProcessor{
		task:        task,
		site:        site,
		concurrency: concurrency,
		ready:       make(chan struct{}),
	}
}

// Ready is closed once the first consumer session is set up.
func (p *QueueProcessor) Ready() <-chan struct{} {
	return p.ready
}

func (p *QueueProcessor) Setup(sarama.ConsumerGroupSession) error {
	p.readyOnce.Do(func() { close(p.ready) })
	return nil
}

func (p *QueueProcessor) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (p *QueueProcessor) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	sem := make(chan struct{}, p.concurrency)
	ctx := session.Context()
	tracker := newOffsetTracker()

	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return nil
			}
			tracker.begin(msg.Offset)
			wg.Add(1)
			go func(msg *sarama.ConsumerMessage) {
				defer wg.Done()
				defer func() { <-sem }()
				committable := p.handle(ctx, msg)
				if mark, ok := tracker.settle(msg.Offset, committable); ok {
					session.MarkOffset(msg.Topic, msg.Partition, mark+1, "")
				}
			}(msg)
		case <-ctx.Done():
			return nil
		}
	}
}

func (p *QueueProcessor) handle(ctx context.Context, msg *sarama.ConsumerMessage) bool {
	stats.ReplicationOpsPending.WithLabelValues(p.site).Inc()
	defer stats.ReplicationOpsPending.WithLabelValues(p.site).Dec()

	entry, err := queue.ParseEntry(queue.Record{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       msg.Key,
		Value:     msg.Value,
	})
	if err != nil {
		// malformed records cannot be acted on; drop and move on
		glog.Errorf("dropping %s[%d]@%d: %v", msg.Topic, msg.Partition, msg.Offset, err)
		return true
	}

	outcome := p.task.Process(ctx, entry)
	if !outcome.Committable {
		glog.V(1).Infof("holding offset %s[%d]@%d: %v",
			msg.Topic, msg.Partition, msg.Offset, outcome.Err)
		return false
	}
	return true
}

// offsetTracker orders commit marks within one claim. Marked offsets are
// monotonic-max per partition, so marking a later entry while an earlier
// one is unsettled or held would advance the commit point past it and
// lose the held entry on rebalance. settle reports the highest offset of
// the contiguous committable prefix, once per advance.
type offsetTracker struct {
	mu      sync.Mutex
	pending []int64
	settled map[int64]bool
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{settled: map[int64]bool{}}
}

// begin registers an offset before its entry starts processing. Offsets
// arrive in partition order.
func (t *offsetTracker) begin(offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = append(t.pending, offset)
}

// settle records the entry's outcome. A non-committable entry stays
// pending and blocks every later offset for the rest of the claim.
func (t *offsetTracker) settle(offset int64, committable bool) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if committable {
		t.settled[offset] = true
	}
	var mark int64
	advanced := false
	for len(t.pending) > 0 && t.settled[t.pending[0]] {
		mark = t.pending[0]
		advanced = true
		delete(t.settled, t.pending[0])
		t.pending = t.pending[1:]
	}
	return mark, advanced
}
