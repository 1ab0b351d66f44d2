package sub

import (
	"context"
	"fmt"

	"github.com/Shopify/sarama"
	"github.com/golang/glog"

	"github.com/cloudcrr/cloudcrr/crr/util"
)

// KafkaInput consumes one topic as part of a consumer group and feeds a
// handler; group membership and offset bookkeeping stay with sarama.
type KafkaInput struct {
	hosts []string
	topic string
	group string
}

func NewKafkaInput(config util.Configuration, prefix string) *KafkaInput {
	glog.V(0).Infof("%shosts: %v", prefix, config.GetStringSlice(prefix+"hosts"))
	glog.V(0).Infof("%stopic: %v", prefix, config.GetString(prefix+"topic"))
	glog.V(0).Infof("%sgroup: %v", prefix, config.GetString(prefix+"group"))
	return &KafkaInput{
		hosts: config.GetStringSlice(prefix + "hosts"),
		topic: config.GetString(prefix + "topic"),
		group: config.GetString(prefix + "group"),
	}
}

// Run consumes until ctx is cancelled. A failure before the first
// successful session surfaces to the caller.
func (k *KafkaInput) Run(ctx context.Context, handler sarama.ConsumerGroupHandler) error {
	if k.topic == "" || k.group == "" {
		return fmt.Errorf("kafka input: topic and group must be configured")
	}

	config := sarama.NewConfig()
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(k.hosts, k.group, config)
	if err != nil {
		return fmt.Errorf("join consumer group %s: %v", k.group, err)
	}
	defer group.Close()

	go func() {
		for err := range group.Errors() {
			glog.Errorf("consumer group %s: %v", k.group, err)
		}
	}()

	for {
		if err := group.Consume(ctx, []string{k.topic}, handler); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("consume %s: %v", k.topic, err)
		}
		// rebalance: loop and rejoin
		if ctx.Err() != nil {
			return nil
		}
	}
}
