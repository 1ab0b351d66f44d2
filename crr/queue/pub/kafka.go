package pub

import (
	"fmt"

	"github.com/Shopify/sarama"
	"github.com/golang/glog"

	"github.com/cloudcrr/cloudcrr/crr/util"
)

// Output appends records onto one log-bus topic. Records sharing a key
// land on the same partition, preserving per-object ordering.
type Output interface {
	Send(key string, value []byte) error
	Close() error
}

type KafkaOutput struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaOutput(config util.Configuration, prefix string, topicKey string) (*KafkaOutput, error) {
	hosts := config.GetStringSlice(prefix + "hosts")
	topic := config.GetString(prefix + topicKey)
	glog.V(0).Infof("%shosts: %v", prefix, hosts)
	glog.V(0).Infof("%s%s: %v", prefix, topicKey, topic)
	return newKafkaOutput(hosts, topic)
}

func newKafkaOutput(hosts []string, topic string) (*KafkaOutput, error) {
	if topic == "" {
		return nil, fmt.Errorf("kafka output: no topic configured")
	}
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 10
	config.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(hosts, config)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer for %s: %v", topic, err)
	}
	return &KafkaOutput{producer: producer, topic: topic}, nil
}

func (k *KafkaOutput) Send(key string, value []byte) error {
	partition, offset, err := k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	})
	if err != nil {
		return fmt.Errorf("produce to %s: %v", k.topic, err)
	}
	glog.V(2).Infof("produced to %s[%d]@%d", k.topic, partition, offset)
	return nil
}

func (k *KafkaOutput) Close() error {
	return k.producer.Close()
}
