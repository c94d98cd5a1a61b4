package kafka

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"
)

func recordKey(topic string, partition int32, offset int64) string {
	return fmt.Sprintf("%s:%d:%d", topic, partition, offset)
}

func TestConsumerProcessRecordsBlocksPartitionOnFailure(t *testing.T) {
	consumer := &Consumer{
		logger:   logrus.New(),
		handlers: make(map[string]Handler),
	}

	var handled []string
	consumer.handlers["billing.credit_purchases"] = func(_ context.Context, msg Message) error {
		handled = append(handled, recordKey(msg.Topic, msg.Partition, msg.Offset))
		if msg.Partition == 0 && msg.Offset == 1 {
			return errors.New("handler failure")
		}
		return nil
	}

	records := []*kgo.Record{
		{Topic: "billing.credit_purchases", Partition: 0, Offset: 0},
		{Topic: "billing.credit_purchases", Partition: 0, Offset: 1},
		{Topic: "billing.credit_purchases", Partition: 0, Offset: 2},
		{Topic: "billing.credit_purchases", Partition: 1, Offset: 0},
		{Topic: "billing.credit_purchases", Partition: 1, Offset: 1},
	}

	commitRecords := consumer.processRecords(context.Background(), records)

	// Offset 2 on partition 0 sits behind the failure and must not be handled.
	wantHandled := []string{
		recordKey("billing.credit_purchases", 0, 0),
		recordKey("billing.credit_purchases", 0, 1),
		recordKey("billing.credit_purchases", 1, 0),
		recordKey("billing.credit_purchases", 1, 1),
	}
	sort.Strings(handled)
	sort.Strings(wantHandled)
	if fmt.Sprint(handled) != fmt.Sprint(wantHandled) {
		t.Fatalf("handled records = %v, want %v", handled, wantHandled)
	}

	// Partition 0 commits only up to the last success before the failure,
	// partition 1 commits its full run.
	commitKeys := make([]string, 0, len(commitRecords))
	for _, record := range commitRecords {
		commitKeys = append(commitKeys, recordKey(record.Topic, record.Partition, record.Offset))
	}
	wantCommits := []string{
		recordKey("billing.credit_purchases", 0, 0),
		recordKey("billing.credit_purchases", 1, 1),
	}
	sort.Strings(commitKeys)
	sort.Strings(wantCommits)
	if fmt.Sprint(commitKeys) != fmt.Sprint(wantCommits) {
		t.Fatalf("commit records = %v, want %v", commitKeys, wantCommits)
	}
}

func TestConsumerProcessRecordsCommitsUnhandledTopics(t *testing.T) {
	consumer := &Consumer{
		logger:   logrus.New(),
		handlers: make(map[string]Handler),
	}

	records := []*kgo.Record{
		{Topic: "billing.unknown", Partition: 0, Offset: 0},
		{Topic: "billing.unknown", Partition: 0, Offset: 1},
	}

	commitRecords := consumer.processRecords(context.Background(), records)
	if len(commitRecords) != 1 {
		t.Fatalf("expected single commit record, got %d", len(commitRecords))
	}
	if commitRecords[0].Offset != 1 {
		t.Fatalf("expected commit at offset 1, got %d", commitRecords[0].Offset)
	}
}

func TestNewConsumerKeepsProvidedLogger(t *testing.T) {
	log := logrus.New()
	consumer, err := NewConsumer([]string{"localhost:9092"}, "group", "cluster", "client", log)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer consumer.Close()

	if consumer.logger != log {
		t.Error("consumer should log through the logger it was handed")
	}
}
