package mq

import (
	"testing"
	"time"
)

func TestKafkaMessageHeaders(t *testing.T) {
	msg := NewMessage([]byte(`{"judgeRecordId":42}`))
	msg.ID = "judge-42"
	msg.SetHeader("x-reason", "attempts exhausted")
	msg.Timestamp = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	km := toKafkaMessage("judge.dead-letter", msg)
	if km.Topic != "judge.dead-letter" || string(km.Key) != "judge-42" {
		t.Fatalf("unexpected kafka message %+v", km)
	}

	back := fromKafkaMessage(km)
	if back.ID != "judge-42" {
		t.Fatalf("expected id to survive, got %q", back.ID)
	}
	if !back.Timestamp.Equal(msg.Timestamp) {
		t.Fatalf("expected timestamp %v, got %v", msg.Timestamp, back.Timestamp)
	}
	if v, ok := back.GetHeader("x-reason"); !ok || v != "attempts exhausted" {
		t.Fatalf("expected custom header, got %q", v)
	}
	if _, ok := back.GetHeader(headerID); ok {
		t.Fatalf("reserved headers must not leak into Headers")
	}
}

func TestNewKafkaProducerRequiresBrokers(t *testing.T) {
	if _, err := NewKafkaProducer(KafkaConfig{}); err == nil {
		t.Fatalf("expected error without brokers")
	}
	p, err := NewKafkaProducer(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}})
	if err != nil {
		t.Fatalf("new producer failed: %v", err)
	}
	if p.config.BatchSize != 100 || p.config.BatchTimeout != 50*time.Millisecond {
		t.Fatalf("expected defaults, got %+v", p.config)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
}
