package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"github.com/voxrelay/voxrelay/internal/pkg/logger"
)

func TestKafkaConfig_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     KafkaConfig
		wantErr bool
	}{
		{
			name: "valid config",
			cfg: KafkaConfig{
				Brokers:       []string{"localhost:9092"},
				ConsumerGroup: "test-group",
			},
		},
		{
			name: "empty brokers",
			cfg: KafkaConfig{
				Brokers:       []string{},
				ConsumerGroup: "test-group",
			},
			wantErr: true,
		},
		{
			name: "empty consumer group",
			cfg: KafkaConfig{
				Brokers: []string{"localhost:9092"},
			},
			wantErr: true,
		},
		{
			name: "invalid kafka version",
			cfg: KafkaConfig{
				Brokers:       []string{"localhost:9092"},
				ConsumerGroup: "test-group",
				Version:       "invalid",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			cfg.setDefaults()
			_, err := cfg.saramaConfig()
			if (err != nil) != tt.wantErr {
				t.Errorf("saramaConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestKafkaConfig_Defaults(t *testing.T) {
	cfg := KafkaConfig{Brokers: []string{"localhost:9092"}, ConsumerGroup: "g"}
	cfg.setDefaults()

	if cfg.ClientID != "voxrelay-bus" {
		t.Errorf("ClientID = %q, want voxrelay-bus", cfg.ClientID)
	}
	if cfg.MaxMessageBytes != DefaultKafkaMaxMessageBytes {
		t.Errorf("MaxMessageBytes = %d, want %d", cfg.MaxMessageBytes, DefaultKafkaMaxMessageBytes)
	}

	sc, err := cfg.saramaConfig()
	if err != nil {
		t.Fatalf("saramaConfig() error = %v", err)
	}
	if sc.Consumer.Offsets.Initial != sarama.OffsetOldest {
		t.Errorf("Offsets.Initial = %d, want OffsetOldest", sc.Consumer.Offsets.Initial)
	}
	if !sc.Producer.Return.Successes {
		t.Error("Producer.Return.Successes must be true for a sync producer")
	}
	if sc.Producer.MaxMessageBytes < 5<<20 {
		t.Errorf("Producer.MaxMessageBytes = %d, too small for audio events", sc.Producer.MaxMessageBytes)
	}
}

// TestParseKafkaBrokers tests broker string parsing.
func TestParseKafkaBrokers(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{
			name:  "single broker",
			input: "localhost:9092",
			want:  []string{"localhost:9092"},
		},
		{
			name:  "multiple brokers",
			input: "broker1:9092,broker2:9092,broker3:9092",
			want:  []string{"broker1:9092", "broker2:9092", "broker3:9092"},
		},
		{
			name:  "with whitespace",
			input: "broker1:9092 , broker2:9092 , broker3:9092",
			want:  []string{"broker1:9092", "broker2:9092", "broker3:9092"},
		},
		{
			name:  "drops empty entries",
			input: "broker1:9092,, ,broker2:9092,",
			want:  []string{"broker1:9092", "broker2:9092"},
		},
		{
			name:  "empty string",
			input: "",
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseKafkaBrokers(tt.input)
			if len(got) != len(tt.want) {
				t.Errorf("ParseKafkaBrokers() = %v, want %v", got, tt.want)
				return
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("ParseKafkaBrokers()[%d] = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestKafkaBus_Interface(t *testing.T) {
	var _ Bus = (*KafkaBus)(nil)
}

func TestKafkaBus_Publish(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != TopicAudioProcessed {
			return fmt.Errorf("topic = %s", msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "evt-1" {
			return fmt.Errorf("key = %s", key)
		}
		if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != "corr-1" {
			return fmt.Errorf("missing correlation header: %v", msg.Headers)
		}
		value, _ := msg.Value.Encode()
		var event Event
		if err := json.Unmarshal(value, &event); err != nil {
			return err
		}
		if event.ID != "evt-1" {
			return fmt.Errorf("event id = %s", event.ID)
		}
		return nil
	})

	bus := newKafkaBus(KafkaConfig{}, nil, producer, nil, logger.Discard())
	defer bus.Close()

	ack, err := bus.Publish(context.Background(), TopicAudioProcessed, Event{ID: "evt-1", CorrelationID: "corr-1"})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if ack.EventID != "evt-1" || ack.Topic != TopicAudioProcessed {
		t.Errorf("Ack = %+v", ack)
	}
	if ack.Offset == 0 {
		t.Error("Ack.Offset not set")
	}
}

func TestKafkaBus_PublishFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	bus := newKafkaBus(KafkaConfig{}, nil, producer, nil, logger.Discard())
	defer bus.Close()

	_, err := bus.Publish(context.Background(), TopicAudioPending, Event{ID: "e"})
	if err == nil {
		t.Fatal("Publish() error = nil, want error")
	}
	if !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Errorf("Publish() error = %v, want wrapped ErrOutOfBrokers", err)
	}
}

func TestKafkaBus_HandleRecord(t *testing.T) {
	bus := newKafkaBus(KafkaConfig{}, nil, nil, nil, logger.Discard())
	defer bus.Close()

	var got []string
	bus.handlers[TopicAudioPending] = []Handler{
		func(ctx context.Context, e Event) error {
			got = append(got, "first:"+e.ID)
			return errors.New("ignored")
		},
		func(ctx context.Context, e Event) error {
			got = append(got, "second:"+e.ID)
			return nil
		},
	}

	h := &consumerGroupHandler{bus: bus, topic: TopicAudioPending}

	data, _ := json.Marshal(Event{ID: "rec-1"})
	h.handle(context.Background(), &sarama.ConsumerMessage{Topic: TopicAudioPending, Value: data})
	h.handle(context.Background(), &sarama.ConsumerMessage{Topic: TopicAudioPending, Value: []byte("{garbage")})

	if len(got) != 2 || got[0] != "first:rec-1" || got[1] != "second:rec-1" {
		t.Errorf("handlers saw %v", got)
	}
}

func TestKafkaBus_CloseIdempotent(t *testing.T) {
	bus := newKafkaBus(KafkaConfig{}, nil, nil, nil, logger.Discard())

	if err := bus.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestKafkaBus_PublishAfterClose(t *testing.T) {
	bus := newKafkaBus(KafkaConfig{}, nil, nil, nil, logger.Discard())
	bus.Close()

	if _, err := bus.Publish(context.Background(), "test", Event{ID: "test"}); err == nil {
		t.Error("Publish() after Close() should return error")
	}
}

func TestKafkaBus_SubscribeAfterClose(t *testing.T) {
	bus := newKafkaBus(KafkaConfig{}, nil, nil, nil, logger.Discard())
	bus.Close()

	err := bus.Subscribe(context.Background(), "test", func(ctx context.Context, event Event) error {
		return nil
	})
	if err == nil {
		t.Error("Subscribe() after Close() should return error")
	}
}
