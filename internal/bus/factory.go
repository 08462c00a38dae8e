package bus

import (
	"fmt"
	"strings"

	"github.com/voxrelay/voxrelay/internal/config"
	"github.com/voxrelay/voxrelay/internal/pkg/errors"
	"github.com/voxrelay/voxrelay/internal/pkg/logger"
)

// NewBus creates a Bus for the configured backend. When the event log is
// enabled the bus is wrapped in a LoggedBus.
func NewBus(cfg config.BusConfig, log *logger.Logger) (Bus, error) {
	if log == nil {
		log = logger.Default()
	}

	var (
		b   Bus
		err error
	)

	switch strings.ToLower(cfg.Type) {
	case "memory", "":
		b = NewMemoryBus(log)

	case "kafka":
		brokers := ParseKafkaBrokers(cfg.KafkaBrokers)
		if len(brokers) == 0 {
			return nil, errors.New(errors.CodeValidation, "kafka brokers not configured")
		}

		consumerGroup := cfg.KafkaGroup
		if consumerGroup == "" {
			consumerGroup = "voxrelay"
		}

		b, err = NewKafkaBus(KafkaConfig{
			Brokers:       brokers,
			ConsumerGroup: consumerGroup,
			ClientID:      "voxrelay-bus",
		}, log)

	case "redis":
		group := cfg.RedisGroup
		if group == "" {
			group = "voxrelay"
		}
		b, err = NewRedisStreamBus(RedisStreamConfig{
			URL:   cfg.RedisURL,
			Group: group,
		}, log)

	default:
		return nil, errors.New(errors.CodeValidation, fmt.Sprintf("unknown bus type: %s", cfg.Type))
	}
	if err != nil {
		return nil, err
	}

	if !cfg.EventLogEnabled {
		return b, nil
	}

	eventLogger, err := NewEventLogger(cfg.EventLogPath, true)
	if err != nil {
		_ = b.Close()
		return nil, errors.Wrap(errors.CodeInternal, "opening event log", err)
	}
	return NewLoggedBus(b, eventLogger, log), nil
}
