package main

import (
	"context"

	"github.com/autonova/platform/libs/amqpx"
	"github.com/autonova/platform/libs/kafkax"
	"github.com/autonova/platform/services/appointment-booking-service/internal/config"
	"github.com/autonova/platform/services/appointment-booking-service/internal/outbox"
)

// newSink builds the outbox sink named by EVENT_SINK and its readiness check.
func newSink(cfg config.Config) (outbox.Sink, func(context.Context) error, error) {
	switch cfg.EventSink {
	case config.SinkKafka:
		if cfg.KafkaBrokers == "" {
			return outbox.NopSink{}, nil, nil
		}
		return outbox.NewKafkaSink(cfg.KafkaBrokers), kafkax.ReadyCheck(cfg.KafkaBrokers), nil
	case config.SinkAMQP:
		pub, err := amqpx.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return nil, nil, err
		}
		return outbox.NewAMQPSink(pub), pub.ReadyCheck(), nil
	default:
		return outbox.NopSink{}, nil, nil
	}
}
