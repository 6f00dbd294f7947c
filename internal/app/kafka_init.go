package app

import (
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/stockhold/internal/messaging/kafka"
)

// initKafkaProducer создаёт producer, если брокеры заданы.
// Возвращает nil, nil при пустом списке брокеров.
func initKafkaProducer(brokers []string, clientID string, logger *log.Entry) (*kafka.Producer, error) {
	brokerList := normalizeBrokers(brokers)
	if len(brokerList) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(brokerList, clientID)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		return nil, err
	}

	logger.WithField("brokers", brokerList).Info("kafka producer initialized")
	return producer, nil
}

// initPaymentConsumer подписывается на результаты оплаты; DLQ пишет тем же producer.
func initPaymentConsumer(cfg Config, handler kafka.MessageHandler, dlq *kafka.Producer, logger *log.Entry) (*kafka.Consumer, error) {
	consumerCfg := cfg.ConsumerConfig()
	consumerCfg.Brokers = normalizeBrokers(consumerCfg.Brokers)
	if len(consumerCfg.Brokers) == 0 {
		return nil, nil
	}

	consumer, err := kafka.NewConsumer(consumerCfg, handler, dlq)
	if err != nil {
		logger.WithError(err).Warn("failed to create payment results consumer")
		return nil, err
	}
	return consumer, nil
}

// closeKafka закрывает producer, если он не nil.
func closeKafka(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}

func normalizeBrokers(brokers []string) []string {
	result := make([]string, 0, len(brokers))
	for _, broker := range brokers {
		if broker = strings.TrimSpace(broker); broker != "" {
			result = append(result, broker)
		}
	}
	return result
}
