package ingest

import (
	"context"
	"encoding/json"

	"github.com/diwise/iot-gas-monitor/internal/pkg/infrastructure/logging"
	"github.com/diwise/messaging-golang/pkg/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const SensorDataTopic string = "gasmonitor.sensorData"

// NewSensorDataHandler feeds sensor data relayed over the message broker into the same
// ingestion path as direct pushes.
func NewSensorDataHandler(svc Service) messaging.TopicMessageHandler {
	return func(ctx context.Context, msg amqp.Delivery, logger zerolog.Logger) {
		data := SensorData{}

		err := json.Unmarshal(msg.Body, &data)
		if err != nil {
			logger.Error().Err(err).Msgf("failed to unmarshal message from %s", msg.RoutingKey)
			return
		}

		logger = logger.With().Str("device_id", data.DeviceID).Logger()
		ctx = logging.NewContextWithLogger(ctx, logger)

		result, err := svc.Ingest(ctx, data)
		if err != nil {
			logger.Error().Err(err).Msg("could not ingest sensor data")
			return
		}

		logger.Debug().Msgf("%s handled, reading %d is %s", msg.RoutingKey, result.ReadingID, result.Status)
	}
}
