package publisher

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"tariffmeter/internal/service"
)

const summaryTopic = "energy/summaries"

// Publisher pushes per-run aggregation summaries to an MQTT broker so
// dashboards (Home Assistant and the like) can track ingestion without
// polling the database.
type Publisher struct {
	client mqtt.Client
}

// New connects to the broker at brokerURL.
func New(brokerURL string) (*Publisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID("tariffmeter-poller")
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connecting to MQTT broker: %w", token.Error())
	}
	return &Publisher{client: client}, nil
}

type summaryPayload struct {
	*service.RunResult
	CompletedAt string `json:"completed_at"`
}

// PublishRun sends one run's summary to the summary topic, retained so late
// subscribers see the latest run per device.
func (p *Publisher) PublishRun(res *service.RunResult) error {
	body, err := json.Marshal(summaryPayload{
		RunResult:   res,
		CompletedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("encoding run summary: %w", err)
	}

	topic := summaryTopic + "/" + res.DeviceID
	if token := p.client.Publish(topic, 0, true, body); token.Wait() && token.Error() != nil {
		return fmt.Errorf("publishing run summary: %w", token.Error())
	}
	return nil
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}
