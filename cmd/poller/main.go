package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tariffmeter/internal/cloud"
	"tariffmeter/internal/config"
	"tariffmeter/internal/database"
	"tariffmeter/internal/publisher"
	"tariffmeter/internal/service"
)

// deviceLocks serializes runs per device. Two overlapping runs for one
// device could read the same bucket and double-apply their deltas.
type deviceLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (d *deviceLocks) get(deviceID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.locks == nil {
		d.locks = make(map[string]*sync.Mutex)
	}
	l, ok := d.locks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		d.locks[deviceID] = l
	}
	return l
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if err := config.Load(); err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	db, err := database.Connect()
	if err != nil {
		log.Fatal().Err(err).Msg("db connect failed")
	}
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("schema bootstrap failed")
	}

	svcs, err := service.New(db)
	if err != nil {
		log.Fatal().Err(err).Msg("service init failed")
	}

	pub, err := publisher.New(config.MQTTBroker())
	if err != nil {
		log.Fatal().Err(err).Msg("mqtt connect failed")
	}
	defer pub.Close()

	var alerts *cloud.SNSClient
	if config.UseCloudServices() && config.SNSTopicArn() != "" {
		alerts, err = cloud.NewSNSClient(context.Background(), config.AWSRegion(), config.SNSTopicArn())
		if err != nil {
			log.Fatal().Err(err).Msg("sns init failed")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	interval := config.PollInterval()
	log.Info().Dur("interval", interval).Msg("poller running; Ctrl+C to stop")

	locks := &deviceLocks{}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	runAll(ctx, svcs, pub, alerts, locks)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("poller shutting down")
			return
		case <-ticker.C:
			runAll(ctx, svcs, pub, alerts, locks)
		}
	}
}

func runAll(ctx context.Context, svcs *service.Services, pub *publisher.Publisher, alerts *cloud.SNSClient, locks *deviceLocks) {
	devices, err := svcs.Repos.ListDevices(ctx)
	if err != nil {
		log.Error().Err(err).Msg("device listing failed")
		return
	}

	for _, dev := range devices {
		if ctx.Err() != nil {
			return
		}

		lock := locks.get(dev.ID)
		if !lock.TryLock() {
			log.Warn().Str("device_id", dev.ID).Msg("previous run still in flight, skipping")
			continue
		}

		res, err := svcs.Energy.ProcessEnergyLogs(ctx, dev.ID, nil)
		lock.Unlock()

		if err != nil {
			log.Error().Err(err).Str("device_id", dev.ID).Msg("run failed")
			if alerts != nil {
				if alertErr := alerts.SendRunFailureAlert(ctx, dev.ID, err); alertErr != nil {
					log.Error().Err(alertErr).Msg("failure alert not delivered")
				}
			}
			continue
		}

		if res.Status == service.StatusCompleted {
			if err := pub.PublishRun(res); err != nil {
				log.Error().Err(err).Str("device_id", dev.ID).Msg("summary publish failed")
			}
		}
	}
}
