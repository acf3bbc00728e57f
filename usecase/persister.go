package usecase

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Go-routine-4595/devicesink/adapters/gateways"
	"github.com/Go-routine-4595/devicesink/adapters/storage"
	"github.com/Go-routine-4595/devicesink/domain"
	"github.com/Go-routine-4595/devicesink/internal/config"
	"github.com/Go-routine-4595/devicesink/service"

	"github.com/rs/zerolog"
)

const (
	defaultStatsInterval = time.Second * 30
	notifyTimeout        = time.Second * 5
	mirrorTimeout        = time.Second * 30
)

// ErrHalt marks a failure that must stop the process.
var ErrHalt = errors.New("message persister halted")

type ISubmit interface {
	Submit(topic string, msg []byte) error
}

// Persister writes every inbound message to the file named after its device id.
// Submit is called from the transport's delivery callback and runs synchronously,
// so writes never overlap.
type Persister struct {
	srv        *service.Service
	store      storage.Store
	mirrors    []storage.Store
	notifier   gateways.Notifier
	haltOnFail bool
	interval   time.Duration
	logger     zerolog.Logger
	stats      *Stats
	wg         sync.WaitGroup
	now        func() time.Time
}

type Option func(*Persister)

func WithMirror(m storage.Store) Option {
	return func(p *Persister) {
		p.mirrors = append(p.mirrors, m)
	}
}

func WithNotifier(n gateways.Notifier) Option {
	return func(p *Persister) {
		p.notifier = n
	}
}

func NewPersister(cfg config.Config, store storage.Store, l *zerolog.Logger, opts ...Option) *Persister {
	var (
		logger zerolog.Logger
	)

	if l == nil {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		logger = *l
	}

	interval := cfg.StatsInterval
	if interval <= 0 {
		interval = defaultStatsInterval
	}

	p := &Persister{
		srv:        service.NewService(),
		store:      store,
		haltOnFail: cfg.MalformedPolicy == config.MalformedCrash,
		interval:   interval,
		logger:     logger,
		stats:      &Stats{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Persister) Stats() *Stats {
	return p.stats
}

// Start runs the periodic stats reporter until ctx is cancelled.
func (p *Persister) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.statsReporter(ctx)
}

func (p *Persister) Submit(topic string, payload []byte) error {
	var err error

	defer func(now time.Time) {
		elapsed := time.Since(now)
		if err != nil {
			p.logger.Error().Err(err).Str("source_topic", topic).Msgf("message processing failed after %s", elapsed)
		} else {
			p.logger.Debug().Str("source_topic", topic).Msgf("message processing took %s", elapsed)
		}
	}(time.Now())

	p.stats.Received.Add(1)

	deviceID, text, err := p.srv.ProcessMessage(domain.MQTTMessage{
		SourceTopic: topic,
		Byte:        payload,
	})
	if err != nil {
		p.stats.Rejected.Add(1)
		return p.policy(fmt.Errorf("rejected message on %s: %w", topic, err))
	}

	ctx := context.Background()
	path, err := p.store.Write(ctx, deviceID, []byte(text))
	if err != nil {
		p.stats.Failed.Add(1)
		return p.policy(err)
	}
	p.stats.Persisted.Add(1)

	rec := domain.Record{
		DeviceID:    deviceID,
		Path:        path,
		SourceTopic: topic,
		Size:        len(text),
		PersistedAt: p.now().UTC(),
	}
	p.logger.Info().Str("device_id", deviceID).Str("path", path).Msg("Message received and saved")

	p.mirror(ctx, rec, []byte(text))
	p.notify(ctx, rec)
	return nil
}

// policy applies the malformed-message policy: skip returns the error as is,
// crash wraps it in ErrHalt.
func (p *Persister) policy(err error) error {
	if p.haltOnFail {
		return errors.Join(ErrHalt, err)
	}
	return err
}

func (p *Persister) mirror(ctx context.Context, rec domain.Record, data []byte) {
	for _, m := range p.mirrors {
		mctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
		uri, err := m.Write(mctx, rec.DeviceID, data)
		cancel()
		if err != nil {
			p.stats.MirrorFailed.Add(1)
			p.logger.Warn().Err(err).Str("device_id", rec.DeviceID).Msg("mirror upload failed")
			continue
		}
		p.stats.Mirrored.Add(1)
		p.logger.Debug().Str("device_id", rec.DeviceID).Str("uri", uri).Msg("mirrored")
	}
}

func (p *Persister) notify(ctx context.Context, rec domain.Record) {
	if p.notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()

	if err := p.notifier.Notify(nctx, rec); err != nil {
		p.stats.NotifyFailed.Add(1)
		p.logger.Warn().Err(err).Str("device_id", rec.DeviceID).Msg("failed to publish confirmation record")
	}
}

// Close waits for the stats reporter, which exits once the Start context is done.
func (p *Persister) Close() {
	p.wg.Wait()
	if p.notifier != nil {
		p.notifier.Close()
	}
	p.logger.Info().Msg("Persister shutting down gracefully...")
}
