package addresswatcher

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	kafka "github.com/segmentio/kafka-go"

	"github.com/EnMasseProject/enmasse-sub000/internal/models"
)

type Config struct {
	QueueAddr string `envconfig:"QUEUE_ADDR,optional"`
	Topic     string `envconfig:"QUEUE_ADDRESSES_TOPIC,default=enmasse.addresses"`
}

type Coordinator interface {
	SyncAddresses(ctx context.Context, addrs []models.DesiredAddress)
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	SetOffset(offset int64) error
	Close() error
}

// offsetFunc returns the offset the next snapshot will be written at.
type offsetFunc func(ctx context.Context) (int64, error)

// AddressWatcher consumes desired address snapshots and hands every decoded
// snapshot to the coordinator. Each snapshot is complete, so the watcher
// starts from the newest one instead of a committed group position.
type AddressWatcher struct {
	msgReader  messageReader
	lastOffset offsetFunc
	crd        Coordinator
}

func NewAddressWatcher(cfg Config, crd Coordinator) *AddressWatcher {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   []string{cfg.QueueAddr},
		Topic:     cfg.Topic,
		Partition: 0,
		MaxBytes:  10 * 1024 * 1024,
	})
	return newWatcher(reader, leaderLastOffset(cfg), crd)
}

func newWatcher(reader messageReader, lastOffset offsetFunc, crd Coordinator) *AddressWatcher {
	return &AddressWatcher{
		msgReader:  reader,
		lastOffset: lastOffset,
		crd:        crd,
	}
}

func leaderLastOffset(cfg Config) offsetFunc {
	return func(ctx context.Context) (int64, error) {
		conn, err := kafka.DialLeader(ctx, "tcp", cfg.QueueAddr, cfg.Topic, 0)
		if err != nil {
			return 0, fmt.Errorf("failed to dial address topic leader: %w", err)
		}
		defer conn.Close()
		return conn.ReadLastOffset()
	}
}

// startOffset positions the reader on the newest snapshot, or on the start of
// an empty topic so the first snapshot written is read.
func startOffset(last int64) int64 {
	if last > 0 {
		return last - 1
	}
	return kafka.FirstOffset
}

func (w *AddressWatcher) Run(ctx context.Context) error {
	offset := kafka.FirstOffset
	last, err := w.lastOffset(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to read last address offset, replaying the whole topic")
	} else {
		offset = startOffset(last)
	}
	err = w.msgReader.SetOffset(offset)
	if err != nil {
		return fmt.Errorf("failed to seek address topic: %w", err)
	}

	for {
		msg, err := w.msgReader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) || ctx.Err() != nil {
				return err
			}
			log.Error().Err(err).Msg("failed to fetch address message")
			continue
		}

		addrs, err := Decode(msg.Value)
		if err != nil {
			log.Error().Err(err).Msgf("dropping address message at offset %d", msg.Offset)
			continue
		}
		log.Info().Msgf("received %d desired addresses at offset %d", len(addrs), msg.Offset)

		w.crd.SyncAddresses(ctx, addrs)
	}
}

func (w *AddressWatcher) Close() error {
	return w.msgReader.Close()
}
