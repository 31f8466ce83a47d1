package trigger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/segmentio/kafka-go"

	"github.com/druarnfield/blobload/internal/config"
	"github.com/druarnfield/blobload/internal/handler"
)

// redeliverBackoff is the pause before a message whose load failed under the
// retry policy is dispatched again.
var redeliverBackoff = 30 * time.Second

// kafkaReader is the part of kafka.Reader the trigger uses.
type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaTrigger consumes S3-format bucket notifications from a Kafka topic.
// Messages are handled one at a time so offsets are committed in order.
type KafkaTrigger struct {
	watch     string
	cfg       *config.KafkaWatchConfig
	onFailure string
	reader    kafkaReader
	archiver  objectArchiver
	logger    log.Logger
}

// NewKafkaTrigger creates a consumer-group reader for cfg.Topic.
func NewKafkaTrigger(ctx context.Context, watch string, cfg *config.KafkaWatchConfig, onFailure string, logger log.Logger) (*KafkaTrigger, error) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})

	var archiver objectArchiver
	if cfg.ArchivePrefix != "" {
		awsCfg, err := LoadAWSConfig(ctx, AWSOptions{Region: cfg.Region})
		if err != nil {
			r.Close()
			return nil, err
		}
		archiver = NewS3Archiver(awsCfg, cfg.S3Endpoint, cfg.Prefix, cfg.ArchivePrefix)
	}
	return newKafkaTrigger(watch, cfg, onFailure, r, archiver, logger), nil
}

func newKafkaTrigger(watch string, cfg *config.KafkaWatchConfig, onFailure string, reader kafkaReader, archiver objectArchiver, logger log.Logger) *KafkaTrigger {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &KafkaTrigger{
		watch:     watch,
		cfg:       cfg,
		onFailure: onFailure,
		reader:    reader,
		archiver:  archiver,
		logger:    log.With(logger, "trigger", "kafka", "watch", watch),
	}
}

// Name returns a human-readable identifier for this trigger.
func (kt *KafkaTrigger) Name() string {
	return fmt.Sprintf("kafka(%s/%s) → %s", strings.Join(kt.cfg.Brokers, ","), kt.cfg.Topic, kt.watch)
}

// Start fetches messages until the context is cancelled and closes the reader
// on return.
func (kt *KafkaTrigger) Start(ctx context.Context, events chan<- Event) error {
	defer kt.reader.Close()

	for {
		msg, err := kt.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetching from %s: %w", kt.cfg.Topic, err)
		}

		for {
			ack, ok := kt.dispatch(ctx, msg, events)
			if !ok {
				return nil
			}
			if ack {
				break
			}
			level.Info(kt.logger).Log("msg", "redelivering message", "partition", msg.Partition, "offset", msg.Offset, "in", redeliverBackoff)
			select {
			case <-time.After(redeliverBackoff):
			case <-ctx.Done():
				return nil
			}
		}

		if err := kt.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("committing offset %d: %w", msg.Offset, err)
		}
	}
}

// dispatch emits the objects of one message and waits for all of them to
// complete. ack reports whether the offset may be committed; ok is false when
// the context was cancelled first.
func (kt *KafkaTrigger) dispatch(ctx context.Context, msg kafka.Message, events chan<- Event) (ack, ok bool) {
	objects, isTest, err := DecodeS3Notification(msg.Value, S3Filter{
		Bucket: kt.cfg.Bucket,
		Prefix: kt.cfg.Prefix,
	})
	switch {
	case err != nil:
		level.Warn(kt.logger).Log("msg", "skipping undecodable message", "partition", msg.Partition, "offset", msg.Offset, "err", err)
		return true, true
	case isTest, len(objects) == 0:
		return true, true
	}

	completed := make(chan bool, 1)
	group := newAckGroup(len(objects), func(_ context.Context, ack bool) error {
		completed <- ack
		return nil
	})

	for _, obj := range objects {
		obj := obj
		ev := Event{
			Watch:  kt.watch,
			Source: "kafka",
			Object: handler.Object{Name: obj.Name, Size: obj.Size},
			Done: func(ctx context.Context, res handler.Result) error {
				var archiveErr error
				if res.Status == handler.StatusLoaded && kt.archiver != nil {
					archiveErr = kt.archiver.Archive(ctx, obj.Bucket, obj.Key)
				}
				if err := group.done(ctx, res, kt.onFailure); err != nil {
					return err
				}
				return archiveErr
			},
		}
		select {
		case events <- ev:
		case <-ctx.Done():
			return false, false
		}
	}

	select {
	case ack := <-completed:
		return ack, true
	case <-ctx.Done():
		return false, false
	}
}
