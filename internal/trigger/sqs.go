package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/druarnfield/blobload/internal/config"
	"github.com/druarnfield/blobload/internal/handler"
)

// receiveBackoff is the pause after a failed ReceiveMessage call.
const receiveBackoff = 2 * time.Second

// sqsAPI is the part of the SQS client the trigger uses.
type sqsAPI interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// objectArchiver moves a loaded object out of the watched prefix.
type objectArchiver interface {
	Archive(ctx context.Context, bucket, key string) error
}

// SQSTrigger long-polls an SQS queue carrying S3 event notifications.
type SQSTrigger struct {
	watch     string
	cfg       *config.SQSWatchConfig
	onFailure string
	client    sqsAPI
	archiver  objectArchiver // nil when archive_prefix is unset
	logger    log.Logger
}

// NewSQSTrigger creates an SQS trigger using the default AWS credential chain.
func NewSQSTrigger(ctx context.Context, watch string, cfg *config.SQSWatchConfig, onFailure string, logger log.Logger) (*SQSTrigger, error) {
	awsCfg, err := LoadAWSConfig(ctx, AWSOptions{Region: cfg.Region})
	if err != nil {
		return nil, err
	}
	var archiver objectArchiver
	if cfg.ArchivePrefix != "" {
		archiver = NewS3Archiver(awsCfg, "", cfg.Prefix, cfg.ArchivePrefix)
	}
	return newSQSTrigger(watch, cfg, onFailure, sqs.NewFromConfig(awsCfg), archiver, logger), nil
}

func newSQSTrigger(watch string, cfg *config.SQSWatchConfig, onFailure string, client sqsAPI, archiver objectArchiver, logger log.Logger) *SQSTrigger {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &SQSTrigger{
		watch:     watch,
		cfg:       cfg,
		onFailure: onFailure,
		client:    client,
		archiver:  archiver,
		logger:    log.With(logger, "trigger", "sqs", "watch", watch),
	}
}

// Name returns a human-readable identifier for this trigger.
func (st *SQSTrigger) Name() string {
	return fmt.Sprintf("sqs(%s) → %s", st.cfg.QueueURL, st.watch)
}

// Start receives messages until the context is cancelled, sending one event
// per created object.
func (st *SQSTrigger) Start(ctx context.Context, events chan<- Event) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		out, err := st.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(st.cfg.QueueURL),
			MaxNumberOfMessages: st.cfg.MaxMessages,
			WaitTimeSeconds:     st.cfg.WaitTimeSeconds,
			VisibilityTimeout:   st.cfg.VisibilityTimeout,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			level.Error(st.logger).Log("msg", "receive failed", "err", err)
			select {
			case <-time.After(receiveBackoff):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		for _, msg := range out.Messages {
			if !st.dispatch(ctx, msg, events) {
				return nil
			}
		}
	}
}

// dispatch emits the objects of one message. Returns false if the context was
// cancelled before every event was sent.
func (st *SQSTrigger) dispatch(ctx context.Context, msg sqstypes.Message, events chan<- Event) bool {
	msgID := aws.ToString(msg.MessageId)
	objects, isTest, err := DecodeS3Notification([]byte(aws.ToString(msg.Body)), S3Filter{
		Bucket: st.cfg.Bucket,
		Prefix: st.cfg.Prefix,
	})
	drop := true
	switch {
	case err != nil:
		level.Warn(st.logger).Log("msg", "dropping undecodable message", "message_id", msgID, "err", err)
	case isTest:
		level.Info(st.logger).Log("msg", "dropping s3 test event", "message_id", msgID)
	case len(objects) == 0:
		level.Debug(st.logger).Log("msg", "no matching objects in message", "message_id", msgID)
	default:
		drop = false
	}
	if drop {
		// A failed delete is logged by delete; the message comes back after
		// the visibility timeout and is dropped again.
		_ = st.delete(ctx, msg)
		return true
	}

	group := newAckGroup(len(objects), func(ctx context.Context, ack bool) error {
		if !ack {
			level.Info(st.logger).Log("msg", "leaving message for redelivery", "message_id", msgID)
			return nil
		}
		return st.delete(ctx, msg)
	})

	for _, obj := range objects {
		ev := Event{
			Watch:  st.watch,
			Source: "sqs",
			Object: handler.Object{Name: obj.Name, Size: obj.Size},
			Done:   st.doneFunc(obj, group),
		}
		select {
		case events <- ev:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func (st *SQSTrigger) doneFunc(obj S3Object, group *ackGroup) func(context.Context, handler.Result) error {
	return func(ctx context.Context, res handler.Result) error {
		var archiveErr error
		if res.Status == handler.StatusLoaded && st.archiver != nil {
			archiveErr = st.archiver.Archive(ctx, obj.Bucket, obj.Key)
		}
		if err := group.done(ctx, res, st.onFailure); err != nil {
			return err
		}
		return archiveErr
	}
}

func (st *SQSTrigger) delete(ctx context.Context, msg sqstypes.Message) error {
	_, err := st.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(st.cfg.QueueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		err = fmt.Errorf("deleting message %s: %w", aws.ToString(msg.MessageId), err)
		level.Error(st.logger).Log("msg", "delete failed", "err", err)
		return err
	}
	return nil
}
