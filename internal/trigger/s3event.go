package trigger

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-lambda-go/events"
)

// S3Object is one created object extracted from a bucket notification.
type S3Object struct {
	Bucket string
	Key    string // full, URL-decoded object key
	Name   string // Key with the watch prefix removed
	Size   int64
}

// S3Filter selects the records a watch is interested in.
type S3Filter struct {
	Bucket string // empty matches any bucket
	Prefix string
}

// testEvent is the message S3 publishes when a notification target is first
// configured.
type testEvent struct {
	Event string `json:"Event"`
}

// DecodeS3Notification parses an S3 event notification body, as delivered to
// SQS by AWS or to Kafka by MinIO and Ceph RGW, and returns the created
// objects that pass the filter. isTest is true for s3:TestEvent messages.
func DecodeS3Notification(body []byte, filter S3Filter) (objects []S3Object, isTest bool, err error) {
	var probe testEvent
	if err := json.Unmarshal(body, &probe); err == nil && probe.Event == "s3:TestEvent" {
		return nil, true, nil
	}

	var ev events.S3Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, false, fmt.Errorf("decoding s3 notification: %w", err)
	}
	objects, err = CreatedObjects(ev, filter)
	return objects, false, err
}

// CreatedObjects returns the ObjectCreated records of ev that pass the filter.
func CreatedObjects(ev events.S3Event, filter S3Filter) ([]S3Object, error) {
	var objects []S3Object
	for _, rec := range ev.Records {
		if !isObjectCreated(rec.EventName) {
			continue
		}
		if filter.Bucket != "" && rec.S3.Bucket.Name != filter.Bucket {
			continue
		}
		key, err := url.QueryUnescape(rec.S3.Object.Key)
		if err != nil {
			return nil, fmt.Errorf("decoding object key %q: %w", rec.S3.Object.Key, err)
		}
		if !strings.HasPrefix(key, filter.Prefix) {
			continue
		}
		name := strings.TrimPrefix(key, filter.Prefix)
		if name == "" {
			continue
		}
		objects = append(objects, S3Object{
			Bucket: rec.S3.Bucket.Name,
			Key:    key,
			Name:   name,
			Size:   rec.S3.Object.Size,
		})
	}
	return objects, nil
}

// isObjectCreated accepts AWS ("ObjectCreated:Put") and MinIO
// ("s3:ObjectCreated:Put") event names.
func isObjectCreated(name string) bool {
	return strings.HasPrefix(strings.TrimPrefix(name, "s3:"), "ObjectCreated:")
}
