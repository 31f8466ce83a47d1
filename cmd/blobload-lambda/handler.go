package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-lambda-go/events"

	"github.com/druarnfield/blobload/internal/handler"
	"github.com/druarnfield/blobload/internal/trigger"
)

// Response is returned when every record was handled.
type Response struct {
	Success bool           `json:"success"`
	Results []ObjectResult `json:"results,omitempty"`
}

// ObjectResult is the outcome for one object of the event.
type ObjectResult struct {
	Object string `json:"object"`
	Status string `json:"status"`
}

type lambdaHandler struct {
	h         *handler.Handler
	filter    trigger.S3Filter
	onFailure string
}

// handle runs the handler for every created object in the event. Under the
// retry policy a failed load fails the invocation so Lambda retries the event.
func (lh *lambdaHandler) handle(ctx context.Context, event events.S3Event) (*Response, error) {
	objects, err := trigger.CreatedObjects(event, lh.filter)
	if err != nil {
		return nil, err
	}

	resp := &Response{Success: true}
	var failed []string
	for _, obj := range objects {
		res, err := lh.h.Handle(ctx, handler.Object{Name: obj.Name, Size: obj.Size})
		if err != nil {
			return nil, err
		}
		resp.Results = append(resp.Results, ObjectResult{Object: res.Object, Status: string(res.Status)})
		if !trigger.Acknowledge(res, lh.onFailure) {
			failed = append(failed, res.Object)
		}
	}
	if len(failed) > 0 {
		return nil, fmt.Errorf("load failed for %s", strings.Join(failed, ", "))
	}
	return resp, nil
}
