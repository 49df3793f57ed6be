// Package trigger submits objects announced by bucket notifications.
package trigger

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ObjectEvent is one record of a bucket notification
type ObjectEvent struct {
	Name      string
	Bucket    string
	Key       string
	Size      int64
	EventTime time.Time
}

// Created reports whether the event announces a new or overwritten object
func (e ObjectEvent) Created() bool {
	return strings.HasPrefix(e.Name, "s3:ObjectCreated:") || strings.HasPrefix(e.Name, "ObjectCreated:")
}

type notification struct {
	Records []struct {
		EventName string    `json:"eventName"`
		EventTime time.Time `json:"eventTime"`
		S3        struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key  string `json:"key"`
				Size int64  `json:"size"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

// ErrNoRecords is returned for a notification without event records
var ErrNoRecords = errors.New("notification has no records")

// ParseEvent decodes an S3-style notification as published by MinIO and
// AWS. Object keys arrive URL-encoded and are returned decoded.
func ParseEvent(body []byte) ([]ObjectEvent, error) {
	var n notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("failed to decode notification: %w", err)
	}
	if len(n.Records) == 0 {
		return nil, ErrNoRecords
	}

	events := make([]ObjectEvent, 0, len(n.Records))
	for _, rec := range n.Records {
		key, err := url.QueryUnescape(rec.S3.Object.Key)
		if err != nil {
			return nil, fmt.Errorf("invalid object key %q: %w", rec.S3.Object.Key, err)
		}
		events = append(events, ObjectEvent{
			Name:      rec.EventName,
			Bucket:    rec.S3.Bucket.Name,
			Key:       key,
			Size:      rec.S3.Object.Size,
			EventTime: rec.EventTime,
		})
	}
	return events, nil
}
