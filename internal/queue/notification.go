package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// EventObjectCreated is the event name carried by upload notifications.
const EventObjectCreated = "ObjectCreated:Put"

// Notification is the message body of one work-queue record. It follows the
// S3 event notification layout so that the same worker can consume events
// emitted by an S3-compatible object store.
type Notification struct {
	Records []Record `json:"Records"`
}

// Record is one object event within a [Notification].
type Record struct {
	EventName string    `json:"eventName"`
	EventTime time.Time `json:"eventTime"`
	S3        S3Entity  `json:"s3"`
}

// S3Entity identifies the bucket and object of a [Record].
type S3Entity struct {
	Bucket Bucket `json:"bucket"`
	Object Object `json:"object"`
}

// Bucket names the bucket holding the object.
type Bucket struct {
	Name string `json:"name"`
}

// Object describes the created object. Key is URL-encoded the way S3 encodes
// keys in event notifications; use [Record.ObjectKey] for the raw key.
type Object struct {
	Key  string `json:"key"`
	Size int64  `json:"size,omitempty"`
}

// NewNotification builds a single-record object-created notification.
func NewNotification(bucket, key string, size int64) Notification {
	return Notification{Records: []Record{{
		EventName: EventObjectCreated,
		EventTime: time.Now().UTC(),
		S3: S3Entity{
			Bucket: Bucket{Name: bucket},
			Object: Object{Key: EncodeKey(key), Size: size},
		},
	}}}
}

// ObjectKey returns the decoded object key.
func (r Record) ObjectKey() (string, error) {
	key, err := url.QueryUnescape(r.S3.Object.Key)
	if err != nil {
		return "", fmt.Errorf("queue: decode object key %q: %w", r.S3.Object.Key, err)
	}
	return key, nil
}

// EncodeKey URL-encodes every path segment of key while keeping the "/"
// separators, matching S3 event notifications.
func EncodeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.QueryEscape(p)
	}
	return strings.Join(parts, "/")
}

// DecodeNotification parses a work-queue message body. Bodies that are not a
// notification with at least one record are permanent failures.
func DecodeNotification(body []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return Notification{}, Permanent(fmt.Errorf("queue: decode notification: %w", err))
	}
	if len(n.Records) == 0 {
		return Notification{}, Permanent(errors.New("queue: notification has no records"))
	}
	return n, nil
}
