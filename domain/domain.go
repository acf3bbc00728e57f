package domain

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotUTF8        = errors.New("payload is not valid UTF-8")
	ErrInvalidJSON    = errors.New("payload is not a JSON object")
	ErrMissingTopic   = errors.New("envelope has no usable topic field")
	ErrUnsafeDeviceID = errors.New("device id is not a safe file name")
)

// MQTTMessage is an inbound message as handed over by the transport.
// SourceTopic is the delivery topic, not the envelope topic.
type MQTTMessage struct {
	SourceTopic string
	Byte        json.RawMessage
}

// Envelope is the decoded payload. Only the exact "topic" key is interpreted.
type Envelope struct {
	Topic string `json:"topic"`
}

// Record confirms that a message was persisted.
type Record struct {
	DeviceID    string    `json:"device_id"`
	Path        string    `json:"path"`
	SourceTopic string    `json:"source_topic"`
	Size        int       `json:"size"`
	PersistedAt time.Time `json:"persisted_at"`
}
