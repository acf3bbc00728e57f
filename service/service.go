package service

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/Go-routine-4595/devicesink/domain"
)

const envelopeTopicKey = "topic"

type IService interface {
	ProcessMessage(msg domain.MQTTMessage) (deviceID string, text string, err error)
}

type Service struct {
}

func NewService() *Service {
	return &Service{}
}

// ProcessMessage turns a raw message into the device id and the text to persist.
// The device id comes from the envelope topic, never from msg.SourceTopic.
func (s *Service) ProcessMessage(msg domain.MQTTMessage) (string, string, error) {
	text, err := DecodeText(msg.Byte)
	if err != nil {
		return "", "", err
	}

	env, err := ParseEnvelope(text)
	if err != nil {
		return "", "", err
	}

	id, err := DeviceID(env.Topic)
	if err != nil {
		return "", "", err
	}

	if err = ValidateDeviceID(id); err != nil {
		return "", "", err
	}

	return id, text, nil
}

func DecodeText(payload []byte) (string, error) {
	if !utf8.Valid(payload) {
		return "", domain.ErrNotUTF8
	}
	return string(payload), nil
}

// ParseEnvelope decodes text as a JSON object carrying a string topic field.
// The key is matched exactly, so "Topic" or "TOPIC" do not count.
func ParseEnvelope(text string) (domain.Envelope, error) {
	var (
		env    domain.Envelope
		fields map[string]json.RawMessage
	)

	if err := json.Unmarshal([]byte(text), &fields); err != nil {
		return env, fmt.Errorf("%w: %v", domain.ErrInvalidJSON, err)
	}
	raw, ok := fields[envelopeTopicKey]
	if !ok || string(raw) == "null" {
		return env, domain.ErrMissingTopic
	}
	if err := json.Unmarshal(raw, &env.Topic); err != nil {
		return env, fmt.Errorf("%w: topic: %v", domain.ErrInvalidJSON, err)
	}
	return env, nil
}

// DeviceID returns the last slash-delimited segment of topic.
func DeviceID(topic string) (string, error) {
	id := topic
	if i := strings.LastIndex(topic, "/"); i >= 0 {
		id = topic[i+1:]
	}
	if id == "" {
		return "", fmt.Errorf("%w: %q", domain.ErrMissingTopic, topic)
	}
	return id, nil
}

// ValidateDeviceID rejects ids that would escape the output directory.
func ValidateDeviceID(id string) error {
	switch {
	case id == "." || strings.Contains(id, ".."):
	case strings.ContainsAny(id, "/\\\x00"):
	default:
		return nil
	}
	return fmt.Errorf("%w: %q", domain.ErrUnsafeDeviceID, id)
}
