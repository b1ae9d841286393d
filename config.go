package pullstream

import (
	"fmt"
	rand "math/rand/v2"
	"time"

	"gopkg.in/yaml.v3"
)

// Default settings applied by SetDefaults.
const (
	// DefaultMaxOutstandingMessages bounds locally buffered messages.
	DefaultMaxOutstandingMessages = 1000

	// DefaultMaxOutstandingBytes bounds locally buffered bytes (100 MiB).
	DefaultMaxOutstandingBytes = 100 * 1024 * 1024

	// DefaultStreamAckDeadline is the per-stream ack deadline advertised on
	// connect.
	DefaultStreamAckDeadline = 60 * time.Second

	// DefaultMinLeaseExtension floors each bulk lease extension.
	DefaultMinLeaseExtension = 10 * time.Second

	// DefaultMaxLeaseExtension caps each bulk lease extension.
	DefaultMaxLeaseExtension = 10 * time.Minute

	// DefaultMaxHandlingTime bounds lease extensions per message, measured
	// from receipt.
	DefaultMaxHandlingTime = time.Hour

	// DefaultShutdownPollingPeriod is how often a shutting-down session logs
	// its remaining outstanding operations.
	DefaultShutdownPollingPeriod = time.Second

	// DefaultMaxAckIDsPerRequest caps ack ids per acknowledge or
	// modify-ack-deadline wire request.
	DefaultMaxAckIDsPerRequest = 1000

	// DefaultAckRetryDeadline is the per-operation retry budget for
	// exactly-once acknowledge and modify calls.
	DefaultAckRetryDeadline = 10 * time.Minute
)

// Stream ack deadline bounds enforced by Validate.
const (
	minStreamAckDeadline = 10 * time.Second
	maxStreamAckDeadline = 10 * time.Minute
)

// Settings configures a SubscriberSession.
//
// All duration fields accept standard Go duration strings like "30s", "5m",
// "1h" when unmarshalled from YAML. Zero values are replaced by defaults; only
// Subscription is mandatory.
type Settings struct {
	// Subscription names the subscription to pull from. Required.
	Subscription string `yaml:"subscription"`

	// ClientID identifies this subscriber instance across stream reconnects.
	// Defaults to a random identifier.
	ClientID string `yaml:"clientId"`

	// MaxOutstandingMessages is the high watermark on locally buffered
	// messages. Intake pauses at the watermark and resumes at half of it.
	MaxOutstandingMessages int64 `yaml:"maxOutstandingMessages"`

	// MaxOutstandingBytes is the high watermark on locally buffered bytes.
	MaxOutstandingBytes int64 `yaml:"maxOutstandingBytes"`

	// StreamAckDeadline is the ack deadline advertised when the stream
	// connects. Must be between 10 seconds and 10 minutes.
	StreamAckDeadline time.Duration `yaml:"streamAckDeadline"`

	// MinLeaseExtension floors the deadline extension applied by each lease
	// refresh.
	MinLeaseExtension time.Duration `yaml:"minLeaseExtension"`

	// MaxLeaseExtension caps the deadline extension applied by each lease
	// refresh.
	MaxLeaseExtension time.Duration `yaml:"maxLeaseExtension"`

	// MaxHandlingTime bounds how long a single message's lease keeps being
	// extended, measured from receipt. Once reached the message is dropped
	// from refresh and the broker redelivers it.
	MaxHandlingTime time.Duration `yaml:"maxHandlingTime"`

	// ShutdownPollingPeriod is how often the session logs outstanding
	// operations while draining during shutdown.
	ShutdownPollingPeriod time.Duration `yaml:"shutdownPollingPeriod"`

	// MaxAckIDsPerRequest caps ack ids per wire request; larger bulk nacks
	// are split.
	MaxAckIDsPerRequest int `yaml:"maxAckIdsPerRequest"`

	// AckRetryDeadline is the total retry budget of one exactly-once
	// acknowledge or modify-ack-deadline operation.
	AckRetryDeadline time.Duration `yaml:"ackRetryDeadline"`
}

// SetDefaults fills in missing settings values with production defaults.
//
// Parameters:
//   - s: Settings to normalize in place
func SetDefaults(s *Settings) {
	if s.MaxOutstandingMessages <= 0 {
		s.MaxOutstandingMessages = DefaultMaxOutstandingMessages
	}
	if s.MaxOutstandingBytes <= 0 {
		s.MaxOutstandingBytes = DefaultMaxOutstandingBytes
	}
	if s.StreamAckDeadline == 0 {
		s.StreamAckDeadline = DefaultStreamAckDeadline
	}
	if s.MinLeaseExtension == 0 {
		s.MinLeaseExtension = DefaultMinLeaseExtension
	}
	if s.MaxLeaseExtension == 0 {
		s.MaxLeaseExtension = DefaultMaxLeaseExtension
	}
	if s.MaxHandlingTime == 0 {
		s.MaxHandlingTime = DefaultMaxHandlingTime
	}
	if s.ShutdownPollingPeriod == 0 {
		s.ShutdownPollingPeriod = DefaultShutdownPollingPeriod
	}
	if s.MaxAckIDsPerRequest <= 0 {
		s.MaxAckIDsPerRequest = DefaultMaxAckIDsPerRequest
	}
	if s.AckRetryDeadline == 0 {
		s.AckRetryDeadline = DefaultAckRetryDeadline
	}
	if s.ClientID == "" {
		s.ClientID = randomClientID()
	}
}

// ParseSettings decodes YAML settings, fills in defaults and validates the
// result.
//
// Duration fields accept standard Go duration strings:
//
//	subscription: projects/p/subscriptions/s
//	maxOutstandingMessages: 500
//	streamAckDeadline: 30s
//	maxHandlingTime: 1h
//
// Parameters:
//   - data: YAML document
//
// Returns:
//   - Settings: Normalized, validated settings
//   - error: Decode or validation failure
func ParseSettings(data []byte) (Settings, error) {
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}
	SetDefaults(&s)
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}

	return s, nil
}

// flexDuration decodes a YAML scalar as either a Go duration string ("30s")
// or a plain integer nanosecond count.
type flexDuration time.Duration

func (d *flexDuration) UnmarshalYAML(value *yaml.Node) error {
	var ns int64
	if err := value.Decode(&ns); err == nil {
		*d = flexDuration(ns)
		return nil
	}

	var text string
	if err := value.Decode(&text); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = flexDuration(parsed)

	return nil
}

// UnmarshalYAML decodes Settings, accepting duration strings for all
// duration fields.
func (s *Settings) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Subscription           string       `yaml:"subscription"`
		ClientID               string       `yaml:"clientId"`
		MaxOutstandingMessages int64        `yaml:"maxOutstandingMessages"`
		MaxOutstandingBytes    int64        `yaml:"maxOutstandingBytes"`
		StreamAckDeadline      flexDuration `yaml:"streamAckDeadline"`
		MinLeaseExtension      flexDuration `yaml:"minLeaseExtension"`
		MaxLeaseExtension      flexDuration `yaml:"maxLeaseExtension"`
		MaxHandlingTime        flexDuration `yaml:"maxHandlingTime"`
		ShutdownPollingPeriod  flexDuration `yaml:"shutdownPollingPeriod"`
		MaxAckIDsPerRequest    int          `yaml:"maxAckIdsPerRequest"`
		AckRetryDeadline       flexDuration `yaml:"ackRetryDeadline"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	*s = Settings{
		Subscription:           raw.Subscription,
		ClientID:               raw.ClientID,
		MaxOutstandingMessages: raw.MaxOutstandingMessages,
		MaxOutstandingBytes:    raw.MaxOutstandingBytes,
		StreamAckDeadline:      time.Duration(raw.StreamAckDeadline),
		MinLeaseExtension:      time.Duration(raw.MinLeaseExtension),
		MaxLeaseExtension:      time.Duration(raw.MaxLeaseExtension),
		MaxHandlingTime:        time.Duration(raw.MaxHandlingTime),
		ShutdownPollingPeriod:  time.Duration(raw.ShutdownPollingPeriod),
		MaxAckIDsPerRequest:    raw.MaxAckIDsPerRequest,
		AckRetryDeadline:       time.Duration(raw.AckRetryDeadline),
	}

	return nil
}

// randomClientID generates a client identifier for sessions that did not set
// one. Uniqueness only needs to hold per broker connection, not globally.
func randomClientID() string {
	return fmt.Sprintf("pullstream-%08x-%08x", rand.Uint32(), rand.Uint32()) //nolint:gosec // non-crypto identifier
}

// Validate checks settings constraints and returns an error wrapping
// ErrInvalidSettings for invalid values. Call SetDefaults first; Validate does
// not fill in defaults.
//
// Returns:
//   - error: nil if the settings are valid
func (s *Settings) Validate() error {
	if s.Subscription == "" {
		return fmt.Errorf("%w: subscription is required", ErrInvalidSettings)
	}
	if s.MaxOutstandingMessages <= 0 {
		return fmt.Errorf("%w: maxOutstandingMessages must be positive, got %d",
			ErrInvalidSettings, s.MaxOutstandingMessages)
	}
	if s.MaxOutstandingBytes <= 0 {
		return fmt.Errorf("%w: maxOutstandingBytes must be positive, got %d",
			ErrInvalidSettings, s.MaxOutstandingBytes)
	}
	if s.StreamAckDeadline < minStreamAckDeadline || s.StreamAckDeadline > maxStreamAckDeadline {
		return fmt.Errorf("%w: streamAckDeadline must be between %s and %s, got %s",
			ErrInvalidSettings, minStreamAckDeadline, maxStreamAckDeadline, s.StreamAckDeadline)
	}
	if s.MinLeaseExtension <= 0 {
		return fmt.Errorf("%w: minLeaseExtension must be positive, got %s",
			ErrInvalidSettings, s.MinLeaseExtension)
	}
	if s.MinLeaseExtension > s.MaxLeaseExtension {
		return fmt.Errorf("%w: minLeaseExtension %s exceeds maxLeaseExtension %s",
			ErrInvalidSettings, s.MinLeaseExtension, s.MaxLeaseExtension)
	}
	if s.MaxHandlingTime < s.StreamAckDeadline {
		return fmt.Errorf("%w: maxHandlingTime %s is shorter than streamAckDeadline %s",
			ErrInvalidSettings, s.MaxHandlingTime, s.StreamAckDeadline)
	}
	if s.ShutdownPollingPeriod <= 0 {
		return fmt.Errorf("%w: shutdownPollingPeriod must be positive, got %s",
			ErrInvalidSettings, s.ShutdownPollingPeriod)
	}
	if s.AckRetryDeadline <= 0 {
		return fmt.Errorf("%w: ackRetryDeadline must be positive, got %s",
			ErrInvalidSettings, s.AckRetryDeadline)
	}

	return nil
}
