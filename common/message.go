package common

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/amenzhinsky/iothubcore/iotmap"
	"github.com/amenzhinsky/iothubcore/iotutil"
)

var (
	ErrInvalidArg  = errors.New("message: invalid argument")
	ErrInvalidType = errors.New("message: body type mismatch")
)

// MessageResult is a numeric message operation result.
type MessageResult int

const (
	MessageOK MessageResult = iota
	MessageInvalidArg
	MessageInvalidType
	MessageError
)

func (r MessageResult) String() string {
	switch r {
	case MessageOK:
		return "IOTHUB_MESSAGE_OK"
	case MessageInvalidArg:
		return "IOTHUB_MESSAGE_INVALID_ARG"
	case MessageInvalidType:
		return "IOTHUB_MESSAGE_INVALID_TYPE"
	default:
		return "IOTHUB_MESSAGE_ERROR"
	}
}

// MessageResultOf converts errors returned by Message methods into results.
func MessageResultOf(err error) MessageResult {
	switch {
	case err == nil:
		return MessageOK
	case errors.Is(err, ErrInvalidArg):
		return MessageInvalidArg
	case errors.Is(err, ErrInvalidType):
		return MessageInvalidType
	default:
		return MessageError
	}
}

// ContentKind is the message body kind.
type ContentKind int

const (
	ContentUnknown ContentKind = iota
	ContentBytes
	ContentString
)

func (k ContentKind) String() string {
	switch k {
	case ContentBytes:
		return "IOTHUB_MESSAGE_BYTEARRAY"
	case ContentString:
		return "IOTHUB_MESSAGE_STRING"
	default:
		return "IOTHUB_MESSAGE_UNKNOWN"
	}
}

// maxIDLength is the hub's limit for message and correlation ids.
const maxIDLength = 128

// Diagnostic is distributed tracing data attached to a message.
type Diagnostic struct {
	ID           string
	CreationTime time.Time
}

// Message is a common message format for all device-facing protocols.
// This message format is used for both device-to-cloud and cloud-to-device messages.
// See: https://docs.microsoft.com/en-us/azure/iot-hub/iot-hub-devguide-messages-construct
//
// The body cannot be changed after creation.
type Message struct {
	kind ContentKind
	body []byte
	text string

	props *iotmap.Map

	messageID          string
	correlationID      string
	contentType        string
	contentEncoding    string
	inputName          string
	outputName         string
	connectionDeviceID string
	connectionModuleID string
	diagnostic         *Diagnostic

	// To is a destination specified in cloud-to-device messages.
	To string

	// UserID is an ID used to specify the origin of messages.
	UserID string

	// ExpiryTime is time of message expiration.
	ExpiryTime time.Time

	// EnqueuedTime is time the Cloud-to-Device message was received by IoT Hub.
	EnqueuedTime time.Time

	// ConnectionDeviceGenerationID is set by IoT Hub on device-to-cloud messages.
	ConnectionDeviceGenerationID string

	// ConnectionAuthMethod is set by IoT Hub on device-to-cloud messages.
	ConnectionAuthMethod string

	// MessageSource determines a device-to-cloud message transport.
	MessageSource string

	// LockToken is set by transports that settle messages out of band.
	LockToken string

	// TransportOptions transport specific options.
	TransportOptions map[string]interface{}
}

// NewMessageFromBytes creates a message with a copy of b as its body.
func NewMessageFromBytes(b []byte) (*Message, error) {
	if b == nil {
		return nil, fmt.Errorf("%w: body is nil", ErrInvalidArg)
	}
	return &Message{
		kind:  ContentBytes,
		body:  append(make([]byte, 0, len(b)), b...),
		props: iotmap.New(),
	}, nil
}

// NewMessageFromString creates a message with a string body.
func NewMessageFromString(s string) (*Message, error) {
	return &Message{
		kind:  ContentString,
		text:  s,
		props: iotmap.New(),
	}, nil
}

// Kind returns the body kind.
func (msg *Message) Kind() ContentKind {
	return msg.kind
}

// Bytes returns the body of a message created from bytes.
// The returned slice must not be modified.
func (msg *Message) Bytes() ([]byte, error) {
	if msg.kind != ContentBytes {
		return nil, ErrInvalidType
	}
	return msg.body, nil
}

// Text returns the body of a message created from a string.
func (msg *Message) Text() (string, error) {
	if msg.kind != ContentString {
		return "", ErrInvalidType
	}
	return msg.text, nil
}

// Payload returns the body as bytes regardless of its kind,
// it's what transports put on the wire.
func (msg *Message) Payload() []byte {
	if msg.kind == ContentString {
		return []byte(msg.text)
	}
	return msg.body
}

// Properties returns a view of user properties,
// destroying it doesn't release the message's storage.
func (msg *Message) Properties() *iotmap.Map {
	return msg.props.View()
}

// Clone returns a deep copy of the message.
func (msg *Message) Clone() *Message {
	c := *msg
	if msg.body != nil {
		c.body = append(make([]byte, 0, len(msg.body)), msg.body...)
	}
	c.props = msg.props.Clone()
	if msg.diagnostic != nil {
		d := *msg.diagnostic
		c.diagnostic = &d
	}
	if msg.TransportOptions != nil {
		c.TransportOptions = make(map[string]interface{}, len(msg.TransportOptions))
		for k, v := range msg.TransportOptions {
			c.TransportOptions[k] = v
		}
	}
	return &c
}

// Destroy releases user properties. It's needed only
// when the properties map has a filter attached.
func (msg *Message) Destroy() {
	msg.props.Destroy()
}

func checkID(name, s string) error {
	if s == "" {
		return fmt.Errorf("%w: %s is empty", ErrInvalidArg, name)
	}
	if len(s) > maxIDLength {
		return fmt.Errorf("%w: %s is longer than %d", ErrInvalidArg, name, maxIDLength)
	}
	return nil
}

func checkValue(name, s string) error {
	if s == "" {
		return fmt.Errorf("%w: %s is empty", ErrInvalidArg, name)
	}
	return nil
}

func (msg *Message) MessageID() string { return msg.messageID }

// SetMessageID sets a user-settable identifier used for request-reply patterns.
func (msg *Message) SetMessageID(s string) error {
	if err := checkID("message id", s); err != nil {
		return err
	}
	msg.messageID = s
	return nil
}

func (msg *Message) CorrelationID() string { return msg.correlationID }

// SetCorrelationID sets the id of the request this message replies to.
func (msg *Message) SetCorrelationID(s string) error {
	if err := checkID("correlation id", s); err != nil {
		return err
	}
	msg.correlationID = s
	return nil
}

func (msg *Message) ContentType() string { return msg.contentType }

func (msg *Message) SetContentType(s string) error {
	if err := checkValue("content type", s); err != nil {
		return err
	}
	msg.contentType = s
	return nil
}

func (msg *Message) ContentEncoding() string { return msg.contentEncoding }

func (msg *Message) SetContentEncoding(s string) error {
	if err := checkValue("content encoding", s); err != nil {
		return err
	}
	msg.contentEncoding = s
	return nil
}

func (msg *Message) InputName() string { return msg.inputName }

func (msg *Message) SetInputName(s string) error {
	if err := checkValue("input name", s); err != nil {
		return err
	}
	msg.inputName = s
	return nil
}

func (msg *Message) OutputName() string { return msg.outputName }

func (msg *Message) SetOutputName(s string) error {
	if err := checkValue("output name", s); err != nil {
		return err
	}
	msg.outputName = s
	return nil
}

func (msg *Message) ConnectionDeviceID() string { return msg.connectionDeviceID }

func (msg *Message) SetConnectionDeviceID(s string) error {
	if err := checkValue("connection device id", s); err != nil {
		return err
	}
	msg.connectionDeviceID = s
	return nil
}

func (msg *Message) ConnectionModuleID() string { return msg.connectionModuleID }

func (msg *Message) SetConnectionModuleID(s string) error {
	if err := checkValue("connection module id", s); err != nil {
		return err
	}
	msg.connectionModuleID = s
	return nil
}

// Diagnostic returns a copy of diagnostic data or nil.
func (msg *Message) Diagnostic() *Diagnostic {
	if msg.diagnostic == nil {
		return nil
	}
	d := *msg.diagnostic
	return &d
}

// SetDiagnostic sets diagnostic data, id is required.
func (msg *Message) SetDiagnostic(d *Diagnostic) error {
	if d == nil || d.ID == "" {
		return fmt.Errorf("%w: diagnostic id is empty", ErrInvalidArg)
	}
	c := *d
	msg.diagnostic = &c
	return nil
}

// Inspect is a human-readable message format.
func (msg *Message) Inspect() string {
	b := &strings.Builder{}
	b.WriteString("--- PAYLOAD -------------\n")
	if p := msg.Payload(); len(p) > 0 {
		b.WriteString(iotutil.FormatPayload(p))
	} else {
		b.WriteString("[empty]")
	}
	b.WriteString("\n--- PROPERTIES ----------\n")
	if msg.props.Len() > 0 {
		b.WriteString(iotutil.FormatProperties(msg.props.Snapshot()))
	} else {
		b.WriteString("[empty]")
	}
	b.WriteString("\n--- METADATA ------------\n")

	meta := [][2]string{
		{"MessageID", msg.messageID},
		{"CorrelationID", msg.correlationID},
		{"ContentType", msg.contentType},
		{"ContentEncoding", msg.contentEncoding},
		{"InputName", msg.inputName},
		{"OutputName", msg.outputName},
		{"To", msg.To},
		{"UserID", msg.UserID},
		{"ConnectionDeviceID", msg.connectionDeviceID},
		{"ConnectionModuleID", msg.connectionModuleID},
		{"ConnectionDeviceGenerationID", msg.ConnectionDeviceGenerationID},
		{"ConnectionAuthMethod", msg.ConnectionAuthMethod},
		{"MessageSource", msg.MessageSource},
	}
	if !msg.ExpiryTime.IsZero() {
		meta = append(meta, [2]string{"ExpiryTime", msg.ExpiryTime.String()})
	}
	if !msg.EnqueuedTime.IsZero() {
		meta = append(meta, [2]string{"EnqueuedTime", msg.EnqueuedTime.String()})
	}
	if msg.diagnostic != nil {
		meta = append(meta, [2]string{"DiagnosticID", msg.diagnostic.ID})
	}

	l := 0
	for _, kv := range meta {
		if kv[1] != "" && len(kv[0]) > l {
			l = len(kv[0])
		}
	}
	for _, kv := range meta {
		if kv[1] != "" {
			fmt.Fprintf(b, "%-*s : %s\n", l, kv[0], kv[1])
		}
	}
	b.WriteString("=========================")
	return b.String()
}
