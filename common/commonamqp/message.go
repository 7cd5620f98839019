// Package commonamqp contains AMQP helpers shared by the device transport
// and the service messaging client.
package commonamqp

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/amenzhinsky/iothubcore/common"
	"pack.ag/amqp"
)

// message annotations used by IoT Hub.
const (
	annEnqueuedTime        = "iothub-enqueuedtime"
	annConnDeviceID        = "iothub-connection-device-id"
	annConnModuleID        = "iothub-connection-module-id"
	annConnGenerationID    = "iothub-connection-auth-generation-id"
	annConnAuthMethod      = "iothub-connection-auth-method"
	annMessageSource       = "iothub-message-source"
	annInputName           = "x-opt-input-name"
	annOutputName          = "x-opt-output-name"
	annLockToken           = "x-opt-lock-token"
	propDiagID             = "Diagnostic-Id"
	propDiagContext        = "Correlation-Context"
	diagCreationTimePrefix = "creationtimeutc="
)

// FromAMQPMessage converts a amqp.Message into common.Message.
func FromAMQPMessage(msg *amqp.Message) (*common.Message, error) {
	data := []byte{}
	if len(msg.Data) != 0 && msg.Data[0] != nil {
		data = msg.Data[0]
	}
	m, err := common.NewMessageFromBytes(data)
	if err != nil {
		return nil, err
	}

	if msg.Properties != nil {
		m.UserID = string(msg.Properties.UserID)
		m.To = msg.Properties.To
		m.ExpiryTime = msg.Properties.AbsoluteExpiryTime
		if id := stringOf(msg.Properties.MessageID); id != "" {
			if err = m.SetMessageID(id); err != nil {
				return nil, err
			}
		}
		if id := stringOf(msg.Properties.CorrelationID); id != "" {
			if err = m.SetCorrelationID(id); err != nil {
				return nil, err
			}
		}
	}

	props := m.Properties()
	for k, v := range msg.Annotations {
		ks, ok := k.(string)
		if !ok {
			continue
		}
		switch ks {
		case annEnqueuedTime:
			if t, ok := v.(time.Time); ok {
				m.EnqueuedTime = t
			}
		case annConnDeviceID:
			err = setIfNotEmpty(m.SetConnectionDeviceID, v)
		case annConnModuleID:
			err = setIfNotEmpty(m.SetConnectionModuleID, v)
		case annInputName:
			err = setIfNotEmpty(m.SetInputName, v)
		case annOutputName:
			err = setIfNotEmpty(m.SetOutputName, v)
		case annConnGenerationID:
			m.ConnectionDeviceGenerationID = stringOf(v)
		case annConnAuthMethod:
			m.ConnectionAuthMethod = stringOf(v)
		case annMessageSource:
			m.MessageSource = stringOf(v)
		case annLockToken:
			m.LockToken = stringOf(v)
		default:
			err = props.AddOrUpdate(ks, fmt.Sprint(v))
		}
		if err != nil {
			return nil, err
		}
	}

	var diag common.Diagnostic
	for k, v := range msg.ApplicationProperties {
		switch k {
		case propDiagID:
			diag.ID = stringOf(v)
		case propDiagContext:
			if s, ok := strings.CutPrefix(stringOf(v), diagCreationTimePrefix); ok {
				if t, perr := parseEpoch(s); perr == nil {
					diag.CreationTime = t
				}
			}
		default:
			if err = props.AddOrUpdate(k, fmt.Sprint(v)); err != nil {
				return nil, err
			}
		}
	}
	if diag.ID != "" {
		if err = m.SetDiagnostic(&diag); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ToAMQPMessage converts common.Message into amqp.Message.
func ToAMQPMessage(msg *common.Message) *amqp.Message {
	props := make(map[string]interface{}, msg.Properties().Len()+2)
	msg.Properties().Range(func(k, v string) bool {
		props[k] = v
		return true
	})
	if d := msg.Diagnostic(); d != nil {
		props[propDiagID] = d.ID
		props[propDiagContext] = diagCreationTimePrefix + formatEpoch(d.CreationTime)
	}

	m := &amqp.Message{
		Data: [][]byte{msg.Payload()},
		Properties: &amqp.MessageProperties{
			To:                 msg.To,
			UserID:             []byte(msg.UserID),
			AbsoluteExpiryTime: msg.ExpiryTime,
		},
		ApplicationProperties: props,
	}
	if id := msg.MessageID(); id != "" {
		m.Properties.MessageID = id
	}
	if id := msg.CorrelationID(); id != "" {
		m.Properties.CorrelationID = id
	}

	ann := amqp.Annotations{}
	if s := msg.OutputName(); s != "" {
		ann[annOutputName] = s
	}
	if s := msg.ConnectionDeviceID(); s != "" {
		ann[annConnDeviceID] = s
	}
	if s := msg.ConnectionModuleID(); s != "" {
		ann[annConnModuleID] = s
	}
	if len(ann) != 0 {
		m.Annotations = ann
	}
	return m
}

func setIfNotEmpty(fn func(string) error, v interface{}) error {
	s := stringOf(v)
	if s == "" {
		return nil
	}
	return fn(s)
}

func stringOf(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprint(v)
	}
}

// diagnostic creation time is seconds since epoch with millisecond precision.
func formatEpoch(t time.Time) string {
	return fmt.Sprintf("%.3f", float64(t.UnixNano())/float64(time.Second))
}

func parseEpoch(s string) (time.Time, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, int64(f*float64(time.Second))).Round(time.Millisecond), nil
}
