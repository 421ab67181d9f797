// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp10

import (
	"fmt"

	"github.com/Azure/go-amqp"
	"github.com/absmach/meshprobe/transport"
)

// toAMQP converts msg to a go-amqp message. Byte bodies travel as a data
// section, everything else as an amqp-value.
func toAMQP(msg *transport.Message) *amqp.Message {
	m := &amqp.Message{
		Properties: &amqp.MessageProperties{},
	}
	if msg.ID != "" {
		m.Properties.MessageID = msg.ID
	}
	if msg.UserID != "" {
		m.Properties.UserID = []byte(msg.UserID)
	}
	if msg.CorrelationID != "" {
		m.Properties.CorrelationID = msg.CorrelationID
	}
	if msg.To != "" {
		m.Properties.To = &msg.To
	}
	if msg.ReplyTo != "" {
		m.Properties.ReplyTo = &msg.ReplyTo
	}
	if msg.Subject != "" {
		m.Properties.Subject = &msg.Subject
	}
	if len(msg.Properties) > 0 {
		m.ApplicationProperties = make(map[string]any, len(msg.Properties))
		for k, v := range msg.Properties {
			m.ApplicationProperties[k] = v
		}
	}

	switch b := msg.Body.(type) {
	case nil:
	case []byte:
		m.Data = [][]byte{b}
	default:
		m.Value = b
	}
	return m
}

// fromAMQP converts a received go-amqp message.
func fromAMQP(m *amqp.Message) *transport.Message {
	msg := &transport.Message{}
	if p := m.Properties; p != nil {
		msg.ID = idString(p.MessageID)
		msg.UserID = string(p.UserID)
		msg.CorrelationID = idString(p.CorrelationID)
		if p.To != nil {
			msg.To = *p.To
		}
		if p.ReplyTo != nil {
			msg.ReplyTo = *p.ReplyTo
		}
		if p.Subject != nil {
			msg.Subject = *p.Subject
		}
	}
	if len(m.ApplicationProperties) > 0 {
		msg.Properties = make(map[string]any, len(m.ApplicationProperties))
		for k, v := range m.ApplicationProperties {
			msg.Properties[k] = v
		}
	}

	switch {
	case len(m.Data) > 0:
		msg.Body = m.GetData()
	case m.Value != nil:
		msg.Body = m.Value
	}
	return msg
}

// idString renders a message or correlation id. AMQP ids may be strings,
// binaries, uuids or ulongs.
func idString(id any) string {
	switch v := id.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case amqp.UUID:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}
