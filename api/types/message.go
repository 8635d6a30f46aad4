/*
Copyright 2025 LightQ Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package types defines the entities stored and exchanged by LightQ:
// queue messages and their dead-letter shadows.
package types

import (
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"go.mongodb.org/mongo-driver/bson"
)

const (
	// MaxContentBytes is the maximum accepted payload size (1 MiB).
	MaxContentBytes = 1 << 20

	// MaxGroupNameLength is the maximum consumer group name length.
	MaxGroupNameLength = 50
)

// groupNameRe constrains consumer group names. The group name doubles as
// a collection name in the durable store and as part of a cache key, so
// the alphabet is deliberately narrow.
var groupNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)

// CheckGroupName validates a consumer group name.
func CheckGroupName(group string) error {
	if !groupNameRe.MatchString(group) {
		return trace.BadParameter("invalid consumer group %q: must match [A-Za-z0-9_-]{1,%d}", group, MaxGroupNameLength)
	}
	return nil
}

// Message is a single queued message. The BSON tags define both the
// durable document schema and the binary wire form used by the cache,
// so a document written by one tier round-trips through the other.
type Message struct {
	// ID is the primary key within a consumer group, assigned on creation.
	ID string `bson:"_id" json:"id"`
	// ConsumerGroup names the stream that owns this message.
	ConsumerGroup string `bson:"consumerGroup" json:"consumerGroup"`
	// Content is the opaque payload.
	Content []byte `bson:"content" json:"content"`
	// CreatedAt orders messages oldest-first.
	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
	// Consumed marks the terminal state. Once true it never flips back.
	Consumed bool `bson:"consumed" json:"consumed"`
	// DeliveryCount is incremented on every successful reservation.
	DeliveryCount int `bson:"deliveryCount" json:"deliveryCount"`
	// ReservedUntil is the end of the current exclusive lease, nil when
	// the message was never reserved or the lease was released.
	ReservedUntil *time.Time `bson:"reservedUntil,omitempty" json:"reservedUntil,omitempty"`
	// LastDeliveryAt records the most recent reservation time.
	LastDeliveryAt *time.Time `bson:"lastDeliveryAt,omitempty" json:"lastDeliveryAt,omitempty"`
	// LastError is the reason recorded by the most recent nack.
	LastError string `bson:"lastError,omitempty" json:"lastError,omitempty"`
	// ScheduledAt hides the message until the given time elapses.
	ScheduledAt *time.Time `bson:"scheduledAt,omitempty" json:"scheduledAt,omitempty"`
}

// NewMessage creates an unconsumed message with a fresh ID.
func NewMessage(group string, content []byte, scheduledAt *time.Time, now time.Time) (*Message, error) {
	// Both BSON and the durable store keep millisecond precision, so
	// truncate up front to keep the two tiers byte-for-byte consistent.
	msg := &Message{
		ID:            uuid.NewString(),
		ConsumerGroup: group,
		Content:       content,
		CreatedAt:     now.UTC().Truncate(time.Millisecond),
		ScheduledAt:   truncated(scheduledAt),
	}
	if err := msg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return msg, nil
}

func truncated(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	tt := t.UTC().Truncate(time.Millisecond)
	return &tt
}

// CheckAndSetDefaults validates the message and fills in missing fields.
func (m *Message) CheckAndSetDefaults() error {
	if err := CheckGroupName(m.ConsumerGroup); err != nil {
		return trace.Wrap(err)
	}
	if len(m.Content) == 0 {
		return trace.BadParameter("message content is empty")
	}
	if len(m.Content) > MaxContentBytes {
		return trace.BadParameter("message content exceeds %d bytes", MaxContentBytes)
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	return nil
}

// Reservable reports whether the message can be handed to a consumer at
// the given instant. The durable store enforces the same predicate
// atomically; this form exists for local filtering and tests.
func (m *Message) Reservable(now time.Time) bool {
	if m.Consumed {
		return false
	}
	if m.ReservedUntil != nil && m.ReservedUntil.After(now) {
		return false
	}
	if m.ScheduledAt != nil && m.ScheduledAt.After(now) {
		return false
	}
	return true
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	out := *m
	out.Content = append([]byte(nil), m.Content...)
	if m.ReservedUntil != nil {
		t := *m.ReservedUntil
		out.ReservedUntil = &t
	}
	if m.LastDeliveryAt != nil {
		t := *m.LastDeliveryAt
		out.LastDeliveryAt = &t
	}
	if m.ScheduledAt != nil {
		t := *m.ScheduledAt
		out.ScheduledAt = &t
	}
	return &out
}

// MarshalMessage encodes a message into its compact binary wire form.
func MarshalMessage(m *Message) ([]byte, error) {
	data, err := bson.Marshal(m)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return data, nil
}

// UnmarshalMessage decodes a message from its binary wire form.
func UnmarshalMessage(data []byte) (*Message, error) {
	var m Message
	if err := bson.Unmarshal(data, &m); err != nil {
		return nil, trace.Wrap(err)
	}
	return &m, nil
}

// DLQEntry is the dead-letter shadow of a message that exceeded its
// delivery budget. It lives in the group's DLQ sub-collection and never
// shares a live ID with the source collection: moving a message here
// atomically marks the live document consumed.
type DLQEntry struct {
	ID             string     `bson:"_id" json:"id"`
	ConsumerGroup  string     `bson:"consumerGroup" json:"consumerGroup"`
	Content        []byte     `bson:"content" json:"content"`
	CreatedAt      time.Time  `bson:"createdAt" json:"createdAt"`
	Consumed       bool       `bson:"consumed" json:"consumed"`
	DeliveryCount  int        `bson:"deliveryCount" json:"deliveryCount"`
	LastDeliveryAt *time.Time `bson:"lastDeliveryAt,omitempty" json:"lastDeliveryAt,omitempty"`
	LastError      string     `bson:"lastError,omitempty" json:"lastError,omitempty"`
	// FailedAt is the time of the DLQ move.
	FailedAt time.Time `bson:"failedAt" json:"failedAt"`
	// DLQReason explains why the message was diverted.
	DLQReason string `bson:"dlqReason" json:"dlqReason"`
}

// NewDLQEntry builds the dead-letter shadow of a live message.
func NewDLQEntry(m *Message, reason string, now time.Time) *DLQEntry {
	return &DLQEntry{
		ID:             m.ID,
		ConsumerGroup:  m.ConsumerGroup,
		Content:        append([]byte(nil), m.Content...),
		CreatedAt:      m.CreatedAt,
		Consumed:       true,
		DeliveryCount:  m.DeliveryCount,
		LastDeliveryAt: m.LastDeliveryAt,
		LastError:      m.LastError,
		FailedAt:       now.UTC(),
		DLQReason:      reason,
	}
}
