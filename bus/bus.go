// Package bus is the event fabric between service instances: a thin
// envelope protocol over Redis pub/sub. Producers publish onto
// workspace topics and the hub instances fan matching envelopes out to
// their connected sessions. Delivery is at-least-once; consumers
// tolerate duplicates.
package bus

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/recasthq/recast/common"
	"github.com/recasthq/recast/errdefs"
)

// Channel name helpers. Workspace topics carry client-facing events,
// instance topics carry control-plane traffic such as presence
// summaries.
const (
	PatternWorkspaces = "ws.*"
	PatternInstances  = "instance.*"
)

// WorkspaceTopic names the channel carrying all events of a workspace.
func WorkspaceTopic(workspaceID string) string {
	return "ws." + workspaceID
}

// UserTopic names the channel carrying events for one user's sessions.
func UserTopic(workspaceID, userID string) string {
	return "ws." + workspaceID + ".user." + userID
}

// InstanceTopic names one instance's control channel.
func InstanceTopic(instanceID string) string {
	return "instance." + instanceID
}

// SplitTopic breaks a ws namespace channel into workspace and optional
// user id. ok is false for channels outside the namespace.
func SplitTopic(topic string) (workspaceID, userID string, ok bool) {
	parts := strings.Split(topic, ".")
	switch {
	case len(parts) == 2 && parts[0] == "ws" && parts[1] != "":
		return parts[1], "", true
	case len(parts) == 4 && parts[0] == "ws" && parts[2] == "user" && parts[1] != "" && parts[3] != "":
		return parts[1], parts[3], true
	}
	return "", "", false
}

// Envelope is the wire format carried on every channel.
type Envelope struct {
	Topic            string          `json:"topic"`
	Kind             string          `json:"kind"`
	Payload          json.RawMessage `json:"payload"`
	OriginInstanceID string          `json:"origin_instance_id"`
	EmittedAt        time.Time       `json:"emitted_at"`
}

// FromInstance reports whether the envelope originated at instanceID.
func (e Envelope) FromInstance(instanceID string) bool {
	return e.OriginInstanceID == instanceID
}

// Decode unmarshals the payload into out.
func (e Envelope) Decode(out interface{}) error {
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return errdefs.Wrapf(errdefs.ErrInvalidInput, err, "bad %s payload", e.Kind)
	}
	return nil
}

// Publisher is the sending half of the fabric.
type Publisher interface {
	Publish(ctx context.Context, topic, kind string, payload interface{}) error
}

const publishAttempts = 3

// Bus is the Redis-backed fabric shared by one process.
type Bus struct {
	client     *redis.Client
	instanceID string
}

// New wraps a Redis client. An empty instanceID gets a generated one.
func New(client *redis.Client, instanceID string) *Bus {
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	return &Bus{client: client, instanceID: instanceID}
}

// InstanceID identifies this process on the fabric.
func (b *Bus) InstanceID() string { return b.instanceID }

// Publish stamps payload into an envelope and publishes it on topic.
// A brief broker hiccup is retried; persistent failure is reported as
// transient so callers can decide whether the event was load-bearing.
func (b *Bus) Publish(ctx context.Context, topic, kind string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errdefs.Wrapf(errdefs.ErrFatal, err, "unserializable %s payload", kind)
	}
	env := Envelope{
		Topic:            topic,
		Kind:             kind,
		Payload:          raw,
		OriginInstanceID: b.instanceID,
		EmittedAt:        time.Now().UTC().Truncate(time.Microsecond),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return errdefs.Wrapf(errdefs.ErrFatal, err, "unserializable %s envelope", kind)
	}

	var last error
	for attempt := 1; attempt <= publishAttempts; attempt++ {
		if last = b.client.Publish(ctx, topic, data).Err(); last == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return errdefs.Wrap(errdefs.ErrCancelled, ctx.Err())
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		}
	}
	common.Logger.WithError(last).
		WithField("topic", topic).
		WithField("kind", kind).
		Error("event publish failed")
	return errdefs.Wrap(errdefs.ErrTransient, last)
}

// Subscribe streams envelopes matching the channel patterns to handler
// until ctx is cancelled. The handler runs on the subscription
// goroutine and must not block; blocking stalls every channel behind
// the shared subscription.
func (b *Bus) Subscribe(ctx context.Context, handler func(Envelope), patterns ...string) error {
	pubsub := b.client.PSubscribe(ctx, patterns...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return errdefs.Wrap(errdefs.ErrTransient, err)
	}

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					common.Logger.WithError(err).
						WithField("channel", msg.Channel).
						Warn("dropping malformed bus envelope")
					continue
				}
				handler(env)
			}
		}
	}()
	return nil
}
