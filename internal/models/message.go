package models

import (
	"time"

	"github.com/google/uuid"
)

// MessageType is the kind of telemetry message. Stored lowercase.
type MessageType string

const (
	MessageTypeTrack    MessageType = "track"
	MessageTypeIdentify MessageType = "identify"
	MessageTypeAlias    MessageType = "alias"
)

// CurrentAPIVersion is stamped on every message at construction.
const CurrentAPIVersion = "1"

// TraitOp selects the mutation applied to a user trait on the server.
type TraitOp string

const (
	TraitOpSet         TraitOp = "set"
	TraitOpSetOnce     TraitOp = "setOnce"
	TraitOpSetOnInsert TraitOp = "setOnInsert"
	TraitOpUnset       TraitOp = "unset"
	TraitOpRename      TraitOp = "rename"
	TraitOpCurrentDate TraitOp = "currentDate"
	TraitOpInc         TraitOp = "inc"
	TraitOpMul         TraitOp = "mul"
	TraitOpMin         TraitOp = "min"
	TraitOpMax         TraitOp = "max"
	TraitOpAdd         TraitOp = "add"
)

// TraitUpdateOp pairs an operation with its operand. Value is omitted for
// operand-less operations such as unset and currentDate.
type TraitUpdateOp struct {
	Op    TraitOp    `json:"op"`
	Value *Primitive `json:"value,omitempty"`
}

// Traits maps trait names to update operations.
type Traits map[string]TraitUpdateOp

// SetTraits converts a loosely-typed map into Traits applying the plain
// "set" operation, dropping values that are not primitives.
func SetTraits(raw map[string]any) Traits {
	if len(raw) == 0 {
		return nil
	}
	traits := make(Traits, len(raw))
	for k, v := range raw {
		if p, ok := PrimitiveFromAny(v); ok {
			val := p
			traits[k] = TraitUpdateOp{Op: TraitOpSet, Value: &val}
		}
	}
	if len(traits) == 0 {
		return nil
	}
	return traits
}

// AppInfo describes the host application.
type AppInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Build   string `json:"build"`
}

// DeviceInfo describes the host device.
type DeviceInfo struct {
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	Name         string `json:"name"`
	Type         string `json:"type"`
}

// OSInfo describes the host operating system.
type OSInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// LibraryInfo identifies the SDK that produced the message.
type LibraryInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// MessageContext is the required environment snapshot attached to every
// message. All sub-records are plain-string-valued.
type MessageContext struct {
	App      AppInfo           `json:"app"`
	Device   DeviceInfo        `json:"device"`
	OS       OSInfo            `json:"os"`
	Locale   string            `json:"locale"`
	Timezone string            `json:"timezone"`
	Library  LibraryInfo       `json:"library"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// Message is the unit of telemetry buffered by the queue. Messages are
// immutable once stored; the id is the storage primary key.
type Message struct {
	ID          string         `json:"id"`
	Type        MessageType    `json:"type"`
	UserID      string         `json:"userId,omitempty"`
	AnonymousID string         `json:"anonymousId,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	APIVersion  string         `json:"apiVersion"`
	Event       string         `json:"event,omitempty"`
	Properties  Properties     `json:"properties,omitempty"`
	Traits      Traits         `json:"traits,omitempty"`
	Context     MessageContext `json:"context"`
}

// NewTrackMessage builds a track message. Unsupported property values are
// dropped; Properties is nil when nothing survives.
func NewTrackMessage(event string, properties map[string]any, ctx MessageContext) Message {
	return Message{
		ID:         uuid.NewString(),
		Type:       MessageTypeTrack,
		Timestamp:  time.Now(),
		APIVersion: CurrentAPIVersion,
		Event:      event,
		Properties: NewProperties(properties),
		Context:    ctx,
	}
}

// NewIdentifyMessage builds an identify message carrying trait updates.
func NewIdentifyMessage(userID string, traits Traits, ctx MessageContext) Message {
	return Message{
		ID:         uuid.NewString(),
		Type:       MessageTypeIdentify,
		UserID:     userID,
		Timestamp:  time.Now(),
		APIVersion: CurrentAPIVersion,
		Traits:     traits,
		Context:    ctx,
	}
}

// NewAliasMessage builds an alias message linking the anonymous id to a new
// user id.
func NewAliasMessage(userID, anonymousID string, ctx MessageContext) Message {
	return Message{
		ID:          uuid.NewString(),
		Type:        MessageTypeAlias,
		UserID:      userID,
		AnonymousID: anonymousID,
		Timestamp:   time.Now(),
		APIVersion:  CurrentAPIVersion,
		Context:     ctx,
	}
}
