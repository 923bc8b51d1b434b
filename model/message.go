package model

import (
	"io"

	"github.com/google/uuid"
)

// Namespaces of the context properties the extractor knows by default.
const (
	FilePropertiesNamespace     = "http://schemas.microsoft.com/BizTalk/2003/file-properties"
	TrackingPropertiesNamespace = "http://schemas.microsoft.com/BizTalk/2003/messagetracking-properties"
)

var (
	ReceivedFileName           = Property{Name: "ReceivedFileName", Namespace: FilePropertiesNamespace}
	FileCreationTime           = Property{Name: "FileCreationTime", Namespace: FilePropertiesNamespace}
	AdapterReceiveCompleteTime = Property{Name: "AdapterReceiveCompleteTime", Namespace: TrackingPropertiesNamespace}
)

// Property identifies a namespaced context property.
type Property struct {
	Name      string
	Namespace string
}

func (p Property) String() string {
	return p.Namespace + "#" + p.Name
}

// Context is a read-only lookup of context properties.
type Context interface {
	Read(name, namespace string) (any, bool)
}

// Properties is the map-backed Context used by every store adapter.
type Properties map[Property]any

// Read reports the value stored under name and namespace. A nil value counts
// as absent.
func (p Properties) Read(name, namespace string) (any, bool) {
	if p == nil {
		return nil, false
	}
	v, ok := p[Property{Name: name, Namespace: namespace}]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// Lookup is Read keyed by a Property.
func (p Properties) Lookup(prop Property) (any, bool) {
	return p.Read(prop.Name, prop.Namespace)
}

// String returns the property value when it is a non-empty string.
func (p Properties) String(prop Property) (string, bool) {
	v, ok := p.Lookup(prop)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// Part is one named segment of a tracked message. Data is nil when the part
// carries no payload and may be read only once.
type Part struct {
	Name    string
	Data    io.Reader
	Context Properties
}

// TrackedMessage is a message retrieved from a tracking store. Parts keep the
// order the store reported them in.
type TrackedMessage struct {
	ID      uuid.UUID
	Parts   []Part
	Context Properties
}

// Envelope carries one identifier line from the input file, or the error
// encountered while reading it.
type Envelope struct {
	Line       int
	Identifier string
	Err        error
}
