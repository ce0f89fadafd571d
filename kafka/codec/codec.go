package codec

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"

	apperrors "github.com/kbukum/streamkit/errors"
)

var jsonConfig = sonic.ConfigStd

var protoMarshal = protojson.MarshalOptions{EmitUnpopulated: true}

var protoUnmarshal = protojson.UnmarshalOptions{}

// ProtoResolver finds protobuf message types by full name.
// *protoregistry.Types satisfies it.
type ProtoResolver interface {
	FindMessageByName(protoreflect.FullName) (protoreflect.MessageType, error)
}

// entry describes one registered type.
type entry struct {
	name        string
	goType      reflect.Type
	contentType string
	marshal     func(v any) ([]byte, error)
	unmarshal   func(data []byte) (any, error)
}

// Codec converts typed payloads to envelopes and back.
// Register every type before sharing the Codec between goroutines.
type Codec struct {
	mu     sync.RWMutex
	byName map[string]*entry
	byType map[reflect.Type]*entry
	protos ProtoResolver
}

// Option configures a Codec.
type Option func(*Codec)

// WithProtoResolver sets where unregistered protobuf types are looked up
// by name. Defaults to protoregistry.GlobalTypes; nil disables the lookup.
func WithProtoResolver(r ProtoResolver) Option {
	return func(c *Codec) { c.protos = r }
}

// New creates an empty Codec.
func New(opts ...Option) *Codec {
	c := &Codec{
		byName: make(map[string]*entry),
		byType: make(map[reflect.Type]*entry),
		protos: protoregistry.GlobalTypes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds the named Go type T with JSON encoding. The descriptor is
// "<import path>.<type name>". Register the value type, not a pointer:
// both T and *T encode, and T is what Decode returns.
func Register[T any](c *Codec) error {
	t := reflect.TypeFor[T]()
	if t.Kind() == reflect.Pointer {
		return fmt.Errorf("codec: register %s as a value type", t)
	}
	if t.Name() == "" || t.PkgPath() == "" || strings.ContainsAny(t.Name(), "[.") {
		return fmt.Errorf("codec: %s is not a named non-generic type", t)
	}
	name := t.PkgPath() + "." + t.Name()
	return c.add(&entry{
		name:        name,
		goType:      t,
		contentType: ContentTypeJSON,
		marshal: func(v any) ([]byte, error) {
			if err := checkStrings(v); err != nil {
				return nil, err
			}
			return jsonConfig.Marshal(v)
		},
		unmarshal: func(data []byte) (any, error) {
			var v T
			if err := jsonConfig.Unmarshal(data, &v); err != nil {
				return nil, err
			}
			return v, nil
		},
	})
}

// RegisterProto adds the protobuf message type of msg, encoded with
// protojson. The descriptor is the message's full name.
func RegisterProto(c *Codec, msg proto.Message) error {
	if msg == nil {
		return errors.New("codec: nil proto message")
	}
	return c.add(protoEntry(msg.ProtoReflect().Type()))
}

func protoEntry(mt protoreflect.MessageType) *entry {
	return &entry{
		name:        string(mt.Descriptor().FullName()),
		goType:      reflect.TypeOf(mt.Zero().Interface()),
		contentType: ContentTypeJSON,
		marshal: func(v any) ([]byte, error) {
			return protoMarshal.Marshal(v.(proto.Message))
		},
		unmarshal: func(data []byte) (any, error) {
			m := mt.New().Interface()
			if err := protoUnmarshal.Unmarshal(data, m); err != nil {
				return nil, err
			}
			return m, nil
		},
	}
}

func (c *Codec) add(e *entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.byName[e.name]; ok {
		if existing.goType == e.goType {
			return nil
		}
		return fmt.Errorf("codec: descriptor %s already registered for %s", e.name, existing.goType)
	}
	c.byName[e.name] = e
	c.byType[e.goType] = e
	return nil
}

// TypeName returns the descriptor registered for payload's type.
func (c *Codec) TypeName(payload any) (string, bool) {
	e, _ := c.entryFor(payload)
	if e == nil {
		return "", false
	}
	return e.name, true
}

// Namespaces returns the namespaces of all registered types.
func (c *Codec) Namespaces() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := make(map[string]bool, len(c.byName))
	out := make([]string, 0, len(c.byName))
	for name := range c.byName {
		ns := Namespace(name)
		if !seen[ns] {
			seen[ns] = true
			out = append(out, ns)
		}
	}
	return out
}

// entryFor finds the entry for payload and the value to marshal.
// A *T is dereferenced when T is registered.
func (c *Codec) entryFor(payload any) (*entry, any) {
	if payload == nil {
		return nil, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	t := reflect.TypeOf(payload)
	if e, ok := c.byType[t]; ok {
		return e, payload
	}
	if t.Kind() == reflect.Pointer {
		if e, ok := c.byType[t.Elem()]; ok {
			rv := reflect.ValueOf(payload)
			if rv.IsNil() {
				return e, nil
			}
			return e, rv.Elem().Interface()
		}
	}
	return nil, payload
}

// Encode serializes payload into an envelope carrying the type descriptor
// and content type headers. It fails with SERIALIZATION_ERROR when the type
// is not registered, the value is nil, or the wire format cannot represent it.
func (c *Codec) Encode(payload any) (*Envelope, error) {
	e, v := c.entryFor(payload)
	if e == nil {
		return nil, apperrors.Serialization(fmt.Sprintf("%T", payload), errors.New("type not registered"))
	}
	if v == nil || isNilProto(v) {
		return nil, apperrors.Serialization(e.name, errors.New("nil payload"))
	}

	data, err := e.marshal(v)
	if err != nil {
		return nil, apperrors.Serialization(e.name, err)
	}

	headers := make(Headers, 4)
	headers.Set(HeaderType, e.name)
	headers.Set(HeaderContentType, e.contentType)
	return &Envelope{Payload: data, Headers: headers}, nil
}

func isNilProto(v any) bool {
	m, ok := v.(proto.Message)
	return ok && !m.ProtoReflect().IsValid()
}

// Decode reconstructs the payload of env. A tombstone (empty payload)
// yields (nil, nil). Otherwise the checks run in order:
//
//   - missing type descriptor: MALFORMED_ENVELOPE
//   - namespace not trusted by policy: UNTRUSTED_TYPE, before any type is resolved
//   - unknown descriptor: MALFORMED_ENVELOPE
//   - content type mismatch: MALFORMED_ENVELOPE
//   - bytes that do not parse into the type: MALFORMED_ENVELOPE
//
// The payload is nil whenever an error is returned. A nil policy trusts
// registered types only.
func (c *Codec) Decode(env *Envelope, policy TrustPolicy) (any, error) {
	if env.IsTombstone() {
		return nil, nil
	}

	name := env.TypeName()
	if name == "" {
		return nil, apperrors.MalformedEnvelope("missing type descriptor", nil)
	}

	if policy == nil {
		policy = TrustRegistered(c)
	}
	if !policy.Trusts(name) {
		return nil, apperrors.UntrustedType(name)
	}

	e := c.resolve(name)
	if e == nil {
		return nil, apperrors.MalformedEnvelope("unknown type "+name, nil)
	}

	if ct := env.Headers.Get(HeaderContentType); ct != "" && ct != e.contentType {
		return nil, apperrors.MalformedEnvelope(fmt.Sprintf("content type %s does not match %s", ct, e.contentType), nil)
	}

	v, err := e.unmarshal(env.Payload)
	if err != nil {
		return nil, apperrors.MalformedEnvelope("payload does not parse as "+name, err)
	}
	return v, nil
}

// resolve finds a registered entry, falling back to the proto resolver.
func (c *Codec) resolve(name string) *entry {
	c.mu.RLock()
	e, ok := c.byName[name]
	protos := c.protos
	c.mu.RUnlock()
	if ok {
		return e
	}
	if protos == nil || !protoreflect.FullName(name).IsValid() {
		return nil
	}
	mt, err := protos.FindMessageByName(protoreflect.FullName(name))
	if err != nil {
		return nil
	}
	return protoEntry(mt)
}

// DecodeAs decodes env and asserts the payload is a T. A descriptor naming
// another type is MALFORMED_ENVELOPE. A tombstone yields the zero T.
func DecodeAs[T any](c *Codec, env *Envelope, policy TrustPolicy) (T, error) {
	var zero T
	v, err := c.Decode(env, policy)
	if err != nil || v == nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, apperrors.MalformedEnvelope(
			fmt.Sprintf("type mismatch: envelope carries %s, want %s", env.TypeName(), reflect.TypeFor[T]()), nil)
	}
	return typed, nil
}

// Namespace returns the namespace part of a type descriptor: everything
// before the last '.'.
func Namespace(typeName string) string {
	i := strings.LastIndexByte(typeName, '.')
	if i < 0 {
		return ""
	}
	return typeName[:i]
}
