package codec

import (
	"slices"
	"strings"
)

// TrustAll is the trust entry that allows every namespace.
const TrustAll = "*"

// TrustPolicy decides which type descriptors may be decoded.
// Decode consults it before resolving or instantiating any type.
type TrustPolicy interface {
	Trusts(typeName string) bool
}

// NamespacePolicy trusts descriptors whose namespace equals, or is nested
// under, one of its namespaces. Nesting follows '/' for Go import paths and
// '.' for protobuf packages: "acme.io/orders" covers "acme.io/orders/v2",
// "google.protobuf" covers "google.protobuf.compiler".
type NamespacePolicy struct {
	namespaces []string
}

// AllowNamespaces returns a policy trusting the given namespaces. Trailing
// separators are ignored, so "acme.io/orders/" equals "acme.io/orders".
func AllowNamespaces(namespaces ...string) *NamespacePolicy {
	p := &NamespacePolicy{}
	for _, ns := range namespaces {
		ns = strings.TrimRight(strings.TrimSpace(ns), "/.")
		if ns != "" && !slices.Contains(p.namespaces, ns) {
			p.namespaces = append(p.namespaces, ns)
		}
	}
	return p
}

// Trusts implements TrustPolicy.
func (p *NamespacePolicy) Trusts(typeName string) bool {
	ns := Namespace(typeName)
	if ns == "" {
		return false
	}
	for _, allowed := range p.namespaces {
		if nestedIn(ns, allowed) {
			return true
		}
	}
	return false
}

// Namespaces returns the trusted namespaces.
func (p *NamespacePolicy) Namespaces() []string {
	return slices.Clone(p.namespaces)
}

func nestedIn(ns, allowed string) bool {
	if ns == allowed {
		return true
	}
	if !strings.HasPrefix(ns, allowed) {
		return false
	}
	sep := ns[len(allowed)]
	return sep == '/' || sep == '.'
}

type allowAll struct{}

func (allowAll) Trusts(string) bool { return true }

// AllowAll returns a policy that trusts every descriptor. Configure it
// explicitly with the "*" entry.
func AllowAll() TrustPolicy { return allowAll{} }

type registeredPolicy struct {
	codec *Codec
}

func (p registeredPolicy) Trusts(typeName string) bool {
	ns := Namespace(typeName)
	return ns != "" && slices.Contains(p.codec.Namespaces(), ns)
}

// TrustRegistered returns the default policy: only the namespaces of types
// registered on c are trusted. Types registered later are picked up.
func TrustRegistered(c *Codec) TrustPolicy {
	return registeredPolicy{codec: c}
}

// ParseTrustPolicy builds a policy from configuration entries. No entries
// means TrustRegistered(c); any "*" entry means AllowAll.
func ParseTrustPolicy(entries []string, c *Codec) TrustPolicy {
	if slices.Contains(entries, TrustAll) {
		return AllowAll()
	}
	p := AllowNamespaces(entries...)
	if len(p.namespaces) == 0 {
		return TrustRegistered(c)
	}
	return p
}
