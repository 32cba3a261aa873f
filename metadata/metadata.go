// Package metadata carries request headers across process boundaries.
//
// Incoming metadata holds the headers of the request currently being handled.
// Outgoing metadata holds the headers that will travel with the next RPC call.
// Propagate copies one onto the other so values such as "version" follow a
// request through every hop.
package metadata

import (
	"context"
	"net/http"
	"sort"
	"strings"
)

// VersionKey is the header that selects which deployment serves a call.
const VersionKey = "version"

// Carrier is a mapping-like header store.
type Carrier interface {
	Keys() []string
	Get(name string) string
	Set(name, value string)
}

// MD is a header collection. Names are kept exactly as given.
type MD map[string]string

// New copies m into a fresh MD.
func New(m map[string]string) MD {
	md := make(MD, len(m))
	for k, v := range m {
		md[k] = v
	}
	return md
}

// Pairs builds an MD from alternating names and values. A trailing name without
// a value is ignored.
func Pairs(kv ...string) MD {
	md := make(MD, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		md[kv[i]] = kv[i+1]
	}
	return md
}

// Keys returns the header names in sorted order.
func (md MD) Keys() []string {
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns the value stored under name. When no exact key exists it falls
// back to a case-insensitive match, since HTTP stacks canonicalize names.
func (md MD) Get(name string) string {
	if v, ok := md[name]; ok {
		return v
	}
	for _, k := range md.Keys() {
		if strings.EqualFold(k, name) {
			return md[k]
		}
	}
	return ""
}

// Set stores value under name, replacing any previous value for that exact name.
func (md MD) Set(name, value string) {
	md[name] = value
}

// Copy returns a deep copy of md.
func (md MD) Copy() MD {
	return New(md)
}

// HeaderCarrier adapts an http.Header. Get returns the first value of a name,
// matching the key exactly before falling back to canonical lookup.
type HeaderCarrier http.Header

func (hc HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(hc))
	for k := range hc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (hc HeaderCarrier) Get(name string) string {
	if vs, ok := hc[name]; ok {
		if len(vs) == 0 {
			return ""
		}
		return vs[0]
	}
	return http.Header(hc).Get(name)
}

func (hc HeaderCarrier) Set(name, value string) {
	hc[name] = []string{value}
}

// Propagate copies every header of in onto out, names and values unchanged.
// A nil in leaves out untouched.
func Propagate(in, out Carrier) {
	if in == nil || out == nil {
		return
	}
	for _, name := range in.Keys() {
		out.Set(name, in.Get(name))
	}
}

// FromCarrier snapshots any carrier into an MD.
func FromCarrier(c Carrier) MD {
	md := make(MD)
	Propagate(c, md)
	return md
}

type incomingKey struct{}
type outgoingKey struct{}

// NewIncomingContext attaches the headers of the request being handled.
func NewIncomingContext(ctx context.Context, md MD) context.Context {
	return context.WithValue(ctx, incomingKey{}, md)
}

// FromIncomingContext returns the inbound headers, if a request is being handled.
func FromIncomingContext(ctx context.Context) (MD, bool) {
	md, ok := ctx.Value(incomingKey{}).(MD)
	return md, ok
}

// NewOutgoingContext attaches the headers of the call being built.
func NewOutgoingContext(ctx context.Context, md MD) context.Context {
	return context.WithValue(ctx, outgoingKey{}, md)
}

// FromOutgoingContext returns the outbound headers attached to ctx.
func FromOutgoingContext(ctx context.Context) (MD, bool) {
	md, ok := ctx.Value(outgoingKey{}).(MD)
	return md, ok
}

// AppendToOutgoingContext returns a context whose outgoing headers are the
// existing ones plus kv. The stored MD of ctx is not modified.
func AppendToOutgoingContext(ctx context.Context, kv ...string) context.Context {
	md, _ := FromOutgoingContext(ctx)
	merged := md.Copy()
	for k, v := range Pairs(kv...) {
		merged[k] = v
	}
	return NewOutgoingContext(ctx, merged)
}
