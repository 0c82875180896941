package conventions

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
)

// DefaultQueueTemplate names a queue after its exchange and message type
const DefaultQueueTemplate = "{{exchange}}.{{message}}"

const (
	placeholderAssembly = "{{assembly}}"
	placeholderExchange = "{{exchange}}"
	placeholderMessage  = "{{message}}"
)

var (
	// ErrUnnamedType is returned for message values whose type has no name
	ErrUnnamedType = errors.New("conventions: message type must be a named type")
	// ErrAlreadyResolved is returned when an override arrives after the type was resolved
	ErrAlreadyResolved = errors.New("conventions: type already resolved")
)

// Conventions are the broker coordinates of one message type
type Conventions struct {
	MessageType string
	Exchange    string
	Queue       string
	RoutingKey  string
}

// Key identifies the channel that consumes these coordinates
func (c Conventions) Key() string {
	return c.Exchange + ":" + c.Queue + ":" + c.RoutingKey
}

// Routed is implemented by message types that pin their own coordinates.
// Empty fields fall back to the computed defaults.
type Routed interface {
	MessageConventions() Conventions
}

// Casing selects how computed names are folded
type Casing int

const (
	// Verbatim keeps names as written
	Verbatim Casing = iota
	// SnakeCase turns OrderCreated into order_created
	SnakeCase
)

// Resolver maps message types to Conventions. Results are computed once per
// type and are safe to read from any goroutine.
type Resolver struct {
	template string
	casing   Casing
	exchange string

	overrides sync.Map // type name -> Conventions
	types     sync.Map // type name -> reflect.Type
	cache     sync.Map // type name -> Conventions

	// names resolved without a known Go type; never consulted for typed lookups
	byName sync.Map // type name -> Conventions
}

// Option configures a Resolver
type Option func(*Resolver)

// WithQueueTemplate sets the queue naming template
func WithQueueTemplate(template string) Option {
	return func(r *Resolver) {
		if template != "" {
			r.template = template
		}
	}
}

// WithCasing sets the casing mode
func WithCasing(casing Casing) Option {
	return func(r *Resolver) {
		r.casing = casing
	}
}

// WithExchange sets the exchange of every type that does not pin one. By
// default the last element of the type's package path is used.
func WithExchange(name string) Option {
	return func(r *Resolver) {
		r.exchange = name
	}
}

// NewResolver creates a resolver
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		template: DefaultQueueTemplate,
		casing:   Verbatim,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register records message types so they can later be resolved by name
func (r *Resolver) Register(msgs ...any) error {
	for _, msg := range msgs {
		t, err := messageType(msg)
		if err != nil {
			return err
		}
		r.types.LoadOrStore(TypeName(t), t)
	}
	return nil
}

// Override pins coordinates for the type of msg. It must be called before
// the type is first resolved.
func (r *Resolver) Override(msg any, c Conventions) error {
	t, err := messageType(msg)
	if err != nil {
		return err
	}
	name := TypeName(t)
	if _, resolved := r.cache.Load(name); resolved {
		return fmt.Errorf("%w: %s", ErrAlreadyResolved, name)
	}
	r.overrides.Store(name, c)
	r.types.LoadOrStore(name, t)
	return nil
}

// Resolve returns the coordinates for the type of msg
func (r *Resolver) Resolve(msg any) (Conventions, error) {
	t, err := messageType(msg)
	if err != nil {
		return Conventions{}, err
	}
	return r.ResolveType(t)
}

// ResolveType returns the coordinates for t
func (r *Resolver) ResolveType(t reflect.Type) (Conventions, error) {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Name() == "" {
		return Conventions{}, ErrUnnamedType
	}

	name := TypeName(t)
	if c, ok := r.cache.Load(name); ok {
		return c.(Conventions), nil
	}

	r.types.LoadOrStore(name, t)
	c, _ := r.cache.LoadOrStore(name, r.compute(name, t))
	return c.(Conventions), nil
}

// ResolveName returns the coordinates for a type name produced by TypeName.
// Names of types this resolver has not seen resolve to the computed
// defaults without affecting later lookups by type.
func (r *Resolver) ResolveName(name string) (Conventions, error) {
	if c, ok := r.cache.Load(name); ok {
		return c.(Conventions), nil
	}
	if t, ok := r.types.Load(name); ok {
		return r.ResolveType(t.(reflect.Type))
	}
	if c, ok := r.byName.Load(name); ok {
		return c.(Conventions), nil
	}

	pkgPath, typeName := splitTypeName(name)
	if typeName == "" {
		return Conventions{}, fmt.Errorf("%w: %q", ErrUnnamedType, name)
	}

	c, _ := r.byName.LoadOrStore(name, r.build(name, pkgPath, typeName, Conventions{}))
	return c.(Conventions), nil
}

func (r *Resolver) compute(name string, t reflect.Type) Conventions {
	var pinned Conventions
	if o, ok := r.overrides.Load(name); ok {
		pinned = o.(Conventions)
	} else if routed, ok := routedValue(t); ok {
		pinned = routed.MessageConventions()
	}
	return r.build(name, t.PkgPath(), t.Name(), pinned)
}

// build fills every empty field of pinned with its computed default
func (r *Resolver) build(name, pkgPath, typeName string, pinned Conventions) Conventions {
	assembly := lastElement(pkgPath)

	c := Conventions{MessageType: name}

	c.Exchange = pinned.Exchange
	if c.Exchange == "" && r.exchange != "" {
		c.Exchange = r.exchange
	}
	if c.Exchange == "" {
		c.Exchange = r.fold(assembly)
	}

	c.RoutingKey = pinned.RoutingKey
	if c.RoutingKey == "" {
		c.RoutingKey = r.fold(typeName)
	}

	c.Queue = pinned.Queue
	if c.Queue == "" {
		queue := strings.ReplaceAll(r.template, placeholderAssembly, assembly)
		queue = strings.ReplaceAll(queue, placeholderExchange, c.Exchange)
		queue = strings.ReplaceAll(queue, placeholderMessage, typeName)
		c.Queue = r.fold(queue)
	}

	return c
}

func (r *Resolver) fold(s string) string {
	if r.casing == SnakeCase {
		return ToSnakeCase(s)
	}
	return s
}

// ToSnakeCase inserts '_' before every interior upper-case letter that does
// not follow '.' or '/', then lower-cases the result.
func ToSnakeCase(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)

	var prev rune
	for i, ch := range s {
		if i > 0 && ch >= 'A' && ch <= 'Z' && prev != '.' && prev != '/' {
			b.WriteByte('_')
		}
		b.WriteRune(ch)
		prev = ch
	}
	return strings.ToLower(b.String())
}

// TypeName returns the identity of a message type: its package path and
// name joined by a dot. Pointer types are dereferenced.
func TypeName(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.PkgPath() == "" {
		return t.Name()
	}
	return t.PkgPath() + "." + t.Name()
}

// NameOf returns TypeName for the dynamic type of v
func NameOf(v any) string {
	if v == nil {
		return ""
	}
	return TypeName(reflect.TypeOf(v))
}

func messageType(msg any) (reflect.Type, error) {
	if msg == nil {
		return nil, ErrUnnamedType
	}
	t := reflect.TypeOf(msg)
	if rt, ok := msg.(reflect.Type); ok {
		t = rt
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnnamedType, t.String())
	}
	return t, nil
}

func routedValue(t reflect.Type) (Routed, bool) {
	if routed, ok := reflect.Zero(t).Interface().(Routed); ok {
		return routed, true
	}
	routed, ok := reflect.New(t).Interface().(Routed)
	return routed, ok
}

// splitTypeName splits "github.com/acme/orders.OrderPlaced" into its
// package path and type name. Type names never contain a dot, so the last
// dot of the final path element separates them ("gopkg.in/yaml.v3.Node").
func splitTypeName(name string) (string, string) {
	slash := strings.LastIndex(name, "/")
	dot := strings.LastIndex(name[slash+1:], ".")
	if dot < 0 {
		return "", name
	}
	dot += slash + 1
	return name[:dot], name[dot+1:]
}

func lastElement(pkgPath string) string {
	if i := strings.LastIndex(pkgPath, "/"); i >= 0 {
		return pkgPath[i+1:]
	}
	return pkgPath
}
