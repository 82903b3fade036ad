package routeros

import "strings"

// Status is the terminal status of a reply.
type Status string

// Reply statuses.
const (
	StatusDone  Status = "done"
	StatusTrap  Status = "trap"
	StatusFatal Status = "fatal"
)

// Reply sentence markers.
const (
	markerRow   = "!re"
	markerDone  = "!done"
	markerTrap  = "!trap"
	markerFatal = "!fatal"
)

// Attributes is an insertion-ordered set of reply attributes.
type Attributes struct {
	keys   []string
	values map[string]string
}

// NewAttributes returns an empty attribute set.
func NewAttributes() *Attributes {
	return &Attributes{values: make(map[string]string)}
}

// Set stores value under key. A new key is appended to the key order.
func (a *Attributes) Set(key, value string) {
	if _, ok := a.values[key]; !ok {
		a.keys = append(a.keys, key)
	}
	a.values[key] = value
}

// Get returns the value for key.
func (a *Attributes) Get(key string) (string, bool) {
	if a == nil {
		return "", false
	}
	v, ok := a.values[key]
	return v, ok
}

// Value returns the value for key, or "" if absent.
func (a *Attributes) Value(key string) string {
	v, _ := a.Get(key)
	return v
}

// Keys returns the keys in first-seen order.
func (a *Attributes) Keys() []string {
	if a == nil || len(a.keys) == 0 {
		return nil
	}
	out := make([]string, len(a.keys))
	copy(out, a.keys)
	return out
}

// Len returns the number of distinct keys.
func (a *Attributes) Len() int {
	if a == nil {
		return 0
	}
	return len(a.keys)
}

// Map returns a copy of the attributes as a plain map.
func (a *Attributes) Map() map[string]string {
	out := make(map[string]string, a.Len())
	if a == nil {
		return out
	}
	for k, v := range a.values {
		out[k] = v
	}
	return out
}

// merge copies every attribute of other into a, in other's order.
func (a *Attributes) merge(other *Attributes) {
	for _, k := range other.keys {
		a.Set(k, other.values[k])
	}
}

// Reply is the parsed response to one command.
type Reply struct {
	// Status is done, trap or fatal.
	Status Status

	// Attributes holds every attribute seen across the reply's sentences.
	// Later sentences override earlier ones for the same key.
	Attributes *Attributes

	// Ret is the "ret" attribute, used by the login challenge.
	Ret string

	// Message is the "message" attribute, set by !trap and !fatal.
	Message string

	// Rows holds one attribute set per !re sentence, in arrival order.
	Rows []*Attributes
}

// OK reports whether the reply terminated with !done.
func (r *Reply) OK() bool {
	return r != nil && r.Status == StatusDone
}

// replyBuilder accumulates sentences until a terminal one arrives.
type replyBuilder struct {
	reply   Reply
	trapped bool
}

func newReplyBuilder() *replyBuilder {
	return &replyBuilder{reply: Reply{Attributes: NewAttributes()}}
}

// add folds one sentence into the reply and reports whether the reply is
// complete. A !trap is always followed by a !done from the appliance; the
// reply completes on that !done and keeps the trap status.
func (b *replyBuilder) add(words []string) bool {
	if len(words) == 0 {
		return false
	}

	attrs := NewAttributes()
	for _, w := range words[1:] {
		if strings.HasPrefix(w, "=") {
			attrs.merge(DecodeAttributes(w))
		}
	}

	switch words[0] {
	case markerRow:
		b.reply.Rows = append(b.reply.Rows, attrs)
		b.reply.Attributes.merge(attrs)
		return false
	case markerTrap:
		b.trapped = true
		b.reply.Attributes.merge(attrs)
		return false
	case markerFatal:
		b.reply.Status = StatusFatal
		b.reply.Attributes.merge(attrs)
		return true
	case markerDone:
		b.reply.Status = StatusDone
		if b.trapped {
			b.reply.Status = StatusTrap
		}
		b.reply.Attributes.merge(attrs)
		return true
	default:
		// Unknown sentence kinds (for example !empty) carry no data we use.
		return false
	}
}

func (b *replyBuilder) build() *Reply {
	r := b.reply
	r.Ret = r.Attributes.Value("ret")
	r.Message = r.Attributes.Value("message")
	return &r
}
