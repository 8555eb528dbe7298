package plugin

// Message is the unstructured payload both widgets and plugins emit. The
// router only looks at Kind; Attributes travel untouched.
type Message struct {
	Kind       string     `json:"kind"`
	Attributes Attributes `json:"attributes,omitempty"`
}

// NewMessage creates a message with no attributes.
func NewMessage(kind string) Message {
	return Message{Kind: kind}
}

// With returns a copy of m with key set to value.
func (m Message) With(key string, value Value) Message {
	attrs := m.Attributes.Clone()
	if attrs == nil {
		attrs = make(Attributes, 1)
	}
	attrs[key] = value
	m.Attributes = attrs
	return m
}

// Attribute returns a single attribute.
func (m Message) Attribute(key string) (Value, bool) {
	v, ok := m.Attributes[key]
	return v, ok
}

// MessageKindError is the kind of the message an owner receives when one of
// its sandboxed widgets faulted. The "error" attribute carries the reason.
const MessageKindError = "error"
