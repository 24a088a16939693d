package signature

import (
	"fmt"
	"sort"
)

// Parts are the request pieces a Composer may bind into the signed payload.
type Parts struct {
	ID        string
	Timestamp string
	Body      []byte
}

// Composer assembles the exact byte sequence a source signs.
type Composer interface {
	Name() string
	Compose(p Parts) []byte
	// NeedsTimestamp reports whether the composed payload binds the timestamp.
	NeedsTimestamp() bool
	// NeedsID reports whether the composed payload binds the delivery id.
	NeedsID() bool
}

// Composer names accepted in configuration.
const (
	ComposeRaw             = "raw"
	ComposeTimestampDot    = "timestamp.body"
	ComposeTimestampConcat = "timestamp+body"
	ComposeIDTimestamp     = "id.timestamp.body"
)

type rawBody struct{}

func (rawBody) Name() string { return ComposeRaw }
func (rawBody) Compose(p Parts) []byte { return p.Body }
func (rawBody) NeedsTimestamp() bool { return false }
func (rawBody) NeedsID() bool { return false }

type timestampDotBody struct{}

func (timestampDotBody) Name() string { return ComposeTimestampDot }
func (timestampDotBody) NeedsTimestamp() bool { return true }
func (timestampDotBody) NeedsID() bool { return false }
func (timestampDotBody) Compose(p Parts) []byte {
	out := make([]byte, 0, len(p.Timestamp)+1+len(p.Body))
	out = append(out, p.Timestamp...)
	out = append(out, '.')
	return append(out, p.Body...)
}

type timestampConcatBody struct{}

func (timestampConcatBody) Name() string { return ComposeTimestampConcat }
func (timestampConcatBody) NeedsTimestamp() bool { return true }
func (timestampConcatBody) NeedsID() bool { return false }
func (timestampConcatBody) Compose(p Parts) []byte {
	out := make([]byte, 0, len(p.Timestamp)+len(p.Body))
	out = append(out, p.Timestamp...)
	return append(out, p.Body...)
}

// idTimestampBody is the Standard Webhooks layout: msgID.timestamp.payload
type idTimestampBody struct{}

func (idTimestampBody) Name() string { return ComposeIDTimestamp }
func (idTimestampBody) NeedsTimestamp() bool { return true }
func (idTimestampBody) NeedsID() bool { return true }
func (idTimestampBody) Compose(p Parts) []byte {
	out := make([]byte, 0, len(p.ID)+len(p.Timestamp)+2+len(p.Body))
	out = append(out, p.ID...)
	out = append(out, '.')
	out = append(out, p.Timestamp...)
	out = append(out, '.')
	return append(out, p.Body...)
}

var composers = map[string]Composer{
	ComposeRaw:             rawBody{},
	ComposeTimestampDot:    timestampDotBody{},
	ComposeTimestampConcat: timestampConcatBody{},
	ComposeIDTimestamp:     idTimestampBody{},
}

// LookupComposer returns the composer registered under name.
func LookupComposer(name string) (Composer, error) {
	c, ok := composers[name]
	if !ok {
		return nil, fmt.Errorf("unknown payload composer %q (known: %v)", name, ComposerNames())
	}
	return c, nil
}

// ComposerNames lists registered composers in stable order.
func ComposerNames() []string {
	names := make([]string, 0, len(composers))
	for n := range composers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
