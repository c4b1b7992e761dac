// Package pwcli connects to a PipeWire session through the pw-dump and pw-cli
// command line tools, so no cgo binding to libpipewire is needed.
//
// pw-dump --monitor writes a stream of JSON arrays. The first array describes
// every object in the session; each later array carries objects that appeared,
// changed or were removed. Removals have "info": null.
package pwcli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/zjrosen/pwgraph/internal/session"
)

const factoryType = "PipeWire:Interface:Factory"

type dumpObject struct {
	ID   uint32          `json:"id"`
	Type string          `json:"type"`
	Info json.RawMessage `json:"info"`
}

type dumpInfo struct {
	Name  string                     `json:"name"`
	Type  string                     `json:"type"`
	Props map[string]json.RawMessage `json:"props"`
}

// Decoder turns a pw-dump stream into registry globals. Like a registry
// listener, it reports each object id once; an id is reported again only
// after it was removed and reused.
type Decoder struct {
	dec  *json.Decoder
	seen map[uint32]struct{}
	buf  []session.Global
}

// NewDecoder reads pw-dump output from r.
func NewDecoder(r io.Reader) *Decoder {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	return &Decoder{dec: dec, seen: make(map[uint32]struct{})}
}

// Next returns the next new global. It returns io.EOF at the end of the stream.
func (d *Decoder) Next() (session.Global, error) {
	for len(d.buf) == 0 {
		var batch []dumpObject
		if err := d.dec.Decode(&batch); err != nil {
			if errors.Is(err, io.EOF) {
				return session.Global{}, io.EOF
			}
			return session.Global{}, fmt.Errorf("decoding pw-dump output: %w", err)
		}
		for _, obj := range batch {
			if g, ok := d.apply(obj); ok {
				d.buf = append(d.buf, g)
			}
		}
	}
	g := d.buf[0]
	d.buf = d.buf[1:]
	return g, nil
}

func (d *Decoder) apply(obj dumpObject) (session.Global, bool) {
	if len(obj.Info) == 0 || bytes.Equal(bytes.TrimSpace(obj.Info), []byte("null")) {
		delete(d.seen, obj.ID)
		return session.Global{}, false
	}
	if _, dup := d.seen[obj.ID]; dup {
		return session.Global{}, false
	}

	var info dumpInfo
	if err := json.Unmarshal(obj.Info, &info); err != nil {
		return session.Global{}, false
	}
	d.seen[obj.ID] = struct{}{}

	props := make(map[string]string, len(info.Props)+2)
	for k, raw := range info.Props {
		props[k] = propString(raw)
	}
	if obj.Type == factoryType {
		if _, ok := props[session.KeyFactoryName]; !ok && info.Name != "" {
			props[session.KeyFactoryName] = info.Name
		}
		if _, ok := props[session.KeyFactoryTypeName]; !ok && info.Type != "" {
			props[session.KeyFactoryTypeName] = info.Type
		}
	}
	return session.Global{ID: obj.ID, Type: obj.Type, Props: props}, true
}

// propString renders a JSON property value the way the native property
// dictionary holds it: strings unquoted, everything else as JSON text.
func propString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return strconv.FormatBool(b)
	}
	return string(bytes.TrimSpace(raw))
}
