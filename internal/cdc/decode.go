package cdc

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// DecodeRequest parses a batch request.
func DecodeRequest(r io.Reader) (*Request, error) {
	req := &Request{}
	if err := xml.NewDecoder(r).Decode(req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	for _, s := range req.Tables {
		if s.Table == "" {
			return nil, fmt.Errorf("%w: sync without table", ErrProtocol)
		}
	}
	return req, nil
}

// Decoder reads a response one table delta at a time.
type Decoder struct {
	d        *xml.Decoder
	stamp    int64
	hasStamp bool
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{d: xml.NewDecoder(r)}
}

// Stamp returns the global cursor read so far.
func (d *Decoder) Stamp() (int64, bool) {
	return d.stamp, d.hasStamp
}

// Next returns the next table delta, or io.EOF after the last one. Malformed
// deltas are returned with Err set; malformed XML ends the stream with an
// error wrapping ErrProtocol.
func (d *Decoder) Next() (*TableDelta, error) {
	for {
		tok, err := d.d.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "response":
		case "syncStamp":
			var text string
			if err := d.d.DecodeElement(&text, &se); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
			}
			v, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: syncStamp %q", ErrProtocol, text)
			}
			d.stamp, d.hasStamp = v, true
		case "table":
			return d.table(se)
		default:
			if err := d.d.Skip(); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
			}
		}
	}
}

func (d *Decoder) table(se xml.StartElement) (*TableDelta, error) {
	t := &TableDelta{Table: attr(se, "expr")}
	if t.Table == "" {
		t.Table = attr(se, "name")
	}
	if t.Table == "" {
		return nil, fmt.Errorf("%w: table without expr", ErrProtocol)
	}
	protocol := func(format string, args ...any) {
		if t.Err == nil {
			t.Err = fmt.Errorf("%w: %s: %s", ErrProtocol, t.Table, fmt.Sprintf(format, args...))
		}
	}
	for {
		tok, err := d.d.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
		}
		switch e := tok.(type) {
		case xml.EndElement:
			return t, nil
		case xml.StartElement:
			switch name := e.Name.Local; name {
			case "full":
				t.Full = true
				if v, ok := attr2(e, "id"); !ok {
					protocol("full without cursor")
				} else if t.Cursor, err = strconv.ParseInt(v, 10, 64); err != nil {
					protocol("full cursor %q", v)
				}
				err = d.d.Skip()
			case "columns":
				t.Columns, err = d.columns()
				if err == nil && len(t.PrimaryColumns()) == 0 {
					protocol("columns without primary key")
				}
			default:
				k := Kind(0)
				if len(name) == 1 {
					k = Kind(name[0])
				}
				if !k.valid() {
					err = d.d.Skip()
					break
				}
				var f Fragment
				if f, err = d.fragment(e, k); err == nil {
					t.Fragments = append(t.Fragments, f)
				} else if errors.Is(err, errBadFragment) {
					protocol("%v", err)
					err = nil
				}
			}
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
			}
		}
	}
}

var errBadFragment = errors.New("bad fragment")

func (d *Decoder) columns() ([]Column, error) {
	out := []Column{}
	for {
		tok, err := d.d.Token()
		if err != nil {
			return nil, err
		}
		switch e := tok.(type) {
		case xml.EndElement:
			return out, nil
		case xml.StartElement:
			if e.Name.Local == "col" {
				c := Column{Name: attr(e, "name"), Type: attr(e, "type")}
				c.Primary, _ = strconv.ParseBool(attr(e, "isPrimary"))
				out = append(out, c)
			}
			if err := d.d.Skip(); err != nil {
				return nil, err
			}
		}
	}
}

// fragment reads the fragment started by se. A fragment with an invalid
// cursor is consumed and reported as errBadFragment.
func (d *Decoder) fragment(se xml.StartElement, k Kind) (Fragment, error) {
	f := Fragment{Kind: k, ID: attr(se, "id")}
	var bad error
	if v, ok := attr2(se, "syncId"); ok {
		var err error
		if f.SyncID, err = strconv.ParseInt(v, 10, 64); err != nil {
			bad = fmt.Errorf("%w: %s syncId %q", errBadFragment, k, v)
		}
	}
	for {
		tok, err := d.d.Token()
		if err != nil {
			return f, err
		}
		switch e := tok.(type) {
		case xml.EndElement:
			if bad != nil {
				return f, bad
			}
			return f, nil
		case xml.StartElement:
			var v struct {
				Text string `xml:",chardata"`
				Nil  bool   `xml:"nil,attr"`
			}
			if err := d.d.DecodeElement(&v, &e); err != nil {
				return f, err
			}
			f.Fields = append(f.Fields, Field{Name: e.Name.Local, Text: v.Text, Null: v.Nil})
		}
	}
}

// Decode reads a whole response. A missing syncStamp leaves SyncStamp at
// Never.
func Decode(r io.Reader) (*Response, error) {
	d := NewDecoder(r)
	resp := &Response{SyncStamp: Never}
	for {
		t, err := d.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		resp.Tables = append(resp.Tables, t)
	}
	if stamp, ok := d.Stamp(); ok {
		resp.SyncStamp = stamp
	}
	return resp, nil
}

func attr(se xml.StartElement, name string) string {
	v, _ := attr2(se, name)
	return v
}

func attr2(se xml.StartElement, name string) (string, bool) {
	for _, a := range se.Attr {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}
