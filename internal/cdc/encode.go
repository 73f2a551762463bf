package cdc

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
)

// Encode writes the request.
func (r *Request) Encode(w io.Writer) error {
	e := xml.NewEncoder(w)
	if err := e.Encode(r); err != nil {
		return fmt.Errorf("failed to encode batch: %w", err)
	}
	return e.Close()
}

// Encode writes the response wrapped in a <response> element.
func (r *Response) Encode(w io.Writer) error {
	e := xml.NewEncoder(w)
	root := xml.StartElement{Name: xml.Name{Local: "response"}}
	if err := e.EncodeToken(root); err != nil {
		return err
	}
	if err := e.EncodeElement(r.SyncStamp, xml.StartElement{Name: xml.Name{Local: "syncStamp"}}); err != nil {
		return err
	}
	for _, t := range r.Tables {
		if err := encodeTable(e, t); err != nil {
			return fmt.Errorf("failed to encode %s: %w", t.Table, err)
		}
	}
	if err := e.EncodeToken(root.End()); err != nil {
		return err
	}
	return e.Close()
}

func encodeTable(e *xml.Encoder, t *TableDelta) error {
	se := start("table", "expr", t.Table)
	if err := e.EncodeToken(se); err != nil {
		return err
	}
	if t.Full {
		if err := empty(e, start("full", "id", strconv.FormatInt(t.Cursor, 10))); err != nil {
			return err
		}
		return e.EncodeToken(se.End())
	}
	if t.Columns != nil {
		cols := start("columns")
		if err := e.EncodeToken(cols); err != nil {
			return err
		}
		for _, c := range t.Columns {
			if err := empty(e, start("col", "name", c.Name, "type", c.Type, "isPrimary", strconv.FormatBool(c.Primary))); err != nil {
				return err
			}
		}
		if err := e.EncodeToken(cols.End()); err != nil {
			return err
		}
	}
	for i := range t.Fragments {
		if err := encodeFragment(e, &t.Fragments[i]); err != nil {
			return err
		}
	}
	return e.EncodeToken(se.End())
}

func encodeFragment(e *xml.Encoder, f *Fragment) error {
	var attrs []string
	if f.ID != "" {
		attrs = append(attrs, "id", f.ID)
	}
	if f.SyncID != 0 {
		attrs = append(attrs, "syncId", strconv.FormatInt(f.SyncID, 10))
	}
	se := start(string(f.Kind), attrs...)
	if err := e.EncodeToken(se); err != nil {
		return err
	}
	for _, fld := range f.Fields {
		if fld.Null {
			if err := empty(e, start(fld.Name, "nil", "true")); err != nil {
				return err
			}
			continue
		}
		if err := e.EncodeElement(fld.Text, start(fld.Name)); err != nil {
			return err
		}
	}
	return e.EncodeToken(se.End())
}

// start builds a start element from alternating attribute names and values.
func start(name string, attrs ...string) xml.StartElement {
	se := xml.StartElement{Name: xml.Name{Local: name}}
	for i := 0; i+1 < len(attrs); i += 2 {
		se.Attr = append(se.Attr, xml.Attr{Name: xml.Name{Local: attrs[i]}, Value: attrs[i+1]})
	}
	return se
}

func empty(e *xml.Encoder, se xml.StartElement) error {
	if err := e.EncodeToken(se); err != nil {
		return err
	}
	return e.EncodeToken(se.End())
}
