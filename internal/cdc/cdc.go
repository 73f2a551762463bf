// Package cdc implements the XML batch protocol exchanged between the sync
// engine and the server.
//
// One request lists every mirrored table with its cursor:
//
//	<batch lastSyncTimeStamp="42" enforceCDC="true">
//	  <sync table="Item" syncId="40"/>
//	</batch>
//
// The response carries the new global cursor and one delta per table:
//
//	<response>
//	  <syncStamp>43</syncStamp>
//	  <table expr="Item">
//	    <columns><col name="Id" type="int" isPrimary="true"/></columns>
//	    <u id="2" syncId="43"><Qty>3</Qty></u>
//	    <d id="7"/>
//	  </table>
//	</response>
//
// Values travel as element text; an element with nil="true" is null.
package cdc

import (
	"encoding/xml"
	"errors"
	"strings"

	"github.com/maruel/tabsync/internal/key"
	"github.com/maruel/tabsync/internal/schema"
)

// ErrProtocol is returned for responses that do not follow the protocol.
var ErrProtocol = errors.New("cdc protocol error")

// Never is the cursor of a table that was never synchronized.
const Never int64 = -1

// Sync is the cursor of one table in a request.
type Sync struct {
	Table  string `xml:"table,attr"`
	SyncID int64  `xml:"syncId,attr"`
}

// Request is one batch.
type Request struct {
	XMLName       xml.Name `xml:"batch"`
	LastSyncStamp int64    `xml:"lastSyncTimeStamp,attr"`
	EnforceCDC    bool     `xml:"enforceCDC,attr,omitempty"`
	Tables        []Sync   `xml:"sync"`
}

// Kind is the kind of a fragment.
type Kind byte

const (
	// Update carries new values for some columns of a row.
	Update Kind = 'u'
	// Insert asks to load a new row by key.
	Insert Kind = 'i'
	// Refresh asks to reload a row by key.
	Refresh Kind = 'r'
	// Delete removes a row by key.
	Delete Kind = 'd'
)

func (k Kind) String() string {
	return string(k)
}

func (k Kind) valid() bool {
	return k == Update || k == Insert || k == Refresh || k == Delete
}

// Column describes a column of a table delta.
type Column struct {
	Name    string
	Type    string
	Primary bool
}

// Field is one column value of a fragment.
type Field struct {
	Name string
	Text string
	Null bool
}

// NewField encodes a canonical value.
func NewField(name string, v any) Field {
	if v == nil {
		return Field{Name: name, Null: true}
	}
	return Field{Name: name, Text: key.Format(v)}
}

// Value parses the field with its column type.
func (f *Field) Value(t schema.ColumnType) (any, error) {
	if f.Null {
		return nil, nil
	}
	return t.Parse(f.Text)
}

// Fragment is one row level change.
type Fragment struct {
	Kind Kind
	// ID is the primary key value of single column keys, empty when absent.
	ID string
	// SyncID is the cursor of the change, 0 when absent.
	SyncID int64
	Fields []Field
}

// Field returns the field named name, case-insensitively.
func (f *Fragment) Field(name string) (*Field, bool) {
	for i := range f.Fields {
		if strings.EqualFold(f.Fields[i].Name, name) {
			return &f.Fields[i], true
		}
	}
	return nil, false
}

// TableDelta is the part of a response about one table.
type TableDelta struct {
	Table string
	// Full forces a full refresh; Cursor is then the table's new cursor.
	Full   bool
	Cursor int64
	// Columns is nil when the delta has no columns section.
	Columns   []Column
	Fragments []Fragment
	// Err is set when the delta was malformed. It wraps ErrProtocol and
	// the table must be fully refreshed.
	Err error
}

// PrimaryColumns returns the names of the columns flagged as primary key.
func (t *TableDelta) PrimaryColumns() []string {
	var out []string
	for _, c := range t.Columns {
		if c.Primary {
			out = append(out, c.Name)
		}
	}
	return out
}

// Response is a decoded batch response.
type Response struct {
	// SyncStamp is the new global cursor, Never when the server sent none.
	SyncStamp int64
	Tables    []*TableDelta
}

// Table returns the delta of the named table, nil when absent.
func (r *Response) Table(name string) *TableDelta {
	for _, t := range r.Tables {
		if t.Table == name {
			return t
		}
	}
	return nil
}
