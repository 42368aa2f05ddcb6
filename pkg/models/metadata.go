package models

import "strings"

// DataSet is a relational metadata snapshot delivered by the metadata feed:
// devices, measurements, phasors and schema tables.
type DataSet struct {
	Tables []DataTable `json:"tables" msgpack:"tables"`
}

// DataTable is one metadata table. Each row holds one value per column.
type DataTable struct {
	Name    string       `json:"name" msgpack:"name"`
	Columns []DataColumn `json:"columns" msgpack:"columns"`
	Rows    [][]any      `json:"rows" msgpack:"rows"`
}

// DataColumn names a column and its storage type: "string", "int",
// "float", "bool" or "guid".
type DataColumn struct {
	Name string `json:"name" msgpack:"name"`
	Type string `json:"type,omitempty" msgpack:"type,omitempty"`
}

// Table returns the table with the given name, case-insensitive.
func (ds *DataSet) Table(name string) (*DataTable, bool) {
	for i := range ds.Tables {
		if strings.EqualFold(ds.Tables[i].Name, name) {
			return &ds.Tables[i], true
		}
	}
	return nil, false
}

// ColumnIndex returns the position of a column, case-insensitive, or -1.
func (t *DataTable) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return i
		}
	}
	return -1
}
