package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/juleago/julea/internal/backend"
	"github.com/juleago/julea/internal/semantics"
)

// jsonColumn is the wire shape for one Schema column in the HTTP API:
// JSON has no int32/uint32/etc. distinction, so the type name is
// spelled out and resolved against backend's ValueType tags.
type jsonColumn struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type jsonSchema struct {
	Columns []jsonColumn `json:"columns"`
	Indexes [][]string   `json:"indexes,omitempty"`
}

var columnTypeNames = map[string]backend.ValueType{
	"int32": backend.TypeInt32, "uint32": backend.TypeUint32,
	"int64": backend.TypeInt64, "uint64": backend.TypeUint64,
	"float32": backend.TypeFloat32, "float64": backend.TypeFloat64,
	"string": backend.TypeString, "blob": backend.TypeBlob,
}

func columnTypeName(t backend.ValueType) string {
	for name, v := range columnTypeNames {
		if v == t {
			return name
		}
	}
	return "string"
}

func decodeSchema(js jsonSchema, name string) (backend.Schema, error) {
	schema := backend.Schema{Name: name, Indexes: js.Indexes}
	for _, c := range js.Columns {
		t, ok := columnTypeNames[c.Type]
		if !ok {
			return schema, fmt.Errorf("unknown column type %q", c.Type)
		}
		schema.Columns = append(schema.Columns, backend.Column{Name: c.Name, Type: t})
	}
	return schema, nil
}

func encodeSchema(schema backend.Schema) jsonSchema {
	js := jsonSchema{Indexes: schema.Indexes}
	for _, c := range schema.Columns {
		js.Columns = append(js.Columns, jsonColumn{Name: c.Name, Type: columnTypeName(c.Type)})
	}
	return js
}

// coerceRow converts row's JSON-decoded values (which arrive as
// float64/string/bool) to the Go types EncodeValue accepts, using
// schema to look up each column's declared type. A column absent from
// schema makes coerceRow return an error.
func coerceRow(schema backend.Schema, row map[string]any) (backend.Row, error) {
	types := make(map[string]backend.ValueType, len(schema.Columns))
	for _, c := range schema.Columns {
		types[c.Name] = c.Type
	}
	out := make(backend.Row, len(row))
	for name, v := range row {
		t, ok := types[name]
		if !ok {
			return nil, fmt.Errorf("column %q not in schema", name)
		}
		cv, err := coerceValue(t, v)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", name, err)
		}
		out[name] = cv
	}
	return out, nil
}

func coerceValue(t backend.ValueType, v any) (any, error) {
	switch t {
	case backend.TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("want string, got %T", v)
		}
		return s, nil
	case backend.TypeBlob:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("want base64 string for blob, got %T", v)
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("decode base64 blob: %w", err)
		}
		return b, nil
	}
	f, ok := v.(float64)
	if !ok {
		return nil, fmt.Errorf("want number, got %T", v)
	}
	switch t {
	case backend.TypeInt32:
		return int32(f), nil
	case backend.TypeUint32:
		return uint32(f), nil
	case backend.TypeInt64:
		return int64(f), nil
	case backend.TypeUint64:
		return uint64(f), nil
	case backend.TypeFloat32:
		return float32(f), nil
	case backend.TypeFloat64:
		return f, nil
	default:
		return nil, fmt.Errorf("unsupported column type %d", t)
	}
}

// jsonLeaf/jsonSelector mirror backend.Leaf/Selector with JSON-safe
// field names; coerceSelector resolves each leaf's value against
// schema the same way coerceRow does for rows.
type jsonLeaf struct {
	Name     string `json:"name"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

type jsonSelector struct {
	Mode     string         `json:"mode,omitempty"`
	Leaves   []jsonLeaf     `json:"leaves,omitempty"`
	Children []jsonSelector `json:"children,omitempty"`
}

var selectorOperatorNames = map[string]backend.Operator{
	"eq": backend.OpEQ, "ne": backend.OpNE,
	"lt": backend.OpLT, "le": backend.OpLE,
	"gt": backend.OpGT, "ge": backend.OpGE,
}

func coerceSelector(schema backend.Schema, js jsonSelector) (*backend.Selector, error) {
	types := make(map[string]backend.ValueType, len(schema.Columns))
	for _, c := range schema.Columns {
		types[c.Name] = c.Type
	}
	return coerceSelectorNode(types, js)
}

func coerceSelectorNode(types map[string]backend.ValueType, js jsonSelector) (*backend.Selector, error) {
	mode := backend.ModeAND
	if js.Mode == "or" {
		mode = backend.ModeOR
	}
	sel := &backend.Selector{Mode: mode}
	for _, l := range js.Leaves {
		op, ok := selectorOperatorNames[l.Operator]
		if !ok {
			return nil, fmt.Errorf("unknown operator %q", l.Operator)
		}
		t, ok := types[l.Name]
		if !ok {
			return nil, fmt.Errorf("column %q not in schema", l.Name)
		}
		v, err := coerceValue(t, l.Value)
		if err != nil {
			return nil, fmt.Errorf("leaf %q: %w", l.Name, err)
		}
		sel.Leaves = append(sel.Leaves, backend.Leaf{Name: l.Name, Operator: op, Value: v})
	}
	for _, c := range js.Children {
		child, err := coerceSelectorNode(types, c)
		if err != nil {
			return nil, err
		}
		sel.Children = append(sel.Children, child)
	}
	return sel, nil
}

// handleDB implements:
//
//	POST/GET/DELETE   /db/{namespace}/schema/{name}
//	POST/PATCH/DELETE /db/{namespace}/rows/{table}
//	POST              /db/{namespace}/rows/{table}/query
func (gw *gateway) handleDB(w http.ResponseWriter, r *http.Request) {
	if parts, ok := splitPath(r.URL.Path, "/db/", 3); ok && parts[1] == "schema" {
		gw.handleDBSchema(w, r, parts[0], parts[2])
		return
	}
	if parts, ok := splitPath(r.URL.Path, "/db/", 4); ok && parts[1] == "rows" && parts[3] == "query" {
		gw.handleDBQuery(w, r, parts[0], parts[2])
		return
	}
	if parts, ok := splitPath(r.URL.Path, "/db/", 3); ok && parts[1] == "rows" {
		gw.handleDBRows(w, r, parts[0], parts[2])
		return
	}
	http.Error(w, "expected /db/{namespace}/schema/{name} or /db/{namespace}/rows/{table}[/query]", http.StatusBadRequest)
}

func (gw *gateway) handleDBSchema(w http.ResponseWriter, r *http.Request, namespace, name string) {
	ctx := r.Context()
	ds := gw.client.DBSchema(namespace)

	switch r.Method {
	case http.MethodPost:
		var js jsonSchema
		if err := json.NewDecoder(r.Body).Decode(&js); err != nil {
			http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
			return
		}
		schema, err := decodeSchema(js, name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		b := gw.client.NewBatch(semantics.Default())
		ds.Create(b, name, schema)
		if ok, err := b.Execute(ctx); err != nil || !ok {
			writeExecError(w, ok, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case http.MethodGet:
		b := gw.client.NewBatch(semantics.Default())
		got, errOut := ds.Get(b, name)
		if ok, err := b.Execute(ctx); err != nil || !ok {
			writeExecError(w, ok, err)
			return
		}
		if errOut != nil && *errOut != nil {
			http.Error(w, (*errOut).Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(encodeSchema(*got))

	case http.MethodDelete:
		b := gw.client.NewBatch(semantics.Default())
		ds.Delete(b, name)
		if ok, err := b.Execute(ctx); err != nil || !ok {
			writeExecError(w, ok, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// loadSchema fetches table's schema in its own batch, used to coerce
// rows/selectors decoded from JSON before an insert/update/query.
func (gw *gateway) loadSchema(ctx context.Context, namespace, table string) (backend.Schema, error) {
	b := gw.client.NewBatch(semantics.Default())
	got, errOut := gw.client.DBSchema(namespace).Get(b, table)
	if ok, err := b.Execute(ctx); err != nil || !ok {
		if err == nil {
			err = fmt.Errorf("schema lookup batch did not complete")
		}
		return backend.Schema{}, err
	}
	if errOut != nil && *errOut != nil {
		return backend.Schema{}, *errOut
	}
	return *got, nil
}

func (gw *gateway) handleDBRows(w http.ResponseWriter, r *http.Request, namespace, table string) {
	ctx := r.Context()
	entry := gw.client.DBEntry(namespace)

	schema, err := gw.loadSchema(ctx, namespace, table)
	if err != nil {
		http.Error(w, "load schema: "+err.Error(), http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodPost:
		var req struct {
			Row map[string]any `json:"row"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
			return
		}
		row, err := coerceRow(schema, req.Row)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		b := gw.client.NewBatch(semantics.Default())
		entry.Insert(b, table, row)
		if ok, err := b.Execute(ctx); err != nil || !ok {
			writeExecError(w, ok, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case http.MethodPatch:
		var req struct {
			Selector jsonSelector   `json:"selector"`
			Row      map[string]any `json:"row"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
			return
		}
		sel, err := coerceSelector(schema, req.Selector)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		row, err := coerceRow(schema, req.Row)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		b := gw.client.NewBatch(semantics.Default())
		entry.Update(b, table, sel, row)
		if ok, err := b.Execute(ctx); err != nil || !ok {
			writeExecError(w, ok, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case http.MethodDelete:
		var req struct {
			Selector jsonSelector `json:"selector"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
			return
		}
		sel, err := coerceSelector(schema, req.Selector)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		b := gw.client.NewBatch(semantics.Default())
		entry.Delete(b, table, sel)
		if ok, err := b.Execute(ctx); err != nil || !ok {
			writeExecError(w, ok, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (gw *gateway) handleDBQuery(w http.ResponseWriter, r *http.Request, namespace, table string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	schema, err := gw.loadSchema(ctx, namespace, table)
	if err != nil {
		http.Error(w, "load schema: "+err.Error(), http.StatusBadRequest)
		return
	}
	var req struct {
		Selector jsonSelector `json:"selector"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
		return
	}
	sel, err := coerceSelector(schema, req.Selector)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	b := gw.client.NewBatch(semantics.Default())
	out, errOut := gw.client.DBEntry(namespace).Query(b, table, sel)
	if ok, err := b.Execute(ctx); err != nil || !ok {
		writeExecError(w, ok, err)
		return
	}
	if errOut != nil && *errOut != nil {
		http.Error(w, (*errOut).Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(*out)
}
