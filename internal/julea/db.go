package julea

import (
	"context"
	"fmt"

	"github.com/juleago/julea/internal/backend"
	"github.com/juleago/julea/internal/batch"
	"github.com/juleago/julea/internal/message"
	"github.com/juleago/julea/internal/operation"
	"github.com/juleago/julea/internal/semantics"
)

// DBSchema manages schema lifecycle for one namespace.
type DBSchema struct {
	c         *Client
	namespace string
}

// DBEntry manages row lifecycle for one namespace.
type DBEntry struct {
	c         *Client
	namespace string
}

// DBSchema returns the schema frontend for namespace.
func (c *Client) DBSchema(namespace string) *DBSchema { return &DBSchema{c: c, namespace: namespace} }

// DBEntry returns the row frontend for namespace.
func (c *Client) DBEntry(namespace string) *DBEntry { return &DBEntry{c: c, namespace: namespace} }

type dbSchemaCreatePayload struct {
	name   string
	schema backend.Schema
}
type dbSchemaDeletePayload struct{ name string }
type dbSchemaGetPayload struct {
	name string
	out  *backend.Schema
	err  *error
}

// Create adds a schema-create operation to b.
func (s *DBSchema) Create(b *batch.Batch, name string, schema backend.Schema) {
	b.Add(&operation.Operation{
		Kind: "db.schema_create", Key: s.namespace,
		Data: dbSchemaCreatePayload{name: name, schema: schema},
		Exec: s.execCreate,
	})
}

// Delete adds a schema-delete operation to b.
func (s *DBSchema) Delete(b *batch.Batch, name string) {
	b.Add(&operation.Operation{
		Kind: "db.schema_delete", Key: s.namespace,
		Data: dbSchemaDeletePayload{name: name},
		Exec: s.execDelete,
	})
}

// Get adds a schema-get operation to b; *out and *errOut are populated
// once b executes.
func (s *DBSchema) Get(b *batch.Batch, name string) (out *backend.Schema, errOut *error) {
	out = &backend.Schema{}
	errOut = new(error)
	b.Add(&operation.Operation{
		Kind: "db.schema_get", Key: s.namespace,
		Data: dbSchemaGetPayload{name: name, out: out, err: errOut},
		Exec: s.execGet,
	})
	return out, errOut
}

func (s *DBSchema) execCreate(ctx context.Context, payloads []any, sem semantics.Semantics) bool {
	if s.c.dbBackend != nil {
		bh, err := s.c.dbBackend.BatchStart(ctx, s.c.dbHandle, s.namespace, sem)
		if err != nil {
			return false
		}
		success := true
		for _, p := range payloads {
			cp := p.(dbSchemaCreatePayload)
			if err := s.c.dbBackend.SchemaCreate(ctx, bh, cp.name, cp.schema); err != nil {
				success = false
			}
		}
		return success && s.c.dbBackend.BatchExecute(ctx, bh) == nil
	}
	return s.sendSchemaCreateOverNetwork(ctx, payloads, sem)
}

func (s *DBSchema) execDelete(ctx context.Context, payloads []any, sem semantics.Semantics) bool {
	if s.c.dbBackend != nil {
		bh, err := s.c.dbBackend.BatchStart(ctx, s.c.dbHandle, s.namespace, sem)
		if err != nil {
			return false
		}
		success := true
		for _, p := range payloads {
			dp := p.(dbSchemaDeletePayload)
			if err := s.c.dbBackend.SchemaDelete(ctx, bh, dp.name); err != nil {
				success = false
			}
		}
		return success && s.c.dbBackend.BatchExecute(ctx, bh) == nil
	}
	return s.sendSchemaDeleteOverNetwork(ctx, payloads, sem)
}

func (s *DBSchema) execGet(ctx context.Context, payloads []any, sem semantics.Semantics) bool {
	if s.c.Cache != nil {
		_ = s.c.Cache.Flush(ctx)
	}
	success := true
	for _, p := range payloads {
		gp := p.(dbSchemaGetPayload)
		var schema backend.Schema
		var err error
		if s.c.dbBackend != nil {
			bh, startErr := s.c.dbBackend.BatchStart(ctx, s.c.dbHandle, s.namespace, sem)
			if startErr != nil {
				*gp.err = startErr
				success = false
				continue
			}
			schema, err = s.c.dbBackend.SchemaGet(ctx, bh, gp.name)
		} else {
			schema, err = s.getSchemaOverNetwork(ctx, gp.name)
		}
		if err != nil {
			*gp.err = err
			success = false
			continue
		}
		*gp.out = schema
	}
	return success
}

// --- DBEntry -------------------------------------------------------

type dbInsertPayload struct {
	table string
	row   backend.Row
}
type dbUpdatePayload struct {
	table string
	sel   *backend.Selector
	row   backend.Row
}
type dbDeletePayload struct {
	table string
	sel   *backend.Selector
}
type dbQueryPayload struct {
	table string
	sel   *backend.Selector
	out   *[]backend.Row
	err   *error
}

// Insert adds an insert operation to b. Fusion groups consecutive
// inserts into the same table within one namespace into a single
// executor call (one BatchStart/BatchExecute pair); driver/mongo still
// commits each insert on its own.
func (e *DBEntry) Insert(b *batch.Batch, table string, row backend.Row) {
	b.Add(&operation.Operation{
		Kind: "db.insert", Key: e.namespace + "/" + table,
		Data: dbInsertPayload{table: table, row: row},
		Exec: e.execInsert,
	})
}

// Update adds an update operation to b.
func (e *DBEntry) Update(b *batch.Batch, table string, sel *backend.Selector, row backend.Row) {
	b.Add(&operation.Operation{
		Kind: "db.update", Key: e.namespace + "/" + table,
		Data: dbUpdatePayload{table: table, sel: sel, row: row},
		Exec: e.execUpdate,
	})
}

// Delete adds a delete operation to b.
func (e *DBEntry) Delete(b *batch.Batch, table string, sel *backend.Selector) {
	b.Add(&operation.Operation{
		Kind: "db.delete", Key: e.namespace + "/" + table,
		Data: dbDeletePayload{table: table, sel: sel},
		Exec: e.execDelete,
	})
}

// Query adds a query operation to b; *out receives every matching row
// once b executes.
func (e *DBEntry) Query(b *batch.Batch, table string, sel *backend.Selector) (out *[]backend.Row, errOut *error) {
	out = &[]backend.Row{}
	errOut = new(error)
	b.Add(&operation.Operation{
		Kind: "db.query", Key: e.namespace + "/" + table,
		Data: dbQueryPayload{table: table, sel: sel, out: out, err: errOut},
		Exec: e.execQuery,
	})
	return out, errOut
}

func (e *DBEntry) execInsert(ctx context.Context, payloads []any, sem semantics.Semantics) bool {
	if e.c.dbBackend != nil {
		bh, err := e.c.dbBackend.BatchStart(ctx, e.c.dbHandle, e.namespace, sem)
		if err != nil {
			return false
		}
		success := true
		for _, p := range payloads {
			ip := p.(dbInsertPayload)
			if err := e.c.dbBackend.Insert(ctx, bh, ip.table, ip.row); err != nil {
				success = false
			}
		}
		return success && e.c.dbBackend.BatchExecute(ctx, bh) == nil
	}
	return e.sendRowsOverNetwork(ctx, message.TypeDBInsert, payloads, sem)
}

func (e *DBEntry) execUpdate(ctx context.Context, payloads []any, sem semantics.Semantics) bool {
	if e.c.dbBackend != nil {
		bh, err := e.c.dbBackend.BatchStart(ctx, e.c.dbHandle, e.namespace, sem)
		if err != nil {
			return false
		}
		success := true
		for _, p := range payloads {
			up := p.(dbUpdatePayload)
			if err := e.c.dbBackend.Update(ctx, bh, up.table, up.sel, up.row); err != nil {
				success = false
			}
		}
		return success && e.c.dbBackend.BatchExecute(ctx, bh) == nil
	}
	return e.sendRowsOverNetwork(ctx, message.TypeDBUpdate, payloads, sem)
}

func (e *DBEntry) execDelete(ctx context.Context, payloads []any, sem semantics.Semantics) bool {
	if e.c.dbBackend != nil {
		bh, err := e.c.dbBackend.BatchStart(ctx, e.c.dbHandle, e.namespace, sem)
		if err != nil {
			return false
		}
		success := true
		for _, p := range payloads {
			dp := p.(dbDeletePayload)
			if err := e.c.dbBackend.Delete(ctx, bh, dp.table, dp.sel); err != nil {
				success = false
			}
		}
		return success && e.c.dbBackend.BatchExecute(ctx, bh) == nil
	}
	return e.sendRowsOverNetwork(ctx, message.TypeDBDelete, payloads, sem)
}

func (e *DBEntry) execQuery(ctx context.Context, payloads []any, sem semantics.Semantics) bool {
	if e.c.Cache != nil {
		_ = e.c.Cache.Flush(ctx)
	}
	success := true
	for _, p := range payloads {
		qp := p.(dbQueryPayload)
		rows, err := e.runQuery(ctx, qp.table, qp.sel, sem)
		if err != nil {
			*qp.err = err
			success = false
			continue
		}
		*qp.out = rows
	}
	return success
}

func (e *DBEntry) runQuery(ctx context.Context, table string, sel *backend.Selector, sem semantics.Semantics) ([]backend.Row, error) {
	if e.c.dbBackend == nil {
		return e.queryOverNetwork(ctx, table, sel)
	}
	bh, err := e.c.dbBackend.BatchStart(ctx, e.c.dbHandle, e.namespace, sem)
	if err != nil {
		return nil, err
	}
	it, err := e.c.dbBackend.Query(ctx, bh, table, sel)
	if err != nil {
		return nil, err
	}
	var rows []backend.Row
	for {
		row, ok, err := it.Next(ctx)
		if err != nil {
			if backend.IsIteratorDone(err) {
				break
			}
			return nil, err
		}
		if !ok {
			break
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// --- network path (shared by DBSchema and DBEntry) ------------------

func (s *DBSchema) serverIndex() int { return serverIndexForKey(s.namespace, len(s.c.dbRoute.addrs)) }
func (e *DBEntry) serverIndex() int  { return serverIndexForKey(e.namespace, len(e.c.dbRoute.addrs)) }

func (s *DBSchema) sendSchemaCreateOverNetwork(ctx context.Context, payloads []any, sem semantics.Semantics) bool {
	w := message.NewWriter()
	w.AppendString(s.namespace)
	for _, p := range payloads {
		cp := p.(dbSchemaCreatePayload)
		w.AppendString(cp.name)
		backend.EncodeSchema(w, cp.schema)
	}
	req := &message.Message{Header: message.Header{Type: message.TypeDBSchemaCreate, Flags: safetyFlags(sem), Count: uint32(len(payloads))}, Body: w.Bytes()}
	reply, err := dbRoundTrip(ctx, s.c, s.serverIndex(), req)
	if err != nil {
		return false
	}
	_, err = decodeDBReply(reply)
	return err == nil
}

func (s *DBSchema) sendSchemaDeleteOverNetwork(ctx context.Context, payloads []any, sem semantics.Semantics) bool {
	w := message.NewWriter()
	w.AppendString(s.namespace)
	for _, p := range payloads {
		dp := p.(dbSchemaDeletePayload)
		w.AppendString(dp.name)
	}
	req := &message.Message{Header: message.Header{Type: message.TypeDBSchemaDelete, Flags: safetyFlags(sem), Count: uint32(len(payloads))}, Body: w.Bytes()}
	reply, err := dbRoundTrip(ctx, s.c, s.serverIndex(), req)
	if err != nil {
		return false
	}
	_, err = decodeDBReply(reply)
	return err == nil
}

func (s *DBSchema) getSchemaOverNetwork(ctx context.Context, name string) (backend.Schema, error) {
	w := message.NewWriter()
	w.AppendString(s.namespace)
	w.AppendString(name)
	req := &message.Message{Header: message.Header{Type: message.TypeDBSchemaGet, Flags: message.FlagSafetyNetwork, Count: 1}, Body: w.Bytes()}
	reply, err := dbRoundTrip(ctx, s.c, s.serverIndex(), req)
	if err != nil {
		return backend.Schema{}, err
	}
	r, err := decodeDBReply(reply)
	if err != nil {
		return backend.Schema{}, err
	}
	return backend.DecodeSchema(r)
}

func (e *DBEntry) sendRowsOverNetwork(ctx context.Context, typ message.Type, payloads []any, sem semantics.Semantics) bool {
	w := message.NewWriter()
	w.AppendString(e.namespace)
	for _, p := range payloads {
		switch typ {
		case message.TypeDBInsert:
			ip := p.(dbInsertPayload)
			w.AppendString(ip.table)
			_ = backend.EncodeRow(w, ip.row)
		case message.TypeDBUpdate:
			up := p.(dbUpdatePayload)
			w.AppendString(up.table)
			_ = backend.EncodeSelector(w, up.sel)
			_ = backend.EncodeRow(w, up.row)
		case message.TypeDBDelete:
			dp := p.(dbDeletePayload)
			w.AppendString(dp.table)
			_ = backend.EncodeSelector(w, dp.sel)
		}
	}
	req := &message.Message{Header: message.Header{Type: typ, Flags: safetyFlags(sem), Count: uint32(len(payloads))}, Body: w.Bytes()}
	reply, err := dbRoundTrip(ctx, e.c, e.serverIndex(), req)
	if err != nil {
		return false
	}
	_, err = decodeDBReply(reply)
	return err == nil
}

func (e *DBEntry) queryOverNetwork(ctx context.Context, table string, sel *backend.Selector) ([]backend.Row, error) {
	w := message.NewWriter()
	w.AppendString(e.namespace)
	w.AppendString(table)
	if err := backend.EncodeSelector(w, sel); err != nil {
		return nil, err
	}
	req := &message.Message{Header: message.Header{Type: message.TypeDBQuery, Flags: message.FlagSafetyNetwork, Count: 1}, Body: w.Bytes()}
	reply, err := dbRoundTrip(ctx, e.c, e.serverIndex(), req)
	if err != nil {
		return nil, err
	}
	r, err := decodeDBReply(reply)
	if err != nil {
		return nil, err
	}
	n, err := r.GetUint32()
	if err != nil {
		return nil, err
	}
	rows := make([]backend.Row, n)
	for i := uint32(0); i < n; i++ {
		rows[i], err = backend.DecodeRow(r)
		if err != nil {
			return nil, err
		}
	}
	return rows, nil
}

// decodeDBReply consumes a DB reply's leading status word. On the
// error status it reconstructs the server's DBError and returns it;
// otherwise the returned reader is positioned at the payload. A reply
// with an empty body (no reply was expected) passes through as an
// empty reader.
func decodeDBReply(reply *message.Message) (*message.Reader, error) {
	r := message.NewReader(reply.Body)
	if len(reply.Body) == 0 {
		return r, nil
	}
	status, err := r.GetUint32()
	if err != nil {
		return nil, err
	}
	if status == backend.DBReplyError {
		dbErr, err := backend.DecodeDBError(r)
		if err != nil {
			return nil, err
		}
		return nil, dbErr
	}
	return r, nil
}

func dbRoundTrip(ctx context.Context, c *Client, idx int, req *message.Message) (*message.Message, error) {
	pool := c.dbRoute.pool
	if pool == nil {
		return nil, fmt.Errorf("julea: db backend %q has no client component and no server pool configured", c.Config.DB.Backend)
	}
	conn, err := pool.Pop(ctx, idx)
	if err != nil {
		return nil, fmt.Errorf("julea: pop db connection: %w", err)
	}
	if _, err := req.WriteTo(conn); err != nil {
		pool.Drop(idx, conn)
		return nil, fmt.Errorf("julea: send db request: %w", err)
	}
	if !req.Header.Flags.RequiresReply() {
		pool.Push(idx, conn)
		return &message.Message{}, nil
	}
	reply, err := message.ReadMessage(conn)
	if err != nil {
		pool.Drop(idx, conn)
		return nil, fmt.Errorf("julea: read db reply: %w", err)
	}
	pool.Push(idx, conn)
	return reply, nil
}
