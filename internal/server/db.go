package server

import (
	"context"
	"fmt"

	"github.com/juleago/julea/internal/backend"
	"github.com/juleago/julea/internal/message"
)

// dispatchDBSchemaWrite handles DB_SCHEMA_CREATE and DB_SCHEMA_DELETE,
// mirroring dispatchKVWrite's one-BatchStart-per-message, loop-until-
// drained shape.
func (s *Server) dispatchDBSchemaWrite(ctx context.Context, req *message.Message) (*message.Message, []byte, error) {
	if s.DBBackend == nil {
		return nil, nil, fmt.Errorf("server: no db backend loaded")
	}
	r := message.NewReader(req.Body)
	namespace, err := r.GetString()
	if err != nil {
		return nil, nil, err
	}
	sem := replySemantics(req.Header.Flags)
	bh, err := s.DBBackend.BatchStart(ctx, s.DBHandle, namespace, sem)
	if err != nil {
		return nil, nil, err
	}

	for r.Remaining() > 0 {
		name, err := r.GetString()
		if err != nil {
			return nil, nil, err
		}
		switch req.Header.Type {
		case message.TypeDBSchemaCreate:
			schema, err := backend.DecodeSchema(r)
			if err != nil {
				return nil, nil, err
			}
			if err := s.DBBackend.SchemaCreate(ctx, bh, name, schema); err != nil {
				return nil, nil, err
			}
		case message.TypeDBSchemaDelete:
			if err := s.DBBackend.SchemaDelete(ctx, bh, name); err != nil {
				return nil, nil, err
			}
		}
	}
	if err := s.DBBackend.BatchExecute(ctx, bh); err != nil {
		return nil, nil, err
	}

	if !req.Header.Flags.RequiresReply() {
		return nil, nil, nil
	}
	return dbOKReply(req, nil), nil, nil
}

func (s *Server) dispatchDBSchemaGet(ctx context.Context, req *message.Message) (*message.Message, []byte, error) {
	if s.DBBackend == nil {
		return nil, nil, fmt.Errorf("server: no db backend loaded")
	}
	r := message.NewReader(req.Body)
	namespace, err := r.GetString()
	if err != nil {
		return nil, nil, err
	}
	name, err := r.GetString()
	if err != nil {
		return nil, nil, err
	}

	bh, err := s.DBBackend.BatchStart(ctx, s.DBHandle, namespace, replySemantics(req.Header.Flags))
	if err != nil {
		return nil, nil, err
	}
	schema, err := s.DBBackend.SchemaGet(ctx, bh, name)
	if err != nil {
		return nil, nil, err
	}

	w := message.NewWriter()
	backend.EncodeSchema(w, schema)
	return dbOKReply(req, w), nil, nil
}

// dispatchDBWrite handles DB_INSERT, DB_UPDATE, and DB_DELETE, each of
// which carries a per-row table name so a single message can span
// several tables within one namespace batch.
func (s *Server) dispatchDBWrite(ctx context.Context, req *message.Message) (*message.Message, []byte, error) {
	if s.DBBackend == nil {
		return nil, nil, fmt.Errorf("server: no db backend loaded")
	}
	r := message.NewReader(req.Body)
	namespace, err := r.GetString()
	if err != nil {
		return nil, nil, err
	}
	sem := replySemantics(req.Header.Flags)
	bh, err := s.DBBackend.BatchStart(ctx, s.DBHandle, namespace, sem)
	if err != nil {
		return nil, nil, err
	}

	for r.Remaining() > 0 {
		table, err := r.GetString()
		if err != nil {
			return nil, nil, err
		}
		switch req.Header.Type {
		case message.TypeDBInsert:
			row, err := backend.DecodeRow(r)
			if err != nil {
				return nil, nil, err
			}
			if err := s.DBBackend.Insert(ctx, bh, table, row); err != nil {
				return nil, nil, err
			}
		case message.TypeDBUpdate:
			sel, err := backend.DecodeSelector(r)
			if err != nil {
				return nil, nil, err
			}
			row, err := backend.DecodeRow(r)
			if err != nil {
				return nil, nil, err
			}
			if err := s.DBBackend.Update(ctx, bh, table, sel, row); err != nil {
				return nil, nil, err
			}
		case message.TypeDBDelete:
			sel, err := backend.DecodeSelector(r)
			if err != nil {
				return nil, nil, err
			}
			if err := s.DBBackend.Delete(ctx, bh, table, sel); err != nil {
				return nil, nil, err
			}
		}
	}
	if err := s.DBBackend.BatchExecute(ctx, bh); err != nil {
		return nil, nil, err
	}

	if !req.Header.Flags.RequiresReply() {
		return nil, nil, nil
	}
	return dbOKReply(req, nil), nil, nil
}

func (s *Server) dispatchDBQuery(ctx context.Context, req *message.Message) (*message.Message, []byte, error) {
	if s.DBBackend == nil {
		return nil, nil, fmt.Errorf("server: no db backend loaded")
	}
	r := message.NewReader(req.Body)
	namespace, err := r.GetString()
	if err != nil {
		return nil, nil, err
	}
	table, err := r.GetString()
	if err != nil {
		return nil, nil, err
	}
	sel, err := backend.DecodeSelector(r)
	if err != nil {
		return nil, nil, err
	}

	bh, err := s.DBBackend.BatchStart(ctx, s.DBHandle, namespace, replySemantics(req.Header.Flags))
	if err != nil {
		return nil, nil, err
	}
	it, err := s.DBBackend.Query(ctx, bh, table, sel)
	if err != nil {
		return nil, nil, err
	}

	var rows []backend.Row
	for {
		row, ok, err := it.Next(ctx)
		if err != nil {
			if backend.IsIteratorDone(err) {
				break
			}
			return nil, nil, err
		}
		if !ok {
			break
		}
		rows = append(rows, row)
	}

	w := message.NewWriter()
	w.AppendUint32(uint32(len(rows)))
	for _, row := range rows {
		if err := backend.EncodeRow(w, row); err != nil {
			return nil, nil, err
		}
	}
	return dbOKReply(req, w), nil, nil
}

// dbOKReply builds a DB reply whose body leads with the OK status,
// followed by payload's bytes if any.
func dbOKReply(req *message.Message, payload *message.Writer) *message.Message {
	w := message.NewWriter()
	w.AppendUint32(backend.DBReplyOK)
	reply := message.NewReply(req.Header.Type, req.Header.Flags, req.Header.Count)
	body := w.Bytes()
	if payload != nil {
		body = append(body, payload.Bytes()...)
	}
	reply.Body = body
	return reply
}
