package server

import (
	"context"
	"fmt"

	"github.com/juleago/julea/internal/message"
	"github.com/juleago/julea/internal/stats"
)

func (s *Server) dispatchKVWrite(ctx context.Context, req *message.Message, local *stats.Local) (*message.Message, []byte, error) {
	if s.KVBackend == nil {
		return nil, nil, fmt.Errorf("server: no kv backend loaded")
	}
	r := message.NewReader(req.Body)
	namespace, err := r.GetString()
	if err != nil {
		return nil, nil, err
	}
	sem := replySemantics(req.Header.Flags)
	bh, err := s.KVBackend.BatchStart(ctx, s.KVHandle, namespace, sem)
	if err != nil {
		return nil, nil, err
	}

	for r.Remaining() > 0 {
		key, err := r.GetString()
		if err != nil {
			return nil, nil, err
		}
		switch req.Header.Type {
		case message.TypeKVPut:
			value, err := r.GetBytes()
			if err != nil {
				return nil, nil, err
			}
			if err := s.KVBackend.Put(bh, key, value); err != nil {
				return nil, nil, err
			}
			local.AddBytes(stats.OpBytesReceived, uint64(len(value)))
		case message.TypeKVDelete:
			if err := s.KVBackend.Delete(bh, key); err != nil {
				return nil, nil, err
			}
		}
	}
	if err := s.KVBackend.BatchExecute(ctx, bh); err != nil {
		return nil, nil, err
	}

	if !req.Header.Flags.RequiresReply() {
		return nil, nil, nil
	}
	return message.NewReply(req.Header.Type, req.Header.Flags, req.Header.Count), nil, nil
}

func (s *Server) dispatchKVGet(_ context.Context, req *message.Message, local *stats.Local) (*message.Message, []byte, error) {
	if s.KVBackend == nil {
		return nil, nil, fmt.Errorf("server: no kv backend loaded")
	}
	r := message.NewReader(req.Body)
	namespace, err := r.GetString()
	if err != nil {
		return nil, nil, err
	}
	key, err := r.GetString()
	if err != nil {
		return nil, nil, err
	}

	value, found, err := s.KVBackend.Get(context.Background(), s.KVHandle, namespace, key)
	if err != nil {
		return nil, nil, err
	}
	if !found {
		value = nil // zero length encodes "absent"
	}
	local.AddBytes(stats.OpBytesSent, uint64(len(value)))

	w := message.NewWriter()
	w.AppendBytes(value)
	reply := message.NewReply(req.Header.Type, req.Header.Flags, req.Header.Count)
	reply.Body = w.Bytes()
	return reply, nil, nil
}

func (s *Server) dispatchKVIterate(_ context.Context, req *message.Message) (*message.Message, []byte, error) {
	if s.KVBackend == nil {
		return nil, nil, fmt.Errorf("server: no kv backend loaded")
	}
	r := message.NewReader(req.Body)
	namespace, err := r.GetString()
	if err != nil {
		return nil, nil, err
	}
	var prefix string
	if req.Header.Type == message.TypeKVGetByPrefix {
		prefix, err = r.GetString()
		if err != nil {
			return nil, nil, err
		}
	}

	var it interface {
		Next(ctx context.Context) (string, []byte, bool, error)
	}
	if req.Header.Type == message.TypeKVGetAll {
		it, err = s.KVBackend.GetAll(context.Background(), s.KVHandle, namespace)
	} else {
		it, err = s.KVBackend.GetByPrefix(context.Background(), s.KVHandle, namespace, prefix)
	}
	if err != nil {
		return nil, nil, err
	}

	w := message.NewWriter()
	var keys []string
	var vals [][]byte
	for {
		k, v, ok, err := it.Next(context.Background())
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			break
		}
		keys = append(keys, k)
		vals = append(vals, v)
	}
	w.AppendUint32(uint32(len(keys)))
	for i, k := range keys {
		w.AppendString(k)
		w.AppendBytes(vals[i])
	}

	reply := message.NewReply(req.Header.Type, req.Header.Flags, req.Header.Count)
	reply.Body = w.Bytes()
	return reply, nil, nil
}
