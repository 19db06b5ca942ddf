package server

import (
	"context"
	"fmt"
	"net"

	"github.com/juleago/julea/internal/message"
	"github.com/juleago/julea/internal/stats"
)

func (s *Server) dispatchObjectLifecycle(ctx context.Context, req *message.Message) (*message.Message, []byte, error) {
	if s.ObjectBackend == nil {
		return nil, nil, fmt.Errorf("server: no object backend loaded")
	}
	r := message.NewReader(req.Body)
	namespace, err := r.GetString()
	if err != nil {
		return nil, nil, err
	}
	path, err := r.GetString()
	if err != nil {
		return nil, nil, err
	}

	switch req.Header.Type {
	case message.TypeObjectCreate:
		obj, err := s.ObjectBackend.Create(ctx, s.ObjectHandle, namespace, path)
		if err != nil {
			return nil, nil, err
		}
		_ = s.ObjectBackend.Close(obj)
		if s.Stats != nil {
			s.Stats.Inc(stats.OpFilesCreated)
		}
	case message.TypeObjectDelete:
		obj, err := s.ObjectBackend.Open(ctx, s.ObjectHandle, namespace, path)
		if err != nil {
			return nil, nil, err
		}
		if err := s.ObjectBackend.Delete(ctx, obj); err != nil {
			return nil, nil, err
		}
		if s.Stats != nil {
			s.Stats.Inc(stats.OpFilesDeleted)
		}
	case message.TypeObjectSync:
		obj, err := s.ObjectBackend.Open(ctx, s.ObjectHandle, namespace, path)
		if err != nil {
			return nil, nil, err
		}
		defer s.ObjectBackend.Close(obj)
		if err := s.ObjectBackend.Sync(ctx, obj); err != nil {
			return nil, nil, err
		}
		if s.Stats != nil {
			s.Stats.Inc(stats.OpSyncs)
		}
	}

	if !req.Header.Flags.RequiresReply() {
		return nil, nil, nil
	}
	return message.NewReply(req.Header.Type, req.Header.Flags, req.Header.Count), nil, nil
}

// dispatchObjectWrite reads the write's payload straight off conn with
// message.ReadAttachment and rejects it if its length differs from the
// body-encoded length.
func (s *Server) dispatchObjectWrite(ctx context.Context, conn net.Conn, req *message.Message, local *stats.Local) (*message.Message, []byte, error) {
	if s.ObjectBackend == nil {
		return nil, nil, fmt.Errorf("server: no object backend loaded")
	}
	r := message.NewReader(req.Body)
	namespace, err := r.GetString()
	if err != nil {
		return nil, nil, err
	}
	path, err := r.GetString()
	if err != nil {
		return nil, nil, err
	}
	length, err := r.GetUint64()
	if err != nil {
		return nil, nil, err
	}
	offset, err := r.GetUint64()
	if err != nil {
		return nil, nil, err
	}

	data, err := message.ReadAttachment(conn)
	if err != nil {
		return nil, nil, err
	}
	if uint64(len(data)) != length {
		return nil, nil, fmt.Errorf("server: object write length mismatch: header said %d, attachment was %d", length, len(data))
	}
	if s.MaxOperationSize > 0 && length > s.MaxOperationSize {
		return nil, nil, fmt.Errorf("server: object write of %d bytes exceeds max-operation-size %d", length, s.MaxOperationSize)
	}

	obj, err := s.ObjectBackend.Create(ctx, s.ObjectHandle, namespace, path)
	if err != nil {
		return nil, nil, err
	}
	defer s.ObjectBackend.Close(obj)
	n, err := s.ObjectBackend.Write(ctx, obj, data, offset)
	if err != nil {
		return nil, nil, err
	}
	local.AddBytes(stats.OpBytesReceived, uint64(n))

	if !req.Header.Flags.RequiresReply() {
		return nil, nil, nil
	}
	w := message.NewWriter()
	w.AppendUint64(uint64(n))
	reply := message.NewReply(req.Header.Type, req.Header.Flags, req.Header.Count)
	reply.Body = w.Bytes()
	return reply, nil, nil
}

// dispatchObjectRead produces its payload into a scratch buffer and
// send-attaches it to the reply.
func (s *Server) dispatchObjectRead(ctx context.Context, req *message.Message, local *stats.Local) (*message.Message, []byte, error) {
	if s.ObjectBackend == nil {
		return nil, nil, fmt.Errorf("server: no object backend loaded")
	}
	r := message.NewReader(req.Body)
	namespace, err := r.GetString()
	if err != nil {
		return nil, nil, err
	}
	path, err := r.GetString()
	if err != nil {
		return nil, nil, err
	}
	length, err := r.GetUint64()
	if err != nil {
		return nil, nil, err
	}
	offset, err := r.GetUint64()
	if err != nil {
		return nil, nil, err
	}
	if s.MaxOperationSize > 0 && length > s.MaxOperationSize {
		return nil, nil, fmt.Errorf("server: object read of %d bytes exceeds max-operation-size %d", length, s.MaxOperationSize)
	}

	obj, err := s.ObjectBackend.Open(ctx, s.ObjectHandle, namespace, path)
	if err != nil {
		return nil, nil, err
	}
	defer s.ObjectBackend.Close(obj)
	buf := make([]byte, length)
	n, err := s.ObjectBackend.Read(ctx, obj, buf, offset)
	if err != nil {
		return nil, nil, err
	}
	local.AddBytes(stats.OpBytesSent, uint64(n))

	w := message.NewWriter()
	w.AppendUint64(uint64(n))
	reply := message.NewReply(req.Header.Type, req.Header.Flags, req.Header.Count)
	reply.Body = w.Bytes()
	return reply, buf[:n], nil
}

func (s *Server) dispatchObjectStatus(ctx context.Context, req *message.Message) (*message.Message, []byte, error) {
	if s.ObjectBackend == nil {
		return nil, nil, fmt.Errorf("server: no object backend loaded")
	}
	r := message.NewReader(req.Body)
	namespace, err := r.GetString()
	if err != nil {
		return nil, nil, err
	}
	path, err := r.GetString()
	if err != nil {
		return nil, nil, err
	}

	obj, err := s.ObjectBackend.Open(ctx, s.ObjectHandle, namespace, path)
	if err != nil {
		return nil, nil, err
	}
	defer s.ObjectBackend.Close(obj)
	mtime, size, err := s.ObjectBackend.Status(ctx, obj)
	if err != nil {
		return nil, nil, err
	}

	w := message.NewWriter()
	w.AppendUint64(uint64(mtime.Unix()))
	w.AppendUint64(size)
	reply := message.NewReply(req.Header.Type, req.Header.Flags, req.Header.Count)
	reply.Body = w.Bytes()
	return reply, nil, nil
}

func (s *Server) dispatchObjectIterate(ctx context.Context, req *message.Message) (*message.Message, []byte, error) {
	if s.ObjectBackend == nil {
		return nil, nil, fmt.Errorf("server: no object backend loaded")
	}
	r := message.NewReader(req.Body)
	namespace, err := r.GetString()
	if err != nil {
		return nil, nil, err
	}
	var prefix string
	if req.Header.Type == message.TypeObjectGetByPrefix {
		prefix, err = r.GetString()
		if err != nil {
			return nil, nil, err
		}
	}

	var it interface {
		Next(ctx context.Context) (string, bool, error)
	}
	if req.Header.Type == message.TypeObjectGetAll {
		it, err = s.ObjectBackend.GetAll(ctx, s.ObjectHandle, namespace)
	} else {
		it, err = s.ObjectBackend.GetByPrefix(ctx, s.ObjectHandle, namespace, prefix)
	}
	if err != nil {
		return nil, nil, err
	}

	var names []string
	for {
		name, ok, err := it.Next(ctx)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			break
		}
		names = append(names, name)
	}

	w := message.NewWriter()
	w.AppendUint32(uint32(len(names)))
	for _, n := range names {
		w.AppendString(n)
	}
	reply := message.NewReply(req.Header.Type, req.Header.Flags, req.Header.Count)
	reply.Body = w.Bytes()
	return reply, nil, nil
}
