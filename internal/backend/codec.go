package backend

import (
	"math"

	"github.com/juleago/julea/internal/message"
)

// Wire encoding for DB schemas, rows, and selectors, used by the DB
// server (package server) and the DB facade's network path (package
// julea) to carry these structures inside a message body. Every value
// carries its ValueType tag on the wire.

// DB replies lead with a status word so a structured error can ride
// back in place of the expected payload.
const (
	DBReplyOK    uint32 = 0
	DBReplyError uint32 = 1
)

// EncodeValue appends v (one of the Go types corresponding to a
// ValueType) tagged with its type.
func EncodeValue(w *message.Writer, v any) error {
	switch t := v.(type) {
	case int32:
		w.AppendUint32(uint32(TypeInt32))
		w.AppendUint32(uint32(int32(t)))
	case uint32:
		w.AppendUint32(uint32(TypeUint32))
		w.AppendUint32(t)
	case int64:
		w.AppendUint32(uint32(TypeInt64))
		w.AppendUint64(uint64(t))
	case uint64:
		w.AppendUint32(uint32(TypeUint64))
		w.AppendUint64(t)
	case float32:
		w.AppendUint32(uint32(TypeFloat32))
		w.AppendUint32(math.Float32bits(t))
	case float64:
		w.AppendUint32(uint32(TypeFloat64))
		w.AppendUint64(math.Float64bits(t))
	case string:
		w.AppendUint32(uint32(TypeString))
		w.AppendBytes([]byte(t))
	case []byte:
		w.AppendUint32(uint32(TypeBlob))
		w.AppendBytes(t)
	default:
		return NewDBError(ErrDBTypeInvalid, "cannot encode value of type %T", v)
	}
	return nil
}

// DecodeValue reads one EncodeValue-produced value.
func DecodeValue(r *message.Reader) (any, error) {
	tag, err := r.GetUint32()
	if err != nil {
		return nil, err
	}
	switch ValueType(tag) {
	case TypeInt32:
		v, err := r.GetUint32()
		return int32(v), err
	case TypeUint32:
		return r.GetUint32()
	case TypeInt64:
		v, err := r.GetUint64()
		return int64(v), err
	case TypeUint64:
		return r.GetUint64()
	case TypeFloat32:
		v, err := r.GetUint32()
		if err != nil {
			return nil, err
		}
		return math.Float32frombits(v), nil
	case TypeFloat64:
		v, err := r.GetUint64()
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(v), nil
	case TypeString:
		b, err := r.GetBytes()
		return string(b), err
	case TypeBlob:
		return r.GetBytes()
	default:
		return nil, NewDBError(ErrDBTypeInvalid, "unknown value type tag %d", tag)
	}
}

// EncodeRow appends row's column count followed by (name, value) pairs.
func EncodeRow(w *message.Writer, row Row) error {
	w.AppendUint32(uint32(len(row)))
	for col, v := range row {
		w.AppendString(col)
		if err := EncodeValue(w, v); err != nil {
			return err
		}
	}
	return nil
}

// DecodeRow reads a row produced by EncodeRow.
func DecodeRow(r *message.Reader) (Row, error) {
	n, err := r.GetUint32()
	if err != nil {
		return nil, err
	}
	row := make(Row, n)
	for i := uint32(0); i < n; i++ {
		col, err := r.GetString()
		if err != nil {
			return nil, err
		}
		v, err := DecodeValue(r)
		if err != nil {
			return nil, err
		}
		row[col] = v
	}
	return row, nil
}

// EncodeSchema appends name, column count, (name, type) pairs, and
// index count followed by each index's column list.
func EncodeSchema(w *message.Writer, s Schema) {
	w.AppendString(s.Name)
	w.AppendUint32(uint32(len(s.Columns)))
	for _, c := range s.Columns {
		w.AppendString(c.Name)
		w.AppendUint32(uint32(c.Type))
	}
	w.AppendUint32(uint32(len(s.Indexes)))
	for _, idx := range s.Indexes {
		w.AppendUint32(uint32(len(idx)))
		for _, col := range idx {
			w.AppendString(col)
		}
	}
}

// DecodeSchema reads a Schema produced by EncodeSchema.
func DecodeSchema(r *message.Reader) (Schema, error) {
	name, err := r.GetString()
	if err != nil {
		return Schema{}, err
	}
	nc, err := r.GetUint32()
	if err != nil {
		return Schema{}, err
	}
	cols := make([]Column, nc)
	for i := uint32(0); i < nc; i++ {
		cn, err := r.GetString()
		if err != nil {
			return Schema{}, err
		}
		ct, err := r.GetUint32()
		if err != nil {
			return Schema{}, err
		}
		cols[i] = Column{Name: cn, Type: ValueType(ct)}
	}
	ni, err := r.GetUint32()
	if err != nil {
		return Schema{}, err
	}
	indexes := make([][]string, ni)
	for i := uint32(0); i < ni; i++ {
		nCols, err := r.GetUint32()
		if err != nil {
			return Schema{}, err
		}
		idx := make([]string, nCols)
		for j := uint32(0); j < nCols; j++ {
			idx[j], err = r.GetString()
			if err != nil {
				return Schema{}, err
			}
		}
		indexes[i] = idx
	}
	return Schema{Name: name, Columns: cols, Indexes: indexes}, nil
}

// EncodeSelector appends a Selector tree: mode, leaf count (name,
// operator, value), child count, then each child recursively. A nil
// selector encodes as a zero-leaf, zero-child ModeAND node (matching
// Selector.Matches' "nil matches everything").
func EncodeSelector(w *message.Writer, s *Selector) error {
	if s == nil {
		w.AppendUint32(uint32(ModeAND))
		w.AppendUint32(0)
		w.AppendUint32(0)
		return nil
	}
	w.AppendUint32(uint32(s.Mode))
	w.AppendUint32(uint32(len(s.Leaves)))
	for _, l := range s.Leaves {
		w.AppendString(l.Name)
		w.AppendUint32(uint32(l.Operator))
		if err := EncodeValue(w, l.Value); err != nil {
			return err
		}
	}
	w.AppendUint32(uint32(len(s.Children)))
	for _, c := range s.Children {
		if err := EncodeSelector(w, c); err != nil {
			return err
		}
	}
	return nil
}

// DecodeSelector reads a Selector produced by EncodeSelector.
func DecodeSelector(r *message.Reader) (*Selector, error) {
	mode, err := r.GetUint32()
	if err != nil {
		return nil, err
	}
	nl, err := r.GetUint32()
	if err != nil {
		return nil, err
	}
	leaves := make([]Leaf, nl)
	for i := uint32(0); i < nl; i++ {
		name, err := r.GetString()
		if err != nil {
			return nil, err
		}
		op, err := r.GetUint32()
		if err != nil {
			return nil, err
		}
		v, err := DecodeValue(r)
		if err != nil {
			return nil, err
		}
		leaves[i] = Leaf{Name: name, Operator: Operator(op), Value: v}
	}
	nc, err := r.GetUint32()
	if err != nil {
		return nil, err
	}
	children := make([]*Selector, nc)
	for i := uint32(0); i < nc; i++ {
		child, err := DecodeSelector(r)
		if err != nil {
			return nil, err
		}
		children[i] = child
	}
	return &Selector{Mode: Mode(mode), Leaves: leaves, Children: children}, nil
}

// EncodeDBError serializes a DBError as the (domain, code, message)
// triple that crosses process boundaries in a reply.
func EncodeDBError(w *message.Writer, err *DBError) {
	w.AppendString(err.Domain)
	w.AppendUint32(uint32(err.Code))
	w.AppendString(err.Message)
}

// DecodeDBError reconstructs a DBError from a reply body.
func DecodeDBError(r *message.Reader) (*DBError, error) {
	domain, err := r.GetString()
	if err != nil {
		return nil, err
	}
	code, err := r.GetUint32()
	if err != nil {
		return nil, err
	}
	msg, err := r.GetString()
	if err != nil {
		return nil, err
	}
	return &DBError{Domain: domain, Code: DBErrorCode(code), Message: msg}, nil
}
