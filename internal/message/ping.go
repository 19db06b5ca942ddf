package message

// Kind identifies one of the three backend kinds a server may serve.
type Kind string

const (
	KindObject Kind = "object"
	KindKV     Kind = "kv"
	KindDB     Kind = "db"
)

// Component is a bitmask describing which side(s) of a backend a given
// process implements.
type Component uint8

const (
	ComponentClient Component = 1 << iota
	ComponentServer
)

// PingReply is the body of a PING reply: for every backend kind the
// server actually serves, which component(s) it exposes. The reply
// carries component flags per kind, not just kind names; it verifies
// the deployment but does not gate routing, so the pool decodes it only
// to check the handshake and does not keep it.
type PingReply struct {
	Kinds map[Kind]Component
}

// EncodePingReply serializes a PingReply into a message body: a uint32
// count followed by, for each entry, a NUL-terminated kind name and a
// one-byte component mask.
func EncodePingReply(r PingReply) []byte {
	w := NewWriter()
	w.AppendUint32(uint32(len(r.Kinds)))
	for k, c := range r.Kinds {
		w.AppendString(string(k))
		w.body = append(w.body, byte(c))
	}
	return w.Bytes()
}

// DecodePingReply parses a body produced by EncodePingReply.
func DecodePingReply(body []byte) (PingReply, error) {
	r := NewReader(body)
	n, err := r.GetUint32()
	if err != nil {
		return PingReply{}, err
	}
	out := PingReply{Kinds: make(map[Kind]Component, n)}
	for i := uint32(0); i < n; i++ {
		name, err := r.GetString()
		if err != nil {
			return PingReply{}, err
		}
		if err := r.need(1); err != nil {
			return PingReply{}, err
		}
		c := Component(r.body[r.pos])
		r.pos++
		out.Kinds[Kind(name)] = c
	}
	return out, nil
}
