package main

import (
	"io"
	"net/http"
	"strconv"

	"github.com/juleago/julea/internal/distribution"
	"github.com/juleago/julea/internal/semantics"
)

// handleObject implements /object/{namespace}/{path} (PUT writes the
// body at ?offset=, GET reads ?length= bytes from ?offset=), striping
// across gw.numObjectServers with round-robin distribution.
func (gw *gateway) handleObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	parts, ok := splitPath(r.URL.Path, "/object/", 2)
	if !ok {
		http.Error(w, "expected /object/{namespace}/{path}", http.StatusBadRequest)
		return
	}
	namespace, path := parts[0], parts[1]
	offset, err := queryUint(r, "offset", 0)
	if err != nil {
		http.Error(w, "bad offset: "+err.Error(), http.StatusBadRequest)
		return
	}
	obj := gw.client.DistributedObject(namespace, path, distribution.NewRoundRobin(), gw.numObjectServers)

	switch r.Method {
	case http.MethodPut:
		data, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
			return
		}
		b := gw.client.NewBatch(semantics.Default())
		written := obj.Write(b, offset, data)
		if ok, err := b.Execute(ctx); err != nil || !ok {
			writeExecError(w, ok, err)
			return
		}
		w.Header().Set("X-Bytes-Written", strconv.FormatUint(*written, 10))
		w.WriteHeader(http.StatusNoContent)

	case http.MethodGet:
		length, err := queryUint(r, "length", 0)
		if err != nil || length == 0 {
			http.Error(w, "length must be a positive integer", http.StatusBadRequest)
			return
		}
		b := gw.client.NewBatch(semantics.Default())
		out, read := obj.Read(b, offset, length)
		if ok, err := b.Execute(ctx); err != nil || !ok {
			writeExecError(w, ok, err)
			return
		}
		w.Header().Set("X-Bytes-Read", strconv.FormatUint(*read, 10))
		w.Write(*out)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func queryUint(r *http.Request, name string, def uint64) (uint64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.ParseUint(v, 10, 64)
}
