package main

import (
	"context"
	"io"
	"net/http"
	"net/url"

	"github.com/juleago/julea/internal/semantics"
)

// handleKV implements /kv/{namespace}/{key} (GET/PUT/DELETE) and
// /kv/{namespace}?prefix=... (GET, prefix listing).
func (gw *gateway) handleKV(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if prefix := r.URL.Query().Get("prefix"); r.Method == http.MethodGet && prefix != "" {
		parts, ok := splitPath(r.URL.Path, "/kv/", 1)
		if !ok {
			http.Error(w, "namespace required", http.StatusBadRequest)
			return
		}
		gw.handleKVPrefix(ctx, w, parts[0], prefix)
		return
	}

	parts, ok := splitPath(r.URL.Path, "/kv/", 2)
	if !ok {
		http.Error(w, "expected /kv/{namespace}/{key}", http.StatusBadRequest)
		return
	}
	namespace, key := parts[0], parts[1]
	kv := gw.client.KV(namespace)

	switch r.Method {
	case http.MethodPut:
		value, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
			return
		}
		b := gw.client.NewBatch(semantics.Default())
		kv.Put(b, key, value)
		if ok, err := b.Execute(ctx); err != nil || !ok {
			writeExecError(w, ok, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case http.MethodGet:
		b := gw.client.NewBatch(semantics.Default())
		res := kv.Get(b, key)
		if ok, err := b.Execute(ctx); err != nil || !ok {
			writeExecError(w, ok, err)
			return
		}
		if !res.Found {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Write(res.Value)

	case http.MethodDelete:
		b := gw.client.NewBatch(semantics.Default())
		kv.Delete(b, key)
		if ok, err := b.Execute(ctx); err != nil || !ok {
			writeExecError(w, ok, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleKVPrefix writes every key under prefix as one "key\n" line per
// entry, walking the KV facade's iterator; the iterator already holds
// the full result set in memory before the first line is written.
func (gw *gateway) handleKVPrefix(ctx context.Context, w http.ResponseWriter, namespace, prefix string) {
	prefix, err := url.QueryUnescape(prefix)
	if err != nil {
		http.Error(w, "bad prefix: "+err.Error(), http.StatusBadRequest)
		return
	}
	it, err := gw.client.KV(namespace).GetByPrefix(ctx, prefix)
	if err != nil {
		http.Error(w, "GetByPrefix: "+err.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for {
		key, _, ok, err := it.Next(ctx)
		if err != nil {
			http.Error(w, "iterate: "+err.Error(), http.StatusBadGateway)
			return
		}
		if !ok {
			return
		}
		io.WriteString(w, key+"\n")
	}
}

func writeExecError(w http.ResponseWriter, ok bool, err error) {
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	http.Error(w, "batch did not complete", http.StatusInternalServerError)
}
