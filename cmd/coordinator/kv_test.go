package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandleKVPutGetDelete(t *testing.T) {
	gw := newTestGateway(t)

	put := httptest.NewRequest(http.MethodPut, "/kv/ns/greeting", strings.NewReader("hello"))
	putRec := httptest.NewRecorder()
	gw.handleKV(putRec, put)
	if putRec.Code != http.StatusNoContent {
		t.Fatalf("PUT status = %d, body %s", putRec.Code, putRec.Body)
	}

	get := httptest.NewRequest(http.MethodGet, "/kv/ns/greeting", nil)
	getRec := httptest.NewRecorder()
	gw.handleKV(getRec, get)
	if getRec.Code != http.StatusOK || getRec.Body.String() != "hello" {
		t.Fatalf("GET = %d %q, want 200 hello", getRec.Code, getRec.Body.String())
	}

	del := httptest.NewRequest(http.MethodDelete, "/kv/ns/greeting", nil)
	delRec := httptest.NewRecorder()
	gw.handleKV(delRec, del)
	if delRec.Code != http.StatusNoContent {
		t.Fatalf("DELETE status = %d", delRec.Code)
	}

	getAgain := httptest.NewRequest(http.MethodGet, "/kv/ns/greeting", nil)
	getAgainRec := httptest.NewRecorder()
	gw.handleKV(getAgainRec, getAgain)
	if getAgainRec.Code != http.StatusNotFound {
		t.Errorf("GET after delete = %d, want 404", getAgainRec.Code)
	}
}

func TestHandleKVPrefix(t *testing.T) {
	gw := newTestGateway(t)
	for _, kv := range [][2]string{{"a/1", "x"}, {"a/2", "y"}, {"b/1", "z"}} {
		req := httptest.NewRequest(http.MethodPut, "/kv/ns/"+kv[0], strings.NewReader(kv[1]))
		rec := httptest.NewRecorder()
		gw.handleKV(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("seed put %s: %d", kv[0], rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/kv/ns?prefix=a%2F", nil)
	rec := httptest.NewRecorder()
	gw.handleKV(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("prefix list status = %d, body %s", rec.Code, rec.Body)
	}
	lines := strings.Fields(rec.Body.String())
	if len(lines) != 2 {
		t.Errorf("expected 2 keys under prefix a/, got %v", lines)
	}
}
