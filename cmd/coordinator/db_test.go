package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandleDBSchemaCreateGetDelete(t *testing.T) {
	gw := newTestGateway(t)

	body := `{"columns":[{"name":"name","type":"string"},{"name":"age","type":"int32"}]}`
	create := httptest.NewRequest(http.MethodPost, "/db/ns/schema/people", strings.NewReader(body))
	createRec := httptest.NewRecorder()
	gw.handleDB(createRec, create)
	if createRec.Code != http.StatusNoContent {
		t.Fatalf("create status = %d, body %s", createRec.Code, createRec.Body)
	}

	get := httptest.NewRequest(http.MethodGet, "/db/ns/schema/people", nil)
	getRec := httptest.NewRecorder()
	gw.handleDB(getRec, get)
	if getRec.Code != http.StatusOK {
		t.Fatalf("get status = %d, body %s", getRec.Code, getRec.Body)
	}
	var got jsonSchema
	if err := json.Unmarshal(getRec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got.Columns) != 2 {
		t.Errorf("expected 2 columns, got %+v", got)
	}

	del := httptest.NewRequest(http.MethodDelete, "/db/ns/schema/people", nil)
	delRec := httptest.NewRecorder()
	gw.handleDB(delRec, del)
	if delRec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", delRec.Code)
	}

	getAgain := httptest.NewRequest(http.MethodGet, "/db/ns/schema/people", nil)
	getAgainRec := httptest.NewRecorder()
	gw.handleDB(getAgainRec, getAgain)
	if getAgainRec.Code != http.StatusNotFound {
		t.Errorf("get-after-delete status = %d, want 404", getAgainRec.Code)
	}
}

func TestHandleDBRowsInsertQueryUpdateDelete(t *testing.T) {
	gw := newTestGateway(t)

	schemaBody := `{"columns":[{"name":"name","type":"string"},{"name":"age","type":"int32"}]}`
	create := httptest.NewRequest(http.MethodPost, "/db/ns/schema/people", strings.NewReader(schemaBody))
	createRec := httptest.NewRecorder()
	gw.handleDB(createRec, create)
	if createRec.Code != http.StatusNoContent {
		t.Fatalf("create schema: %d, body %s", createRec.Code, createRec.Body)
	}

	insertBody := `{"row":{"name":"alice","age":30}}`
	insert := httptest.NewRequest(http.MethodPost, "/db/ns/rows/people", strings.NewReader(insertBody))
	insertRec := httptest.NewRecorder()
	gw.handleDB(insertRec, insert)
	if insertRec.Code != http.StatusNoContent {
		t.Fatalf("insert status = %d, body %s", insertRec.Code, insertRec.Body)
	}

	queryBody := `{"selector":{"mode":"and","leaves":[{"name":"name","operator":"eq","value":"alice"}]}}`
	query := httptest.NewRequest(http.MethodPost, "/db/ns/rows/people/query", strings.NewReader(queryBody))
	queryRec := httptest.NewRecorder()
	gw.handleDB(queryRec, query)
	if queryRec.Code != http.StatusOK {
		t.Fatalf("query status = %d, body %s", queryRec.Code, queryRec.Body)
	}
	var rows []map[string]any
	if err := json.Unmarshal(queryRec.Body.Bytes(), &rows); err != nil {
		t.Fatalf("unmarshal rows: %v", err)
	}
	if len(rows) != 1 || rows[0]["age"].(float64) != 30 {
		t.Errorf("unexpected rows: %+v", rows)
	}

	updateBody := `{"selector":{"mode":"and","leaves":[{"name":"name","operator":"eq","value":"alice"}]},"row":{"age":31}}`
	update := httptest.NewRequest(http.MethodPatch, "/db/ns/rows/people", strings.NewReader(updateBody))
	updateRec := httptest.NewRecorder()
	gw.handleDB(updateRec, update)
	if updateRec.Code != http.StatusNoContent {
		t.Fatalf("update status = %d, body %s", updateRec.Code, updateRec.Body)
	}

	query2 := httptest.NewRequest(http.MethodPost, "/db/ns/rows/people/query", strings.NewReader(queryBody))
	query2Rec := httptest.NewRecorder()
	gw.handleDB(query2Rec, query2)
	var rows2 []map[string]any
	if err := json.Unmarshal(query2Rec.Body.Bytes(), &rows2); err != nil {
		t.Fatalf("unmarshal rows2: %v", err)
	}
	if len(rows2) != 1 || rows2[0]["age"].(float64) != 31 {
		t.Errorf("expected updated age 31, got %+v", rows2)
	}

	deleteBody := `{"selector":{"mode":"and","leaves":[{"name":"name","operator":"eq","value":"alice"}]}}`
	del := httptest.NewRequest(http.MethodDelete, "/db/ns/rows/people", strings.NewReader(deleteBody))
	delRec := httptest.NewRecorder()
	gw.handleDB(delRec, del)
	if delRec.Code != http.StatusNoContent {
		t.Fatalf("delete rows status = %d, body %s", delRec.Code, delRec.Body)
	}

	query3 := httptest.NewRequest(http.MethodPost, "/db/ns/rows/people/query", strings.NewReader(queryBody))
	query3Rec := httptest.NewRecorder()
	gw.handleDB(query3Rec, query3)
	var rows3 []map[string]any
	if err := json.Unmarshal(query3Rec.Body.Bytes(), &rows3); err != nil {
		t.Fatalf("unmarshal rows3: %v", err)
	}
	if len(rows3) != 0 {
		t.Errorf("expected 0 rows after delete, got %+v", rows3)
	}
}
