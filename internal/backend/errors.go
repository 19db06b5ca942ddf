package backend

import "fmt"

// DBErrorCode enumerates the DB backend's structured error kinds.
// Unlike object/KV backend failures, which reduce to a
// boolean plus a logged message, DB backend failures carry one of
// these tags across the wire as a (domain, code, message) triple so
// the client can reconstruct the error instead of just learning that
// "something" failed.
type DBErrorCode int

const (
	ErrBatchNull DBErrorCode = iota
	ErrBSONAppendFailed
	ErrBSONInvalid
	ErrBSONInvalidType
	ErrBSONIterInit
	ErrBSONIterRecourse
	ErrBSONKeyNotFound
	ErrComparatorInvalid
	ErrDBTypeInvalid
	ErrIteratorNoMoreElements
	ErrIteratorNull
	ErrMetadataEmpty
	ErrNameNull
	ErrNamespaceNull
	ErrOperatorInvalid
	ErrSchemaEmpty
	ErrSchemaNotFound
	ErrSchemaNull
	ErrSelectorEmpty
	ErrSelectorNull
	ErrSQLConstraint
	ErrSQLFailed
	ErrSQLFinalize
	ErrSQLBind
	ErrSQLPrepare
	ErrSQLStep
	ErrSQLReset
	ErrThreadingError
	ErrVariableNotFound
)

var dbErrorNames = map[DBErrorCode]string{
	ErrBatchNull:              "BATCH_NULL",
	ErrBSONAppendFailed:       "BSON_APPEND_FAILED",
	ErrBSONInvalid:            "BSON_INVALID",
	ErrBSONInvalidType:        "BSON_INVALID_TYPE",
	ErrBSONIterInit:           "BSON_ITER_INIT",
	ErrBSONIterRecourse:       "BSON_ITER_RECOURSE",
	ErrBSONKeyNotFound:        "BSON_KEY_NOT_FOUND",
	ErrComparatorInvalid:      "COMPARATOR_INVALID",
	ErrDBTypeInvalid:          "DB_TYPE_INVALID",
	ErrIteratorNoMoreElements: "ITERATOR_NO_MORE_ELEMENTS",
	ErrIteratorNull:           "ITERATOR_NULL",
	ErrMetadataEmpty:          "METADATA_EMPTY",
	ErrNameNull:               "NAME_NULL",
	ErrNamespaceNull:          "NAMESPACE_NULL",
	ErrOperatorInvalid:        "OPERATOR_INVALID",
	ErrSchemaEmpty:            "SCHEMA_EMPTY",
	ErrSchemaNotFound:         "SCHEMA_NOT_FOUND",
	ErrSchemaNull:             "SCHEMA_NULL",
	ErrSelectorEmpty:          "SELECTOR_EMPTY",
	ErrSelectorNull:           "SELECTOR_NULL",
	ErrSQLConstraint:          "SQL_CONSTRAINT",
	ErrSQLFailed:              "SQL_FAILED",
	ErrSQLFinalize:            "SQL_FINALIZE",
	ErrSQLBind:                "SQL_BIND",
	ErrSQLPrepare:             "SQL_PREPARE",
	ErrSQLStep:                "SQL_STEP",
	ErrSQLReset:               "SQL_RESET",
	ErrThreadingError:         "THREADING_ERROR",
	ErrVariableNotFound:       "VARIABLE_NOT_FOUND",
}

func (c DBErrorCode) String() string {
	if n, ok := dbErrorNames[c]; ok {
		return n
	}
	return fmt.Sprintf("DBErrorCode(%d)", int(c))
}

// DBError is the structured error the DB backend returns: a domain
// string identifying the subsystem, a code from DBErrorCode, and a
// human-readable message. It crosses the wire as a serialized triple
// in the reply.
type DBError struct {
	Domain  string
	Code    DBErrorCode
	Message string
}

func (e *DBError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Domain, e.Code, e.Message)
}

// NewDBError builds a DBError in the "db" domain.
func NewDBError(code DBErrorCode, format string, args ...any) *DBError {
	return &DBError{Domain: "db", Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsIteratorDone reports whether err is the ITERATOR_NO_MORE_ELEMENTS
// sentinel, which signals end of iteration rather than a true error;
// callers use this helper instead of comparing codes directly so the
// clearing logic lives in one place.
func IsIteratorDone(err error) bool {
	var dbErr *DBError
	if err == nil {
		return false
	}
	if asDBError(err, &dbErr) {
		return dbErr.Code == ErrIteratorNoMoreElements
	}
	return false
}

func asDBError(err error, target **DBError) bool {
	if e, ok := err.(*DBError); ok {
		*target = e
		return true
	}
	return false
}
