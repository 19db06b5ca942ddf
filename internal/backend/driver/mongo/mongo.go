// Package mongo implements the DB backend driver on top of
// go.mongodb.org/mongo-driver. A namespace becomes
// a Mongo database; a schema becomes both a collection and a recorded
// definition document in that database's "_schemas" collection (Mongo
// has no catalog JULEA can query for column names/types, so the
// definition is kept alongside the data); rows become documents.
//
// The selector tree (backend.Selector / backend.Leaf) translates
// directly into a Mongo filter document — $and/$or for Mode, and
// $eq/$ne/$lt/$lte/$gt/$gte for Operator — rather than being evaluated
// row-by-row the way the in-memory driver's Selector.Matches does.
package mongo

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/juleago/julea/internal/backend"
	"github.com/juleago/julea/internal/message"
	"github.com/juleago/julea/internal/semantics"
)

func init() {
	backend.DefaultRegistry.Register("mongo", backend.Factory{
		Info: backend.Info{
			Name:      "mongo",
			Component: message.ComponentClient | message.ComponentServer,
		},
		DB: func() backend.DBBackend { return NewDBBackend() },
	})
}

// DBBackend is the mongo-driver-backed implementation of backend.DBBackend.
type DBBackend struct{}

// NewDBBackend returns a fresh DBBackend.
func NewDBBackend() *DBBackend { return &DBBackend{} }

type dbHandle struct {
	client *mongo.Client
}

// Init connects to uri (a mongodb:// connection string).
func (*DBBackend) Init(ctx context.Context, uri string) (any, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return &dbHandle{client: client}, nil
}

func (*DBBackend) Fini(h any) error {
	return h.(*dbHandle).client.Disconnect(context.Background())
}

const schemaCollection = "_schemas"

type schemaDoc struct {
	Name    string      `bson:"_id"`
	Columns []columnDoc `bson:"columns"`
	Indexes [][]string  `bson:"indexes"`
}

type columnDoc struct {
	Name string            `bson:"name"`
	Type backend.ValueType `bson:"type"`
}

type dbBatchHandle struct {
	db  *mongo.Database
	sem semantics.Semantics
}

// BatchStart resolves namespace to a Mongo database. Mongo has no
// explicit "begin batch" primitive outside multi-document transactions
// (which require a replica set this driver does not assume), so the
// batch handle is just the scoped *mongo.Database; BatchExecute is a
// no-op since every call below already commits on its own round trip.
func (b *DBBackend) BatchStart(_ context.Context, h any, namespace string, sem semantics.Semantics) (any, error) {
	hdl := h.(*dbHandle)
	return &dbBatchHandle{db: hdl.client.Database(namespace), sem: sem}, nil
}

func (b *DBBackend) BatchExecute(_ context.Context, _ any) error { return nil }

func (b *DBBackend) SchemaCreate(ctx context.Context, batch any, name string, schema backend.Schema) error {
	bh := batch.(*dbBatchHandle)
	doc := schemaDoc{Name: name, Indexes: schema.Indexes}
	for _, c := range schema.Columns {
		doc.Columns = append(doc.Columns, columnDoc{Name: c.Name, Type: c.Type})
	}
	if _, err := bh.db.Collection(schemaCollection).InsertOne(ctx, doc); err != nil {
		return backend.NewDBError(backend.ErrSQLConstraint, "mongo: schema_create %s: %v", name, err)
	}

	coll := bh.db.Collection(name)
	for _, idx := range schema.Indexes {
		keys := bson.D{}
		for _, col := range idx {
			keys = append(keys, bson.E{Key: col, Value: 1})
		}
		if _, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: keys}); err != nil {
			return backend.NewDBError(backend.ErrSQLConstraint, "mongo: create index on %s: %v", name, err)
		}
	}
	return nil
}

func (b *DBBackend) SchemaGet(ctx context.Context, batch any, name string) (backend.Schema, error) {
	bh := batch.(*dbBatchHandle)
	var doc schemaDoc
	err := bh.db.Collection(schemaCollection).FindOne(ctx, bson.M{"_id": name}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return backend.Schema{}, backend.NewDBError(backend.ErrSchemaNotFound, "mongo: schema %s not found", name)
	}
	if err != nil {
		return backend.Schema{}, err
	}
	schema := backend.Schema{Name: doc.Name, Indexes: doc.Indexes}
	for _, c := range doc.Columns {
		schema.Columns = append(schema.Columns, backend.Column{Name: c.Name, Type: c.Type})
	}
	return schema, nil
}

func (b *DBBackend) SchemaDelete(ctx context.Context, batch any, name string) error {
	bh := batch.(*dbBatchHandle)
	if err := bh.db.Collection(name).Drop(ctx); err != nil {
		return err
	}
	_, err := bh.db.Collection(schemaCollection).DeleteOne(ctx, bson.M{"_id": name})
	return err
}

func (b *DBBackend) Insert(ctx context.Context, batch any, name string, row backend.Row) error {
	bh := batch.(*dbBatchHandle)
	_, err := bh.db.Collection(name).InsertOne(ctx, bson.M(row))
	return err
}

func (b *DBBackend) Update(ctx context.Context, batch any, name string, sel *backend.Selector, row backend.Row) error {
	bh := batch.(*dbBatchHandle)
	filter, err := selectorToFilter(sel)
	if err != nil {
		return err
	}
	_, err = bh.db.Collection(name).UpdateMany(ctx, filter, bson.M{"$set": bson.M(row)})
	return err
}

func (b *DBBackend) Delete(ctx context.Context, batch any, name string, sel *backend.Selector) error {
	bh := batch.(*dbBatchHandle)
	filter, err := selectorToFilter(sel)
	if err != nil {
		return err
	}
	_, err = bh.db.Collection(name).DeleteMany(ctx, filter)
	return err
}

type dbIterator struct {
	cursor *mongo.Cursor
}

func (it *dbIterator) Next(ctx context.Context) (backend.Row, bool, error) {
	if !it.cursor.Next(ctx) {
		if err := it.cursor.Err(); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	var raw bson.M
	if err := it.cursor.Decode(&raw); err != nil {
		return nil, false, err
	}
	row := make(backend.Row, len(raw))
	for k, v := range raw {
		if k == "_id" {
			continue
		}
		row[k] = v
	}
	return row, true, nil
}

func (b *DBBackend) Query(ctx context.Context, batch any, name string, sel *backend.Selector) (backend.DBIterator, error) {
	bh := batch.(*dbBatchHandle)
	filter, err := selectorToFilter(sel)
	if err != nil {
		return nil, err
	}
	cursor, err := bh.db.Collection(name).Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	return &dbIterator{cursor: cursor}, nil
}

func selectorToFilter(s *backend.Selector) (bson.M, error) {
	if s == nil {
		return bson.M{}, nil
	}
	var clauses []bson.M
	for _, leaf := range s.Leaves {
		op, err := mongoOperator(leaf.Operator)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, bson.M{leaf.Name: bson.M{op: leaf.Value}})
	}
	for _, child := range s.Children {
		f, err := selectorToFilter(child)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, f)
	}
	if len(clauses) == 0 {
		return bson.M{}, nil
	}
	switch s.Mode {
	case backend.ModeAND:
		return bson.M{"$and": clauses}, nil
	case backend.ModeOR:
		return bson.M{"$or": clauses}, nil
	default:
		return nil, backend.NewDBError(backend.ErrOperatorInvalid, "mongo: unknown selector mode %d", s.Mode)
	}
}

func mongoOperator(op backend.Operator) (string, error) {
	switch op {
	case backend.OpEQ:
		return "$eq", nil
	case backend.OpNE:
		return "$ne", nil
	case backend.OpLT:
		return "$lt", nil
	case backend.OpLE:
		return "$lte", nil
	case backend.OpGT:
		return "$gt", nil
	case backend.OpGE:
		return "$gte", nil
	default:
		return "", backend.NewDBError(backend.ErrOperatorInvalid, "mongo: unknown operator %d", op)
	}
}
