package knowledge

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEmbedder struct {
	model string
	input string
	err   error
}

func (f *fakeEmbedder) Embed(ctx context.Context, model, input string) ([]float32, error) {
	f.model, f.input = model, input
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

type fakeIndex struct {
	docs      []Document
	err       error
	threshold float64
	count     int
}

func (f *fakeIndex) Search(ctx context.Context, embedding []float32, threshold float64, count int) ([]Document, error) {
	f.threshold, f.count = threshold, count
	return f.docs, f.err
}

func (f *fakeIndex) Insert(ctx context.Context, doc Document, embedding []float32) error {
	return f.err
}

func TestFormat(t *testing.T) {
	docs := []Document{
		{Title: "社会福祉法第40条", Content: "役員の欠格事由", Similarity: 0.876},
		{Title: "定款例", Content: "理事の定数", Similarity: 0.5},
	}

	want := "[Source: 社会福祉法第40条] (88% Match)\n役員の欠格事由\n\n[Source: 定款例] (50% Match)\n理事の定数"
	assert.Equal(t, want, Format(docs))
	assert.Equal(t, "", Format(nil))
}

func TestRetrieve(t *testing.T) {
	emb := &fakeEmbedder{}
	idx := &fakeIndex{docs: []Document{{Title: "A", Content: "a", Similarity: 0.9}}}
	r := NewRetriever(emb, idx, 0.5, 5)

	out := r.Retrieve(context.Background(), "理事の\n兼職")

	assert.Equal(t, "[Source: A] (90% Match)\na", out)
	assert.Equal(t, EmbeddingModel, emb.model)
	assert.Equal(t, "理事の 兼職", emb.input)
	assert.Equal(t, 0.5, idx.threshold)
	assert.Equal(t, 5, idx.count)
}

func TestRetrieve_FailuresYieldEmptyContext(t *testing.T) {
	r := NewRetriever(&fakeEmbedder{err: errors.New("401")}, &fakeIndex{}, 0.5, 5)
	assert.Equal(t, "", r.Retrieve(context.Background(), "query"))

	r = NewRetriever(&fakeEmbedder{}, &fakeIndex{err: errors.New("no table")}, 0.5, 5)
	assert.Equal(t, "", r.Retrieve(context.Background(), "query"))
}

func TestRetrieve_BlankQuerySkipsEmbedding(t *testing.T) {
	emb := &fakeEmbedder{}
	r := NewRetriever(emb, &fakeIndex{}, 0.5, 5)

	assert.Equal(t, "", r.Retrieve(context.Background(), " \n "))
	assert.Empty(t, emb.model)
}

type fakeRows struct {
	docs []Document
	i    int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	r.i++
	return r.i <= len(r.docs)
}

func (r *fakeRows) Scan(dest ...any) error {
	d := r.docs[r.i-1]
	*dest[0].(*string) = d.ID
	*dest[1].(*string) = d.Title
	*dest[2].(*string) = d.Category
	*dest[3].(*string) = d.Content
	*dest[4].(*float64) = d.Similarity
	return nil
}

type fakeDB struct {
	rows     *fakeRows
	args     []any
	execArgs []any
	execs    int
	sqls     []string
	// tag answers Exec; empty reports one row written
	tag string
}

func (db *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	db.args = args
	return db.rows, nil
}

func (db *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db.execs++
	db.execArgs = args
	db.sqls = append(db.sqls, sql)
	if db.tag != "" {
		return pgconn.NewCommandTag(db.tag), nil
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func TestStore_Search(t *testing.T) {
	db := &fakeDB{rows: &fakeRows{docs: []Document{
		{ID: "1", Title: "A", Content: "a", Similarity: 0.8},
		{ID: "2", Title: "B", Content: "b", Similarity: 0.6},
	}}}

	docs, err := NewStore(db).Search(context.Background(), []float32{1, 0}, 0.5, 5)
	require.NoError(t, err)

	require.Len(t, docs, 2)
	assert.Equal(t, "A", docs[0].Title)
	assert.Equal(t, pgvector.NewVector([]float32{1, 0}), db.args[0])
	assert.Equal(t, 0.5, db.args[1])
	assert.Equal(t, 5, db.args[2])
}

func TestStore_InitAndIngest(t *testing.T) {
	db := &fakeDB{}
	store := NewStore(db)
	require.NoError(t, store.Init(context.Background()))
	assert.Equal(t, 5, db.execs)

	r := NewRetriever(&fakeEmbedder{}, store, 0.5, 5)
	require.NoError(t, r.Ingest(context.Background(), Document{Title: "T", Content: "本文"}))
	assert.Equal(t, "T", db.execArgs[0])
	assert.Equal(t, pgvector.NewVector([]float32{0.1, 0.2, 0.3}), db.execArgs[3])
}

func TestStore_TitlesAreUnique(t *testing.T) {
	db := &fakeDB{}
	store := NewStore(db)
	require.NoError(t, store.Init(context.Background()))

	var unique bool
	for _, sql := range db.sqls {
		if strings.Contains(sql, "CREATE UNIQUE INDEX IF NOT EXISTS idx_knowledge_title") {
			unique = true
		}
	}
	assert.True(t, unique, "title index not created")

	r := NewRetriever(&fakeEmbedder{}, store, 0.5, 5)
	require.NoError(t, r.Ingest(context.Background(), Document{Title: "T", Content: "本文"}))
	assert.Contains(t, db.sqls[len(db.sqls)-1], "ON CONFLICT (title) DO NOTHING")

	// the row already exists, so nothing is written
	db.tag = "INSERT 0 0"
	err := r.Ingest(context.Background(), Document{Title: "T", Content: "本文"})
	assert.ErrorIs(t, err, ErrDocumentExists)
}
