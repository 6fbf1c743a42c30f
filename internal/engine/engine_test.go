package engine

import (
	"context"
	"regexp"
	"testing"

	"hugr-engine/internal/auth"
	"hugr-engine/internal/cache"
	"hugr-engine/internal/catalog"
	"hugr-engine/internal/datasource"
	"hugr-engine/internal/executor"
	"hugr-engine/internal/gqlerr"
	"hugr-engine/internal/logging"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSDL = `
type customers @table(name: "customers", source: "pg") {
  id: Int! @pk
  name: String!
  region: String
  area: Geometry @geometry(srid: 4326)
}

type regions @table(name: "regions", source: "pg") {
  id: Int! @pk
  geom: Geometry @geometry(srid: 4326)
}

type reports @table(name: "reports", source: "pg") @cache(ttl: "60s") {
  id: Int! @pk
  title: String!
}
`

func newTestEngine(t *testing.T, c cache.Cache, authz auth.Resolver) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	logger := logging.NewLogger(logging.Config{Level: "error"})

	cat, err := catalog.NewManager(testSDL, []catalog.DataSource{
		{Name: "pg", Kind: catalog.SourcePostgres, DSN: "postgres://local"},
	}, logger)
	require.NoError(t, err)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	reg := datasource.NewStatic(datasource.NewPool("pg", catalog.SourcePostgres, db))
	exec := executor.New(reg, logger.Logger, executor.Config{})
	return New(cat, exec, c, authz, logger, Config{}), mock
}

func TestExecuteEndToEnd(t *testing.T) {
	e, mock := newTestEngine(t, nil, nil)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT "t"."id" AS "id", "t"."name" AS "name" FROM "customers" AS "t"`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(int64(1), "Ada"))

	resp := e.Execute(context.Background(), Request{Query: `{ customers { id name } }`})
	require.Empty(t, resp.Errors)
	require.NoError(t, mock.ExpectationsWereMet())

	customers := resp.Data["customers"].([]interface{})
	require.Len(t, customers, 1)
	assert.Equal(t, "Ada", customers[0].(map[string]interface{})["name"])
}

func TestExecuteValidationErrorSkipsIO(t *testing.T) {
	e, mock := newTestEngine(t, nil, nil)

	resp := e.Execute(context.Background(), Request{Query: `{ nope { id } }`})
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, "FIELD_NOT_FOUND", resp.Errors[0].Extensions["code"])
	assert.Nil(t, resp.Data)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutePlanningFailedRootIsNulled(t *testing.T) {
	e, mock := newTestEngine(t, nil, nil)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT "t"."id" AS "id", "t"."title" AS "title" FROM "reports" AS "t"`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "title"}).AddRow(int64(1), "Q3"))

	resp := e.Execute(context.Background(), Request{Query: `{
	  reports { id title }
	  customers { id _spatial(references: "regions", field: "area", references_field: "geom", type: DWITHIN) { id } }
	}`})
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, string(gqlerr.CodePlanningFailed), resp.Errors[0].Extensions["code"])

	// the dropped root shows up as an explicit null next to the survivor
	v, present := resp.Data["customers"]
	assert.True(t, present)
	assert.Nil(t, v)
	assert.NotNil(t, resp.Data["reports"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteDisabledObjectIsDenied(t *testing.T) {
	authz := auth.NewStatic(map[string]auth.RolePolicy{
		"viewer": {Objects: map[string]auth.ObjectPolicy{
			"customers": {Disabled: true},
		}},
	}, "")
	e, mock := newTestEngine(t, nil, authz)

	resp := e.Execute(context.Background(), Request{Query: `{ customers { id } }`, Role: "viewer"})
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, string(gqlerr.CodeFieldDenied), resp.Errors[0].Extensions["code"])
	v, present := resp.Data["customers"]
	assert.True(t, present)
	assert.Nil(t, v)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteRowFilterIsEnforced(t *testing.T) {
	authz := auth.NewStatic(map[string]auth.RolePolicy{
		"viewer": {Objects: map[string]auth.ObjectPolicy{
			"customers": {Filter: map[string]interface{}{
				"region": map[string]interface{}{"eq": "west"},
			}},
		}},
	}, "")
	e, mock := newTestEngine(t, nil, authz)
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE "t"."region" = $1`)).
		WithArgs("west").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))

	resp := e.Execute(context.Background(), Request{Query: `{ customers { id } }`, Role: "viewer"})
	require.Empty(t, resp.Errors)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteCacheRoundTripAndInvalidation(t *testing.T) {
	e, mock := newTestEngine(t, cache.NewMemory(), nil)
	ctx := context.Background()
	query := `{ reports { id title } }`
	selectSQL := regexp.QuoteMeta(`SELECT "t"."id" AS "id", "t"."title" AS "title" FROM "reports" AS "t"`)

	mock.ExpectQuery(selectSQL).
		WillReturnRows(sqlmock.NewRows([]string{"id", "title"}).AddRow(int64(1), "Q1"))

	first := e.Execute(ctx, Request{Query: query})
	require.Empty(t, first.Errors)

	// second run is served from the cache, no statement expected
	second := e.Execute(ctx, Request{Query: query})
	require.Empty(t, second.Errors)
	assert.Equal(t, first.Data, second.Data)
	require.NoError(t, mock.ExpectationsWereMet())

	// a mutation on the object invalidates its tag
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "reports" ("title") VALUES ($1) RETURNING "id" AS "id"`)).
		WithArgs("Q2").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(2)))
	mock.ExpectCommit()

	ins := e.Execute(ctx, Request{Query: `mutation { insert_reports(data: {title: "Q2"}) { affected_rows } }`})
	require.Empty(t, ins.Errors)
	assert.Equal(t, int64(1), ins.Data["insert_reports"].(map[string]interface{})["affected_rows"])

	mock.ExpectQuery(selectSQL).
		WillReturnRows(sqlmock.NewRows([]string{"id", "title"}).
			AddRow(int64(1), "Q1").AddRow(int64(2), "Q2"))

	third := e.Execute(ctx, Request{Query: query})
	require.Empty(t, third.Errors)
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Len(t, third.Data["reports"], 2)
}

func TestExecuteTransformedAppliesStages(t *testing.T) {
	e, mock := newTestEngine(t, nil, nil)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM "customers"`)).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("Ada").AddRow("Grace"))

	out, err := e.ExecuteTransformed(context.Background(),
		Request{Query: `{ customers { name } }`},
		TransformSpec{Stages: []string{`[.customers[].name]`}})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"Ada", "Grace"}, out)
}
