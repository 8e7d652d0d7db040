package schema

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"monthlyload/internal/pipeline"
	"monthlyload/internal/snowflake"
	"monthlyload/pkg/errors"
)

func testTables() pipeline.Tables {
	return pipeline.Tables{
		StagingOrders:  "STG.raw_data.ORDERS",
		Orders:         "transformed.public.ORDERS",
		SubcategoryMap: "transformed.public.PRODUCT_SUBCATEGORY_MAP",
		Customers:      "transformed.public.customers",
		Products:       "transformed.public.products",
		Geography:      "transformed.public.geography",
		FactOrders:     "transformed.public.fact_orders",
	}
}

func newMockService(t *testing.T) (*snowflake.Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return snowflake.NewServiceWithDB(db, snowflake.Config{Timeout: time.Minute}), mock
}

func TestTablesDDL(t *testing.T) {
	tables, err := Tables(testTables())
	require.NoError(t, err)
	require.Len(t, tables, 6)

	for _, tb := range tables {
		assert.True(t, strings.HasPrefix(tb.SQL, "CREATE TABLE IF NOT EXISTS "+tb.Name+" ("), tb.Role)
		assert.False(t, strings.HasSuffix(tb.SQL, ";"), tb.Role)
		assert.NotContains(t, tb.SQL, "STG.raw_data", "staging is owned by ingestion")
	}

	geo := tables[4]
	assert.Equal(t, "geography", geo.Role)
	assert.Contains(t, geo.SQL, "geography_id NUMBER(38,0) AUTOINCREMENT")

	fact := tables[5]
	assert.Equal(t, "fact_orders", fact.Role)
	assert.Contains(t, fact.SQL, "geoid NUMBER(38,0)")
}

func TestOrdersDDLMatchesInsertColumnOrder(t *testing.T) {
	tables, err := Tables(testTables())
	require.NoError(t, err)

	var columns []string
	for _, line := range strings.Split(tables[0].SQL, "\n")[1:] {
		line = strings.TrimSpace(line)
		if line == ")" {
			break
		}
		columns = append(columns, strings.Fields(line)[0])
	}

	assert.Equal(t, []string{
		"RowID", "OrderID", "OrderDate", "ShipDate", "ShipMode", "CustomerID", "Segment",
		"Country", "ProductID", "Sales", "Quantity", "Discount", "Profit", "postalcode",
		"CustomerName", "City", "State", "Region", "Category", "SubCategory", "ProductName",
		"actual_date", "TBL_DT", "ingested_at", "FILE_NAME", "offset_id",
	}, columns)
}

func TestScriptRejectsInvalidTables(t *testing.T) {
	tables := testTables()
	tables.Geography = "geo graphy"

	_, err := Script(tables)
	assert.True(t, errors.HasCode(err, errors.ErrCodeValidationFailed))
}

func TestInit(t *testing.T) {
	tests := []struct {
		name      string
		setupMock func(mock sqlmock.Sqlmock, tables []Table)
		wantError bool
	}{
		{
			name: "creates every table in order",
			setupMock: func(mock sqlmock.Sqlmock, tables []Table) {
				for _, tb := range tables {
					mock.ExpectExec(tb.SQL).WillReturnResult(sqlmock.NewResult(0, 0))
				}
			},
		},
		{
			name: "stops at the first failure",
			setupMock: func(mock sqlmock.Sqlmock, tables []Table) {
				mock.ExpectExec(tables[0].SQL).WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectExec(tables[1].SQL).WillReturnError(fmt.Errorf("Insufficient privileges to operate on schema 'PUBLIC'"))
			},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, mock := newMockService(t)
			tables, err := Tables(testTables())
			require.NoError(t, err)
			tt.setupMock(mock, tables)

			err = NewService(svc, testTables(), nil).Init(context.Background())
			if tt.wantError {
				require.Error(t, err)
				assert.True(t, errors.HasCode(err, errors.ErrCodeSQLPermission))
			} else {
				require.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestCheck(t *testing.T) {
	svc, mock := newMockService(t)

	expect := func(db, schemaName, table string, n int) {
		mock.ExpectQuery(fmt.Sprintf(`SELECT COUNT(*) FROM "%s".INFORMATION_SCHEMA.TABLES WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?`, db)).
			WithArgs(schemaName, table).
			WillReturnRows(sqlmock.NewRows([]string{"COUNT(*)"}).AddRow(n))
	}
	expect("STG", "RAW_DATA", "ORDERS", 1)
	expect("TRANSFORMED", "PUBLIC", "ORDERS", 1)
	expect("TRANSFORMED", "PUBLIC", "PRODUCT_SUBCATEGORY_MAP", 0)
	expect("TRANSFORMED", "PUBLIC", "CUSTOMERS", 1)
	expect("TRANSFORMED", "PUBLIC", "PRODUCTS", 1)
	expect("TRANSFORMED", "PUBLIC", "GEOGRAPHY", 1)
	expect("TRANSFORMED", "PUBLIC", "FACT_ORDERS", 0)

	status, err := NewService(svc, testTables(), nil).Check(context.Background())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	missing := []string{}
	for _, s := range status {
		if !s.Exists {
			missing = append(missing, s.Role)
		}
	}
	assert.Len(t, status, 7)
	assert.Equal(t, []string{"subcategory_map", "fact_orders"}, missing)
}

func TestExistsQuery(t *testing.T) {
	tests := []struct {
		name      string
		table     string
		wantQuery string
		wantArgs  []interface{}
	}{
		{
			name:      "fully qualified",
			table:     "transformed.public.orders",
			wantQuery: `SELECT COUNT(*) FROM "TRANSFORMED".INFORMATION_SCHEMA.TABLES WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?`,
			wantArgs:  []interface{}{"PUBLIC", "ORDERS"},
		},
		{
			name:      "schema qualified",
			table:     "public.orders",
			wantQuery: `SELECT COUNT(*) FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?`,
			wantArgs:  []interface{}{"PUBLIC", "ORDERS"},
		},
		{
			name:      "bare quoted",
			table:     `"Orders"`,
			wantQuery: `SELECT COUNT(*) FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_SCHEMA = CURRENT_SCHEMA() AND TABLE_NAME = ?`,
			wantArgs:  []interface{}{"Orders"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, args := existsQuery(tt.table)
			assert.Equal(t, tt.wantQuery, query)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}
