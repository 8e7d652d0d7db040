package pipeline

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTables() Tables {
	return Tables{
		StagingOrders:  "STG.raw_data.ORDERS",
		Orders:         "transformed.public.ORDERS",
		SubcategoryMap: "transformed.public.PRODUCT_SUBCATEGORY_MAP",
		Customers:      "transformed.public.customers",
		Products:       "transformed.public.products",
		Geography:      "transformed.public.geography",
		FactOrders:     "transformed.public.fact_orders",
	}
}

func render(t *testing.T, taskID string, offset int) string {
	t.Helper()
	sql, err := RenderSQL(taskID, testTables(), offset)
	require.NoError(t, err)
	return sql
}

func TestSanitizePatternStripsDisallowedCharacters(t *testing.T) {
	re := regexp.MustCompile(SanitizePattern)

	tests := []struct {
		in   string
		want string
	}{
		{"Chair #1!", "Chair 1"},
		{"Smith & Sons, Inc.", "Smith  Sons, Inc."},
		{"Winston-Salem", "Winston-Salem"},
		{"Café (Deluxe)", "Caf Deluxe"},
		{"Tab\tand space", "Tab\tand space"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, re.ReplaceAllString(tt.in, ""))
		})
	}
}

func TestInsertStableOrdersStatement(t *testing.T) {
	sql := render(t, TaskInsertOrders, 1)

	assert.True(t, strings.HasPrefix(sql, "INSERT INTO transformed.public.ORDERS"))
	assert.Contains(t, sql, "DATE_TRUNC('MONTH', ADD_MONTHS(TO_DATE(?), -1))")
	assert.Contains(t, sql, "MAX(tbl_dt) AS max_tbl_dt")
	assert.Contains(t, sql, "AND o.tbl_dt = lf.max_tbl_dt")
	assert.Contains(t, sql, "WHERE o.Profit > 0")
	assert.Contains(t, sql, "TRY_TO_DATE(o.OrderDate, 'DD-MM-YYYY') IS NOT NULL")
	assert.Contains(t, sql, "COALESCE(m.SUBCATEGORY, 'Unmapped') AS SubCategory")
	assert.Contains(t, sql, "LEFT JOIN transformed.public.PRODUCT_SUBCATEGORY_MAP m")
	assert.Equal(t, 1, strings.Count(sql, "?"), "the logical date is the only bind parameter")

	// Backslashes are doubled inside the Snowflake literal.
	for _, col := range []string{"CustomerName", "City", "State", "Region", "Category", "ProductName"} {
		assert.Contains(t, sql, `REGEXP_REPLACE(o.`+col+`, '[^a-zA-Z0-9\\s\\.,-]', '') AS `+col)
	}
	assert.Contains(t, sql, `ON REGEXP_REPLACE(o.ProductName, '[^a-zA-Z0-9\\s\\.,-]', '') = m.PRODUCTNAME`)
}

func TestInsertStableOrdersHonoursMonthOffset(t *testing.T) {
	assert.Contains(t, render(t, TaskInsertOrders, 2), "ADD_MONTHS(TO_DATE(?), -2)")
}

func TestDimensionMergesAreInsertOnly(t *testing.T) {
	tests := []struct {
		task   string
		target string
		on     string
	}{
		{TaskMergeCustomers, "MERGE INTO transformed.public.customers c", "ON c.customerid = s.customerid"},
		{TaskMergeProducts, "MERGE INTO transformed.public.products p", "ON p.productid = s.productid"},
		{TaskMergeGeography, "MERGE INTO transformed.public.geography g", "AND g.postalcode = s.postalcode"},
		{TaskMergeFactOrders, "MERGE INTO transformed.public.fact_orders f", "ON f.orderid = s.orderid"},
	}

	for _, tt := range tests {
		t.Run(tt.task, func(t *testing.T) {
			sql := render(t, tt.task, 1)
			assert.True(t, strings.HasPrefix(sql, tt.target))
			assert.Contains(t, sql, tt.on)
			assert.Contains(t, sql, "WHEN NOT MATCHED THEN")
			assert.NotContains(t, sql, "WHEN MATCHED")
			assert.NotContains(t, sql, "?")
		})
	}
}

func TestFactMergeInnerJoinsEveryDimension(t *testing.T) {
	sql := render(t, TaskMergeFactOrders, 1)

	assert.Contains(t, sql, "JOIN transformed.public.customers c")
	assert.Contains(t, sql, "JOIN transformed.public.products p")
	assert.Contains(t, sql, "JOIN transformed.public.geography g")
	assert.Contains(t, sql, "g.geography_id AS geoid")
	assert.NotContains(t, sql, "LEFT JOIN")
}

func TestRenderSQLUnknownTask(t *testing.T) {
	_, err := RenderSQL(TaskStart, testTables(), 1)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no statement for task start")
}

func TestTablesValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Tables)
		wantError bool
	}{
		{name: "defaults", mutate: func(*Tables) {}},
		{name: "quoted identifiers", mutate: func(tb *Tables) { tb.Orders = `"Transformed"."public"."Orders"` }},
		{name: "bare table", mutate: func(tb *Tables) { tb.Customers = "customers" }},
		{name: "empty", mutate: func(tb *Tables) { tb.Products = "" }, wantError: true},
		{name: "injection", mutate: func(tb *Tables) { tb.FactOrders = "fact_orders; DROP TABLE x" }, wantError: true},
		{name: "four parts", mutate: func(tb *Tables) { tb.Geography = "a.b.c.d" }, wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tables := testTables()
			tt.mutate(&tables)
			err := tables.Validate()
			if tt.wantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
