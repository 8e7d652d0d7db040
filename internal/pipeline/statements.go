package pipeline

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"text/template"

	"monthlyload/pkg/errors"
	"monthlyload/pkg/models"
)

// SanitizePattern is the character class removed from free-text order
// fields: everything except letters, digits, whitespace, '.', ',' and '-'.
const SanitizePattern = `[^a-zA-Z0-9\s\.,-]`

// UnmappedSubcategory is assigned to products missing from the subcategory map.
const UnmappedSubcategory = "Unmapped"

// OrderDateFormat is the Snowflake format of the staging OrderDate and ShipDate columns.
const OrderDateFormat = "DD-MM-YYYY"

var identifierPattern = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_$]*|"[^"]+")(\.([A-Za-z_][A-Za-z0-9_$]*|"[^"]+")){0,2}$`)

// Tables names every table the statements touch.
type Tables struct {
	StagingOrders  string
	Orders         string
	SubcategoryMap string
	Customers      string
	Products       string
	Geography      string
	FactOrders     string
}

// TablesFromConfig copies the tables section of the configuration.
func TablesFromConfig(cfg models.Tables) Tables {
	return Tables{
		StagingOrders:  cfg.StagingOrders,
		Orders:         cfg.Orders,
		SubcategoryMap: cfg.SubcategoryMap,
		Customers:      cfg.Customers,
		Products:       cfg.Products,
		Geography:      cfg.Geography,
		FactOrders:     cfg.FactOrders,
	}
}

// Validate rejects names that are not plain or quoted [db.][schema.]table
// identifiers; they are interpolated into SQL text.
func (t Tables) Validate() error {
	names := []struct {
		field string
		value string
	}{
		{"staging_orders", t.StagingOrders},
		{"orders", t.Orders},
		{"subcategory_map", t.SubcategoryMap},
		{"customers", t.Customers},
		{"products", t.Products},
		{"geography", t.Geography},
		{"fact_orders", t.FactOrders},
	}
	for _, n := range names {
		if !identifierPattern.MatchString(n.value) {
			return errors.ValidationError("tables."+n.field, n.value, "not a valid table identifier").
				WithSeverity(errors.SeverityError)
		}
	}
	return nil
}

// Statement is one SQL statement with its bind arguments.
type Statement struct {
	SQL  string
	Args []interface{}
}

type statementData struct {
	Tables
	MonthOffset int
	Unmapped    string
}

func sqlLiteral(s string) string {
	// Snowflake treats backslash as an escape inside single-quoted literals.
	s = strings.ReplaceAll(s, `\`, `\\`)
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

var funcs = template.FuncMap{
	"clean": func(expr string) string {
		return fmt.Sprintf("REGEXP_REPLACE(%s, %s, '')", expr, sqlLiteral(SanitizePattern))
	},
	"parseDate": func(expr string) string {
		return fmt.Sprintf("TRY_TO_DATE(%s, %s)", expr, sqlLiteral(OrderDateFormat))
	},
	"lit": sqlLiteral,
}

// The run's logical date is the only bind parameter. Everything else is
// fixed at graph construction.
const insertStableOrdersSQL = `INSERT INTO {{.Orders}}
WITH latest_files AS (
    SELECT
        TO_CHAR({{parseDate "OrderDate"}}, 'YYYYMM') AS business_month,
        MAX(tbl_dt) AS max_tbl_dt
    FROM {{.StagingOrders}}
    WHERE DATE_TRUNC('MONTH', TO_DATE(tbl_dt::STRING, 'YYYYMMDD'))
        = DATE_TRUNC('MONTH', ADD_MONTHS(TO_DATE(?), -{{.MonthOffset}}))
    GROUP BY 1
)
SELECT
    o.RowID,
    o.OrderID,
    {{parseDate "o.OrderDate"}} AS OrderDate,
    {{parseDate "o.ShipDate"}} AS ShipDate,
    o.ShipMode,
    o.CustomerID,
    o.Segment,
    o.Country,
    o.ProductID,
    o.Sales AS Sales,
    o.Quantity AS Quantity,
    o.Discount AS Discount,
    o.Profit AS Profit,
    o.postalcode AS postalcode,
    {{clean "o.CustomerName"}} AS CustomerName,
    {{clean "o.City"}} AS City,
    {{clean "o.State"}} AS State,
    {{clean "o.Region"}} AS Region,
    {{clean "o.Category"}} AS Category,
    COALESCE(m.SUBCATEGORY, {{lit .Unmapped}}) AS SubCategory,
    {{clean "o.ProductName"}} AS ProductName,
    {{parseDate "o.OrderDate"}} AS actual_date,
    o.TBL_DT,
    o.ingested_at,
    o.FILE_NAME,
    o.offset_id
FROM {{.StagingOrders}} o
JOIN latest_files lf
    ON TO_CHAR({{parseDate "o.OrderDate"}}, 'YYYYMM') = lf.business_month
    AND o.tbl_dt = lf.max_tbl_dt
LEFT JOIN {{.SubcategoryMap}} m
    ON {{clean "o.ProductName"}} = m.PRODUCTNAME
WHERE o.Profit > 0
    AND {{parseDate "o.OrderDate"}} IS NOT NULL`

const mergeCustomersSQL = `MERGE INTO {{.Customers}} c
USING (
    SELECT DISTINCT customerid, customername, segment
    FROM {{.Orders}}
) s
ON c.customerid = s.customerid
WHEN NOT MATCHED THEN
    INSERT (customerid, customername, segment)
    VALUES (s.customerid, s.customername, s.segment)`

const mergeProductsSQL = `MERGE INTO {{.Products}} p
USING (
    SELECT DISTINCT productid, category, subcategory, productname
    FROM {{.Orders}}
) s
ON p.productid = s.productid
WHEN NOT MATCHED THEN
    INSERT (productid, category, subcategory, productname)
    VALUES (s.productid, s.category, s.subcategory, s.productname)`

const mergeGeographySQL = `MERGE INTO {{.Geography}} g
USING (
    SELECT DISTINCT country, city, state, postalcode, region
    FROM {{.Orders}}
) s
ON g.country = s.country
    AND g.city = s.city
    AND g.state = s.state
    AND g.postalcode = s.postalcode
    AND g.region = s.region
WHEN NOT MATCHED THEN
    INSERT (country, city, state, postalcode, region)
    VALUES (s.country, s.city, s.state, s.postalcode, s.region)`

const mergeFactOrdersSQL = `MERGE INTO {{.FactOrders}} f
USING (
    SELECT
        o.orderid,
        o.orderdate,
        o.shipdate,
        o.shipmode,
        o.sales,
        o.quantity,
        o.discount,
        o.profit,
        c.customerid,
        p.productid,
        g.geography_id AS geoid
    FROM {{.Orders}} o
    JOIN {{.Customers}} c
        ON o.customerid = c.customerid
    JOIN {{.Products}} p
        ON o.productid = p.productid
    JOIN {{.Geography}} g
        ON o.country = g.country
        AND o.city = g.city
        AND o.state = g.state
        AND o.postalcode = g.postalcode
        AND o.region = g.region
) s
ON f.orderid = s.orderid
WHEN NOT MATCHED THEN
    INSERT (
        orderid, orderdate, shipdate, shipmode, sales,
        quantity, discount, profit, customerid, productid, geoid
    )
    VALUES (
        s.orderid, s.orderdate, s.shipdate, s.shipmode, s.sales,
        s.quantity, s.discount, s.profit, s.customerid, s.productid, s.geoid
    )`

var statementTemplates = map[string]*template.Template{
	TaskInsertOrders:    template.Must(template.New(TaskInsertOrders).Funcs(funcs).Parse(insertStableOrdersSQL)),
	TaskMergeCustomers:  template.Must(template.New(TaskMergeCustomers).Funcs(funcs).Parse(mergeCustomersSQL)),
	TaskMergeProducts:   template.Must(template.New(TaskMergeProducts).Funcs(funcs).Parse(mergeProductsSQL)),
	TaskMergeGeography:  template.Must(template.New(TaskMergeGeography).Funcs(funcs).Parse(mergeGeographySQL)),
	TaskMergeFactOrders: template.Must(template.New(TaskMergeFactOrders).Funcs(funcs).Parse(mergeFactOrdersSQL)),
}

// RenderSQL renders the statement text of taskID.
func RenderSQL(taskID string, tables Tables, monthOffset int) (string, error) {
	tmpl, ok := statementTemplates[taskID]
	if !ok {
		return "", errors.New(errors.ErrCodeNotFound, fmt.Sprintf("no statement for task %s", taskID))
	}

	var buf bytes.Buffer
	err := tmpl.Execute(&buf, statementData{
		Tables:      tables,
		MonthOffset: monthOffset,
		Unmapped:    UnmappedSubcategory,
	})
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternal, fmt.Sprintf("failed to render statement for %s", taskID))
	}
	return buf.String(), nil
}
