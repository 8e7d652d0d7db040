// Package schema creates the tables the monthly load writes and checks that
// every table it touches exists.
package schema

import (
	"bytes"
	"strings"
	"text/template"

	"monthlyload/internal/pipeline"
	"monthlyload/pkg/errors"
)

// Table is one CREATE TABLE IF NOT EXISTS statement.
type Table struct {
	Name string
	Role string
	SQL  string
}

// The cleaned orders columns follow the SELECT list of the stable-month
// insert, which inserts positionally.
const ddlTemplate = `CREATE TABLE IF NOT EXISTS {{.Orders}} (
    RowID NUMBER(38,0),
    OrderID VARCHAR NOT NULL,
    OrderDate DATE,
    ShipDate DATE,
    ShipMode VARCHAR,
    CustomerID VARCHAR,
    Segment VARCHAR,
    Country VARCHAR,
    ProductID VARCHAR,
    Sales NUMBER(18,4),
    Quantity NUMBER(38,0),
    Discount NUMBER(10,4),
    Profit NUMBER(18,4),
    postalcode VARCHAR,
    CustomerName VARCHAR,
    City VARCHAR,
    State VARCHAR,
    Region VARCHAR,
    Category VARCHAR,
    SubCategory VARCHAR,
    ProductName VARCHAR,
    actual_date DATE,
    TBL_DT NUMBER(8,0),
    ingested_at TIMESTAMP_NTZ,
    FILE_NAME VARCHAR,
    offset_id NUMBER(38,0)
);
CREATE TABLE IF NOT EXISTS {{.SubcategoryMap}} (
    PRODUCTNAME VARCHAR NOT NULL,
    SUBCATEGORY VARCHAR NOT NULL
);
CREATE TABLE IF NOT EXISTS {{.Customers}} (
    customerid VARCHAR NOT NULL,
    customername VARCHAR,
    segment VARCHAR
);
CREATE TABLE IF NOT EXISTS {{.Products}} (
    productid VARCHAR NOT NULL,
    category VARCHAR,
    subcategory VARCHAR,
    productname VARCHAR
);
CREATE TABLE IF NOT EXISTS {{.Geography}} (
    geography_id NUMBER(38,0) AUTOINCREMENT START 1 INCREMENT 1,
    country VARCHAR,
    city VARCHAR,
    state VARCHAR,
    postalcode VARCHAR,
    region VARCHAR
);
CREATE TABLE IF NOT EXISTS {{.FactOrders}} (
    orderid VARCHAR NOT NULL,
    orderdate DATE,
    shipdate DATE,
    shipmode VARCHAR,
    sales NUMBER(18,4),
    quantity NUMBER(38,0),
    discount NUMBER(10,4),
    profit NUMBER(18,4),
    customerid VARCHAR,
    productid VARCHAR,
    geoid NUMBER(38,0)
)`

var ddl = template.Must(template.New("ddl").Parse(ddlTemplate))

// Script renders the DDL for every table the load owns. The staging table
// belongs to ingestion and is never created here.
func Script(tables pipeline.Tables) (string, error) {
	if err := tables.Validate(); err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := ddl.Execute(&buf, tables); err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternal, "failed to render schema DDL")
	}
	return buf.String(), nil
}

// Tables splits the rendered script into one entry per table.
func Tables(tables pipeline.Tables) ([]Table, error) {
	script, err := Script(tables)
	if err != nil {
		return nil, err
	}

	roles := []struct{ role, name string }{
		{"orders", tables.Orders},
		{"subcategory_map", tables.SubcategoryMap},
		{"customers", tables.Customers},
		{"products", tables.Products},
		{"geography", tables.Geography},
		{"fact_orders", tables.FactOrders},
	}

	stmts := strings.Split(script, ";\n")
	out := make([]Table, len(stmts))
	for i, stmt := range stmts {
		out[i] = Table{Name: roles[i].name, Role: roles[i].role, SQL: strings.TrimSpace(stmt)}
	}
	return out, nil
}
