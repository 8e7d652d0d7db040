// Package audit runs read-only diagnostics for one target month. Every
// check counts rows the load drops or leaves degraded without failing.
package audit

import (
	"bytes"
	"context"
	"text/template"
	"time"

	"github.com/sirupsen/logrus"

	"monthlyload/internal/pipeline"
	"monthlyload/internal/schedule"
	"monthlyload/pkg/errors"
)

// Querier runs single-value queries. *snowflake.Service implements it.
type Querier interface {
	QueryInt64(ctx context.Context, query string, args ...interface{}) (int64, error)
}

// Check is one diagnostic query. The target month's first day is bound to
// every '?' in SQL.
type Check struct {
	Name        string
	Description string
	SQL         string
}

// Finding is the result of one check.
type Finding struct {
	Check
	Count int64
}

// Report holds all findings for a target month.
type Report struct {
	TargetMonth time.Time
	Findings    []Finding
}

// Warnings returns the findings with a non-zero count.
func (r *Report) Warnings() []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Count > 0 {
			out = append(out, f)
		}
	}
	return out
}

const stagingBatchFilter = `DATE_TRUNC('MONTH', TO_DATE(tbl_dt::STRING, 'YYYYMMDD')) = TO_DATE(?)`

// batchesByBusinessMonth pairs each staging row of the month with the latest
// tbl_dt of its OrderDate month, the same grouping the orders insert joins on.
// Rows the insert filters out are flagged by loadable.
const batchesByBusinessMonth = `
    SELECT
        tbl_dt,
        TO_CHAR(TRY_TO_DATE(OrderDate, '` + pipeline.OrderDateFormat + `'), 'YYYYMM') AS business_month,
        MAX(tbl_dt) OVER (
            PARTITION BY TO_CHAR(TRY_TO_DATE(OrderDate, '` + pipeline.OrderDateFormat + `'), 'YYYYMM')
        ) AS max_tbl_dt,
        Profit > 0 AND TRY_TO_DATE(OrderDate, '` + pipeline.OrderDateFormat + `') IS NOT NULL AS loadable
    FROM {{.StagingOrders}}
    WHERE ` + stagingBatchFilter + `
`

var checkTemplates = []struct {
	name        string
	description string
	sql         string
}{
	{
		name:        "non_positive_profit",
		description: "staging rows of the month excluded by Profit > 0",
		sql: `SELECT COUNT(*) FROM {{.StagingOrders}}
WHERE ` + stagingBatchFilter + `
    AND Profit <= 0`,
	},
	{
		name:        "unparseable_order_date",
		description: "staging rows of the month whose OrderDate is not DD-MM-YYYY",
		sql: `SELECT COUNT(*) FROM {{.StagingOrders}}
WHERE ` + stagingBatchFilter + `
    AND TRY_TO_DATE(OrderDate, '` + pipeline.OrderDateFormat + `') IS NULL`,
	},
	{
		name:        "order_month_mismatch",
		description: "rows loaded under the tbl_dt month although their OrderDate is in another month",
		sql: `SELECT COUNT(*) FROM (` + batchesByBusinessMonth + `)
WHERE loadable
    AND tbl_dt = max_tbl_dt
    AND business_month <> TO_CHAR(TO_DATE(tbl_dt::STRING, 'YYYYMMDD'), 'YYYYMM')`,
	},
	{
		name:        "superseded_batch_rows",
		description: "staging rows dropped because a later batch of the month covers their business month",
		sql: `SELECT COUNT(*) FROM (` + batchesByBusinessMonth + `)
WHERE loadable
    AND tbl_dt < max_tbl_dt`,
	},
	{
		name:        "unmapped_subcategory",
		description: "cleaned orders of the month with SubCategory '" + pipeline.UnmappedSubcategory + "'",
		sql: `SELECT COUNT(*) FROM {{.Orders}}
WHERE ` + stagingBatchFilter + `
    AND SubCategory = '` + pipeline.UnmappedSubcategory + `'`,
	},
	{
		name:        "orders_without_fact",
		description: "cleaned orders of the month with no fact row (missing dimension match)",
		sql: `SELECT COUNT(*) FROM {{.Orders}} o
WHERE DATE_TRUNC('MONTH', TO_DATE(o.tbl_dt::STRING, 'YYYYMMDD')) = TO_DATE(?)
    AND NOT EXISTS (
        SELECT 1 FROM {{.FactOrders}} f WHERE f.orderid = o.orderid
    )`,
	},
	{
		name:        "duplicate_order_rows",
		description: "cleaned order lines of the month inserted more than once",
		sql: `SELECT COUNT(*) - COUNT(DISTINCT RowID, TBL_DT) FROM {{.Orders}}
WHERE ` + stagingBatchFilter,
	},
}

// Checks renders every diagnostic for tables.
func Checks(tables pipeline.Tables) ([]Check, error) {
	if err := tables.Validate(); err != nil {
		return nil, err
	}

	out := make([]Check, 0, len(checkTemplates))
	for _, c := range checkTemplates {
		tmpl, err := template.New(c.name).Parse(c.sql)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "invalid audit query").WithContext("check", c.name)
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, tables); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to render audit query").WithContext("check", c.name)
		}
		out = append(out, Check{Name: c.name, Description: c.description, SQL: buf.String()})
	}
	return out, nil
}

// Auditor runs the checks against the warehouse.
type Auditor struct {
	q      Querier
	checks []Check
	log    *logrus.Entry
}

// New prepares an auditor for tables.
func New(q Querier, tables pipeline.Tables, log *logrus.Entry) (*Auditor, error) {
	checks, err := Checks(tables)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Auditor{q: q, checks: checks, log: log.WithField("component", "audit")}, nil
}

// Run executes every check for targetMonth. Findings are logged as warnings.
func (a *Auditor) Run(ctx context.Context, targetMonth time.Time) (*Report, error) {
	month := schedule.TargetMonth(targetMonth, 0)
	day := month.Format(schedule.DateLayout)
	report := &Report{TargetMonth: month}

	for _, c := range a.checks {
		args := make([]interface{}, countPlaceholders(c.SQL))
		for i := range args {
			args[i] = day
		}

		n, err := a.q.QueryInt64(ctx, c.SQL, args...)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeSQLExecution, "audit query failed").
				WithContext("check", c.Name).
				WithContext("target_month", month.Format(schedule.MonthLayout))
		}

		entry := a.log.WithFields(logrus.Fields{
			"check":        c.Name,
			"target_month": month.Format(schedule.MonthLayout),
			"rows":         n,
		})
		if n > 0 {
			entry.Warn(c.Description)
		} else {
			entry.Debug(c.Description)
		}
		report.Findings = append(report.Findings, Finding{Check: c, Count: n})
	}
	return report, nil
}

func countPlaceholders(sql string) int {
	n := 0
	for _, r := range sql {
		if r == '?' {
			n++
		}
	}
	return n
}
