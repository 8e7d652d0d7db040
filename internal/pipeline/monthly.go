package pipeline

import (
	"monthlyload/internal/schedule"
)

// GraphID identifies the monthly orders load.
const GraphID = "monthly_orders_insert"

// Milestones reached by a run, in order.
const (
	MilestoneStarted           = "start"
	MilestoneOrdersLoaded      = "ordersLoaded"
	MilestoneCustomersUpserted = "customersUpserted"
	MilestoneProductsUpserted  = "productsUpserted"
	MilestoneGeographyUpserted = "geographyUpserted"
	MilestoneFactLoaded        = "factLoaded"
	MilestoneEnd               = "end"
)

// NewMonthlyLoad builds the seven-task chain
//
//	start >> RUN_INSERT_ORDERS >> RUN_INSERT_CUSTOMERS >> RUN_INSERT_PRODUCTS
//	      >> RUN_INSERT_GEOGRAPHY >> RUN_INSERT_FACT_ORDER >> end
//
// The dimension merges must all precede the fact merge: the fact merge
// inner-joins every dimension and silently skips orders without a match.
func NewMonthlyLoad(tables Tables, monthOffset int) (*Graph, error) {
	if err := tables.Validate(); err != nil {
		return nil, err
	}

	steps := []struct {
		id          string
		description string
		milestone   string
		bind        func(Run) []interface{}
	}{
		{TaskInsertOrders, "Insert the latest batch of the stable month into cleaned orders", MilestoneOrdersLoaded, bindLogicalDate},
		{TaskMergeCustomers, "Append unseen customers", MilestoneCustomersUpserted, nil},
		{TaskMergeProducts, "Append unseen products", MilestoneProductsUpserted, nil},
		{TaskMergeGeography, "Append unseen geography tuples", MilestoneGeographyUpserted, nil},
		{TaskMergeFactOrders, "Append unseen orders to the fact table", MilestoneFactLoaded, nil},
	}

	tasks := []*Task{{ID: TaskStart, Description: "Start marker", Milestone: MilestoneStarted}}
	for _, s := range steps {
		sql, err := RenderSQL(s.id, tables, monthOffset)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, &Task{
			ID:          s.id,
			Description: s.description,
			Milestone:   s.milestone,
			SQL:         sql,
			Bind:        s.bind,
		})
	}
	tasks = append(tasks, &Task{ID: TaskEnd, Description: "End marker", Milestone: MilestoneEnd})

	return Chain(GraphID, tasks...)
}

func bindLogicalDate(run Run) []interface{} {
	return []interface{}{run.LogicalDate.UTC().Format(schedule.DateLayout)}
}
