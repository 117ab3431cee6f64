package transform

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gigapi/gigapi-ingest/core"
)

const (
	DailyFineRate = 5.15
	CostBase      = 0.5
	CostRate      = 0.1

	LoanCostRate = 0.20
	LoanCostBase = 1000.0
)

// CustomerProfiles adds tenure in whole years since account_open_date and
// the customer_segment derived from it.
func CustomerProfiles(ds *core.Dataset, env Env) error {
	if err := DiffFromToday(ds, "account_open_date", "tenure", YearsDivisor, env.Today); err != nil {
		return err
	}
	return ds.AddColumn("customer_segment", func(r core.Row) (any, error) {
		tenure, _ := r["tenure"].(int64)
		switch {
		case tenure > 5:
			return "loyal", nil
		case tenure < 1:
			return "Newcomer", nil
		default:
			return "Normal", nil
		}
	})
}

// CreditCardsBilling adds fully_paid, debt, late_days, Fine and total_amount.
// A bill is due on the first day of its month.
func CreditCardsBilling(ds *core.Dataset, env Env) error {
	if err := ds.AddColumn("fully_paid", func(r core.Row) (any, error) {
		due, err := asFloat(r["amount_due"])
		if err != nil {
			return nil, err
		}
		paid, err := asFloat(r["amount_paid"])
		if err != nil {
			return nil, err
		}
		return due == paid, nil
	}); err != nil {
		return err
	}
	if err := ds.AddColumn("debt", func(r core.Row) (any, error) {
		due, err := asFloat(r["amount_due"])
		if err != nil {
			return nil, err
		}
		paid, err := asFloat(r["amount_paid"])
		if err != nil {
			return nil, err
		}
		return due - paid, nil
	}); err != nil {
		return err
	}
	if err := ds.AddColumn("payment_date", func(r core.Row) (any, error) {
		return asDate(r["payment_date"])
	}); err != nil {
		return err
	}
	if err := ds.AddColumn("late_days", func(r core.Row) (any, error) {
		month, ok := r["month"].(string)
		if !ok {
			return nil, fmt.Errorf("month must be a string, got %T", r["month"])
		}
		dueDate, err := time.Parse(core.DateLayout, strings.TrimSpace(month)+"-01")
		if err != nil {
			return nil, fmt.Errorf("invalid billing month %q", month)
		}
		late := daysBetween(dueDate, r["payment_date"].(time.Time))
		if late < 0 {
			late = 0
		}
		return late, nil
	}); err != nil {
		return err
	}
	if err := ds.AddColumn("Fine", func(r core.Row) (any, error) {
		return float64(r["late_days"].(int64)) * DailyFineRate, nil
	}); err != nil {
		return err
	}
	return ds.AddColumn("total_amount", func(r core.Row) (any, error) {
		due, err := asFloat(r["amount_due"])
		if err != nil {
			return nil, err
		}
		return due + r["Fine"].(float64), nil
	})
}

// SupportTickets adds the age in days of each complaint.
func SupportTickets(ds *core.Dataset, env Env) error {
	return DiffFromToday(ds, "complaint_date", "age", DaysDivisor, env.Today)
}

// Transactions adds the fee (cost) and the amount including it.
func Transactions(ds *core.Dataset, env Env) error {
	if err := ds.AddColumn("cost", func(r core.Row) (any, error) {
		amount, err := asFloat(r["transaction_amount"])
		if err != nil {
			return nil, err
		}
		return CostBase + CostRate*amount, nil
	}); err != nil {
		return err
	}
	return ds.AddColumn("total_amount", func(r core.Row) (any, error) {
		amount, err := asFloat(r["transaction_amount"])
		if err != nil {
			return nil, err
		}
		return r["cost"].(float64) + amount, nil
	})
}

// Loans adds age and total_cost and enciphers loan_reason with the key of
// the call. The key is not kept anywhere.
func Loans(ds *core.Dataset, env Env) error {
	if err := DiffFromToday(ds, "utilization_date", "age", DaysDivisor, env.Today); err != nil {
		return err
	}
	if err := ds.AddColumn("total_cost", func(r core.Row) (any, error) {
		amount, err := asFloat(r["amount_utilized"])
		if err != nil {
			return nil, err
		}
		return amount*LoanCostRate + LoanCostBase, nil
	}); err != nil {
		return err
	}
	key := env.Key()
	return ds.AddColumn("loan_reason", func(r core.Row) (any, error) {
		switch reason := r["loan_reason"].(type) {
		case string:
			return Caesar(reason, key), nil
		case nil:
			return nil, nil
		default:
			return nil, fmt.Errorf("loan_reason must be a string, got %T", reason)
		}
	})
}

func asFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number %q", x)
		}
		return f, nil
	case nil:
		return 0, fmt.Errorf("missing number")
	}
	return 0, fmt.Errorf("cannot use %T as number", v)
}
