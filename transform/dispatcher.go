package transform

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/gigapi/gigapi-ingest/core"
)

// Env is what a transformation may read besides the dataset.
type Env struct {
	// Today is the reference date for day differences.
	Today time.Time
	// Key returns the cipher key of the current call. Repeated calls return
	// the same key.
	Key func() int
}

// Transform is a named, table-specific transformation.
type Transform struct {
	Name  string
	Apply func(ds *core.Dataset, env Env) error
}

// Registry maps table names to transformations.
type Registry map[string]Transform

// DefaultRegistry returns the transformations of the known source tables.
func DefaultRegistry() Registry {
	return Registry{
		"customer_profiles":    {Name: "customer_profiles", Apply: CustomerProfiles},
		"credit_cards_billing": {Name: "credit_cards_billing", Apply: CreditCardsBilling},
		"support_tickets":      {Name: "support_tickets", Apply: SupportTickets},
		"transactions":         {Name: "transactions", Apply: Transactions},
		"loans":                {Name: "loans", Apply: Loans},
	}
}

// Dispatcher resolves and applies the transformation of a table.
type Dispatcher struct {
	registry Registry
	now      func() time.Time
	keys     func() int
}

type Option func(*Dispatcher)

// WithClock sets the clock that defines today.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// WithKeySource sets the source of cipher keys.
func WithKeySource(keys func() int) Option {
	return func(d *Dispatcher) {
		d.keys = keys
	}
}

func NewDispatcher(registry Registry, opts ...Option) *Dispatcher {
	if registry == nil {
		registry = DefaultRegistry()
	}
	d := &Dispatcher{
		registry: registry,
		now:      time.Now,
		keys:     RandomKey,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Tables lists the tables with a registered transformation.
func (d *Dispatcher) Tables() []string {
	res := make([]string, 0, len(d.registry))
	for name := range d.registry {
		res = append(res, name)
	}
	sort.Strings(res)
	return res
}

// RunTransform applies the transformation registered for table to ds in
// place. Tables without a transformation are returned unchanged.
func (d *Dispatcher) RunTransform(ctx context.Context, table string, ds *core.Dataset) (*core.Dataset, error) {
	t, ok := d.registry[table]
	if !ok {
		core.Debugf(ctx, "No transformation for table %s, passing through", table)
		return ds, nil
	}
	var (
		once sync.Once
		key  int
	)
	env := Env{
		Today: d.now(),
		Key: func() int {
			once.Do(func() { key = d.keys() })
			return key
		},
	}
	if err := t.Apply(ds, env); err != nil {
		return nil, core.NewError(core.KindTransform, table, err)
	}
	return ds, nil
}

// RandomKey draws a cipher key in [1, 25].
func RandomKey() int {
	return rand.Intn(25) + 1
}
