package store

import (
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Direction orders query results.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// Filter is an equality predicate on a document field.
type Filter struct {
	Field string
	Value any
}

// Query selects documents from one collection.
type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    string
	Direction  Direction
	Limit      int
}

// Where returns a copy of q with an extra equality filter.
func (q Query) Where(field string, value any) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), Filter{Field: field, Value: value})
	return q
}

// Order returns a copy of q ordered by field.
func (q Query) Order(field string, dir Direction) Query {
	q.OrderBy = field
	q.Direction = dir
	return q
}

// Take returns a copy of q limited to n results.
func (q Query) Take(n int) Query {
	q.Limit = n
	return q
}

// fingerprint identifies the query for snapshot caching.
func (q Query) fingerprint() string {
	var b strings.Builder
	for _, f := range q.Filters {
		fmt.Fprintf(&b, "%s=%v;", f.Field, f.Value)
	}
	fmt.Fprintf(&b, "order=%s:%s;limit=%d", q.OrderBy, q.Direction, q.Limit)
	return b.String()
}

// apply validates q against the collection schema and scopes tx with it.
func (q Query) apply(tx *gorm.DB) (*gorm.DB, error) {
	schema, err := schemaFor(q.Collection)
	if err != nil {
		return nil, err
	}

	tx = tx.Table(q.Collection)
	for _, f := range q.Filters {
		col, err := schema.column(f.Field)
		if err != nil {
			return nil, err
		}
		tx = tx.Where(clause.Eq{Column: clause.Column{Name: col}, Value: f.Value})
	}

	if q.OrderBy != "" {
		col, err := schema.column(q.OrderBy)
		if err != nil {
			return nil, err
		}
		switch q.Direction {
		case Asc, Desc, "":
		default:
			return nil, fmt.Errorf("invalid direction %q", q.Direction)
		}
		tx = tx.Order(clause.OrderByColumn{Column: clause.Column{Name: col}, Desc: q.Direction == Desc})
	}

	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	return tx, nil
}
