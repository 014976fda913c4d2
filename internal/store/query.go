package store

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Op is a filter operator
type Op string

const (
	OpEq    Op = "eq"
	OpNeq   Op = "neq"
	OpLt    Op = "lt"
	OpLte   Op = "lte"
	OpGt    Op = "gt"
	OpGte   Op = "gte"
	OpIn    Op = "in"
	OpILike Op = "ilike"
	OpIs    Op = "is"
)

var validOps = map[Op]bool{
	OpEq: true, OpNeq: true, OpLt: true, OpLte: true, OpGt: true,
	OpGte: true, OpIn: true, OpILike: true, OpIs: true,
}

// Filter restricts rows by a column. For OpIn, Value is a slice; for OpIs it is nil, true or false.
type Filter struct {
	Column string
	Op     Op
	Value  any
}

func Eq(column string, value any) Filter   { return Filter{Column: column, Op: OpEq, Value: value} }
func Neq(column string, value any) Filter  { return Filter{Column: column, Op: OpNeq, Value: value} }
func Lt(column string, value any) Filter   { return Filter{Column: column, Op: OpLt, Value: value} }
func In(column string, values []string) Filter {
	return Filter{Column: column, Op: OpIn, Value: values}
}
func ILike(column, pattern string) Filter { return Filter{Column: column, Op: OpILike, Value: pattern} }

// Embed pulls related rows into each result under Alias. Via names the foreign key column
// when more than one relation links the two tables.
type Embed struct {
	Table   string
	Alias   string
	Via     string
	Columns []string
}

// Key is the result field the embed is stored under
func (e Embed) Key() string {
	if e.Alias != "" {
		return e.Alias
	}
	return e.Table
}

type Order struct {
	Column string
	Desc   bool
}

// Query describes a select. Zero Columns means all columns.
type Query struct {
	Columns []string
	Embeds  []Embed
	Filters []Filter
	Order   []Order
	Limit   int
}

// Encode renders the filter value as it appears on the wire after the operator
func (f Filter) Encode() string {
	switch f.Op {
	case OpIn:
		return "(" + strings.Join(toStrings(f.Value), ",") + ")"
	case OpIs:
		if f.Value == nil {
			return "null"
		}
		return fmt.Sprint(f.Value)
	default:
		return fmt.Sprint(f.Value)
	}
}

// String renders the filter as column=op.value
func (f Filter) String() string {
	return f.Column + "=" + string(f.Op) + "." + f.Encode()
}

// ParseFilter parses a column and an op.value expression
func ParseFilter(column, expr string) (Filter, error) {
	op, value, ok := strings.Cut(expr, ".")
	if !ok || !validOps[Op(op)] {
		return Filter{}, fmt.Errorf("%w: bad filter %s=%s", ErrInvalidInput, column, expr)
	}
	f := Filter{Column: column, Op: Op(op)}

	switch f.Op {
	case OpIn:
		inner := strings.TrimSuffix(strings.TrimPrefix(value, "("), ")")
		values := []string{}
		if inner != "" {
			values = strings.Split(inner, ",")
		}
		f.Value = values
	case OpIs:
		switch value {
		case "null":
			f.Value = nil
		case "true":
			f.Value = true
		case "false":
			f.Value = false
		default:
			return Filter{}, fmt.Errorf("%w: is.%s", ErrInvalidInput, value)
		}
	default:
		f.Value = value
	}
	return f, nil
}

// ParseFilterExpr parses the column=op.value form used by realtime filters
func ParseFilterExpr(expr string) (Filter, error) {
	column, rest, ok := strings.Cut(expr, "=")
	if !ok || column == "" {
		return Filter{}, fmt.Errorf("%w: bad filter %q", ErrInvalidInput, expr)
	}
	return ParseFilter(column, rest)
}

// Reserved query string keys
const (
	paramSelect = "select"
	paramEmbed  = "embed"
	paramOrder  = "order"
	paramLimit  = "limit"
)

// Values encodes the query for the REST surface
func (q Query) Values() url.Values {
	v := url.Values{}
	if len(q.Columns) > 0 {
		v.Set(paramSelect, strings.Join(q.Columns, ","))
	}
	for _, e := range q.Embeds {
		v.Add(paramEmbed, encodeEmbed(e))
	}
	for _, f := range q.Filters {
		v.Add(f.Column, string(f.Op)+"."+f.Encode())
	}
	if len(q.Order) > 0 {
		parts := make([]string, len(q.Order))
		for i, o := range q.Order {
			dir := "asc"
			if o.Desc {
				dir = "desc"
			}
			parts[i] = o.Column + "." + dir
		}
		v.Set(paramOrder, strings.Join(parts, ","))
	}
	if q.Limit > 0 {
		v.Set(paramLimit, strconv.Itoa(q.Limit))
	}
	return v
}

// FiltersValues encodes filters only, for update and delete requests
func FiltersValues(filters []Filter) url.Values {
	return Query{Filters: filters}.Values()
}

// ParseQuery is the inverse of Query.Values
func ParseQuery(v url.Values) (Query, error) {
	var q Query

	if sel := v.Get(paramSelect); sel != "" && sel != "*" {
		q.Columns = strings.Split(sel, ",")
	}
	for _, raw := range v[paramEmbed] {
		e, err := parseEmbed(raw)
		if err != nil {
			return Query{}, err
		}
		q.Embeds = append(q.Embeds, e)
	}
	if ord := v.Get(paramOrder); ord != "" {
		for _, part := range strings.Split(ord, ",") {
			col, dir, _ := strings.Cut(part, ".")
			switch dir {
			case "", "asc":
				q.Order = append(q.Order, Order{Column: col})
			case "desc":
				q.Order = append(q.Order, Order{Column: col, Desc: true})
			default:
				return Query{}, fmt.Errorf("%w: bad order %q", ErrInvalidInput, part)
			}
		}
	}
	if lim := v.Get(paramLimit); lim != "" {
		n, err := strconv.Atoi(lim)
		if err != nil || n < 0 {
			return Query{}, fmt.Errorf("%w: bad limit %q", ErrInvalidInput, lim)
		}
		q.Limit = n
	}

	// map order is random; keep filters stable for logs and tests
	keys := make([]string, 0, len(v))
	for k := range v {
		switch k {
		case paramSelect, paramEmbed, paramOrder, paramLimit:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, col := range keys {
		for _, expr := range v[col] {
			f, err := ParseFilter(col, expr)
			if err != nil {
				return Query{}, err
			}
			q.Filters = append(q.Filters, f)
		}
	}
	return q, nil
}

// alias:table!via(col,col)
func encodeEmbed(e Embed) string {
	var b strings.Builder
	if e.Alias != "" {
		b.WriteString(e.Alias)
		b.WriteByte(':')
	}
	b.WriteString(e.Table)
	if e.Via != "" {
		b.WriteByte('!')
		b.WriteString(e.Via)
	}
	b.WriteByte('(')
	if len(e.Columns) == 0 {
		b.WriteByte('*')
	} else {
		b.WriteString(strings.Join(e.Columns, ","))
	}
	b.WriteByte(')')
	return b.String()
}

func parseEmbed(raw string) (Embed, error) {
	var e Embed
	head, cols, ok := strings.Cut(raw, "(")
	if !ok || !strings.HasSuffix(cols, ")") {
		return e, fmt.Errorf("%w: bad embed %q", ErrInvalidInput, raw)
	}
	cols = strings.TrimSuffix(cols, ")")
	if cols != "*" && cols != "" {
		e.Columns = strings.Split(cols, ",")
	}
	if alias, rest, found := strings.Cut(head, ":"); found {
		e.Alias = alias
		head = rest
	}
	e.Table, e.Via, _ = strings.Cut(head, "!")
	if e.Table == "" {
		return e, fmt.Errorf("%w: bad embed %q", ErrInvalidInput, raw)
	}
	return e, nil
}

func toStrings(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, len(vals))
		for i, x := range vals {
			out[i] = fmt.Sprint(x)
		}
		return out
	default:
		return []string{fmt.Sprint(v)}
	}
}
