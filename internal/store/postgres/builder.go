package postgres

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"github.com/eugeniagram/eugeniagram/internal/store"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// buildSelect renders q as a query yielding one jsonb document per row
func buildSelect(table string, q store.Query) (string, []any, error) {
	t, err := lookupTable(table)
	if err != nil {
		return "", nil, err
	}

	columns, err := projection(table, t, q.Columns)
	if err != nil {
		return "", nil, err
	}

	for _, e := range q.Embeds {
		sub, err := embedColumn(table, t, e)
		if err != nil {
			return "", nil, err
		}
		columns = append(columns, sub)
	}

	inner := psql.Select(columns...).From(table)

	where, err := conditions(table, t, q.Filters)
	if err != nil {
		return "", nil, err
	}
	for _, w := range where {
		inner = inner.Where(w)
	}

	for _, o := range q.Order {
		if err := t.checkColumns(table, []string{o.Column}); err != nil {
			return "", nil, err
		}
		dir := "ASC"
		if o.Desc {
			dir = "DESC"
		}
		inner = inner.OrderBy(fmt.Sprintf("%s.%s %s", table, o.Column, dir))
	}
	if q.Limit > 0 {
		inner = inner.Limit(uint64(q.Limit))
	}

	sqlStr, args, err := inner.ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("build select %s: %w", table, err)
	}
	return "SELECT to_jsonb(t) FROM (" + sqlStr + ") t", args, nil
}

func projection(table string, t tableSchema, requested []string) ([]string, error) {
	names := requested
	if len(names) == 0 || (len(names) == 1 && names[0] == "*") {
		names = make([]string, 0, len(t.Columns))
		for c := range t.Columns {
			names = append(names, c)
		}
		sort.Strings(names)
	}
	if err := t.checkColumns(table, names); err != nil {
		return nil, err
	}
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = table + "." + n
	}
	return out, nil
}

// embedColumn renders a correlated subquery returning the related row (or rows) as jsonb
func embedColumn(parent string, t tableSchema, e store.Embed) (string, error) {
	rel, err := t.resolve(parent, e)
	if err != nil {
		return "", err
	}
	child, err := lookupTable(e.Table)
	if err != nil {
		return "", err
	}
	// aliasing the embedded table keeps self references such as follows->profiles unambiguous
	const alias = "e"
	names := e.Columns
	if len(names) == 0 {
		for c := range child.Columns {
			names = append(names, c)
		}
		sort.Strings(names)
	}
	if err := child.checkColumns(e.Table, names); err != nil {
		return "", err
	}
	if !validIdent(e.Key()) {
		return "", fmt.Errorf("%w: bad embed alias %q", store.ErrInvalidInput, e.Key())
	}
	selected := make([]string, len(names))
	for i, n := range names {
		selected[i] = alias + "." + n
	}

	switch rel.Kind {
	case belongsTo:
		return fmt.Sprintf("(SELECT to_jsonb(x) FROM (SELECT %s FROM %s %s WHERE %s.id = %s.%s) x) AS %s",
			strings.Join(selected, ", "), e.Table, alias, alias, parent, rel.Column, e.Key()), nil
	default:
		return fmt.Sprintf("(SELECT coalesce(jsonb_agg(to_jsonb(x)), '[]'::jsonb) FROM (SELECT %s FROM %s %s WHERE %s.%s = %s.id) x) AS %s",
			strings.Join(selected, ", "), e.Table, alias, alias, rel.Column, parent, e.Key()), nil
	}
}

func conditions(table string, t tableSchema, filters []store.Filter) ([]sq.Sqlizer, error) {
	out := make([]sq.Sqlizer, 0, len(filters))
	for _, f := range filters {
		if err := t.checkColumns(table, []string{f.Column}); err != nil {
			return nil, err
		}
		col := table + "." + f.Column
		switch f.Op {
		case store.OpEq:
			out = append(out, sq.Eq{col: f.Value})
		case store.OpNeq:
			out = append(out, sq.NotEq{col: f.Value})
		case store.OpLt:
			out = append(out, sq.Lt{col: f.Value})
		case store.OpLte:
			out = append(out, sq.LtOrEq{col: f.Value})
		case store.OpGt:
			out = append(out, sq.Gt{col: f.Value})
		case store.OpGte:
			out = append(out, sq.GtOrEq{col: f.Value})
		case store.OpIn:
			out = append(out, sq.Eq{col: inValues(f.Value)})
		case store.OpILike:
			out = append(out, sq.ILike{col: f.Value})
		case store.OpIs:
			switch f.Value {
			case nil:
				out = append(out, sq.Eq{col: nil})
			case true:
				out = append(out, sq.Expr(col+" IS TRUE"))
			case false:
				out = append(out, sq.Expr(col+" IS FALSE"))
			default:
				return nil, fmt.Errorf("%w: is.%v", store.ErrInvalidInput, f.Value)
			}
		default:
			return nil, fmt.Errorf("%w: unsupported operator %q", store.ErrInvalidInput, f.Op)
		}
	}
	return out, nil
}

func inValues(v any) []string {
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

// buildInsert renders a multi-row insert returning the stored rows as jsonb
func buildInsert(table string, rows []store.Row) (string, []any, error) {
	t, err := lookupTable(table)
	if err != nil {
		return "", nil, err
	}
	if len(rows) == 0 {
		return "", nil, fmt.Errorf("%w: nothing to insert", store.ErrInvalidInput)
	}

	if table == store.TableStories {
		now := time.Now()
		for _, r := range rows {
			fillStoryExpiry(r, now)
		}
	}

	set := map[string]bool{}
	for _, r := range rows {
		for k := range r {
			set[k] = true
		}
	}
	names := make([]string, 0, len(set))
	for k := range set {
		names = append(names, k)
	}
	sort.Strings(names)
	if err := t.checkColumns(table, names); err != nil {
		return "", nil, err
	}

	ins := psql.Insert(table).Columns(names...)
	for _, r := range rows {
		vals := make([]any, len(names))
		for i, n := range names {
			v, ok := r[n]
			if !ok {
				vals[i] = sq.Expr("DEFAULT")
				continue
			}
			if vals[i], err = bindValue(t.Columns[n], v); err != nil {
				return "", nil, err
			}
		}
		ins = ins.Values(vals...)
	}
	ins = ins.Suffix(fmt.Sprintf("RETURNING to_jsonb(%s.*)", table))

	sqlStr, args, err := ins.ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("build insert %s: %w", table, err)
	}
	return sqlStr, args, nil
}

func buildUpdate(table string, values store.Row, filters []store.Filter) (string, []any, error) {
	t, err := lookupTable(table)
	if err != nil {
		return "", nil, err
	}
	if len(values) == 0 {
		return "", nil, fmt.Errorf("%w: nothing to update", store.ErrInvalidInput)
	}
	if len(filters) == 0 {
		return "", nil, fmt.Errorf("%w: update without filters", store.ErrInvalidInput)
	}

	set := make(map[string]any, len(values))
	for k, v := range values {
		if err := t.checkColumns(table, []string{k}); err != nil {
			return "", nil, err
		}
		if set[k], err = bindValue(t.Columns[k], v); err != nil {
			return "", nil, err
		}
	}

	upd := psql.Update(table).SetMap(set)
	where, err := conditions(table, t, filters)
	if err != nil {
		return "", nil, err
	}
	for _, w := range where {
		upd = upd.Where(w)
	}
	upd = upd.Suffix(fmt.Sprintf("RETURNING to_jsonb(%s.*)", table))

	sqlStr, args, err := upd.ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("build update %s: %w", table, err)
	}
	return sqlStr, args, nil
}

func buildDelete(table string, filters []store.Filter) (string, []any, error) {
	t, err := lookupTable(table)
	if err != nil {
		return "", nil, err
	}
	if len(filters) == 0 {
		return "", nil, fmt.Errorf("%w: delete without filters", store.ErrInvalidInput)
	}

	del := psql.Delete(table)
	where, err := conditions(table, t, filters)
	if err != nil {
		return "", nil, err
	}
	for _, w := range where {
		del = del.Where(w)
	}

	sqlStr, args, err := del.ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("build delete %s: %w", table, err)
	}
	return sqlStr, args, nil
}

func bindValue(kind columnKind, v any) (any, error) {
	switch kind {
	case kindTextArray:
		if v == nil {
			return pq.Array([]string{}), nil
		}
		return pq.Array(inValues(v)), nil
	case kindJSON:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
		}
		return string(raw), nil
	default:
		return v, nil
	}
}

// fillStoryExpiry stamps both story timestamps from the server clock. Client supplied
// values are overwritten.
func fillStoryExpiry(r store.Row, now time.Time) {
	created := now.UTC().Truncate(time.Microsecond)
	r["created_at"] = created.Format(time.RFC3339Nano)
	r["expires_at"] = created.Add(StoryTTL).Format(time.RFC3339Nano)
}

func validIdent(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}
