package postgres

import (
	"fmt"

	"github.com/MOMISBACK/pactengine/internal/domain"
)

// withListOpts appends the time range on col, the ordering and the
// LIMIT/OFFSET of opts to a query whose existing placeholders are args.
func withListOpts(query string, args []any, col, order string, opts domain.ListOpts) (string, []any) {
	argIdx := len(args) + 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND %s >= $%d", col, argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND %s <= $%d", col, argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY " + order

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}
	return query, args
}
