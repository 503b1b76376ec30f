package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/memfork/memfork/pkg/errkind"
	"github.com/memfork/memfork/pkg/model"
)

const relCols = `id, source_entity, target_entity, type, properties, confidence, branch,
	valid_from, valid_to, created_at`

// InsertRelation writes a relation row. Relations are never mutated.
func (s *Store) InsertRelation(ctx context.Context, table string, r *model.Relation) error {
	stmt := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		quoteIdent(table), relCols)
	_, err := s.db.ExecContext(ctx, stmt,
		r.ID, r.SourceEntity, r.TargetEntity, r.Type, encodeJSON(r.Properties),
		r.Confidence, r.Branch, nullTime(r.ValidFrom), nullTime(r.ValidTo), r.CreatedAt)
	if err != nil {
		return wrapDB("insert relation", err)
	}
	return nil
}

// GetRelation fetches one relation by id.
func (s *Store) GetRelation(ctx context.Context, table, id string) (*model.Relation, error) {
	stmt := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, relCols, quoteIdent(table))
	r, err := scanRelation(s.db.QueryRowContext(ctx, stmt, id))
	if errors.Is(err, errNoRows) {
		return nil, errkind.NotFound("relation", id)
	}
	if err != nil {
		return nil, wrapDB("get relation", err)
	}
	return r, nil
}

// RelationFilter narrows ListRelations.
type RelationFilter struct {
	SourceEntity string
	TargetEntity string
	Type         string
	ValidAt      time.Time
	Limit        int
}

// ListRelations returns relations matching the filter, newest first.
func (s *Store) ListRelations(ctx context.Context, table string, filter RelationFilter) ([]*model.Relation, error) {
	var conds []string
	var args []any

	if filter.SourceEntity != "" {
		conds = append(conds, "source_entity = ?")
		args = append(args, filter.SourceEntity)
	}
	if filter.TargetEntity != "" {
		conds = append(conds, "target_entity = ?")
		args = append(args, filter.TargetEntity)
	}
	if filter.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, filter.Type)
	}
	if !filter.ValidAt.IsZero() {
		conds = append(conds, "(valid_from IS NULL OR valid_from <= ?)")
		args = append(args, filter.ValidAt)
		conds = append(conds, "(valid_to IS NULL OR valid_to >= ?)")
		args = append(args, filter.ValidAt)
	}

	stmt := fmt.Sprintf(`SELECT %s FROM %s`, relCols, quoteIdent(table))
	if len(conds) > 0 {
		stmt += " WHERE " + strings.Join(conds, " AND ")
	}
	stmt += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, wrapDB("list relations", err)
	}
	defer rows.Close()

	var rels []*model.Relation
	for rows.Next() {
		r, err := scanRelation(rows)
		if err != nil {
			return nil, wrapDB("scan relation", err)
		}
		rels = append(rels, r)
	}
	return rels, rows.Err()
}

func scanRelation(r rowScanner) (*model.Relation, error) {
	var rel model.Relation
	var properties string
	var validFrom, validTo sql.NullTime

	err := r.Scan(&rel.ID, &rel.SourceEntity, &rel.TargetEntity, &rel.Type, &properties,
		&rel.Confidence, &rel.Branch, &validFrom, &validTo, &rel.CreatedAt)
	if err != nil {
		return nil, err
	}

	rel.Properties = decodeJSONMap(properties)
	rel.ValidFrom = timePtr(validFrom)
	rel.ValidTo = timePtr(validTo)
	return &rel, nil
}
