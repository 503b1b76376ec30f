package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// KeywordScore is one keyword-match result, normalized to [0,1].
type KeywordScore struct {
	ID    string
	Score float64
}

// FulltextMatch ranks rows of a branch table against the query. With FTS5
// available it uses BM25 via the table's FTS sibling; otherwise it falls
// back to a tokenized LIKE scan scored by word-level Jaccard overlap.
// Either path returns scores normalized to [0,1].
func (s *Store) FulltextMatch(ctx context.Context, table, column, query string) ([]KeywordScore, error) {
	tokens := Tokenize(query)
	if len(tokens) == 0 {
		return nil, nil
	}

	if s.fulltext {
		if scores, ok, err := s.ftsMatch(ctx, table, tokens); err != nil {
			return nil, err
		} else if ok {
			return scores, nil
		}
	}
	return s.likeMatch(ctx, table, column, tokens)
}

// ftsMatch runs a BM25 query against the table's FTS sibling. Reports
// ok=false when the sibling does not exist (e.g. a table created before
// FTS was enabled) so the caller can fall back.
func (s *Store) ftsMatch(ctx context.Context, table string, tokens []string) ([]KeywordScore, bool, error) {
	fts := table + "_fts"
	exists, err := s.TableExists(ctx, fts)
	if err != nil {
		return nil, false, err
	}
	if !exists {
		return nil, false, nil
	}

	// OR-join quoted tokens so partial matches still rank.
	quoted := make([]string, len(tokens))
	for i, t := range tokens {
		quoted[i] = `"` + strings.ReplaceAll(t, `"`, ``) + `"`
	}
	match := strings.Join(quoted, " OR ")

	stmt := fmt.Sprintf(`SELECT id, bm25(%s) FROM %s WHERE %s MATCH ?`,
		quoteIdent(fts), quoteIdent(fts), quoteIdent(fts))
	rows, err := s.db.QueryContext(ctx, stmt, match)
	if err != nil {
		return nil, false, wrapDB("fulltext match", err)
	}
	defer rows.Close()

	var raw []KeywordScore
	best := 0.0
	for rows.Next() {
		var id string
		var rank float64
		if err := rows.Scan(&id, &rank); err != nil {
			return nil, false, wrapDB("fulltext scan", err)
		}
		// bm25() ranks better matches more negative.
		score := -rank
		if score < 0 {
			score = 0
		}
		if score > best {
			best = score
		}
		raw = append(raw, KeywordScore{ID: id, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, false, wrapDB("fulltext rows", err)
	}

	if best > 0 {
		for i := range raw {
			raw[i].Score /= best
		}
	}
	return raw, true, nil
}

// likeMatch is the degraded keyword path: rows matching any token via
// LIKE, scored by Jaccard overlap between query and row tokens.
func (s *Store) likeMatch(ctx context.Context, table, column string, tokens []string) ([]KeywordScore, error) {
	conds := make([]string, len(tokens))
	args := make([]any, len(tokens))
	for i, t := range tokens {
		conds[i] = fmt.Sprintf("lower(%s) LIKE ?", column)
		args[i] = "%" + t + "%"
	}

	stmt := fmt.Sprintf(`SELECT id, %s FROM %s WHERE %s`,
		column, quoteIdent(table), strings.Join(conds, " OR "))
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, wrapDB("like match", err)
	}
	defer rows.Close()

	var scores []KeywordScore
	for rows.Next() {
		var id, text string
		if err := rows.Scan(&id, &text); err != nil {
			return nil, wrapDB("like scan", err)
		}
		scores = append(scores, KeywordScore{ID: id, Score: TokenJaccard(tokens, Tokenize(text))})
	}
	return scores, rows.Err()
}

// EmbeddingRow pairs a row id with its stored embedding and timestamp.
type EmbeddingRow struct {
	ID        string
	Vector    []float32
	CreatedAt time.Time
}

// EmbeddingRows returns every row's id, embedding, and created_at for
// vector scoring. Rows without an embedding come back with a nil vector
// (they contribute a zero vector score but still participate in keyword
// ranking).
func (s *Store) EmbeddingRows(ctx context.Context, table string, createdBefore time.Time) ([]EmbeddingRow, error) {
	stmt := fmt.Sprintf(`SELECT id, embedding, created_at FROM %s`, quoteIdent(table))
	var args []any
	if !createdBefore.IsZero() {
		stmt += " WHERE created_at <= ?"
		args = append(args, createdBefore)
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, wrapDB("embedding rows", err)
	}
	defer rows.Close()

	var out []EmbeddingRow
	for rows.Next() {
		var r EmbeddingRow
		var emb sql.NullString
		if err := rows.Scan(&r.ID, &emb, &r.CreatedAt); err != nil {
			return nil, wrapDB("embedding scan", err)
		}
		r.Vector = decodeVector(emb)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Tokenize lowercases and splits on non-alphanumeric runes. Shared by the
// LIKE fallback and the consolidation deduplicator.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// TokenJaccard computes intersection-over-union of the two token sets.
func TokenJaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]bool, len(a))
	for _, t := range a {
		setA[t] = true
	}
	setB := make(map[string]bool, len(b))
	for _, t := range b {
		setB[t] = true
	}

	inter := 0
	for t := range setA {
		if setB[t] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
