package sqlite

import (
	"context"
	"strings"

	"github.com/jonathanpeterwu/stackmemory-sub004/internal/storage"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/types"
)

// SearchFulltext unions matches across the three FTS5 virtual tables and
// ranks them with SQLite's built-in bm25(), the lexical half of the hybrid
// retriever (spec §4.6). bm25() returns a negative, lower-is-better score;
// it is negated here so callers see a conventional higher-is-better score.
func (s *Store) SearchFulltext(ctx context.Context, query string, f storage.SearchFilters, limit int) ([]storage.SearchHit, error) {
	wantKind := func(k string) bool {
		if len(f.Kinds) == 0 {
			return true
		}
		for _, want := range f.Kinds {
			if want == k {
				return true
			}
		}
		return false
	}

	var hits []storage.SearchHit
	scopeFilter := ""
	scopeArgs := []any{}
	if f.SessionID != "" {
		scopeFilter = ` AND frm.session_id = ?`
		scopeArgs = append(scopeArgs, f.SessionID)
	} else if f.ProjectID != "" {
		scopeFilter = ` AND frm.project_id = ?`
		scopeArgs = append(scopeArgs, f.ProjectID)
	}

	if wantKind("frame") {
		q := `SELECT ff.frame_id, ff.name, -bm25(frames_fts) AS score, frm.created_at
		      FROM frames_fts ff JOIN frames frm ON frm.frame_id = ff.frame_id
		      WHERE frames_fts MATCH ?` + scopeFilter + ` ORDER BY score DESC LIMIT ?`
		args := append([]any{query}, scopeArgs...)
		args = append(args, limit)
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, types.Wrap(types.CodeStoreUnavailable, "search frames fts", err)
		}
		for rows.Next() {
			var h storage.SearchHit
			h.Kind = "frame"
			if err := rows.Scan(&h.FrameID, &h.Snippet, &h.BM25Score, &h.CreatedAt); err != nil {
				rows.Close()
				return nil, types.Wrap(types.CodeStoreUnavailable, "scan frame fts hit", err)
			}
			hits = append(hits, h)
		}
		rows.Close()
	}

	if wantKind("event") {
		q := `SELECT ef.frame_id, substr(ef.body, 1, 280), -bm25(events_fts) AS score, frm.created_at
		      FROM events_fts ef JOIN frames frm ON frm.frame_id = ef.frame_id
		      WHERE events_fts MATCH ?` + scopeFilter + ` ORDER BY score DESC LIMIT ?`
		args := append([]any{query}, scopeArgs...)
		args = append(args, limit)
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, types.Wrap(types.CodeStoreUnavailable, "search events fts", err)
		}
		for rows.Next() {
			var h storage.SearchHit
			h.Kind = "event"
			if err := rows.Scan(&h.FrameID, &h.Snippet, &h.BM25Score, &h.CreatedAt); err != nil {
				rows.Close()
				return nil, types.Wrap(types.CodeStoreUnavailable, "scan event fts hit", err)
			}
			hits = append(hits, h)
		}
		rows.Close()
	}

	if wantKind("anchor") {
		q := `SELECT af.frame_id, af.text, -bm25(anchors_fts) AS score, frm.created_at
		      FROM anchors_fts af JOIN frames frm ON frm.frame_id = af.frame_id
		      WHERE anchors_fts MATCH ?` + scopeFilter + ` ORDER BY score DESC LIMIT ?`
		args := append([]any{query}, scopeArgs...)
		args = append(args, limit)
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, types.Wrap(types.CodeStoreUnavailable, "search anchors fts", err)
		}
		for rows.Next() {
			var h storage.SearchHit
			h.Kind = "anchor"
			if err := rows.Scan(&h.FrameID, &h.Snippet, &h.BM25Score, &h.CreatedAt); err != nil {
				rows.Close()
				return nil, types.Wrap(types.CodeStoreUnavailable, "scan anchor fts hit", err)
			}
			hits = append(hits, h)
		}
		rows.Close()
	}

	sortHitsByScoreDesc(hits)
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func sortHitsByScoreDesc(hits []storage.SearchHit) {
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j-1].BM25Score < hits[j].BM25Score; j-- {
			hits[j-1], hits[j] = hits[j], hits[j-1]
		}
	}
}

// ftsEscape guards against FTS5 query-syntax characters in raw user text
// passed straight through as a MATCH argument.
func ftsEscape(q string) string {
	if strings.ContainsAny(q, `"*^:()`) {
		return `"` + strings.ReplaceAll(q, `"`, `""`) + `"`
	}
	return q
}
