package dolt

import (
	"context"
	"strings"

	"github.com/jonathanpeterwu/stackmemory-sub004/internal/storage"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/types"
)

// SearchFulltext has no FTS5/bm25 equivalent to lean on here (Dolt's own
// full-text index support lags MySQL's InnoDB FULLTEXT, and isn't reliable
// across Dolt versions), so this backend falls back to a LIKE scan scored
// by raw term-occurrence count — simpler still than the in-memory
// backend's log-damped internal/storage/memory bm25ish, traded for portability
// rather than ranking quality. See DESIGN.md's dolt backend entry.
func (s *Store) SearchFulltext(ctx context.Context, query string, f storage.SearchFilters, limit int) ([]storage.SearchHit, error) {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, nil
	}

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

	scope := ""
	scopeArgs := []any{}
	if f.SessionID != "" {
		scope = ` AND frm.session_id = ?`
		scopeArgs = append(scopeArgs, f.SessionID)
	} else if f.ProjectID != "" {
		scope = ` AND frm.project_id = ?`
		scopeArgs = append(scopeArgs, f.ProjectID)
	}

	like := "%" + strings.Join(terms, "%") + "%"
	var hits []storage.SearchHit

	if wantKind("frame") {
		rows, err := s.db.QueryContext(ctx,
			`SELECT frm.frame_id, frm.name, frm.created_at FROM frames frm
			 WHERE LOWER(frm.name) LIKE ?`+scope,
			append([]any{like}, scopeArgs...)...)
		if err != nil {
			return nil, types.Wrap(types.CodeStoreUnavailable, "search frames like", err)
		}
		for rows.Next() {
			var h storage.SearchHit
			h.Kind = "frame"
			if err := rows.Scan(&h.FrameID, &h.Snippet, &h.CreatedAt); err != nil {
				rows.Close()
				return nil, types.Wrap(types.CodeStoreUnavailable, "scan frame like hit", err)
			}
			h.BM25Score = termOccurrenceScore(h.Snippet, terms)
			hits = append(hits, h)
		}
		rows.Close()
	}

	if wantKind("event") {
		rows, err := s.db.QueryContext(ctx,
			`SELECT ev.frame_id, SUBSTRING(ev.payload, 1, 280), frm.created_at FROM events ev
			 JOIN frames frm ON frm.frame_id = ev.frame_id
			 WHERE LOWER(CONVERT(ev.payload USING utf8mb4)) LIKE ?`+scope,
			append([]any{like}, scopeArgs...)...)
		if err != nil {
			return nil, types.Wrap(types.CodeStoreUnavailable, "search events like", err)
		}
		for rows.Next() {
			var h storage.SearchHit
			h.Kind = "event"
			var payload []byte
			if err := rows.Scan(&h.FrameID, &payload, &h.CreatedAt); err != nil {
				rows.Close()
				return nil, types.Wrap(types.CodeStoreUnavailable, "scan event like hit", err)
			}
			h.Snippet = string(payload)
			h.BM25Score = termOccurrenceScore(h.Snippet, terms)
			hits = append(hits, h)
		}
		rows.Close()
	}

	if wantKind("anchor") {
		rows, err := s.db.QueryContext(ctx,
			`SELECT an.frame_id, an.text, frm.created_at FROM anchors an
			 JOIN frames frm ON frm.frame_id = an.frame_id
			 WHERE LOWER(an.text) LIKE ?`+scope,
			append([]any{like}, scopeArgs...)...)
		if err != nil {
			return nil, types.Wrap(types.CodeStoreUnavailable, "search anchors like", err)
		}
		for rows.Next() {
			var h storage.SearchHit
			h.Kind = "anchor"
			if err := rows.Scan(&h.FrameID, &h.Snippet, &h.CreatedAt); err != nil {
				rows.Close()
				return nil, types.Wrap(types.CodeStoreUnavailable, "scan anchor like hit", err)
			}
			h.BM25Score = termOccurrenceScore(h.Snippet, terms)
			hits = append(hits, h)
		}
		rows.Close()
	}

	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j-1].BM25Score < hits[j].BM25Score; j-- {
			hits[j-1], hits[j] = hits[j], hits[j-1]
		}
	}
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func termOccurrenceScore(text string, terms []string) float64 {
	lower := strings.ToLower(text)
	var score float64
	for _, t := range terms {
		score += float64(strings.Count(lower, t))
	}
	return score
}
