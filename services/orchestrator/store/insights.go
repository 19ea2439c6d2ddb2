// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/chrischrischristianyijin/quest-api/services/ingest"
	"github.com/chrischrischristianyijin/quest-api/services/orchestrator/datatypes"
)

// Store satisfies the ingestion pipeline's persistence surface.
var _ ingest.ContentStore = (*Store)(nil)

const insightColumns = `id, user_id, url, COALESCE(title,''), COALESCE(description,''),
	COALESCE(image_url,''), COALESCE(thought,''), created_at, updated_at`

func scanInsight(row pgx.Row) (*datatypes.Insight, error) {
	var ins datatypes.Insight
	err := row.Scan(&ins.ID, &ins.UserID, &ins.URL, &ins.Title, &ins.Description,
		&ins.ImageURL, &ins.Thought, &ins.CreatedAt, &ins.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &ins, nil
}

// CreateInsight inserts the skeleton row and its tag associations. Tags
// not owned by the user are silently dropped rather than failing the
// create.
func (s *Store) CreateInsight(ctx context.Context, ins *datatypes.Insight, tagIDs []uuid.UUID) error {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO insights (id, user_id, url, title, description, image_url, thought)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		ins.ID, ins.UserID, ins.URL, ins.Title, ins.Description, ins.ImageURL, ins.Thought,
	).Scan(&ins.CreatedAt, &ins.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert insight: %w", err)
	}

	for _, tagID := range tagIDs {
		_, err = tx.Exec(ctx, `
			INSERT INTO insight_tags (id, insight_id, tag_id, user_id)
			SELECT $1, $2, t.id, t.user_id
			FROM user_tags t
			WHERE t.id = $3 AND t.user_id = $4
			ON CONFLICT (insight_id, tag_id) DO NOTHING`,
			uuid.New(), ins.ID, tagID, ins.UserID)
		if err != nil {
			return fmt.Errorf("insert insight tag: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// GetInsight loads one insight with tags, enforcing ownership.
func (s *Store) GetInsight(ctx context.Context, insightID, userID uuid.UUID) (*datatypes.Insight, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	ins, err := scanInsight(s.pool.QueryRow(ctx,
		`SELECT `+insightColumns+` FROM insights WHERE id = $1`, insightID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get insight: %w", err)
	}
	if ins.UserID != userID {
		return nil, ErrForbidden
	}
	if err := s.attachTags(ctx, []*datatypes.Insight{ins}); err != nil {
		return nil, err
	}
	return ins, nil
}

// ListInsights returns one page of the user's insights, newest first,
// with an optional title/url substring filter.
func (s *Store) ListInsights(ctx context.Context, userID uuid.UUID, page, limit int, search string) ([]datatypes.Insight, int, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	where := `user_id = $1`
	args := []any{userID}
	if search != "" {
		where += ` AND (title ILIKE '%' || $2 || '%' OR url ILIKE '%' || $2 || '%')`
		args = append(args, search)
	}

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM insights WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count insights: %w", err)
	}

	args = append(args, limit, (page-1)*limit)
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM insights WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		insightColumns, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list insights: %w", err)
	}
	insights, err := collectInsights(rows)
	if err != nil {
		return nil, 0, err
	}
	if err := s.attachTagsSlice(ctx, insights); err != nil {
		return nil, 0, err
	}
	return insights, total, nil
}

// ListAllInsights returns every insight of the user, newest first.
func (s *Store) ListAllInsights(ctx context.Context, userID uuid.UUID) ([]datatypes.Insight, error) {
	return s.ListInsightsSince(ctx, userID, time.Time{})
}

// ListInsightsSince returns insights created or updated at/after since.
// A zero since returns everything.
func (s *Store) ListInsightsSince(ctx context.Context, userID uuid.UUID, since time.Time) ([]datatypes.Insight, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT `+insightColumns+`
		FROM insights
		WHERE user_id = $1 AND (created_at >= $2 OR updated_at >= $2)
		ORDER BY created_at DESC`,
		userID, since)
	if err != nil {
		return nil, fmt.Errorf("list insights since: %w", err)
	}
	insights, err := collectInsights(rows)
	if err != nil {
		return nil, err
	}
	if err := s.attachTagsSlice(ctx, insights); err != nil {
		return nil, err
	}
	return insights, nil
}

// SyncETag derives the incremental-sync ETag from the corpus state:
// max(updated_at) plus row count. Any insert, update, or delete changes it.
func (s *Store) SyncETag(ctx context.Context, userID uuid.UUID) (string, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	var maxUpdated *time.Time
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT max(updated_at), count(*) FROM insights WHERE user_id = $1`,
		userID).Scan(&maxUpdated, &count)
	if err != nil {
		return "", fmt.Errorf("sync etag: %w", err)
	}
	stamp := int64(0)
	if maxUpdated != nil {
		stamp = maxUpdated.UnixNano()
	}
	return fmt.Sprintf(`W/"%d-%d"`, stamp, count), nil
}

// UpdateInsight mutates user-editable fields and replaces tag
// associations when TagIDs is present.
func (s *Store) UpdateInsight(ctx context.Context, insightID, userID uuid.UUID, req *datatypes.UpdateInsightRequest) (*datatypes.Insight, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	ins, err := scanInsight(tx.QueryRow(ctx, `
		UPDATE insights
		SET title   = COALESCE($3, title),
		    thought = COALESCE($4, thought),
		    updated_at = now()
		WHERE id = $1 AND user_id = $2
		RETURNING `+insightColumns,
		insightID, userID, req.Title, req.Thought))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.notFoundOrForbidden(ctx, insightID)
	}
	if err != nil {
		return nil, fmt.Errorf("update insight: %w", err)
	}

	if req.TagIDs != nil {
		if _, err := tx.Exec(ctx,
			`DELETE FROM insight_tags WHERE insight_id = $1`, insightID); err != nil {
			return nil, fmt.Errorf("clear insight tags: %w", err)
		}
		for _, tagID := range *req.TagIDs {
			if _, err := tx.Exec(ctx, `
				INSERT INTO insight_tags (id, insight_id, tag_id, user_id)
				SELECT $1, $2, t.id, t.user_id
				FROM user_tags t WHERE t.id = $3 AND t.user_id = $4
				ON CONFLICT (insight_id, tag_id) DO NOTHING`,
				uuid.New(), insightID, tagID, userID); err != nil {
				return nil, fmt.Errorf("insert insight tag: %w", err)
			}
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	if err := s.attachTags(ctx, []*datatypes.Insight{ins}); err != nil {
		return nil, err
	}
	return ins, nil
}

// DeleteInsight removes the insight; contents, chunks, and tag rows
// cascade at the schema level.
func (s *Store) DeleteInsight(ctx context.Context, insightID, userID uuid.UUID) error {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM insights WHERE id = $1 AND user_id = $2`, insightID, userID)
	if err != nil {
		return fmt.Errorf("delete insight: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.notFoundOrForbidden(ctx, insightID)
	}
	return nil
}

// notFoundOrForbidden disambiguates a zero-row owner-scoped statement.
func (s *Store) notFoundOrForbidden(ctx context.Context, insightID uuid.UUID) error {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM insights WHERE id = $1)`, insightID).Scan(&exists); err != nil {
		return fmt.Errorf("ownership check: %w", err)
	}
	if exists {
		return ErrForbidden
	}
	return ErrNotFound
}

// UpdateInsightMetadata sets the final extracted metadata. Empty values
// leave the column untouched so user-supplied fields survive a thin
// extraction.
func (s *Store) UpdateInsightMetadata(ctx context.Context, insightID uuid.UUID, title, description, imageURL string) error {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		UPDATE insights
		SET title       = COALESCE(NULLIF($2, ''), title),
		    description = COALESCE(NULLIF($3, ''), description),
		    image_url   = COALESCE(NULLIF($4, ''), image_url),
		    updated_at  = now()
		WHERE id = $1`,
		insightID, title, description, imageURL)
	if err != nil {
		return fmt.Errorf("update insight metadata: %w", err)
	}
	return nil
}

// UpsertInsightContent writes the 1:1 content row keyed by insight_id.
func (s *Store) UpsertInsightContent(ctx context.Context, content *ingest.InsightContent) error {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO insight_contents
			(insight_id, user_id, url, html, text, markdown, summary, thought, content_type, extracted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (insight_id) DO UPDATE SET
			url = EXCLUDED.url,
			html = EXCLUDED.html,
			text = EXCLUDED.text,
			markdown = EXCLUDED.markdown,
			summary = EXCLUDED.summary,
			thought = EXCLUDED.thought,
			content_type = EXCLUDED.content_type,
			extracted_at = EXCLUDED.extracted_at`,
		content.InsightID, content.UserID, content.URL, content.HTML, content.Text,
		content.Markdown, content.Summary, content.Thought, content.ContentType,
		content.ExtractedAt)
	if err != nil {
		return fmt.Errorf("upsert insight content: %w", err)
	}
	return nil
}

// GetChunkSummary reports indexing state for one insight.
func (s *Store) GetChunkSummary(ctx context.Context, insightID, userID uuid.UUID) (*datatypes.ChunkSummary, error) {
	if _, err := s.GetInsight(ctx, insightID, userID); err != nil {
		return nil, err
	}

	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	summary := &datatypes.ChunkSummary{InsightID: insightID}
	err := s.pool.QueryRow(ctx, `
		SELECT count(*),
		       count(embedding),
		       COALESCE(max(embedding_model), ''),
		       COALESCE(max(chunk_method), ''),
		       COALESCE(sum(estimated_tokens), 0)
		FROM insight_chunks WHERE insight_id = $1`,
		insightID).Scan(&summary.TotalChunks, &summary.ChunksWithEmbedding,
		&summary.EmbeddingModel, &summary.ChunkMethod, &summary.TotalEstimatedTokens)
	if err != nil {
		return nil, fmt.Errorf("chunk summary: %w", err)
	}
	return summary, nil
}

// CountInsightsSince counts insights created or updated at/after since,
// the digest decision's has_insights input.
func (s *Store) CountInsightsSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM insights
		WHERE user_id = $1 AND (created_at >= $2 OR updated_at >= $2)`,
		userID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count insights since: %w", err)
	}
	return count, nil
}

// InsightSummaries returns the stored summary per insight, for digest
// rendering. Insights without content rows are simply absent.
func (s *Store) InsightSummaries(ctx context.Context, insightIDs []uuid.UUID) (map[uuid.UUID]string, error) {
	if len(insightIDs) == 0 {
		return map[uuid.UUID]string{}, nil
	}
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT insight_id, COALESCE(summary, '')
		FROM insight_contents WHERE insight_id = ANY($1)`,
		insightIDs)
	if err != nil {
		return nil, fmt.Errorf("load summaries: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]string, len(insightIDs))
	for rows.Next() {
		var id uuid.UUID
		var summary string
		if err := rows.Scan(&id, &summary); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		if summary != "" {
			out[id] = summary
		}
	}
	return out, rows.Err()
}

func collectInsights(rows pgx.Rows) ([]datatypes.Insight, error) {
	defer rows.Close()
	var out []datatypes.Insight
	for rows.Next() {
		ins, err := scanInsight(rows)
		if err != nil {
			return nil, fmt.Errorf("scan insight: %w", err)
		}
		out = append(out, *ins)
	}
	return out, rows.Err()
}

func (s *Store) attachTagsSlice(ctx context.Context, insights []datatypes.Insight) error {
	ptrs := make([]*datatypes.Insight, len(insights))
	for i := range insights {
		ptrs[i] = &insights[i]
	}
	return s.attachTags(ctx, ptrs)
}

// attachTags loads tag associations for a batch of insights in one query.
func (s *Store) attachTags(ctx context.Context, insights []*datatypes.Insight) error {
	if len(insights) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(insights))
	byID := make(map[uuid.UUID]*datatypes.Insight, len(insights))
	for i, ins := range insights {
		ids[i] = ins.ID
		byID[ins.ID] = ins
	}

	rows, err := s.pool.Query(ctx, `
		SELECT it.insight_id, t.id, t.user_id, t.name, COALESCE(t.color,''), t.created_at
		FROM insight_tags it
		JOIN user_tags t ON t.id = it.tag_id
		WHERE it.insight_id = ANY($1)
		ORDER BY t.name`,
		ids)
	if err != nil {
		return fmt.Errorf("load tags: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var insightID uuid.UUID
		var tag datatypes.Tag
		if err := rows.Scan(&insightID, &tag.ID, &tag.UserID, &tag.Name, &tag.Color, &tag.CreatedAt); err != nil {
			return fmt.Errorf("scan tag: %w", err)
		}
		if ins, ok := byID[insightID]; ok {
			ins.Tags = append(ins.Tags, tag)
		}
	}
	return rows.Err()
}
