package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/recapd/recapd/pkg/models"
)

// SummaryService persists and queries Summary records.
type SummaryService struct {
	db *sql.DB
}

// NewSummaryService creates a SummaryService over the given pool.
func NewSummaryService(db *sql.DB) *SummaryService {
	return &SummaryService{db: db}
}

const summaryColumns = `id, channel_id, guild_id, fingerprint, start_time, end_time,
	message_count, body, key_points, action_items, technical_terms, participants,
	meta, warnings, created_at`

// Save inserts a new summary. Summaries are immutable; duplicates by primary
// key fail with ErrConstraint.
func (s *SummaryService) Save(ctx context.Context, summary *models.Summary) error {
	return s.save(ctx, s.db, summary)
}

// SaveTx inserts a summary inside an existing transaction.
func (s *SummaryService) SaveTx(ctx context.Context, tx *sql.Tx, summary *models.Summary) error {
	return s.save(ctx, tx, summary)
}

func (s *SummaryService) save(ctx context.Context, q querier, summary *models.Summary) error {
	keyPoints, err := json.Marshal(summary.KeyPoints)
	if err != nil {
		return marshalErr("key_points", err)
	}
	actionItems, err := json.Marshal(summary.ActionItems)
	if err != nil {
		return marshalErr("action_items", err)
	}
	terms, err := json.Marshal(summary.Terms)
	if err != nil {
		return marshalErr("technical_terms", err)
	}
	participants, err := json.Marshal(summary.Participants)
	if err != nil {
		return marshalErr("participants", err)
	}
	meta, err := json.Marshal(summary.Meta)
	if err != nil {
		return marshalErr("meta", err)
	}
	warnings, err := json.Marshal(summary.Warnings)
	if err != nil {
		return marshalErr("warnings", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO summaries (`+summaryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		summary.ID, summary.ChannelID, summary.GuildID, summary.Fingerprint,
		summary.StartTime, summary.EndTime, summary.MessageCount, summary.Body,
		keyPoints, actionItems, terms, participants, meta, warnings, summary.CreatedAt,
	)
	return mapDBError("save summary", err)
}

// Get fetches a summary by ID.
func (s *SummaryService) Get(ctx context.Context, id string) (*models.Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+summaryColumns+` FROM summaries WHERE id = $1`, id)
	summary, err := scanSummary(row)
	if err != nil {
		return nil, mapDBError("get summary", err)
	}
	return summary, nil
}

// Find returns summaries matching the criteria, newest first by default.
// orderAsc flips to oldest-first.
func (s *SummaryService) Find(ctx context.Context, criteria models.SummaryCriteria, limit, offset int, orderAsc bool) ([]*models.Summary, error) {
	where, args := buildSummaryWhere(criteria)
	order := "DESC"
	if orderAsc {
		order = "ASC"
	}
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, offset)

	query := fmt.Sprintf(`SELECT `+summaryColumns+` FROM summaries %s
		ORDER BY created_at %s LIMIT $%d OFFSET $%d`,
		where, order, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapDBError("find summaries", err)
	}
	defer rows.Close()

	var out []*models.Summary
	for rows.Next() {
		summary, err := scanSummary(rows)
		if err != nil {
			return nil, mapDBError("find summaries", err)
		}
		out = append(out, summary)
	}
	return out, mapDBError("find summaries", rows.Err())
}

// Count returns the number of summaries matching the criteria.
func (s *SummaryService) Count(ctx context.Context, criteria models.SummaryCriteria) (int, error) {
	where, args := buildSummaryWhere(criteria)
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM summaries `+where, args...).Scan(&count)
	if err != nil {
		return 0, mapDBError("count summaries", err)
	}
	return count, nil
}

// GetByChannel returns the most recent summaries for a channel.
func (s *SummaryService) GetByChannel(ctx context.Context, channelID string, limit int) ([]*models.Summary, error) {
	return s.Find(ctx, models.SummaryCriteria{ChannelID: channelID}, limit, 0, false)
}

// Delete removes a summary by ID.
func (s *SummaryService) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM summaries WHERE id = $1`, id)
	if err != nil {
		return mapDBError("delete summary", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return mapDBError("delete summary", err)
	}
	if affected == 0 {
		return mapDBError("delete summary", sql.ErrNoRows)
	}
	return nil
}

func buildSummaryWhere(criteria models.SummaryCriteria) (string, []any) {
	var clauses []string
	var args []any
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if criteria.GuildID != "" {
		add("guild_id = $%d", criteria.GuildID)
	}
	if criteria.ChannelID != "" {
		add("channel_id = $%d", criteria.ChannelID)
	}
	if !criteria.After.IsZero() {
		add("created_at >= $%d", criteria.After)
	}
	if !criteria.Before.IsZero() {
		add("created_at < $%d", criteria.Before)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSummary(row rowScanner) (*models.Summary, error) {
	var (
		summary      models.Summary
		keyPoints    []byte
		actionItems  []byte
		terms        []byte
		participants []byte
		meta         []byte
		warnings     []byte
	)
	err := row.Scan(
		&summary.ID, &summary.ChannelID, &summary.GuildID, &summary.Fingerprint,
		&summary.StartTime, &summary.EndTime, &summary.MessageCount, &summary.Body,
		&keyPoints, &actionItems, &terms, &participants, &meta, &warnings,
		&summary.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	for _, field := range []struct {
		data []byte
		dst  any
	}{
		{keyPoints, &summary.KeyPoints},
		{actionItems, &summary.ActionItems},
		{terms, &summary.Terms},
		{participants, &summary.Participants},
		{meta, &summary.Meta},
		{warnings, &summary.Warnings},
	} {
		if err := json.Unmarshal(field.data, field.dst); err != nil {
			return nil, err
		}
	}

	summary.StartTime = summary.StartTime.UTC()
	summary.EndTime = summary.EndTime.UTC()
	summary.CreatedAt = summary.CreatedAt.UTC()
	return &summary, nil
}
