package pg

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"wagate/internal/domain"
	"wagate/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

// instances

func (s *Store) UpsertInstance(ctx context.Context, in store.Instance) error {
	cfg, _ := json.Marshal(in.Official)
	_, err := s.DB.Exec(ctx, `
		INSERT INTO instances (name, variant, status, identity, webhook_url, token, config, created_at, last_activity)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)
		ON CONFLICT (name) DO UPDATE SET
			variant=EXCLUDED.variant, webhook_url=EXCLUDED.webhook_url, token=EXCLUDED.token,
			config=EXCLUDED.config, last_activity=EXCLUDED.last_activity
	`, in.Name, in.Variant, in.Status, nullIfEmpty(in.Identity), nullIfEmpty(in.WebhookURL), nullIfEmpty(in.Token), cfg, in.CreatedAt)
	return err
}

const instanceColumns = `name, variant, status, COALESCE(identity,''), COALESCE(webhook_url,''), COALESCE(token,''), config, created_at, last_activity`

func scanInstance(row pgx.Row) (store.Instance, error) {
	var in store.Instance
	var cfg []byte
	if err := row.Scan(&in.Name, &in.Variant, &in.Status, &in.Identity, &in.WebhookURL, &in.Token, &cfg, &in.CreatedAt, &in.LastActivity); err != nil {
		return store.Instance{}, err
	}
	_ = json.Unmarshal(cfg, &in.Official)
	return in, nil
}

func (s *Store) GetInstance(ctx context.Context, name string) (store.Instance, bool, error) {
	in, err := scanInstance(s.DB.QueryRow(ctx, `SELECT `+instanceColumns+` FROM instances WHERE name=$1`, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Instance{}, false, nil
		}
		return store.Instance{}, false, err
	}
	return in, true, nil
}

func (s *Store) ListInstances(ctx context.Context) ([]store.Instance, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+instanceColumns+` FROM instances ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Instance
	for rows.Next() {
		in, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (s *Store) UpdateInstanceStatus(ctx context.Context, name string, status domain.InstanceStatus, identity string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE instances SET status=$2, identity=COALESCE($3, identity), last_activity=$4 WHERE name=$1
	`, name, status, nullIfEmpty(identity), now)
	return err
}

func (s *Store) DeleteInstance(ctx context.Context, name string) error {
	_, err := s.DB.Exec(ctx, `DELETE FROM instances WHERE name=$1`, name)
	return err
}

// scheduled messages

func (s *Store) InsertScheduled(ctx context.Context, m store.ScheduledMessage) error {
	var mediaURL, mediaType, caption, fileName string
	if m.Media != nil {
		mediaURL, mediaType, caption, fileName = m.Media.URL, string(m.Media.Type), m.Media.Caption, m.Media.FileName
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO scheduled_messages (id, instance_name, recipient, text, media_url, media_type, caption, file_name,
			scheduled_at, status, job_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)
	`, m.ID, m.Instance, m.Recipient, nullIfEmpty(m.Text), nullIfEmpty(mediaURL), nullIfEmpty(mediaType),
		nullIfEmpty(caption), nullIfEmpty(fileName), m.ScheduledAt, m.Status, nullIfEmpty(m.JobID), m.CreatedAt)
	return err
}

func (s *Store) GetScheduled(ctx context.Context, id string) (store.ScheduledMessage, bool, error) {
	var m store.ScheduledMessage
	var mediaURL, mediaType, caption, fileName string
	err := s.DB.QueryRow(ctx, `
		SELECT id, instance_name, recipient, COALESCE(text,''), COALESCE(media_url,''), COALESCE(media_type,''),
		       COALESCE(caption,''), COALESCE(file_name,''), scheduled_at, status, retry_count,
		       COALESCE(last_error,''), COALESCE(provider_msg_id,''), COALESCE(job_id,''), sent_at, created_at, updated_at
		FROM scheduled_messages WHERE id=$1
	`, id).Scan(&m.ID, &m.Instance, &m.Recipient, &m.Text, &mediaURL, &mediaType, &caption, &fileName,
		&m.ScheduledAt, &m.Status, &m.RetryCount, &m.LastError, &m.ProviderMsgID, &m.JobID, &m.SentAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ScheduledMessage{}, false, nil
		}
		return store.ScheduledMessage{}, false, err
	}
	if mediaURL != "" {
		m.Media = &domain.Media{URL: mediaURL, Type: domain.MediaType(mediaType), Caption: caption, FileName: fileName}
	}
	return m, true, nil
}

func (s *Store) SetScheduledJob(ctx context.Context, id, jobID string) error {
	_, err := s.DB.Exec(ctx, `UPDATE scheduled_messages SET job_id=$2 WHERE id=$1`, id, jobID)
	return err
}

func (s *Store) MarkScheduledSent(ctx context.Context, id, providerMsgID string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE scheduled_messages SET status='sent', provider_msg_id=$2, sent_at=$3, updated_at=$3, last_error=NULL
		WHERE id=$1
	`, id, providerMsgID, now)
	return err
}

// RecordScheduledFailure counts one failed attempt without leaving pending.
func (s *Store) RecordScheduledFailure(ctx context.Context, id, lastError string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE scheduled_messages SET retry_count=retry_count+1, last_error=$2, updated_at=$3 WHERE id=$1
	`, id, lastError, now)
	return err
}

func (s *Store) MarkScheduledFailed(ctx context.Context, id, lastError string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE scheduled_messages SET status='failed', last_error=$2, updated_at=$3 WHERE id=$1 AND status='pending'
	`, id, lastError, now)
	return err
}

// CancelScheduled moves a pending message to cancelled. It reports false when
// the message was no longer pending.
func (s *Store) CancelScheduled(ctx context.Context, id string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE scheduled_messages SET status='cancelled', updated_at=$2 WHERE id=$1 AND status='pending'
	`, id, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// campaigns

func (s *Store) InsertCampaign(ctx context.Context, c store.Campaign) error {
	recipients, err := json.Marshal(c.Recipients)
	if err != nil {
		return err
	}
	var mediaURL, mediaType string
	if c.Media != nil {
		mediaURL, mediaType = c.Media.URL, string(c.Media.Type)
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO campaigns (id, instance_name, message, media_url, media_type, delay_ms, recipients, status, job_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
	`, c.ID, c.Instance, nullIfEmpty(c.Message), nullIfEmpty(mediaURL), nullIfEmpty(mediaType), c.DelayMs, recipients,
		c.Status, nullIfEmpty(c.JobID), c.CreatedAt)
	return err
}

func (s *Store) GetCampaign(ctx context.Context, id string) (store.Campaign, bool, error) {
	var c store.Campaign
	var mediaURL, mediaType string
	var recipients []byte
	err := s.DB.QueryRow(ctx, `
		SELECT id, instance_name, COALESCE(message,''), COALESCE(media_url,''), COALESCE(media_type,''), delay_ms,
		       recipients, sent_count, failed_count, progress, status, COALESCE(last_error,''), COALESCE(job_id,''),
		       COALESCE(runner,''), runner_at, created_at, updated_at, started_at, finished_at
		FROM campaigns WHERE id=$1
	`, id).Scan(&c.ID, &c.Instance, &c.Message, &mediaURL, &mediaType, &c.DelayMs, &recipients,
		&c.SentCount, &c.FailedCount, &c.Progress, &c.Status, &c.LastError, &c.JobID,
		&c.Runner, &c.RunnerAt, &c.CreatedAt, &c.UpdatedAt, &c.StartedAt, &c.FinishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Campaign{}, false, nil
		}
		return store.Campaign{}, false, err
	}
	if err := json.Unmarshal(recipients, &c.Recipients); err != nil {
		return store.Campaign{}, false, err
	}
	if mediaURL != "" {
		c.Media = &domain.Media{URL: mediaURL, Type: domain.MediaType(mediaType)}
	}
	return c, true, nil
}

func (s *Store) SetCampaignJob(ctx context.Context, id, jobID string) error {
	_, err := s.DB.Exec(ctx, `UPDATE campaigns SET job_id=$2 WHERE id=$1`, id, jobID)
	return err
}

// SetCampaignStatus moves a campaign to status only if it is currently in one
// of from. It reports whether a row changed.
func (s *Store) SetCampaignStatus(ctx context.Context, id string, status domain.CampaignStatus, from []domain.CampaignStatus, now time.Time) (bool, error) {
	allowed := make([]string, 0, len(from))
	for _, f := range from {
		allowed = append(allowed, string(f))
	}
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaigns SET status=$2, updated_at=$3,
			started_at = CASE WHEN $2='running' THEN COALESCE(started_at, $3) ELSE started_at END,
			finished_at = CASE WHEN $2 IN ('completed','failed','cancelled') THEN $3 ELSE finished_at END
		WHERE id=$1 AND status = ANY($4)
	`, id, status, now, allowed)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// AcquireCampaign hands the campaign to runner and returns the row as the
// previous runner left it. It fails when jobID no longer owns the campaign or
// a runner seen after staleBefore still holds it.
func (s *Store) AcquireCampaign(ctx context.Context, id, jobID, runner string, now, staleBefore time.Time) (store.Campaign, bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaigns SET status='running', runner=$3, runner_at=$4, updated_at=$4,
			started_at = COALESCE(started_at, $4)
		WHERE id=$1
		  AND status IN ('pending','running')
		  AND (job_id IS NULL OR job_id=$2)
		  AND (runner IS NULL OR runner=$3 OR runner_at < $5)
	`, id, jobID, runner, now, staleBefore)
	if err != nil {
		return store.Campaign{}, false, err
	}
	if ct.RowsAffected() == 0 {
		return store.Campaign{}, false, nil
	}
	return s.GetCampaign(ctx, id)
}

// TouchCampaign renews runner's hold. It reports false once the runner has
// lost the campaign.
func (s *Store) TouchCampaign(ctx context.Context, id, runner string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `UPDATE campaigns SET runner_at=$3 WHERE id=$1 AND runner=$2`, id, runner, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) SaveCampaignCounters(ctx context.Context, in store.CampaignCounters) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaigns SET sent_count=$3, failed_count=$4, progress=$5, updated_at=$6,
			runner = CASE WHEN $7 THEN NULL ELSE runner END,
			runner_at = CASE WHEN $7 THEN NULL ELSE $6 END
		WHERE id=$1 AND runner=$2
	`, in.ID, in.Runner, in.SentCount, in.FailedCount, in.Progress, in.Now, in.Release)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) FailCampaign(ctx context.Context, id, lastError string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE campaigns SET status='failed', last_error=$2, updated_at=$3, finished_at=$3
		WHERE id=$1 AND status IN ('pending','running')
	`, id, lastError, now)
	return err
}

// webhooks

func (s *Store) UpsertWebhook(ctx context.Context, w store.WebhookConfig) error {
	headers, _ := json.Marshal(w.Headers)
	if w.EventTypes == nil {
		w.EventTypes = []string{}
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO webhooks (instance_name, url, enabled, headers, timeout_ms, max_retries, event_types, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)
		ON CONFLICT (instance_name) DO UPDATE SET
			url=EXCLUDED.url, enabled=EXCLUDED.enabled, headers=EXCLUDED.headers, timeout_ms=EXCLUDED.timeout_ms,
			max_retries=EXCLUDED.max_retries, event_types=EXCLUDED.event_types, updated_at=EXCLUDED.updated_at
	`, w.Instance, w.URL, w.Enabled, headers, w.TimeoutMs, w.MaxRetries, w.EventTypes, w.UpdatedAt)
	return err
}

func (s *Store) GetWebhook(ctx context.Context, instance string) (store.WebhookConfig, bool, error) {
	var w store.WebhookConfig
	var headers []byte
	err := s.DB.QueryRow(ctx, `
		SELECT instance_name, url, enabled, headers, timeout_ms, max_retries, event_types, created_at, updated_at
		FROM webhooks WHERE instance_name=$1
	`, instance).Scan(&w.Instance, &w.URL, &w.Enabled, &headers, &w.TimeoutMs, &w.MaxRetries, &w.EventTypes, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.WebhookConfig{}, false, nil
		}
		return store.WebhookConfig{}, false, err
	}
	_ = json.Unmarshal(headers, &w.Headers)
	return w, true, nil
}

func (s *Store) DeleteWebhook(ctx context.Context, instance string) (bool, error) {
	ct, err := s.DB.Exec(ctx, `DELETE FROM webhooks WHERE instance_name=$1`, instance)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) InsertWebhookAttempt(ctx context.Context, a store.WebhookAttempt) error {
	var code any
	if a.StatusCode > 0 {
		code = a.StatusCode
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO webhook_attempts (id, instance_name, event_type, url, status, status_code, attempt, duration_ms,
			error, error_type, response_body, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, a.ID, a.Instance, a.EventType, a.URL, a.Status, code, a.Attempt, a.DurationMs,
		nullIfEmpty(a.Error), nullIfEmpty(a.ErrorType), nullIfEmpty(a.ResponseBody), a.CreatedAt)
	return err
}

// ListWebhookAttempts returns attempts newest first.
func (s *Store) ListWebhookAttempts(ctx context.Context, instance string, f store.AttemptFilter) ([]store.WebhookAttempt, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, instance_name, event_type, url, status, COALESCE(status_code,0), attempt, duration_ms,
		       COALESCE(error,''), COALESCE(error_type,''), COALESCE(response_body,''), created_at
		FROM webhook_attempts
		WHERE instance_name=$1
		  AND ($2 = '' OR event_type=$2)
		  AND ($3 = '' OR status=$3)
		  AND created_at >= $4
		ORDER BY created_at DESC, id DESC
		LIMIT $5
	`, instance, f.EventType, f.Status, f.Since, f.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []store.WebhookAttempt{}
	for rows.Next() {
		var a store.WebhookAttempt
		if err := rows.Scan(&a.ID, &a.Instance, &a.EventType, &a.URL, &a.Status, &a.StatusCode, &a.Attempt, &a.DurationMs,
			&a.Error, &a.ErrorType, &a.ResponseBody, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) WebhookStats(ctx context.Context, instance string, since time.Time) (store.WebhookStats, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT event_type, status, count(*), COALESCE(sum(duration_ms),0)
		FROM webhook_attempts
		WHERE instance_name=$1 AND created_at >= $2
		GROUP BY event_type, status
	`, instance, since)
	if err != nil {
		return store.WebhookStats{}, err
	}
	defer rows.Close()

	st := store.WebhookStats{ByEventType: map[string]store.EventTypeStats{}}
	var successDuration int64
	for rows.Next() {
		var eventType, status string
		var n int
		var dur int64
		if err := rows.Scan(&eventType, &status, &n, &dur); err != nil {
			return store.WebhookStats{}, err
		}
		st.Total += n
		et := st.ByEventType[eventType]
		et.Total += n
		switch status {
		case store.AttemptSuccess:
			st.Success += n
			et.Success += n
			successDuration += dur
		case store.AttemptTimeout:
			st.Timeout += n
			et.Error += n
		case store.AttemptFailed:
			st.Failed += n
			et.Error += n
		default:
			st.Error += n
			et.Error += n
		}
		st.ByEventType[eventType] = et
	}
	if err := rows.Err(); err != nil {
		return store.WebhookStats{}, err
	}
	if st.Success > 0 {
		st.AvgDurationMs = math.Round(float64(successDuration) / float64(st.Success))
	}
	if st.Total > 0 {
		st.SuccessRate = math.Round(float64(st.Success)/float64(st.Total)*10000) / 100
	}
	return st, nil
}

func (s *Store) PruneWebhookAttempts(ctx context.Context, olderThan time.Time) (int64, error) {
	ct, err := s.DB.Exec(ctx, `DELETE FROM webhook_attempts WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

func (s *Store) Ping(ctx context.Context) error { return s.DB.Ping(ctx) }

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
