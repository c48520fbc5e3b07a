package rewards

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"

	"github.com/audionet/verifier/internal/faults"
	"github.com/audionet/verifier/internal/metrics"
)

const schema = `
CREATE TABLE IF NOT EXISTS reward_users (
	wallet                     TEXT PRIMARY KEY,
	total_points               BIGINT NOT NULL DEFAULT 0,
	total_submissions          BIGINT NOT NULL DEFAULT 0,
	average_rarity_score       DOUBLE PRECISION NOT NULL DEFAULT 0,
	tier                       TEXT NOT NULL DEFAULT 'Contributor',
	first_bulk_contributions   BIGINT NOT NULL DEFAULT 0,
	rare_subject_contributions BIGINT NOT NULL DEFAULT 0,
	created_at                 TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at                 TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS submission_records (
	session_id   TEXT PRIMARY KEY,
	wallet       TEXT NOT NULL REFERENCES reward_users(wallet),
	points       BIGINT NOT NULL,
	rarity_score DOUBLE PRECISION NOT NULL,
	multipliers  JSONB NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_submission_records_wallet ON submission_records (wallet);
`

// Applier settles awards against Postgres. All mutations for one award
// happen in a single transaction keyed on the session id, so reapplying
// the same award is a no-op.
type Applier struct {
	db      *sql.DB
	metrics *metrics.Metrics
	logger  *log.Logger
}

func NewApplier(db *sql.DB, m *metrics.Metrics) *Applier {
	return &Applier{
		db:      db,
		metrics: m,
		logger:  log.New(log.Writer(), "[REWARDS] ", log.LstdFlags),
	}
}

// InitSchema creates the reward tables.
func (a *Applier) InitSchema(ctx context.Context) error {
	if _, err := a.db.ExecContext(ctx, schema); err != nil {
		return faults.Wrap(faults.KindStorage, err, "create reward schema")
	}
	return nil
}

// Apply awards points for one approved session. A missing wallet skips
// silently; a session that was already settled leaves every total
// untouched.
func (a *Applier) Apply(ctx context.Context, award Award) error {
	if award.Contributor == "" {
		a.logger.Printf("session %s: no wallet identity, skipping award", award.SessionID)
		return nil
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return faults.Wrap(faults.KindStorage, err, "begin reward transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO reward_users (wallet) VALUES ($1) ON CONFLICT (wallet) DO NOTHING`,
		award.Contributor,
	); err != nil {
		return faults.Wrap(faults.KindStorage, err, "ensure reward user")
	}

	var (
		totalPoints      int64
		totalSubmissions int64
		avgRarity        float64
		firstBulk        int64
		rareSubjects     int64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT total_points, total_submissions, average_rarity_score,
		        first_bulk_contributions, rare_subject_contributions
		   FROM reward_users WHERE wallet = $1 FOR UPDATE`,
		award.Contributor,
	).Scan(&totalPoints, &totalSubmissions, &avgRarity, &firstBulk, &rareSubjects)
	if err != nil {
		return faults.Wrap(faults.KindStorage, err, "lock reward user")
	}

	var globalSubmissions int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM submission_records`,
	).Scan(&globalSubmissions); err != nil {
		return faults.Wrap(faults.KindStorage, err, "count submissions")
	}

	mults := ComputeMultipliers(award)
	mults.Early = EarlyMultiplier(globalSubmissions)
	points := Points(award.RarityScore, mults)

	breakdown, err := json.Marshal(mults)
	if err != nil {
		return faults.Wrap(faults.KindInternal, err, "encode multiplier breakdown")
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO submission_records (session_id, wallet, points, rarity_score, multipliers)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (session_id) DO NOTHING`,
		award.SessionID, award.Contributor, points, award.RarityScore, breakdown,
	)
	if err != nil {
		return faults.Wrap(faults.KindStorage, err, "insert submission record")
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return faults.Wrap(faults.KindStorage, err, "submission record rows affected")
	}
	if inserted == 0 {
		a.logger.Printf("session %s: award already applied", award.SessionID)
		return tx.Commit()
	}

	newTotal := totalPoints + points
	newSubmissions := totalSubmissions + 1
	newAvg := avgRarity + (award.RarityScore-avgRarity)/float64(newSubmissions)
	if award.IsFirstBulk {
		firstBulk++
	}
	if rareSubject(award.SubjectRarityTier) {
		rareSubjects++
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE reward_users
		    SET total_points = $1, total_submissions = $2, average_rarity_score = $3,
		        tier = $4, first_bulk_contributions = $5, rare_subject_contributions = $6,
		        updated_at = now()
		  WHERE wallet = $7`,
		newTotal, newSubmissions, newAvg, TierFor(newTotal), firstBulk, rareSubjects, award.Contributor,
	); err != nil {
		return faults.Wrap(faults.KindStorage, err, "update reward user")
	}

	if err := tx.Commit(); err != nil {
		return faults.Wrap(faults.KindStorage, err, "commit reward transaction")
	}

	if a.metrics != nil {
		a.metrics.AddPoints(points)
	}
	a.logger.Printf("session %s: awarded %d points to %s (tier %s)",
		award.SessionID, points, award.Contributor, TierFor(newTotal))
	return nil
}
