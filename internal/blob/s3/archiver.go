package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MOMISBACK/pactengine/internal/domain"
)

var _ domain.Archiver = (*ArchiveImpl)(nil)

// ChallengeArchiveStore is the slice of domain.ChallengeStore the archiver
// needs.
type ChallengeArchiveStore interface {
	ListTerminalBefore(ctx context.Context, before time.Time, limit int) ([]domain.Challenge, error)
	Delete(ctx context.Context, id string) error
}

// TransactionArchiveStore reads the ledger entries of one challenge.
type TransactionArchiveStore interface {
	ListByChallenge(ctx context.Context, challengeID string) ([]domain.DiamondTransaction, error)
}

// archivedChallenge is the object written for each challenge.
type archivedChallenge struct {
	Challenge    domain.Challenge            `json:"challenge"`
	Transactions []domain.DiamondTransaction `json:"transactions"`
	ArchivedAt   time.Time                   `json:"archived_at"`
}

// manifestLine is one row of the per-run JSONL manifest.
type manifestLine struct {
	ChallengeID string                `json:"challenge_id"`
	State       domain.ChallengeState `json:"state"`
	Path        string                `json:"path"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

const defaultArchiveBatch = 200

// ArchiveImpl implements domain.Archiver. Each terminal challenge is written
// to archive/challenges/YYYY-MM/<id>.json with its ledger entries, then
// removed from the primary store. The ledger rows themselves are kept.
type ArchiveImpl struct {
	writer     domain.BlobWriter
	challenges ChallengeArchiveStore
	txs        TransactionArchiveStore
	audit      domain.AuditStore
	batch      int
	nowFn      func() time.Time
	logger     *slog.Logger
}

// NewArchiver creates a new ArchiveImpl. audit may be nil.
func NewArchiver(
	writer domain.BlobWriter,
	challenges ChallengeArchiveStore,
	txs TransactionArchiveStore,
	audit domain.AuditStore,
	batch int,
	logger *slog.Logger,
) *ArchiveImpl {
	if batch <= 0 {
		batch = defaultArchiveBatch
	}
	return &ArchiveImpl{
		writer:     writer,
		challenges: challenges,
		txs:        txs,
		audit:      audit,
		batch:      batch,
		nowFn:      func() time.Time { return time.Now().UTC() },
		logger:     logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveChallenge uploads one challenge with its transactions.
func (a *ArchiveImpl) ArchiveChallenge(ctx context.Context, c domain.Challenge, txs []domain.DiamondTransaction) error {
	_, err := a.put(ctx, c, txs)
	return err
}

func (a *ArchiveImpl) put(ctx context.Context, c domain.Challenge, txs []domain.DiamondTransaction) (string, error) {
	if txs == nil {
		txs = []domain.DiamondTransaction{}
	}
	data, err := json.Marshal(archivedChallenge{
		Challenge:    c,
		Transactions: txs,
		ArchivedAt:   a.nowFn(),
	})
	if err != nil {
		return "", fmt.Errorf("s3blob: marshal challenge %s: %w", c.ID, err)
	}

	path := challengePath(c)
	if err := a.writer.Put(ctx, path, bytes.NewReader(data), "application/json"); err != nil {
		return "", fmt.Errorf("s3blob: archive challenge %s: %w", c.ID, err)
	}
	return path, nil
}

// ArchiveBefore moves every terminal challenge last updated before the
// cutoff to object storage in batches, then writes a JSONL manifest of the
// run. It stops at the first failed upload; challenges already moved stay
// moved.
func (a *ArchiveImpl) ArchiveBefore(ctx context.Context, before time.Time) (int64, error) {
	var (
		moved    int64
		manifest []manifestLine
		runErr   error
	)

	for runErr == nil {
		batch, err := a.challenges.ListTerminalBefore(ctx, before, a.batch)
		if err != nil {
			runErr = fmt.Errorf("s3blob: list terminal challenges: %w", err)
			break
		}
		if len(batch) == 0 {
			break
		}

		for _, c := range batch {
			path, err := a.archiveOne(ctx, c)
			if err != nil {
				runErr = err
				break
			}
			moved++
			manifest = append(manifest, manifestLine{
				ChallengeID: c.ID,
				State:       c.State,
				Path:        path,
				UpdatedAt:   c.UpdatedAt,
			})
		}
	}

	if len(manifest) > 0 {
		if err := a.writeManifest(ctx, before, manifest); err != nil {
			runErr = errors.Join(runErr, err)
		}
	}

	if a.audit != nil && (moved > 0 || runErr != nil) {
		detail := map[string]any{
			"count":  moved,
			"before": before.Format(time.RFC3339),
		}
		if runErr != nil {
			detail["error"] = runErr.Error()
		}
		if err := a.audit.Log(ctx, "archive.challenges", detail); err != nil {
			a.logger.WarnContext(ctx, "archiver: audit log failed", slog.String("error", err.Error()))
		}
	}

	a.logger.InfoContext(ctx, "archiver: run finished",
		slog.Int64("archived", moved),
		slog.Time("before", before),
	)
	return moved, runErr
}

func (a *ArchiveImpl) archiveOne(ctx context.Context, c domain.Challenge) (string, error) {
	txs, err := a.txs.ListByChallenge(ctx, c.ID)
	if err != nil {
		return "", fmt.Errorf("s3blob: list transactions for %s: %w", c.ID, err)
	}
	path, err := a.put(ctx, c, txs)
	if err != nil {
		return "", err
	}
	if err := a.challenges.Delete(ctx, c.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return "", fmt.Errorf("s3blob: delete archived challenge %s: %w", c.ID, err)
	}
	return path, nil
}

func (a *ArchiveImpl) writeManifest(ctx context.Context, before time.Time, lines []manifestLine) error {
	buf, err := marshalJSONL(lines)
	if err != nil {
		return fmt.Errorf("s3blob: marshal manifest: %w", err)
	}
	path := fmt.Sprintf("archive/manifests/%s.jsonl", before.UTC().Format("2006-01-02T150405Z"))
	if err := a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), 0); err != nil {
		return fmt.Errorf("s3blob: upload manifest: %w", err)
	}
	return nil
}

// challengePath buckets archives by the month the challenge last changed.
func challengePath(c domain.Challenge) string {
	return fmt.Sprintf("archive/challenges/%s/%s.json", c.UpdatedAt.UTC().Format("2006-01"), c.ID)
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
