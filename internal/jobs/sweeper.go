package jobs

import (
	"context"
	"log"
	"time"

	"github.com/mesmeriz2/PDF-compressor/internal/files"
)

// Sweeper は保持期限を過ぎた終端ジョブのファイルとレコードを回収します。
type Sweeper struct {
	store     *Store
	files     *files.Service
	retention time.Duration
	logger    *log.Logger
	now       func() time.Time
}

// NewSweeper は Sweeper を作成します。
func NewSweeper(store *Store, fileSvc *files.Service, retention time.Duration, logger *log.Logger) *Sweeper {
	if logger == nil {
		logger = log.Default()
	}
	return &Sweeper{
		store:     store,
		files:     fileSvc,
		retention: retention,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SweepOnce は回収を1回実行し、削除したジョブ数を返します。
// 各ジョブの後始末は独立で、1件の失敗が残りの処理を止めることはありません。
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := s.now()

	expired, err := s.store.ListExpired(ctx, now, s.retention, 500)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, job := range expired {
		if err := s.files.Remove(s.files.UploadPath(job.StoredName)); err != nil {
			s.logger.Printf("sweep: failed to remove upload job=%s: %v", job.ID, err)
		}

		if job.ResultFile != nil {
			// 重複排除で同じ成果物を参照する未期限のジョブが残っている間は
			// 成果物本体を消さない
			inUse, err := s.store.ResultInUse(ctx, *job.ResultFile, job.ID, now)
			if err != nil {
				s.logger.Printf("sweep: failed to check result references job=%s: %v", job.ID, err)
			} else if !inUse {
				if err := s.files.Remove(s.files.ResultPath(*job.ResultFile)); err != nil {
					s.logger.Printf("sweep: failed to remove result job=%s: %v", job.ID, err)
				}
			}
		}

		if err := s.store.Delete(ctx, job.ID); err != nil {
			s.logger.Printf("sweep: failed to delete record job=%s: %v", job.ID, err)
			continue
		}
		removed++
	}

	return removed, nil
}
