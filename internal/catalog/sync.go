// Package catalog はサービスカタログ再同期ジョブの本体を提供します。
// コントロールプレーン呼び出しとカタログ保存は外部コラボレーターで、
// この本体はフェーズ進行と進捗発行のみを担います。
package catalog

import (
	"context"
	"fmt"

	"github.com/yourusername/ops-console/internal/jobs"
)

// Kind はジョブレジストリへ登録するジョブ種別名です。
const Kind = "catalog-sync"

// Service は再同期対象の1サービスです。
type Service struct {
	Name string
	Type string
}

// ControlPlane はクラウド側のサービス一覧を提供します。
type ControlPlane interface {
	ListServices(ctx context.Context, scope string) ([]Service, error)
}

// Store はカタログの保存先です。
type Store interface {
	Contains(ctx context.Context, name string) (bool, error)
	Insert(ctx context.Context, svc Service) error
	Count(ctx context.Context) (int, error)
}

// Syncer は再同期ジョブの本体を組み立てます。
type Syncer struct {
	cp    ControlPlane
	store Store
}

// NewSyncer は Syncer を作成します。
func NewSyncer(cp ControlPlane, store Store) *Syncer {
	return &Syncer{cp: cp, store: store}
}

// Body はスコープキーに対する再同期ジョブ本体を返します。
// フェーズ: connecting → scanning → filtering → inserting(対象ごと) → done。
// 失敗時は error 終了イベントを自ら発行します。
func (s *Syncer) Body(scope string) jobs.Body {
	return func(ctx context.Context, pub *jobs.Publisher) error {
		if err := pub.Publish("connecting", "コントロールプレーンへ接続しています", 0.02, nil); err != nil {
			return err
		}

		services, err := s.cp.ListServices(ctx, scope)
		if err != nil {
			return fail(pub, fmt.Errorf("failed to list services: %w", err))
		}
		if err := pub.Publish("scanning", "サービス一覧を取得しました", 0.3, map[string]any{
			"discovered": len(services),
		}); err != nil {
			return err
		}

		var missing []Service
		for _, svc := range services {
			known, err := s.store.Contains(ctx, svc.Name)
			if err != nil {
				return fail(pub, fmt.Errorf("failed to check catalog for %s: %w", svc.Name, err))
			}
			if !known {
				missing = append(missing, svc)
			}
		}
		if err := pub.Publish("filtering", "未登録サービスを抽出しました", 0.5, map[string]any{
			"candidates": len(missing),
		}); err != nil {
			return err
		}

		for i, svc := range missing {
			if err := s.store.Insert(ctx, svc); err != nil {
				return fail(pub, fmt.Errorf("failed to insert %s: %w", svc.Name, err))
			}
			progress := 0.6
			if len(missing) > 1 {
				progress += 0.35 * float64(i) / float64(len(missing)-1)
			}
			if err := pub.Publish("inserting", svc.Name, progress, nil); err != nil {
				return err
			}
		}

		total, err := s.store.Count(ctx)
		if err != nil {
			return fail(pub, fmt.Errorf("failed to count catalog: %w", err))
		}
		return pub.Publish(jobs.PhaseDone, "再同期が完了しました", 1, map[string]any{
			"new_services_added": len(missing),
			"total_in_catalog":   total,
		})
	}
}

// fail は error 終了イベントを発行してから元のエラーを返します。
// 発行できなかった場合はレジストリの安全網が終了イベントを合成します。
func fail(pub *jobs.Publisher, err error) error {
	_ = pub.Publish(jobs.PhaseError, err.Error(), 1, nil)
	return err
}
