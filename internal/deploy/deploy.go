// Package deploy はインフラデプロイジョブの本体を提供します。
package deploy

import (
	"context"
	"fmt"

	"github.com/yourusername/ops-console/internal/jobs"
)

// Kind はジョブレジストリへ登録するジョブ種別名です。
const Kind = "deploy"

// Provisioner はデプロイの各段階を実行する外部コラボレーターです。
type Provisioner interface {
	Validate(ctx context.Context, scope string) error
	Provision(ctx context.Context, scope string) (endpoint string, err error)
	Configure(ctx context.Context, scope string, endpoint string) error
}

// Deployer はデプロイジョブの本体を組み立てます。
type Deployer struct {
	prov Provisioner
}

// NewDeployer は Deployer を作成します。
func NewDeployer(prov Provisioner) *Deployer {
	return &Deployer{prov: prov}
}

// Body はスコープキーに対するデプロイジョブ本体を返します。
// フェーズ: validating → provisioning → configuring → done。
func (d *Deployer) Body(scope string) jobs.Body {
	return func(ctx context.Context, pub *jobs.Publisher) error {
		if err := pub.Publish("validating", "デプロイ構成を検証しています", 0.1, nil); err != nil {
			return err
		}
		if err := d.prov.Validate(ctx, scope); err != nil {
			return fail(pub, fmt.Errorf("validation failed: %w", err))
		}

		if err := pub.Publish("provisioning", "リソースを作成しています", 0.45, nil); err != nil {
			return err
		}
		endpoint, err := d.prov.Provision(ctx, scope)
		if err != nil {
			return fail(pub, fmt.Errorf("provisioning failed: %w", err))
		}

		if err := pub.Publish("configuring", "リソースを設定しています", 0.8, map[string]any{
			"endpoint": endpoint,
		}); err != nil {
			return err
		}
		if err := d.prov.Configure(ctx, scope, endpoint); err != nil {
			return fail(pub, fmt.Errorf("configuration failed: %w", err))
		}

		return pub.Publish(jobs.PhaseDone, "デプロイが完了しました", 1, map[string]any{
			"endpoint": endpoint,
		})
	}
}

func fail(pub *jobs.Publisher, err error) error {
	_ = pub.Publish(jobs.PhaseError, err.Error(), 1, nil)
	return err
}
