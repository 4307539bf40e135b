package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/ops-console/internal/catalog"
	"github.com/yourusername/ops-console/internal/config"
	"github.com/yourusername/ops-console/internal/deploy"
	"github.com/yourusername/ops-console/internal/jobs"
)

const catalogSetKey = "catalog:services"

// setupJobs はジョブレジストリとAsynqワーカーを組み立てます。
func setupJobs(cfg *config.Config, logger *log.Logger) (*jobs.Registry, *jobs.Manager, *redis.Client, error) {
	opt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		return nil, nil, nil, err
	}
	redisClient := redis.NewClient(opt)

	ttlMinutes := cfg.JobExpireMinutes
	if ttlMinutes <= 0 {
		ttlMinutes = 60
	}
	store := jobs.NewStore(redisClient, time.Duration(ttlMinutes)*time.Minute)

	registry := jobs.NewRegistry(store, logger)
	manager, err := jobs.NewManager(cfg.QueueRedisURL, cfg.JobConcurrency, registry, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	registry.UseScheduler(manager)
	return registry, manager, redisClient, nil
}

// buildJobKinds は公開するジョブ種別と本体ファクトリの対応を組み立てます。
func buildJobKinds(cfg *config.Config, redisClient *redis.Client) jobs.KindSet {
	syncer := catalog.NewSyncer(
		&httpControlPlane{baseURL: cfg.ControlPlaneURL},
		&redisCatalogStore{rdb: redisClient},
	)
	deployer := deploy.NewDeployer(&httpProvisioner{baseURL: cfg.DeployAPIURL})

	return jobs.KindSet{
		catalog.Kind: syncer.Body,
		deploy.Kind:  deployer.Body,
	}
}

// httpControlPlane はコントロールプレーンAPIから稼働中サービスの一覧を取得します。
type httpControlPlane struct {
	baseURL string
	client  http.Client
}

func (p *httpControlPlane) ListServices(ctx context.Context, scope string) ([]catalog.Service, error) {
	u := fmt.Sprintf("%s/services?scope=%s", strings.TrimRight(p.baseURL, "/"), url.QueryEscape(scope))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("control plane returned %d", resp.StatusCode)
	}

	var payload struct {
		Services []struct {
			Name string `json:"name"`
			Type string `json:"type"`
		} `json:"services"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	services := make([]catalog.Service, len(payload.Services))
	for i, s := range payload.Services {
		services[i] = catalog.Service{Name: s.Name, Type: s.Type}
	}
	return services, nil
}

// redisCatalogStore はカタログをRedisのセットで保持します。
type redisCatalogStore struct {
	rdb *redis.Client
}

func (s *redisCatalogStore) Contains(ctx context.Context, name string) (bool, error) {
	return s.rdb.SIsMember(ctx, catalogSetKey, name).Result()
}

func (s *redisCatalogStore) Insert(ctx context.Context, svc catalog.Service) error {
	return s.rdb.SAdd(ctx, catalogSetKey, svc.Name).Err()
}

func (s *redisCatalogStore) Count(ctx context.Context) (int, error) {
	n, err := s.rdb.SCard(ctx, catalogSetKey).Result()
	return int(n), err
}

// httpProvisioner はプロビジョニングAPIを呼び出す deploy.Provisioner 実装です。
type httpProvisioner struct {
	baseURL string
	client  http.Client
}

func (p *httpProvisioner) Validate(ctx context.Context, scope string) error {
	return p.post(ctx, "/validate", scope, nil)
}

func (p *httpProvisioner) Provision(ctx context.Context, scope string) (string, error) {
	var result struct {
		Endpoint string `json:"endpoint"`
	}
	if err := p.post(ctx, "/provision", scope, &result); err != nil {
		return "", err
	}
	return result.Endpoint, nil
}

func (p *httpProvisioner) Configure(ctx context.Context, scope string, endpoint string) error {
	return p.post(ctx, "/configure", scope, nil)
}

func (p *httpProvisioner) post(ctx context.Context, path, scope string, result any) error {
	u := fmt.Sprintf("%s%s?scope=%s", strings.TrimRight(p.baseURL, "/"), path, url.QueryEscape(scope))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("provisioning api %s returned %d", path, resp.StatusCode)
	}
	if result != nil {
		return json.NewDecoder(resp.Body).Decode(result)
	}
	return nil
}
