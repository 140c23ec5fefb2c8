package harness

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/containerd/errdefs"

	"bench-runner/internal/shared/apperr"
)

// pingTimeout daemon 探测超时
const pingTimeout = 5 * time.Second

// Pinger Docker daemon 探测
type Pinger interface {
	Ping(ctx context.Context) error
}

// Preflight 执行前环境检查
type Preflight interface {
	Check(ctx context.Context) error
}

// DockerPreflight 检查 Docker daemon 是否可用
type DockerPreflight struct {
	pinger Pinger
}

// NewDockerPreflight 创建 Docker 预检
func NewDockerPreflight(p Pinger) *DockerPreflight {
	return &DockerPreflight{pinger: p}
}

// Check 无权限访问 daemon 属于部署问题，不可重试；其余失败视为瞬时故障
func (d *DockerPreflight) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	err := d.pinger.Ping(ctx)
	if err == nil {
		return nil
	}
	if errdefs.IsPermissionDenied(err) || errdefs.IsUnauthorized(err) || errors.Is(err, os.ErrPermission) {
		return apperr.New(apperr.KindConfiguration, "docker.ping", err)
	}
	return apperr.New(apperr.KindTransient, "docker.ping", err)
}
