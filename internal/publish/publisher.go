package publish

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"
)

// ErrEmptyText is returned for blank posts.
var ErrEmptyText = errors.New("empty post text")

// Publisher 定义对外发布接口。发布失败只返回错误, 不应影响调用方。
type Publisher interface {
	Publish(ctx context.Context, text string) error
}

// LogPublisher 只把帖子写入日志, 用于未配置发布渠道的部署。
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With().Str("component", "publish_log").Logger()}
}

func (p *LogPublisher) Publish(_ context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	p.logger.Info().Str("text", text).Msg("post published (log)")
	return nil
}

var _ Publisher = (*LogPublisher)(nil)
