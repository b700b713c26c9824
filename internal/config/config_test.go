package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  name: test\n"))
	if err != nil {
		t.Fatalf("默认配置不应报错: %v", err)
	}
	if cfg.Chain.BlockRange != DefaultBlockRange {
		t.Fatalf("block_range 默认值应为 %d, 实际 %d", DefaultBlockRange, cfg.Chain.BlockRange)
	}
	if cfg.Chain.RetryAttempts != DefaultRetryAttempts {
		t.Fatalf("retry_attempts 默认值应为 %d, 实际 %d", DefaultRetryAttempts, cfg.Chain.RetryAttempts)
	}
	if cfg.Chain.CacheTTL() != time.Minute {
		t.Fatalf("cache ttl 默认应为 1m, 实际 %s", cfg.Chain.CacheTTL())
	}
	if cfg.Insights.Interval != 5*time.Minute || cfg.Health.Interval != time.Minute {
		t.Fatalf("轮询间隔默认值不正确: %s / %s", cfg.Insights.Interval, cfg.Health.Interval)
	}
	if cfg.Insights.AutoPost {
		t.Fatal("auto_post 默认应关闭")
	}
	if cfg.Content.Limit != 280 {
		t.Fatalf("content.limit 默认应为 280, 实际 %d", cfg.Content.Limit)
	}
}

func TestLoadInvalidNumbersFallBack(t *testing.T) {
	path := writeConfig(t, `
chain:
  block_range: abc
  retry_attempts: 0
  cache_ttl_ms: -250
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("非法数值应回退默认而不是报错: %v", err)
	}
	if cfg.Chain.BlockRange != DefaultBlockRange {
		t.Fatalf("block_range 应回退为 %d, 实际 %d", DefaultBlockRange, cfg.Chain.BlockRange)
	}
	if cfg.Chain.RetryAttempts != DefaultRetryAttempts {
		t.Fatalf("retry_attempts 应回退为 %d, 实际 %d", DefaultRetryAttempts, cfg.Chain.RetryAttempts)
	}
	if cfg.Chain.CacheTTLMs != DefaultCacheTTLMs {
		t.Fatalf("cache_ttl_ms 应回退为 %d, 实际 %d", DefaultCacheTTLMs, cfg.Chain.CacheTTLMs)
	}
}

func TestLoadInvalidDurationsAndThresholdFallBack(t *testing.T) {
	cases := []struct {
		name  string
		body  string
		check func(*Config) bool
	}{
		{"retry_delay not a duration", "chain:\n  retry_delay: soon\n", func(c *Config) bool { return c.Chain.RetryDelay == DefaultRetryDelay }},
		{"retry_delay negative", "chain:\n  retry_delay: -2s\n", func(c *Config) bool { return c.Chain.RetryDelay == DefaultRetryDelay }},
		{"request_timeout not a duration", "chain:\n  request_timeout: abc\n", func(c *Config) bool { return c.Chain.RequestTimeout == DefaultRequestTimeout }},
		{"request_timeout zero", "chain:\n  request_timeout: 0s\n", func(c *Config) bool { return c.Chain.RequestTimeout == DefaultRequestTimeout }},
		{"threshold not a number", "chain:\n  large_tx_threshold_eth: lots\n", func(c *Config) bool { return c.Chain.LargeTxThresholdETH == DefaultLargeTxThresholdETH }},
		{"threshold negative", "chain:\n  large_tx_threshold_eth: -5\n", func(c *Config) bool { return c.Chain.LargeTxThresholdETH == DefaultLargeTxThresholdETH }},
		{"valid values kept", "chain:\n  retry_delay: 250ms\n  request_timeout: 3s\n  large_tx_threshold_eth: 12.5\n", func(c *Config) bool {
			return c.Chain.RetryDelay == 250*time.Millisecond && c.Chain.RequestTimeout == 3*time.Second && c.Chain.LargeTxThresholdETH == 12.5
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tc.body))
			if err != nil {
				t.Fatalf("非法配置应回退默认而不是报错: %v", err)
			}
			if !tc.check(cfg) {
				t.Fatalf("配置值不正确: %+v", cfg.Chain)
			}
		})
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CHAININSIGHTS_CHAIN_BLOCK_RANGE", "50")
	t.Setenv("CHAININSIGHTS_CHAIN_RETRY_ATTEMPTS", "not-a-number")

	cfg, err := Load(writeConfig(t, "app:\n  name: test\n"))
	if err != nil {
		t.Fatalf("环境变量覆盖不应报错: %v", err)
	}
	if cfg.Chain.BlockRange != 50 {
		t.Fatalf("环境变量应覆盖 block_range, 实际 %d", cfg.Chain.BlockRange)
	}
	if cfg.Chain.RetryAttempts != DefaultRetryAttempts {
		t.Fatalf("非法环境变量应回退默认, 实际 %d", cfg.Chain.RetryAttempts)
	}
}

func TestValidateTelegramRequiresCredentials(t *testing.T) {
	path := writeConfig(t, `
publish:
  channel: telegram
`)
	if _, err := Load(path); err == nil {
		t.Fatal("telegram 缺少 bot_token 时应报错")
	}
}

func TestValidateUnknownCacheBackend(t *testing.T) {
	path := writeConfig(t, `
cache:
  backend: memcached
`)
	if _, err := Load(path); err == nil {
		t.Fatal("未知 cache.backend 应报错")
	}
}
