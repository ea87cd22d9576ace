package server

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"minispace/geometry"
)

// Config 服务配置（YAML），未出现的字段保留 Defaults 中的值
type Config struct {
	Addr        string `yaml:"addr"`
	DefaultRoom string `yaml:"default_room"`

	Log LogConfig `yaml:"log"`

	BroadcastHz       int           `yaml:"broadcast_hz"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	SpanDuration      time.Duration `yaml:"span_duration"`
	StaleSampleAfter  time.Duration `yaml:"stale_sample_after"`
	DebounceWindow    time.Duration `yaml:"debounce_window"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	BoundsMargin      float64       `yaml:"bounds_margin"`
	InboxSize         int           `yaml:"inbox_size"`
	SendQueue         int           `yaml:"send_queue"`
	OutboxSize        int           `yaml:"outbox_size"`

	JournalDir string `yaml:"journal_dir"` // 为空则不记录区域变更日志
	ZonesDB    string `yaml:"zones_db"`    // 为空则只使用内联 maps

	Maps []geometry.Layout `yaml:"maps"`
}

// LogConfig 日志输出；File 为空时写 stderr
type LogConfig struct {
	File       string `yaml:"file"`
	Level      string `yaml:"level"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

func Defaults() Config {
	return Config{
		Addr:        ":8080",
		DefaultRoom: "room-1",
		Log: LogConfig{
			File:       "app.log",
			Level:      "debug",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
		BroadcastHz:       TicksPerSecond,
		SweepInterval:     time.Second,
		InactivityTimeout: 5 * time.Second,
		SpanDuration:      200 * time.Millisecond,
		StaleSampleAfter:  time.Second,
		DebounceWindow:    200 * time.Millisecond,
		RequestTimeout:    2 * time.Second,
		BoundsMargin:      64,
		InboxSize:         256,
		SendQueue:         64,
		OutboxSize:        32,
	}
}

// LoadConfig 读取 YAML 配置，校正取值范围并校验地图定义
func LoadConfig(path string) (Config, error) {
	cfg := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	cfg.Clamp()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func clampInt(v, minV, maxV int) int {
	if v < minV {
		return minV
	}
	if v > maxV {
		return maxV
	}
	return v
}

func clampFloat(v, minV, maxV float64) float64 {
	if math.IsNaN(v) {
		return minV
	}
	if v < minV {
		return minV
	}
	if v > maxV {
		return maxV
	}
	return v
}

func clampDuration(v, minV, maxV time.Duration) time.Duration {
	if v < minV {
		return minV
	}
	if v > maxV {
		return maxV
	}
	return v
}

// Clamp 强制安全范围，允许接受外部给定的值
func (c *Config) Clamp() {
	c.BroadcastHz = clampInt(c.BroadcastHz, 1, 120)
	c.SweepInterval = clampDuration(c.SweepInterval, 100*time.Millisecond, time.Minute)
	c.InactivityTimeout = clampDuration(c.InactivityTimeout, 500*time.Millisecond, 10*time.Minute)
	c.SpanDuration = clampDuration(c.SpanDuration, 10*time.Millisecond, 2*time.Second)
	c.StaleSampleAfter = clampDuration(c.StaleSampleAfter, 50*time.Millisecond, c.InactivityTimeout)
	c.DebounceWindow = clampDuration(c.DebounceWindow, 0, 5*time.Second)
	c.RequestTimeout = clampDuration(c.RequestTimeout, 50*time.Millisecond, 30*time.Second)
	c.BoundsMargin = clampFloat(c.BoundsMargin, 0, 1e6)
	c.InboxSize = clampInt(c.InboxSize, 16, 1<<16)
	c.SendQueue = clampInt(c.SendQueue, 4, 4096)
	c.OutboxSize = clampInt(c.OutboxSize, 4, 1024)
}

// Validate 检查地图与区域定义
func (c Config) Validate() error {
	seen := make(map[string]bool, len(c.Maps))
	for _, m := range c.Maps {
		if m.MapID == "" {
			return fmt.Errorf("map without id")
		}
		if seen[m.MapID] {
			return fmt.Errorf("duplicate map %q", m.MapID)
		}
		seen[m.MapID] = true
		if err := ValidateLayout(m); err != nil {
			return err
		}
	}
	return nil
}

// ValidateLayout 区域 id 唯一、类型合法、坐标有限
func ValidateLayout(l geometry.Layout) error {
	ids := make(map[string]bool, len(l.Zones))
	for _, z := range l.Zones {
		if z.ID == "" || z.ID == geometry.PublicZoneID {
			return fmt.Errorf("map %q: invalid zone id %q", l.MapID, z.ID)
		}
		if ids[z.ID] {
			return fmt.Errorf("map %q: duplicate zone %q", l.MapID, z.ID)
		}
		ids[z.ID] = true
		if z.Kind != geometry.ZonePrivate && z.Kind != geometry.ZonePublic {
			return fmt.Errorf("map %q: zone %q has unknown kind %q", l.MapID, z.ID, z.Kind)
		}
		if !(geometry.Position{X: z.X1, Y: z.Y1}).Valid() || !(geometry.Position{X: z.X2, Y: z.Y2}).Valid() {
			return fmt.Errorf("map %q: zone %q has non-finite bounds", l.MapID, z.ID)
		}
	}
	return nil
}

// Room 房间参数
func (c Config) Room() RoomConfig {
	return RoomConfig{
		BroadcastInterval: time.Second / time.Duration(c.BroadcastHz),
		InactivityTimeout: c.InactivityTimeout,
		SpanDuration:      c.SpanDuration,
		StaleSampleAfter:  c.StaleSampleAfter,
		DebounceWindow:    c.DebounceWindow,
		BoundsMargin:      c.BoundsMargin,
		InboxSize:         c.InboxSize,
		OutboxSize:        c.OutboxSize,
	}
}

// Layouts 内联地图
func (c Config) Layouts() StaticLayouts {
	out := make(StaticLayouts, len(c.Maps))
	for _, m := range c.Maps {
		out[m.MapID] = m
	}
	return out
}
