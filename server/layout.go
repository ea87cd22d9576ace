package server

import (
	"context"

	"minispace/geometry"
)

// LayoutSource 地图区域定义的来源（外部持久化，接口即可）
type LayoutSource interface {
	Layout(ctx context.Context, mapID string) (geometry.Layout, bool, error)
}

// LayoutWriter 可写入的来源，用于管理接口热更新区域
type LayoutWriter interface {
	LayoutSource
	SaveLayout(ctx context.Context, layout geometry.Layout) error
	Maps(ctx context.Context) ([]string, error)
}

// StaticLayouts 配置文件中的内联地图
type StaticLayouts map[string]geometry.Layout

func (s StaticLayouts) Layout(_ context.Context, mapID string) (geometry.Layout, bool, error) {
	l, ok := s[mapID]
	return l, ok, nil
}

// LayoutChain 依次查询，第一个命中的生效
type LayoutChain []LayoutSource

func (c LayoutChain) Layout(ctx context.Context, mapID string) (geometry.Layout, bool, error) {
	for _, src := range c {
		if src == nil {
			continue
		}
		l, ok, err := src.Layout(ctx, mapID)
		if err != nil {
			return geometry.Layout{}, false, err
		}
		if ok {
			return l, true, nil
		}
	}
	return geometry.Layout{}, false, nil
}
