// Package storage 持久化地图区域定义（SQLite，纯 Go 驱动）
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"minispace/geometry"
)

const schema = `
CREATE TABLE IF NOT EXISTS maps (
	id     TEXT PRIMARY KEY,
	width  REAL NOT NULL DEFAULT 0,
	height REAL NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS zones (
	map_id   TEXT NOT NULL REFERENCES maps(id) ON DELETE CASCADE,
	priority INTEGER NOT NULL,
	id       TEXT NOT NULL,
	name     TEXT NOT NULL DEFAULT '',
	kind     TEXT NOT NULL,
	x1 REAL NOT NULL, y1 REAL NOT NULL,
	x2 REAL NOT NULL, y2 REAL NOT NULL,
	PRIMARY KEY (map_id, id)
);
`

// ZoneDB 区域定义库；区域按写入顺序（priority）返回，保证解析优先级稳定
type ZoneDB struct {
	db *sql.DB
}

func OpenZoneDB(path string) (*ZoneDB, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// 单连接：SQLite 写入串行化，也让 :memory: 库在连接间共享
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &ZoneDB{db: db}, nil
}

func (z *ZoneDB) Close() error { return z.db.Close() }

// Layout 读取地图；不存在时返回 ok=false
func (z *ZoneDB) Layout(ctx context.Context, mapID string) (geometry.Layout, bool, error) {
	l := geometry.Layout{MapID: mapID}
	row := z.db.QueryRowContext(ctx, `SELECT width, height FROM maps WHERE id = ?`, mapID)
	if err := row.Scan(&l.Width, &l.Height); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return geometry.Layout{}, false, nil
		}
		return geometry.Layout{}, false, fmt.Errorf("load map %s: %w", mapID, err)
	}

	rows, err := z.db.QueryContext(ctx,
		`SELECT id, name, kind, x1, y1, x2, y2 FROM zones WHERE map_id = ? ORDER BY priority`, mapID)
	if err != nil {
		return geometry.Layout{}, false, fmt.Errorf("load zones %s: %w", mapID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var zn geometry.Zone
		var kind string
		if err := rows.Scan(&zn.ID, &zn.Name, &kind, &zn.X1, &zn.Y1, &zn.X2, &zn.Y2); err != nil {
			return geometry.Layout{}, false, err
		}
		zn.Kind = geometry.ZoneKind(kind)
		l.Zones = append(l.Zones, zn)
	}
	if err := rows.Err(); err != nil {
		return geometry.Layout{}, false, err
	}
	return l, true, nil
}

// SaveLayout 整体替换一张地图的区域定义
func (z *ZoneDB) SaveLayout(ctx context.Context, l geometry.Layout) error {
	tx, err := z.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO maps (id, width, height) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET width = excluded.width, height = excluded.height`,
		l.MapID, l.Width, l.Height); err != nil {
		return fmt.Errorf("save map %s: %w", l.MapID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM zones WHERE map_id = ?`, l.MapID); err != nil {
		return fmt.Errorf("clear zones %s: %w", l.MapID, err)
	}
	for i, zn := range l.Zones {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO zones (map_id, priority, id, name, kind, x1, y1, x2, y2)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			l.MapID, i, zn.ID, zn.Name, string(zn.Kind), zn.X1, zn.Y1, zn.X2, zn.Y2); err != nil {
			return fmt.Errorf("save zone %s/%s: %w", l.MapID, zn.ID, err)
		}
	}
	return tx.Commit()
}

// Maps 所有地图 id
func (z *ZoneDB) Maps(ctx context.Context) ([]string, error) {
	rows, err := z.db.QueryContext(ctx, `SELECT id FROM maps ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
