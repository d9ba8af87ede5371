package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// mysql 드라이버 등록
	_ "github.com/go-sql-driver/mysql"
)

// Config DBconn config
type Config struct {
	DriverName string
	ConnInfo   string

	TableName string
}

// DBconn db 연결정보
type DBconn struct {
	TableName string

	db *sql.DB
}

// Item 예측 기록 항목
type Item struct {
	ID         string
	ClassIdx   int
	Disease    string
	Confidence float64
	Mock       bool
	CreateAt   time.Time
}

func (conn *DBconn) initTable(ctx context.Context) error {
	_, err := conn.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id CHAR(36) NOT NULL PRIMARY KEY,
		class_idx INT NOT NULL,
		disease VARCHAR(64) NOT NULL,
		confidence DOUBLE NOT NULL,
		mock BOOLEAN NOT NULL,
		create_at DATETIME NOT NULL);`, conn.TableName))

	return err
}

// Insert entry 삽입
func (conn *DBconn) Insert(ctx context.Context, item Item) error {
	_, err := conn.db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (
		id,
		class_idx,
		disease,
		confidence,
		mock,
		create_at) VALUES (?, ?, ?, ?, ?, ?);`, conn.TableName),
		item.ID, item.ClassIdx, item.Disease, item.Confidence, item.Mock, item.CreateAt.UTC(),
	)

	return err
}

// Count 기록 된 항목 수
func (conn *DBconn) Count(ctx context.Context) (int64, error) {
	var n int64
	err := conn.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s;", conn.TableName)).Scan(&n)

	return n, err
}

// Destroy db connection 해제
func (conn *DBconn) Destroy() error {
	return conn.db.Close()
}

// New 새로운 db connection 생성
func New(ctx context.Context, cfg Config) (*DBconn, error) {
	db, err := sql.Open(cfg.DriverName, cfg.ConnInfo)
	if err != nil {
		return nil, err
	}

	conn, err := NewWithDB(ctx, db, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	return conn, nil
}

// NewWithDB 열려 있는 db로 connection 생성
func NewWithDB(ctx context.Context, db *sql.DB, cfg Config) (*DBconn, error) {
	conn := &DBconn{
		TableName: cfg.TableName,
		db:        db,
	}

	if err := conn.initTable(ctx); err != nil {
		return nil, err
	}

	return conn, nil
}
