package data

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/harrison-roh/plant-disease-detection/diseaseapp/data/db"
	logging "github.com/ipfs/go-log"
)

var log = logging.Logger("diseaseapp/data")

const (
	tableName     string = "prediction_tab"
	driverName    string = "mysql"
	recordTimeout        = 2 * time.Second
)

// Prediction 기록할 예측 결과
type Prediction struct {
	ID         string
	ClassIdx   int
	Disease    string
	Confidence float64
	Mock       bool
}

// Manager 예측 기록을 관리. Conn이 없으면 기록하지 않음
type Manager struct {
	Conn *db.DBconn
}

// Enabled 기록 여부
func (dm *Manager) Enabled() bool {
	return dm != nil && dm.Conn != nil
}

// Record 예측 결과 저장. 실패는 로그로만 남김
func (dm *Manager) Record(ctx context.Context, p Prediction) {
	if !dm.Enabled() {
		return
	}

	if p.ID == "" {
		p.ID = uuid.New().String()
	}

	ctx, cancel := context.WithTimeout(ctx, recordTimeout)
	defer cancel()

	if err := dm.Conn.Insert(ctx, db.Item{
		ID:         p.ID,
		ClassIdx:   p.ClassIdx,
		Disease:    p.Disease,
		Confidence: p.Confidence,
		Mock:       p.Mock,
		CreateAt:   time.Now(),
	}); err != nil {
		log.Errorf("Fail to record prediction %s: %s", p.ID, err)
	}
}

// Destroy Data manager 해제
func (dm *Manager) Destroy() {
	if !dm.Enabled() {
		return
	}

	if err := dm.Conn.Destroy(); err != nil {
		log.Errorf("DB %s close failed: %s", dm.Conn.TableName, err)
	} else {
		log.Infof("DB %s successfully closed", dm.Conn.TableName)
	}
}

// New 새로운 Data manager 생성. dsn이 비어 있으면 기록하지 않는 manager 반환
func New(ctx context.Context, dsn string) (*Manager, error) {
	if dsn == "" {
		log.Info("Prediction history disabled")
		return &Manager{}, nil
	}

	conn, err := db.New(ctx, db.Config{
		DriverName: driverName,
		ConnInfo:   dsn,
		TableName:  tableName,
	})
	if err != nil {
		return nil, err
	}
	log.Infof("DB %s successfully initialized", tableName)

	return open(ctx, conn), nil
}

// 기록 된 예측 수를 로그로 남기고 manager 생성
func open(ctx context.Context, conn *db.DBconn) *Manager {
	ctx, cancel := context.WithTimeout(ctx, recordTimeout)
	defer cancel()

	if n, err := conn.Count(ctx); err != nil {
		log.Warnf("Fail to count predictions in %s: %s", conn.TableName, err)
	} else {
		log.Infof("DB %s holds %d predictions", conn.TableName, n)
	}

	return &Manager{
		Conn: conn,
	}
}
