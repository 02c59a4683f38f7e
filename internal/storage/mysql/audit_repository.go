package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	gomysql "github.com/go-sql-driver/mysql"

	xerrors "PulseFi-Session/internal/errors"
	"PulseFi-Session/internal/events"
)

// AuditRepository 保存并查询会话审计事件，同时实现 events.Sink。
type AuditRepository interface {
	Save(ctx context.Context, event events.Event) error
	ListBySession(ctx context.Context, sessionID string, limit int) ([]events.Event, error)
	Close() error
}

const fileRetention = 1024

// FileAuditRepository 以 JSONL 文件追加写入审计事件，并在内存中保留最近的记录。
type FileAuditRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []events.Event
	seen     map[string]struct{}
}

// NewFileAuditRepository 在 dataDir 下创建或加载 events.log。
func NewFileAuditRepository(dataDir string) (*FileAuditRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据目录失败")
	}
	repo := &FileAuditRepository{
		dataFile: filepath.Join(dataDir, "events.log"),
		seen:     make(map[string]struct{}),
	}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 追加写入事件，重复的事件 ID 直接忽略。
func (m *FileAuditRepository) Save(_ context.Context, event events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.seen[event.ID]; dup && event.ID != "" {
		return nil
	}

	encoded, err := events.Encode(event)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化审计事件失败")
	}

	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开审计日志失败")
	}
	defer file.Close()

	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入审计日志失败")
	}
	m.remember(event)
	return nil
}

func (m *FileAuditRepository) remember(event events.Event) {
	m.records = append(m.records, event)
	if event.ID != "" {
		m.seen[event.ID] = struct{}{}
	}
	if over := len(m.records) - fileRetention; over > 0 {
		for _, old := range m.records[:over] {
			delete(m.seen, old.ID)
		}
		m.records = append([]events.Event(nil), m.records[over:]...)
	}
}

// ListBySession 返回会话最近的事件，按发生时间倒序。
func (m *FileAuditRepository) ListBySession(_ context.Context, sessionID string, limit int) ([]events.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []events.Event
	for i := len(m.records) - 1; i >= 0; i-- {
		if m.records[i].SessionID != sessionID {
			continue
		}
		results = append(results, m.records[i])
		if limit > 0 && len(results) == limit {
			break
		}
	}
	return results, nil
}

// Close 实现 AuditRepository。
func (m *FileAuditRepository) Close() error { return nil }

func (m *FileAuditRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取审计日志失败")
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		event, err := events.Decode(scanner.Bytes())
		if err != nil {
			continue
		}
		m.remember(event)
	}
	if err := scanner.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析审计日志失败")
	}
	return nil
}

// SQLAuditRepository 使用 MySQL 保存审计事件，结算事件额外写入 session_settlements。
type SQLAuditRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLAuditRepository 建立连接池并执行迁移。
func NewSQLAuditRepository(ctx context.Context, cfg Config) (*SQLAuditRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行数据库迁移失败")
	}
	return &SQLAuditRepository{db: db, now: time.Now}, nil
}

const insertEventSQL = `INSERT INTO session_events
    (event_id, kind, session_id, attributes, attempt, occurred_at, recorded_at)
    VALUES (?, ?, ?, ?, ?, ?, ?)`

const upsertSettlementSQL = `INSERT INTO session_settlements
    (session_id, settlement_ref, final_balance, total_trades, gas_spent_usd, settled_at)
    VALUES (?, ?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE settlement_ref = VALUES(settlement_ref)`

// Save 写入事件。重复的事件 ID（MySQL 1062）视为已保存。
func (s *SQLAuditRepository) Save(ctx context.Context, event events.Event) error {
	attrs, err := json.Marshal(event.Attributes)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化事件属性失败")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}

	if _, err := tx.ExecContext(ctx, insertEventSQL,
		event.ID,
		string(event.Kind),
		event.SessionID,
		string(attrs),
		event.Attempt,
		event.OccurredAt.UnixMilli(),
		s.now().UnixMilli(),
	); err != nil {
		_ = tx.Rollback()
		if isDuplicate(err) {
			return nil
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入审计事件失败",
			xerrors.WithMetadata("event_id", event.ID))
	}

	if event.Kind == events.KindSessionSettled {
		trades, _ := strconv.Atoi(event.Attributes["total_trades"])
		if _, err := tx.ExecContext(ctx, upsertSettlementSQL,
			event.SessionID,
			event.Attributes["settlement_ref"],
			event.Attributes["final_balance"],
			trades,
			event.Attributes["gas_spent_usd"],
			event.OccurredAt.UnixMilli(),
		); err != nil {
			_ = tx.Rollback()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入结算记录失败",
				xerrors.WithMetadata("session_id", event.SessionID))
		}
	}

	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

func isDuplicate(err error) bool {
	var mysqlErr *gomysql.MySQLError
	return stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

// ListBySession 查询会话最近的事件。
func (s *SQLAuditRepository) ListBySession(ctx context.Context, sessionID string, limit int) ([]events.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT event_id, kind, session_id, attributes, attempt, occurred_at
    FROM session_events WHERE session_id = ? ORDER BY occurred_at DESC, id DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询审计事件失败")
	}
	defer rows.Close()

	var results []events.Event
	for rows.Next() {
		var (
			event    events.Event
			kind     string
			attrs    []byte
			occurred int64
		)
		if err := rows.Scan(&event.ID, &kind, &event.SessionID, &attrs, &event.Attempt, &occurred); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析审计事件失败")
		}
		event.Kind = events.Kind(kind)
		event.OccurredAt = time.UnixMilli(occurred).UTC()
		if len(attrs) > 0 {
			if err := json.Unmarshal(attrs, &event.Attributes); err != nil {
				return nil, fmt.Errorf("解析事件属性失败: %w", err)
			}
		}
		results = append(results, event)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历审计事件失败")
	}
	return results, nil
}

// Close 关闭底层连接池。
func (s *SQLAuditRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var (
	_ AuditRepository = (*FileAuditRepository)(nil)
	_ AuditRepository = (*SQLAuditRepository)(nil)
	_ events.Sink     = (*SQLAuditRepository)(nil)
)
