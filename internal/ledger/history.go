package ledger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/mirovik/dogebot/internal/domain"
)

// historyCap 历史文件只保留最近这么多条记录
const historyCap = 1000

// TradeHistory 已确认交易的追加式历史文件（与持仓快照分开存放）
type TradeHistory struct {
	path string
	pair string
}

// HistoryRecord 历史文件里的一行
type HistoryRecord struct {
	RecordedAt time.Time    `json:"recorded_at"`
	Pair       string       `json:"pair"`
	Trade      domain.Trade `json:"trade"`
}

// NewTradeHistory 创建交易历史
func NewTradeHistory(path, pair string) *TradeHistory {
	return &TradeHistory{path: path, pair: pair}
}

// Append 追加一条记录，超出上限时裁掉最旧的
func (h *TradeHistory) Append(trade domain.Trade) error {
	var records []HistoryRecord
	if b, err := os.ReadFile(h.path); err == nil {
		// 历史文件损坏时从头开始，不阻塞交易
		_ = json.Unmarshal(b, &records)
	}

	records = append(records, HistoryRecord{
		RecordedAt: time.Now(),
		Pair:       h.pair,
		Trade:      trade,
	})
	if len(records) > historyCap {
		records = records[len(records)-historyCap:]
	}

	b, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(h.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(h.path, b, 0o644)
}

// Load 读取全部历史记录
func (h *TradeHistory) Load() ([]HistoryRecord, error) {
	b, err := os.ReadFile(h.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var records []HistoryRecord
	if err := json.Unmarshal(b, &records); err != nil {
		return nil, err
	}
	return records, nil
}
