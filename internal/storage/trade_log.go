package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/kirillm/grid-bot/internal/domain"
)

// FileTradeLog история сделок в файле JSON Lines, только добавление
type FileTradeLog struct {
	path string
	mu   sync.Mutex
	next int64
}

func NewFileTradeLog(path string) *FileTradeLog {
	return &FileTradeLog{path: path}
}

// Append дописывает запись одной строкой
func (l *FileTradeLog) Append(_ context.Context, trade *domain.TradeRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("failed to create trade log dir: %w", err)
	}
	if l.next == 0 {
		n, err := l.countLocked()
		if err != nil {
			return err
		}
		l.next = int64(n)
	}

	l.next++
	trade.ID = l.next
	line, err := json.Marshal(trade)
	if err != nil {
		return fmt.Errorf("failed to marshal trade: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open trade log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append trade: %w", err)
	}
	return f.Sync()
}

// Recent последние limit сделок пары, новые первыми
func (l *FileTradeLog) Recent(_ context.Context, pair string, limit int) ([]domain.TradeRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var all []domain.TradeRecord
	err := l.scanLocked(func(tr domain.TradeRecord) {
		if pair == "" || tr.Pair == pair {
			all = append(all, tr)
		}
	})
	if err != nil {
		return nil, err
	}

	out := make([]domain.TradeRecord, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (l *FileTradeLog) countLocked() (int, error) {
	n := 0
	err := l.scanLocked(func(domain.TradeRecord) { n++ })
	return n, err
}

// scanLocked пропускает поврежденные строки: частично записанная
// последняя строка не должна ломать чтение истории
func (l *FileTradeLog) scanLocked(fn func(domain.TradeRecord)) error {
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to open trade log: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var tr domain.TradeRecord
		if err := json.Unmarshal(sc.Bytes(), &tr); err != nil {
			continue
		}
		fn(tr)
	}
	return sc.Err()
}

var _ domain.TradeRepository = (*FileTradeLog)(nil)
