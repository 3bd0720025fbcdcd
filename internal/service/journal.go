package service

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/paygate-labs/paygate/internal/model"
)

// SettlementRepo is the optional durable sink for journal entries.
type SettlementRepo interface {
	Insert(ctx context.Context, rec *model.SettlementRecord) error
	List(ctx context.Context, payer string, limit int, from, to *time.Time) ([]*model.SettlementRecord, error)
}

// Journal records finalized payments off the request path: a buffered
// channel feeds a single consumer that appends to a daily JSONL file and,
// when configured, a Postgres repo. A full buffer drops entries rather
// than stalling the gate.
type Journal struct {
	recordChan chan *model.SettlementRecord
	logFile    *os.File
	repo       SettlementRepo
	done       chan struct{}
}

func NewJournal(logDir string, repo SettlementRepo) (*Journal, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, err
	}

	filename := filepath.Join(logDir, "settlements-"+time.Now().Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	j := &Journal{
		recordChan: make(chan *model.SettlementRecord, 1000),
		logFile:    f,
		repo:       repo,
		done:       make(chan struct{}),
	}

	go j.processRecords()

	return j, nil
}

func (j *Journal) Record(rec *model.SettlementRecord) {
	select {
	case j.recordChan <- rec:
	default:
		log.Println("⚠️ Settlement journal buffer full, dropping record")
	}
}

func (j *Journal) List(ctx context.Context, payer string, limit int, from, to *time.Time) ([]*model.SettlementRecord, error) {
	if j.repo == nil {
		return nil, nil
	}
	return j.repo.List(ctx, payer, limit, from, to)
}

func (j *Journal) processRecords() {
	defer close(j.done)
	encoder := json.NewEncoder(j.logFile)
	for rec := range j.recordChan {
		if j.repo != nil {
			if err := j.repo.Insert(context.Background(), rec); err != nil {
				log.Printf("❌ Failed to write settlement record to DB: %v", err)
			}
		}
		if err := encoder.Encode(rec); err != nil {
			log.Printf("❌ Failed to write settlement record: %v", err)
		}
	}
}

// Close drains queued records before closing the file.
func (j *Journal) Close() {
	close(j.recordChan)
	<-j.done
	j.logFile.Close()
}
