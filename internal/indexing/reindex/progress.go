package reindex

import (
	"github.com/linkflow-ai/contentindex/internal/platform/logger"
)

// Progress receives per class progress of a run
type Progress interface {
	ClassStarted(class string, total int64)
	Advanced(class string, done int64)
	ClassFinished(class string, done int64)
}

// LogProgress reports progress on a logger every `every` documents
type LogProgress struct {
	logger logger.Logger
	every  int64
	totals map[string]int64
}

// NewLogProgress creates a logging progress hook
func NewLogProgress(log logger.Logger, every int64) *LogProgress {
	if every <= 0 {
		every = RowBatchSize
	}
	return &LogProgress{logger: log, every: every, totals: make(map[string]int64)}
}

func (p *LogProgress) ClassStarted(class string, total int64) {
	p.totals[class] = total
	p.logger.Info("Indexing class", "class", class, "total", total)
}

func (p *LogProgress) Advanced(class string, done int64) {
	if done%p.every != 0 {
		return
	}
	p.logger.Debug("Indexing progress", "class", class, "done", done, "total", p.totals[class])
}

func (p *LogProgress) ClassFinished(class string, done int64) {
	p.logger.Info("Indexed class", "class", class, "documents", done, "total", p.totals[class])
}
