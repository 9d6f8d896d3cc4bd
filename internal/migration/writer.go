package migration

import (
	"context"
	"fmt"

	"livemon/internal/pkg/metrics"
)

// maxSampleErrors 限制每个类别向上层汇报的样例错误数。
const maxSampleErrors = 5

// Tally 是单个类别一次迁移的记录级账目。
//
// Succeeded 包含真正写入的记录和去重跳过的记录：重复不是错误，
// 目标状态（记录已在库里）已经达成。Failed 只统计坏记录和写失败。
type Tally struct {
	Total     int64
	Succeeded int64
	Skipped   int64
	Failed    int64
	Errors    []string
}

// Succeed 记一条成功。
func (t *Tally) Succeed() {
	t.Total++
	t.Succeeded++
}

// Fail 记一条失败并保留前几个样例错误。
func (t *Tally) Fail(err error) {
	t.Total++
	t.Failed++
	if len(t.Errors) < maxSampleErrors && err != nil {
		t.Errors = append(t.Errors, err.Error())
	}
}

// recordWriter 按批累积候选记录并顺序刷库。
//
// exists 在入缓冲前做自然键预检，insert 负责一批的事务性写入并返回
// 实际插入行数（批内撞唯一键的行由存储层静默跳过）。
// 整批写失败记入账目后继续后面的批次，不中断运行。
type recordWriter[T any] struct {
	category  string
	batchSize int
	dryRun    bool
	exists    func(context.Context, T) (bool, error)
	insert    func(context.Context, []T) (int, error)

	buf   []T
	tally Tally
}

func newRecordWriter[T any](category string, batchSize int, dryRun bool,
	exists func(context.Context, T) (bool, error),
	insert func(context.Context, []T) (int, error),
) *recordWriter[T] {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &recordWriter[T]{
		category:  category,
		batchSize: batchSize,
		dryRun:    dryRun,
		exists:    exists,
		insert:    insert,
		buf:       make([]T, 0, batchSize),
	}
}

// Add 接收一条规整后的候选记录。
// 预检命中重复时直接跳过。返回错误仅表示 ctx 取消这类致命情况。
func (w *recordWriter[T]) Add(ctx context.Context, rec T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.tally.Total++

	dup, err := w.exists(ctx, rec)
	if err != nil {
		// 预检查库失败只影响这一条，记失败后继续。
		w.tally.Failed++
		if len(w.tally.Errors) < maxSampleErrors {
			w.tally.Errors = append(w.tally.Errors, fmt.Sprintf("dedup check: %v", err))
		}
		metrics.MigrationRecordsTotal.WithLabelValues(w.category, "failed").Inc()
		return nil
	}
	if dup {
		w.tally.Succeeded++
		w.tally.Skipped++
		metrics.MigrationRecordsTotal.WithLabelValues(w.category, "skipped").Inc()
		return nil
	}

	w.buf = append(w.buf, rec)
	if len(w.buf) >= w.batchSize {
		w.flush(ctx)
	}
	return nil
}

// Reject 把一条规整失败的原始记录计入账目。
func (w *recordWriter[T]) Reject(err error) {
	w.tally.Fail(err)
	metrics.MigrationRecordsTotal.WithLabelValues(w.category, "failed").Inc()
}

// Finish 刷掉残批并返回最终账目。
func (w *recordWriter[T]) Finish(ctx context.Context) Tally {
	if len(w.buf) > 0 {
		w.flush(ctx)
	}
	return w.tally
}

func (w *recordWriter[T]) flush(ctx context.Context) {
	batch := w.buf
	w.buf = w.buf[:0]

	if w.dryRun {
		// 演练模式只统计会写多少，不落库。
		w.tally.Succeeded += int64(len(batch))
		return
	}

	inserted, err := w.insert(ctx, batch)
	if err != nil {
		w.tally.Failed += int64(len(batch))
		if len(w.tally.Errors) < maxSampleErrors {
			w.tally.Errors = append(w.tally.Errors, fmt.Sprintf("batch insert: %v", err))
		}
		metrics.MigrationBatchFailures.Inc()
		metrics.MigrationRecordsTotal.WithLabelValues(w.category, "failed").Add(float64(len(batch)))
		return
	}

	// 插入阶段撞唯一键被跳过的行同样算成功，目标状态已达成。
	skipped := len(batch) - inserted
	w.tally.Succeeded += int64(len(batch))
	w.tally.Skipped += int64(skipped)
	metrics.MigrationRecordsTotal.WithLabelValues(w.category, "migrated").Add(float64(inserted))
	if skipped > 0 {
		metrics.MigrationRecordsTotal.WithLabelValues(w.category, "skipped").Add(float64(skipped))
	}
}
