package tiercore

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RebuildResult taken 过滤器重建结果。
type RebuildResult struct {
	Fingerprints int           `json:"fingerprints"`
	Batches      int           `json:"batches"`
	Took         time.Duration `json:"took"`
}

// RebuildTakenFilter 清空过滤器并从权威存储分批重新加入所有指纹。
// 这是降低误判率的唯一方式（过滤器不支持删除）。
// 重建期间过滤器可能暂时漏报，因此它只能作为提示层使用。
func RebuildTakenFilter(ctx context.Context, bf *BloomFilter, src FingerprintSource, batch int, logger *zap.Logger) (RebuildResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	start := time.Now()
	var res RebuildResult

	bf.Reset()
	err := src.ScanFingerprints(ctx, batch, func(fps []string) error {
		bf.AddBatch(fps)
		res.Fingerprints += len(fps)
		res.Batches++
		if res.Batches%10 == 0 {
			logger.Info("bloom rebuild progress", zap.Int("fingerprints", res.Fingerprints))
		}
		return nil
	})
	res.Took = time.Since(start)
	if err != nil {
		return res, fmt.Errorf("rebuild taken filter: %w", err)
	}

	logger.Info("bloom rebuild completed",
		zap.Int("fingerprints", res.Fingerprints),
		zap.Int("batches", res.Batches),
		zap.Float64("estimated_fp_rate", bf.EstimatedFalsePositiveRate()),
		zap.Duration("took", res.Took))
	return res, nil
}
