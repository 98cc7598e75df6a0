// =============================================================================
// 📦 流失案例数据集加载器
// =============================================================================
// 从 YAML 文件加载流失案例，校验必填字段并转换为可索引文档
// =============================================================================
package dataset

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/churnsight/types"
)

// recordsFile 数据文件的顶层结构
type recordsFile struct {
	Cases []types.ChurnRecord `yaml:"cases"`
}

// LoadRecords 从 YAML 文件加载流失案例。
// 缺少 case_id 或叙述为空的条目会被跳过并记录警告；
// case_id 重复时保留首个出现的条目。
func LoadRecords(path string, logger *zap.Logger) ([]types.ChurnRecord, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest,
			fmt.Sprintf("cannot read records file %s", path)).WithCause(err)
	}

	var file recordsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, types.NewError(types.ErrInvalidRequest,
			fmt.Sprintf("cannot parse records file %s", path)).WithCause(err)
	}

	seen := make(map[string]bool, len(file.Cases))
	records := make([]types.ChurnRecord, 0, len(file.Cases))
	skipped := 0

	for i, rec := range file.Cases {
		rec.CaseID = strings.TrimSpace(rec.CaseID)
		if rec.CaseID == "" || strings.TrimSpace(rec.Narrative) == "" {
			logger.Warn("skipping invalid churn record",
				zap.Int("position", i),
				zap.String("case_id", rec.CaseID),
			)
			skipped++
			continue
		}
		if seen[rec.CaseID] {
			logger.Warn("skipping duplicate churn record", zap.String("case_id", rec.CaseID))
			skipped++
			continue
		}
		seen[rec.CaseID] = true
		records = append(records, rec)
	}

	if len(records) == 0 {
		return nil, types.NewError(types.ErrIndexBuild,
			fmt.Sprintf("records file %s contains no valid cases", path))
	}

	logger.Info("churn records loaded",
		zap.String("path", path),
		zap.Int("records", len(records)),
		zap.Int("skipped", skipped),
	)
	return records, nil
}

// ToDocuments 将案例批量转换为可索引文档
func ToDocuments(records []types.ChurnRecord) []types.Document {
	docs := make([]types.Document, 0, len(records))
	for _, rec := range records {
		docs = append(docs, rec.ToDocument())
	}
	return docs
}
