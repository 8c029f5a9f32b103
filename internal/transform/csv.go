// Package transform 实现上传流水线的 CSV 转换步骤。具体的输出列
// 模式属于下游报税逻辑，本包只负责结构校验和归一化。
package transform

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"strings"
)

// ValidationError 标记格式不合法的输入数据。这是确定性的领域
// 失败，工作器不会重试。
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("csv validation failed: %s", e.Reason)
}

// IsValidationError 判断 err 是否是（或包装了）ValidationError。
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Transformer 把原始 CSV 输入转换为归一化的输出文件。
type Transformer interface {
	// Transform 返回转换后的内容以及处理的数据行数。
	Transform(input []byte) (output []byte, rows int64, err error)
}

// CSVTransformer 是默认实现：校验文件结构、裁剪单元格空白，
// 输出表头小写加下划线的归一化副本。
type CSVTransformer struct{}

// NewCSVTransformer 创建默认的转换器。
func NewCSVTransformer() *CSVTransformer {
	return &CSVTransformer{}
}

// Transform 校验并归一化 CSV 内容。
func (t *CSVTransformer) Transform(input []byte) ([]byte, int64, error) {
	if len(bytes.TrimSpace(input)) == 0 {
		return nil, 0, &ValidationError{Reason: "file is empty"}
	}

	reader := csv.NewReader(bytes.NewReader(input))
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, 0, &ValidationError{Reason: err.Error()}
	}
	if len(records) < 2 {
		return nil, 0, &ValidationError{Reason: "file has a header but no data rows"}
	}

	header := records[0]
	for i, col := range header {
		name := strings.TrimSpace(col)
		if name == "" {
			return nil, 0, &ValidationError{Reason: fmt.Sprintf("header column %d is empty", i+1)}
		}
		header[i] = normalizeHeader(name)
	}

	var out bytes.Buffer
	writer := csv.NewWriter(&out)
	if err := writer.Write(header); err != nil {
		return nil, 0, err
	}

	var rows int64
	for _, record := range records[1:] {
		for i, cell := range record {
			record[i] = strings.TrimSpace(cell)
		}
		if err := writer.Write(record); err != nil {
			return nil, 0, err
		}
		rows++
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, 0, err
	}
	return out.Bytes(), rows, nil
}

// normalizeHeader 把列名转小写并把分隔符折叠成下划线。
func normalizeHeader(name string) string {
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, " ", "_")
	name = strings.ReplaceAll(name, "-", "_")
	return name
}

// CountLines 在不做转换的情况下返回 CSV 数据行数，
// 提交时用于计量估算。
func CountLines(input []byte) int64 {
	trimmed := bytes.TrimSpace(input)
	if len(trimmed) == 0 {
		return 0
	}
	lines := int64(bytes.Count(trimmed, []byte("\n")) + 1)
	if lines <= 1 {
		return 0
	}
	return lines - 1 // 去掉表头
}
