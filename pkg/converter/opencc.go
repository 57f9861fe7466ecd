package converter

import (
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/liuzl/gocc"
)

// openCCConverter 是 TextConverter 的一个实现
type openCCConverter struct {
	converter *gocc.OpenCC
	logger    *log.Logger
}

// NewOpenCCConverter 初始化并返回一个 OpenCC 转换器实例
func NewOpenCCConverter(logger *log.Logger) (TextConverter, error) {
	// t2s 代表 Traditional Chinese to Simplified Chinese
	converter, err := gocc.New("t2s")
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenCC converter: %w", err)
	}
	logger.Info("OpenCC converter (t2s) initialized")
	return &openCCConverter{converter: converter, logger: logger}, nil
}

// TradToSim 将繁体中文转换为简体，失败时返回原文
func (c *openCCConverter) TradToSim(text string) string {
	out, err := c.converter.Convert(text)
	if err != nil {
		c.logger.Warn("failed to convert query to simplified chinese", "text", text, "err", err)
		return text
	}
	return out
}
