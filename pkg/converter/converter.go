package converter

// TextConverter 定义文本转换器接口
type TextConverter interface {
	TradToSim(text string) string // 将繁体中文转换为简体
}

// passthrough 不做任何转换
type passthrough struct{}

// NewPassthrough 返回原样输出的转换器，用于未开启繁简转换时
func NewPassthrough() TextConverter {
	return passthrough{}
}

func (passthrough) TradToSim(text string) string {
	return text
}
