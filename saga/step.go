package saga

import (
	"context"
	"sort"
)

// ActionFunc 步骤正向操作.
//
// data 是截至上一步的累积上下文副本，返回的部分结果浅合并进累积上下文.
// 返回错误表示步骤失败，将触发补偿.
type ActionFunc func(ctx context.Context, data Data) (Data, error)

// CompensateFunc 补偿操作.
//
// data 是该步骤成功后的累积上下文快照.
// 引擎保证每个已完成步骤至多调用一次补偿.
type CompensateFunc func(ctx context.Context, data Data) error

// Step 表示 Saga 中的一个步骤.
type Step struct {
	// Name 步骤名称，在同一 Saga 内唯一
	Name string

	// Action 正向操作
	Action ActionFunc

	// Compensate 补偿操作，nil 表示该步骤不需要补偿
	Compensate CompensateFunc
}

// Data 累积上下文.
//
// 各步骤的结果按执行顺序浅合并，后执行步骤的同名键覆盖先前的值.
type Data map[string]any

// Clone 返回浅拷贝.
func (d Data) Clone() Data {
	c := make(Data, len(d))
	for k, v := range d {
		c[k] = v
	}
	return c
}

// Merge 返回 d 与 partial 合并后的新 Data，partial 的键优先.
func (d Data) Merge(partial Data) Data {
	merged := make(Data, len(d)+len(partial))
	for k, v := range d {
		merged[k] = v
	}
	for k, v := range partial {
		merged[k] = v
	}
	return merged
}

// Get 获取数据.
func (d Data) Get(key string) (any, bool) {
	v, ok := d[key]
	return v, ok
}

// GetString 获取字符串数据.
func (d Data) GetString(key string) string {
	s, _ := d[key].(string)
	return s
}

// GetInt 获取整数数据，兼容 JSON 解码得到的 float64.
func (d Data) GetInt(key string) int {
	return int(d.GetInt64(key))
}

// GetInt64 获取 int64 数据.
func (d Data) GetInt64(key string) int64 {
	switch n := d[key].(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case int32:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

// GetBool 获取布尔数据.
func (d Data) GetBool(key string) bool {
	b, _ := d[key].(bool)
	return b
}

// Keys 返回排序后的键.
func (d Data) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
