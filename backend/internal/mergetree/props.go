package mergetree

import "maps"

// PropertySet 是 segment 上的键值元数据。
type PropertySet map[string]any

func (p PropertySet) Clone() PropertySet {
	if p == nil {
		return nil
	}
	return maps.Clone(p)
}

// apply 写入 attrs（值为 nil 表示删除），返回被覆盖键的旧值快照；
// 原本不存在的键在快照里记为 nil。
func (p PropertySet) apply(attrs map[string]any) PropertySet {
	prior := make(PropertySet, len(attrs))
	for k, v := range attrs {
		old, ok := p[k]
		if ok {
			prior[k] = old
		} else {
			prior[k] = nil
		}
		if v == nil {
			delete(p, k)
		} else {
			p[k] = v
		}
	}
	return prior
}

// set 写入单个键，值为 nil 表示删除
func (p PropertySet) set(k string, v any) {
	if v == nil {
		delete(p, k)
		return
	}
	p[k] = v
}
