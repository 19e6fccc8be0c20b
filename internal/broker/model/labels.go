package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// LabelSet 字符串键值对,用于 Job 与 Worker 的亲和匹配,JSON 列存储。
type LabelSet map[string]string

func (l LabelSet) Value() (driver.Value, error) {
	if l == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(l)
}

func (l *LabelSet) Scan(src any) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	case nil:
		*l = nil
		return nil
	default:
		return fmt.Errorf("labelset: unsupported scan type %T", src)
	}
}

// SubsetOf 判断 l 的每个键值对是否都出现在 other 中。空集合匹配任意 worker。
// 亲和语义采用子集匹配:Job 声明的标签必须全部被 worker 满足,worker
// 额外携带的标签不影响匹配。
func (l LabelSet) SubsetOf(other LabelSet) bool {
	for k, v := range l {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}
	return true
}
