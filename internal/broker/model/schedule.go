package model

import (
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/taskfleet/taskfleet/internal/broker/consts"
	"github.com/taskfleet/taskfleet/internal/broker/errs"
)

var cronParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// NormalizeCron 标准化 Cron 表达式:5 字段自动补前导秒 0。
func NormalizeCron(expr string) string {
	parts := strings.Fields(expr)
	if len(parts) == 5 {
		return "0 " + expr
	}
	return expr
}

// NextCronFire 返回 after 之后的下一次触发时间。
func NextCronFire(expr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(NormalizeCron(expr))
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// ParseIntervalExpr 解析间隔触发表达式(正整数秒)。
func ParseIntervalExpr(expr string) (time.Duration, error) {
	n, err := strconv.Atoi(strings.TrimSpace(expr))
	if err != nil || n <= 0 {
		return 0, errs.Validationf("interval expression must be a positive integer of seconds, got %q", expr)
	}
	return time.Duration(n) * time.Second, nil
}

// NextFire 依据 Job 的触发规则计算 after 之后的下一个触发时间点。
// 间隔触发以自然对齐的时间槽计算(epoch 对齐),与 cron 一样不随评估时刻漂移。
func NextFire(kind consts.TriggerKind, expr string, after time.Time) (time.Time, bool, error) {
	switch kind {
	case consts.TriggerCron:
		t, err := NextCronFire(expr, after)
		if err != nil {
			return time.Time{}, false, err
		}
		return t, true, nil
	case consts.TriggerInterval:
		iv, err := ParseIntervalExpr(expr)
		if err != nil {
			return time.Time{}, false, err
		}
		sec := int64(iv / time.Second)
		next := ((after.Unix() / sec) + 1) * sec
		return time.Unix(next, 0).In(after.Location()), true, nil
	default:
		return time.Time{}, false, nil
	}
}
