package model

import (
	"testing"
	"time"

	"github.com/taskfleet/taskfleet/internal/broker/consts"
)

func TestNormalizeCron(t *testing.T) {
	cases := map[string]string{
		"*/5 * * * *":   "0 */5 * * * *",
		"0 */5 * * * *": "0 */5 * * * *",
		"@hourly":       "@hourly",
	}
	for in, want := range cases {
		if got := NormalizeCron(in); got != want {
			t.Errorf("NormalizeCron(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNextCronFire(t *testing.T) {
	after := time.Date(2024, 5, 1, 10, 0, 30, 0, time.UTC)

	next, err := NextCronFire("*/5 * * * *", after)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := time.Date(2024, 5, 1, 10, 5, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	// 秒级六字段
	next, err = NextCronFire("30 * * * * *", after)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want = time.Date(2024, 5, 1, 10, 1, 30, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	if _, err := NextCronFire("not a cron", after); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestParseIntervalExpr(t *testing.T) {
	if d, err := ParseIntervalExpr("90"); err != nil || d != 90*time.Second {
		t.Fatalf("got %v %v", d, err)
	}
	for _, bad := range []string{"0", "-5", "abc", "1.5", ""} {
		if _, err := ParseIntervalExpr(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestNextFireIntervalSlotsAligned(t *testing.T) {
	// 间隔槽 epoch 对齐,不随评估时刻漂移
	after := time.Unix(995, 0)
	next, ok, err := NextFire(consts.TriggerInterval, "10", after)
	if err != nil || !ok {
		t.Fatalf("next fire: ok=%v err=%v", ok, err)
	}
	if next.Unix() != 1000 {
		t.Fatalf("expected slot 1000, got %d", next.Unix())
	}

	// 恰好落在槽上时取下一个槽
	next, _, _ = NextFire(consts.TriggerInterval, "10", time.Unix(1000, 0))
	if next.Unix() != 1010 {
		t.Fatalf("expected slot 1010, got %d", next.Unix())
	}
}

func TestNextFireNone(t *testing.T) {
	_, ok, err := NextFire(consts.TriggerNone, "", time.Now())
	if err != nil || ok {
		t.Fatalf("manual jobs never fire: ok=%v err=%v", ok, err)
	}
}
