package model

import "testing"

func TestLabelSetSubsetOf(t *testing.T) {
	worker := LabelSet{"os": "linux", "pool": "default", "gpu": "a100"}

	cases := []struct {
		name string
		job  LabelSet
		want bool
	}{
		{"empty matches any", LabelSet{}, true},
		{"nil matches any", nil, true},
		{"exact subset", LabelSet{"os": "linux"}, true},
		{"multi key subset", LabelSet{"os": "linux", "gpu": "a100"}, true},
		{"value mismatch", LabelSet{"os": "darwin"}, false},
		{"missing key", LabelSet{"region": "us-east"}, false},
	}
	for _, tc := range cases {
		if got := tc.job.SubsetOf(worker); got != tc.want {
			t.Errorf("%s: SubsetOf = %v, want %v", tc.name, got, tc.want)
		}
	}

	// worker 标签为空时仅空 Job 标签可匹配
	if (LabelSet{"os": "linux"}).SubsetOf(nil) {
		t.Error("non-empty set must not match empty worker labels")
	}
	if !(LabelSet{}).SubsetOf(nil) {
		t.Error("empty set must match empty worker labels")
	}
}
