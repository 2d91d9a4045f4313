package worker

import "testing"

func TestCollectHostInfoSmoke(t *testing.T) {
	info := CollectHostInfo()
	if info == nil {
		t.Fatal("CollectHostInfo returned nil")
	}
	if info.MemTotal == 0 {
		t.Skip("memory stats unavailable on this platform")
	}
	if info.MemUsed > info.MemTotal {
		t.Errorf("mem used %d exceeds total %d", info.MemUsed, info.MemTotal)
	}
}

func TestHostInfoMetadata(t *testing.T) {
	info := &HostInfo{CPUPercent: 12.34, MemTotal: 1024, MemUsed: 512, LoadAvg1: 0.5}

	meta := info.Metadata()
	for _, key := range []string{"cpu_percent", "mem_total", "mem_used", "load_avg_1"} {
		if meta[key] == "" {
			t.Errorf("metadata missing %s", key)
		}
	}
	if meta["cpu_percent"] != "12.3" {
		t.Errorf("cpu_percent = %s, want 12.3", meta["cpu_percent"])
	}
}

func TestHostInfoDegraded(t *testing.T) {
	cases := []struct {
		name string
		info HostInfo
		want bool
	}{
		{"idle", HostInfo{CPUPercent: 10, MemTotal: 100, MemUsed: 50}, false},
		{"cpu pressure", HostInfo{CPUPercent: 95, MemTotal: 100, MemUsed: 50}, true},
		{"memory pressure", HostInfo{CPUPercent: 10, MemTotal: 100, MemUsed: 97}, true},
		{"no mem stats", HostInfo{CPUPercent: 10}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.info.Degraded(90, 0.95); got != tc.want {
				t.Errorf("Degraded() = %v, want %v", got, tc.want)
			}
		})
	}
}
