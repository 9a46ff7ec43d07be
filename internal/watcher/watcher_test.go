package watcher

import "testing"

func TestIsIncrementalFile(t *testing.T) {
	cases := map[string]bool{
		"/data/incremental_12345.parquet": true,
		"/data/main.parquet":              false,
		"/data/incremental_1.parquet.tmp": false,
		"incremental_1.parquet":           true,
	}
	for path, want := range cases {
		if got := isIncrementalFile(path); got != want {
			t.Errorf("isIncrementalFile(%q) = %v, want %v", path, got, want)
		}
	}
}
