package store

import (
	"path/filepath"
	"sort"
	"strconv"
	"testing"
	"time"
)

func BenchmarkFileSave(b *testing.B) {
	b.ReportAllocs()
	s, err := OpenFile(filepath.Join(b.TempDir(), "bench.cbor"))
	if err != nil {
		b.Fatalf("open failed: %v", err)
	}
	vars := Vars{"counter": []byte{0xc1, 0x01}, "name": []byte("bench-session-vars")}

	lat := make([]int64, 0, b.N)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		start := time.Now()
		if err := s.Save("@bench/"+strconv.Itoa(i%64), vars); err != nil {
			b.Fatalf("save failed: %v", err)
		}
		lat = append(lat, time.Since(start).Nanoseconds())
	}
	b.StopTimer()

	if len(lat) == 0 {
		return
	}
	sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })
	p99 := lat[(len(lat)*99)/100]
	b.ReportMetric(float64(p99), "p99-ns/op")
	b.ReportMetric(float64(lat[len(lat)-1]), "max-ns/op")
}
