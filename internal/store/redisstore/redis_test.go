package redisstore

import (
	"testing"
	"time"
)

func TestQueryKeyBucketsByWindow(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)

	a := queryKey(7, time.Minute, base)
	b := queryKey(7, time.Minute, base.Add(10*time.Second))
	c := queryKey(7, time.Minute, base.Add(2*time.Minute))
	d := queryKey(8, time.Minute, base)

	if a != b {
		t.Fatalf("same window produced different keys: %s %s", a, b)
	}
	if a == c {
		t.Fatalf("different windows share key %s", a)
	}
	if a == d {
		t.Fatalf("different users share key %s", a)
	}
}
