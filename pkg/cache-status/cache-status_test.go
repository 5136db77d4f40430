package cachestatus

import "testing"

func TestCacheStatusString(t *testing.T) {
	var hit CacheStatus
	hit.Hit()
	if s := hit.String(); s != "OfflineCache; hit" {
		t.Fatalf("Hit status is %s", s)
	}

	var miss CacheStatus
	miss.Forward(FwdReasonUriMiss)
	miss.Stored = true
	if s := miss.String(); s != "OfflineCache; fwd=uri-miss; stored" {
		t.Fatalf("Miss status is %s", s)
	}

	fallback := CacheStatus{Detail: "offline"}
	fallback.Hit()
	if s := fallback.String(); s != "OfflineCache; hit; detail=offline" {
		t.Fatalf("Fallback status is %s", s)
	}
	if !fallback.IsHit() || miss.IsHit() {
		t.Fatal("IsHit is wrong")
	}
}
