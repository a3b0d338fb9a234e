package rpcri

import "testing"

func TestMatchSubscription(t *testing.T) {
	cases := []struct {
		pattern           string
		path, source, sig string
		want              bool
	}{
		{"**:*:*", "device/temperature", "", "chng", true},
		{"**:*:*", "", "", "chng", true},
		{"device/**:*:*", "device/temperature", "", "chng", true},
		{"device/**:*:*", "other/temperature", "", "chng", false},
		{"device/*:*:*", "device/temperature", "", "chng", true},
		{"device/*:*:*", "device/temperature/sub", "", "chng", false},
		{"device/**:*:chng", "device/temperature", "", "chng", true},
		{"device/**:*:chng", "device/temperature", "", "mounted", false},
		{"*:*:*", "device", "", "chng", true},
		{"*:*:*", "device/temperature", "", "chng", false},
	}
	for _, c := range cases {
		got := MatchSubscription(c.pattern, c.path, c.source, c.sig)
		if got != c.want {
			t.Errorf("MatchSubscription(%q, %q, %q, %q) = %v, want %v",
				c.pattern, c.path, c.source, c.sig, got, c.want)
		}
	}
}

func TestMatchAccess(t *testing.T) {
	cases := []struct {
		pattern, path, method string
		want                  bool
	}{
		{"**", "device/temperature", "get", true},
		{"device/**", "device/temperature", "get", true},
		{"device/**", "other", "get", false},
		{"device/**:get,set", "device/temperature", "get", true},
		{"device/**:get,set", "device/temperature", "chng", false},
	}
	for _, c := range cases {
		got := MatchAccess(c.pattern, c.path, c.method)
		if got != c.want {
			t.Errorf("MatchAccess(%q, %q, %q) = %v, want %v", c.pattern, c.path, c.method, got, c.want)
		}
	}
}

func TestMatchFieldCommaList(t *testing.T) {
	if !MatchField("get,set", "set") {
		t.Error("expected comma list to match member")
	}
	if MatchField("get,set", "chng") {
		t.Error("expected comma list to reject non-member")
	}
	if !MatchField("*", "anything") {
		t.Error("expected * to match anything")
	}
}
