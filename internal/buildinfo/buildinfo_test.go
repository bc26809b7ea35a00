package buildinfo

import (
	"strings"
	"testing"
)

func TestUserAgent(t *testing.T) {
	ua := UserAgent()
	if !strings.HasPrefix(ua, "n8n-bridge/") {
		t.Errorf("UserAgent() = %q, want n8n-bridge/ prefix", ua)
	}
	if !strings.HasSuffix(ua, Version) {
		t.Errorf("UserAgent() = %q, want suffix %q", ua, Version)
	}
}

func TestRuntimeInfo_IncludesUptime(t *testing.T) {
	info := RuntimeInfo()
	if _, ok := info["uptime"]; !ok {
		t.Error("RuntimeInfo() missing uptime")
	}
	if _, ok := BuildInfo()["uptime"]; ok {
		t.Error("BuildInfo() should not include uptime")
	}
}
