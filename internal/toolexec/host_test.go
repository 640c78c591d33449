package toolexec

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"testing"
)

func TestHostInfoReportsRuntime(t *testing.T) {
	out, err := findHostTool(t, "host_info").InvokableRun(context.Background(), `{"ignored":true}`)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var got struct {
		Hostname string `json:"hostname"`
		OS       string `json:"os"`
		Arch     string `json:"arch"`
		Time     string `json:"time"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want, _ := os.Hostname()
	if got.Hostname != want || got.OS != runtime.GOOS || got.Arch != runtime.GOARCH || got.Time == "" {
		t.Fatalf("unexpected host info: %+v", got)
	}
}

func TestHostInterfacesListsAddresses(t *testing.T) {
	out, err := findHostTool(t, "host_interfaces").InvokableRun(context.Background(), "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var got struct {
		Interfaces []interfaceInfo `json:"interfaces"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, iface := range got.Interfaces {
		if iface.Name == "" || iface.Addresses == nil {
			t.Fatalf("incomplete interface entry: %+v", iface)
		}
	}
}

func findHostTool(t *testing.T, name string) *HostTool {
	t.Helper()
	for _, ht := range BuildHostTools() {
		info, err := ht.Info(context.Background())
		if err != nil {
			t.Fatalf("info: %v", err)
		}
		if info.Name == name {
			return ht
		}
	}
	t.Fatalf("tool %s not found", name)
	return nil
}
