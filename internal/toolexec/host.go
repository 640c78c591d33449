package toolexec

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

// HostTool reports a fixed piece of information about the machine running
// the service. It takes no arguments.
type HostTool struct {
	name   string
	desc   string
	runner func(ctx context.Context) (map[string]any, error)
}

var _ tool.InvokableTool = (*HostTool)(nil)

// BuildHostTools returns the host diagnostic tools.
func BuildHostTools() []*HostTool {
	return []*HostTool{
		{
			name:   "host_info",
			desc:   "Get the hostname, operating system, architecture and current time of this host.",
			runner: hostInfo,
		},
		{
			name:   "host_interfaces",
			desc:   "Get the network interfaces of this host and their addresses.",
			runner: hostInterfaces,
		},
	}
}

// Info returns tool metadata.
func (t *HostTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name:        t.name,
		Desc:        t.desc,
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{}),
	}, nil
}

// InvokableRun collects the information and returns it as JSON. Arguments are
// ignored.
func (t *HostTool) InvokableRun(ctx context.Context, _ string, _ ...tool.Option) (string, error) {
	result, err := t.runner(ctx)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(out), nil
}

func hostInfo(_ context.Context) (map[string]any, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("read hostname: %w", err)
	}
	return map[string]any{
		"hostname": hostname,
		"os":       runtime.GOOS,
		"arch":     runtime.GOARCH,
		"cpus":     runtime.NumCPU(),
		"time":     time.Now().Format(time.RFC3339),
	}, nil
}

type interfaceInfo struct {
	Name      string   `json:"name"`
	MAC       string   `json:"mac,omitempty"`
	Up        bool     `json:"up"`
	Loopback  bool     `json:"loopback"`
	Addresses []string `json:"addresses"`
}

func hostInterfaces(_ context.Context) (map[string]any, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	result := make([]interfaceInfo, 0, len(ifaces))
	for _, iface := range ifaces {
		info := interfaceInfo{
			Name:      iface.Name,
			MAC:       iface.HardwareAddr.String(),
			Up:        iface.Flags&net.FlagUp != 0,
			Loopback:  iface.Flags&net.FlagLoopback != 0,
			Addresses: []string{},
		}
		addrs, err := iface.Addrs()
		if err != nil {
			return nil, fmt.Errorf("addresses of %s: %w", iface.Name, err)
		}
		for _, a := range addrs {
			info.Addresses = append(info.Addresses, a.String())
		}
		sort.Strings(info.Addresses)
		result = append(result, info)
	}
	return map[string]any{"interfaces": result}, nil
}
