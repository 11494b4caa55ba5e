package tools

import (
	"strings"

	"mcpfed/internal/fault"
)

// NamespacedName forms the globally unique tool name for a server's tool.
func NamespacedName(serverName, originalName string) string {
	return serverName + "." + originalName
}

// ParseNamespacedName splits a namespaced tool name into server name and
// original tool name. The split happens on the first dot only: original
// tool names may themselves contain dots ("srv.a.b.c" resolves to server
// "srv" and tool "a.b.c").
func ParseNamespacedName(name string) (serverName, originalName string, err error) {
	idx := strings.Index(name, ".")
	if idx <= 0 || idx == len(name)-1 {
		return "", "", fault.New(fault.KindValidation, "tool name %q is not namespaced (want {server}.{tool})", name)
	}
	return name[:idx], name[idx+1:], nil
}
