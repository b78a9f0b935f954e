package toolexec

import (
	"errors"
	"fmt"
	"strings"

	"github.com/vikashloomba/mcpchat-go/pkg/serverconfig"
)

// Delimiter separates the server id from the original tool name.
const Delimiter = serverconfig.ToolNameDelimiter

// ErrMalformedToolName is returned when a name does not have the
// "{serverId}___{toolName}" shape.
var ErrMalformedToolName = errors.New("toolexec: malformed namespaced tool name")

// Namespace builds the AI-visible name of toolName on serverID.
func Namespace(serverID, toolName string) string {
	return serverID + Delimiter + toolName
}

// Split breaks a namespaced name at the first delimiter. Server ids never
// contain the delimiter; tool names may.
func Split(name string) (serverID, toolName string, err error) {
	serverID, toolName, ok := strings.Cut(name, Delimiter)
	if !ok || serverID == "" || toolName == "" {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedToolName, name)
	}
	return serverID, toolName, nil
}

// ServerIDOf returns the server id encoded in a namespaced name.
func ServerIDOf(name string) (string, error) {
	serverID, _, err := Split(name)
	return serverID, err
}

// OriginalName returns the server-side tool name encoded in a namespaced name.
func OriginalName(name string) (string, error) {
	_, toolName, err := Split(name)
	return toolName, err
}
