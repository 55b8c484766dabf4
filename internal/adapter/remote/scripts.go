package remote

import "strings"

// Script wraps command in a strict shell prelude that escalates through sudo
// when the remote user is not root.
func Script(command string) string {
	var b strings.Builder
	b.WriteString("set -eu\n")
	b.WriteString("SUDO=\"\"\n")
	b.WriteString("if [ \"$(id -u)\" -ne 0 ]; then\n")
	b.WriteString("  if ! command -v sudo >/dev/null 2>&1; then\n")
	b.WriteString("    echo \"sudo is required for non-root remote user\" >&2\n")
	b.WriteString("    exit 1\n")
	b.WriteString("  fi\n")
	b.WriteString("  SUDO=\"sudo\"\n")
	b.WriteString("fi\n")
	b.WriteString("${SUDO} ")
	b.WriteString(strings.TrimSpace(command))
	b.WriteString("\n")
	return b.String()
}
