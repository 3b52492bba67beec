package terminal

import (
	"context"
	"path"
	"strings"
)

// MockShell emulates a tiny shell without any host, for demos and tests.
// It understands cd, ls, pwd and echo.
type MockShell struct {
	// Listing maps a directory to its ls output. Nil means DefaultListing.
	Listing map[string]string
}

// DefaultListing is the mock filesystem.
var DefaultListing = map[string]string{
	"~":        "Documents  Downloads  projects  notes.txt",
	"/":        "bin  boot  dev  etc  home  opt  root  srv  tmp  usr  var",
	"/etc":     "hosts  nginx  os-release  passwd  ssh",
	"/home":    "operator",
	"/opt":     "app",
	"/var":     "lib  log  www",
	"/var/log": "auth.log  nginx  syslog",
	"/var/www": "html",
}

// Run interprets one command line.
func (m *MockShell) Run(_ context.Context, cwd, command string) (string, string) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", cwd
	}
	args := fields[1:]
	switch fields[0] {
	case "cd":
		arg := ""
		if len(args) > 0 {
			arg = args[0]
		}
		return "", changeDir(cwd, arg)
	case "pwd":
		return cwd, cwd
	case "ls":
		dir := cwd
		for _, a := range args {
			if !strings.HasPrefix(a, "-") {
				dir = changeDir(cwd, a)
				break
			}
		}
		return m.listing()[dir], cwd
	case "echo":
		for i, a := range args {
			args[i] = strings.Trim(a, `"'`)
		}
		return strings.Join(args, " "), cwd
	default:
		return fields[0] + ": command not found", cwd
	}
}

func (m *MockShell) listing() map[string]string {
	if m.Listing == nil {
		return DefaultListing
	}
	return m.Listing
}

// changeDir resolves arg against cwd. The home directory is the literal "~";
// going up from it lands on "/".
func changeDir(cwd, arg string) string {
	if arg == "" || arg == "~" {
		return "~"
	}
	cur := cwd
	if strings.HasPrefix(arg, "/") {
		cur = "/"
	}
	for i, seg := range strings.Split(arg, "/") {
		switch {
		case seg == "" || seg == ".":
		case seg == "~" && i == 0:
			cur = "~"
		case seg == "..":
			switch cur {
			case "~":
				cur = "/"
			case "/":
			default:
				cur = path.Dir(cur)
			}
		default:
			cur = path.Join(cur, seg)
		}
	}
	return cur
}
